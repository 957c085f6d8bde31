package processing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Enqueueの失敗理由
var (
	// ErrQueueFull はキューが満杯で受け付けられなかったことを示す
	ErrQueueFull = errors.New("現像キューが満杯です")
	// ErrStopped は停止済みのキューへの追加を示す
	ErrStopped = errors.New("現像キューは停止しています")
)

// QueueItem は現像待ちの1件
// Rawはセンサーダンプの所有権ごと受け取る（呼び出し側は以後参照しない）
type QueueItem struct {
	ID             string
	SequenceNumber int
	BaseName       string // 拡張子なしのファイル名 (例: photo012)
	Raw            []byte
	Width          int
	Height         int
	CapturedAt     time.Time
	Sidecar        Sidecar
}

// Sidecar は成果物と並べて保存する撮影時メタデータ
type Sidecar struct {
	CapturedAt     time.Time `json:"captured_at"`
	SequenceNumber int       `json:"sequence_number"`
	Mode           string    `json:"mode"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	AnalogueGain   float64   `json:"analogue_gain"`
	ExposureTimeUs int       `json:"exposure_time_us"`
	LensPosition   float64   `json:"lens_position"`
}

// Encoder はRAWデータから成果物を1つ生成する
type Encoder interface {
	// Encode はitemのRAWをoutPathへ変換して書き出す
	Encode(ctx context.Context, item *QueueItem, outPath string) error
	// Extension は成果物の拡張子を返す (例: "dng")
	Extension() string
}

// Result は1件の現像結果
type Result struct {
	BackupPath   string
	SidecarPath  string
	EncodedPath  string
	FallbackUsed bool
	BackupErr    error
	Elapsed      time.Duration
}

// Stats はキューの統計情報
type Stats struct {
	Depth           int    `json:"depth"`
	Capacity        int    `json:"capacity"`
	Accepted        uint64 `json:"accepted"`
	Rejected        uint64 `json:"rejected"`
	Processed       uint64 `json:"processed"`
	Failures        uint64 `json:"failures"`
	BackupFailures  uint64 `json:"backup_failures"`
	EncodeFallbacks uint64 `json:"encode_fallbacks"`
}

// Config は現像パイプラインの設定
type Config struct {
	// キューに積める最大件数
	Capacity int `yaml:"capacity"`
	// RAWバックアップとサイドカーの保存先
	RawDir string `yaml:"raw_dir"`
	// 現像成果物の保存先
	EncodedDir string `yaml:"encoded_dir"`
	// 満杯時に空きを待つ時間。0なら即時拒否する
	EnqueueWait time.Duration `yaml:"enqueue_wait"`
	// 停止時にワーカーの終了を待つ時間
	JoinTimeout time.Duration `yaml:"join_timeout"`
	// 一次エンコードの外部コマンド。{input} と {output} が置換される
	ConverterCommand []string `yaml:"converter_command"`
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Capacity:    10,
		RawDir:      "photos/raw",
		EncodedDir:  "photos/dng",
		EnqueueWait: 0,
		JoinTimeout: 5 * time.Second,
		ConverterCommand: []string{
			"raw2dng", "{input}", "{output}",
		},
	}
}

// Validate は設定値を検証する
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("キュー容量は1以上が必要です: %d", c.Capacity)
	}
	if c.EnqueueWait < 0 {
		return fmt.Errorf("待機時間は0以上が必要です: %v", c.EnqueueWait)
	}
	// 撮影経路を長時間塞がないよう短い上限を設ける
	if c.EnqueueWait > 2*time.Second {
		return fmt.Errorf("待機時間は2秒以下が必要です: %v", c.EnqueueWait)
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("終了待ち時間は正の値が必要です: %v", c.JoinTimeout)
	}
	if c.RawDir == "" {
		return fmt.Errorf("RAW保存先が設定されていません")
	}
	if c.EncodedDir == "" {
		return fmt.Errorf("現像成果物の保存先が設定されていません")
	}
	return nil
}
