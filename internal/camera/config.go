package camera

import (
	"fmt"
	"time"
)

// Config はカメラオーケストレーションの設定
type Config struct {
	// デバイス選択
	DeviceType string `yaml:"device_type"` // "auto" / "v4l2" / "rpicam" / "mock"
	DevicePath string `yaml:"device_path"` // デバイスパス（例: /dev/video0）
	RawFourCC  string `yaml:"raw_fourcc"`  // rawストリームのピクセルフォーマット（FourCC 4文字）
	ScratchDir string `yaml:"scratch_dir"` // 一時ファイル置き場（tmpfs推奨）

	// 出力先
	OutputDir string `yaml:"output_dir"` // 出力ルートディレクトリ
	StillDir  string `yaml:"still_dir"`  // JPEG出力先（空ならOutputDir/jpgを使う）

	// 残り撮影可能枚数の見積もりに使う成果物1枚の平均サイズ（MB）
	AvgArtifactMB float64 `yaml:"avg_artifact_mb"`

	// モード別ストリーム設定
	Preview Resolution `yaml:"preview"` // プレビュー解像度
	Still   Resolution `yaml:"still"`   // 高解像度静止画の解像度
	Raw     Resolution `yaml:"raw"`     // raw撮影の解像度
	VFlip   bool       `yaml:"vflip"`   // 上下反転
	HFlip   bool       `yaml:"hflip"`   // 左右反転

	JPEGQuality int `yaml:"jpeg_quality"` // JPEG品質 (1-100)

	// モード切替後の整定待ち
	// センサーパイプラインが飛行中のバッファを排出し露出が安定するまでの時間
	SettlePreview time.Duration `yaml:"settle_preview"` // プレビュー (デフォルト: 0)
	SettleStill   time.Duration `yaml:"settle_still"`   // 高解像度静止画 (デフォルト: 200ms)
	SettleRaw     time.Duration `yaml:"settle_raw"`     // raw (デフォルト: 300ms)
	Warmup        time.Duration `yaml:"warmup"`         // 初期化直後のウォームアップ (デフォルト: 1s)

	// 監督付き撮影のタイムアウト
	StartTimeout time.Duration `yaml:"start_timeout"` // 開始シグナル待ち (デフォルト: 2s)
	TotalTimeout time.Duration `yaml:"total_timeout"` // 完了待ち (デフォルト: 10s)
	ReinitDelay  time.Duration `yaml:"reinit_delay"`  // 強制リセット後の再初期化までの待ち (デフォルト: 2s)

	// オートフォーカス
	AFPollInterval  time.Duration `yaml:"af_poll_interval"` // 合焦待ちのポーリング間隔 (デフォルト: 100ms)
	AFTimeout       time.Duration `yaml:"af_timeout"`       // 合焦待ちの上限 (デフォルト: 3s)
	AFWindowEnabled bool          `yaml:"af_window"`        // 中央領域へのAFウィンドウ設定

	// 連番ファイル名
	SequencePrefix string `yaml:"sequence_prefix"` // ファイル名の接頭辞 ("photo")
}

// DefaultConfig はデフォルトのカメラ設定を返す
func DefaultConfig() Config {
	return Config{
		DeviceType:    DeviceAuto,
		DevicePath:    "/dev/video0",
		RawFourCC:     "pgAA", // SBGGR10P
		ScratchDir:    "/dev/shm",
		OutputDir:     "photos",
		AvgArtifactMB: 3.5,
		Preview:       Resolution{Width: 2304, Height: 1296},
		Still:         Resolution{Width: 4608, Height: 2592},
		Raw:           Resolution{Width: 4608, Height: 2592},
		VFlip:         false,
		HFlip:         false,
		JPEGQuality:   93,

		SettlePreview: 0,
		SettleStill:   200 * time.Millisecond,
		SettleRaw:     300 * time.Millisecond,
		Warmup:        1 * time.Second,

		StartTimeout: 2 * time.Second,
		TotalTimeout: 10 * time.Second,
		ReinitDelay:  2 * time.Second,

		AFPollInterval:  100 * time.Millisecond,
		AFTimeout:       3 * time.Second,
		AFWindowEnabled: true,

		SequencePrefix: "photo",
	}
}

// Validate は設定値の妥当性を検証する
func (c *Config) Validate() error {
	switch c.DeviceType {
	case DeviceAuto, DeviceV4L2, DeviceRpicam, DeviceMock:
	default:
		return fmt.Errorf("無効なデバイス種別: %s", c.DeviceType)
	}

	if len(c.RawFourCC) != 4 {
		return fmt.Errorf("無効なFourCC: %q", c.RawFourCC)
	}

	for _, r := range []Resolution{c.Preview, c.Still, c.Raw} {
		if r.Width <= 0 || r.Height <= 0 {
			return fmt.Errorf("無効な解像度: %dx%d", r.Width, r.Height)
		}
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.JPEGQuality)
	}

	if c.AvgArtifactMB <= 0 {
		return fmt.Errorf("平均成果物サイズは正の値が必要です: %v", c.AvgArtifactMB)
	}

	if c.SettlePreview < 0 || c.SettleStill < 0 || c.SettleRaw < 0 {
		return fmt.Errorf("整定待ち時間は負にできません")
	}

	if c.StartTimeout <= 0 || c.TotalTimeout <= 0 {
		return fmt.Errorf("タイムアウトは正の値が必要です")
	}

	if c.TotalTimeout < c.StartTimeout {
		return fmt.Errorf("完了タイムアウト(%v)は開始タイムアウト(%v)以上が必要です", c.TotalTimeout, c.StartTimeout)
	}

	if c.SequencePrefix == "" {
		return fmt.Errorf("連番接頭辞が空です")
	}

	return nil
}

// ParamsFor は指定モードのストリーム設定を返す
func (c *Config) ParamsFor(mode Mode) (ModeParams, error) {
	var res Resolution
	switch mode {
	case ModePreview:
		res = c.Preview
	case ModeHighResStill:
		res = c.Still
	case ModeRawStill:
		res = c.Raw
	default:
		return ModeParams{}, NewCaptureError(ErrorConfiguration, fmt.Errorf("未知のモード: %s", mode))
	}
	return ModeParams{Resolution: res, VFlip: c.VFlip, HFlip: c.HFlip, AFWindow: c.AFWindowEnabled}, nil
}

// SettleFor は指定モードへの切替後に必要な整定待ち時間を返す
func (c *Config) SettleFor(mode Mode) time.Duration {
	switch mode {
	case ModeHighResStill:
		return c.SettleStill
	case ModeRawStill:
		return c.SettleRaw
	default:
		return c.SettlePreview
	}
}
