package camera

import (
	"context"
	"time"
)

// Mode はカメラの動作モードを表す
type Mode string

const (
	ModePreview      Mode = "preview" // 低遅延プレビュー用ストリーム
	ModeHighResStill Mode = "highres" // 最大解像度の静止画撮影
	ModeRawStill     Mode = "raw"     // センサー生データ撮影
)

// IsValid はモードが既知の値かどうかを返す
func (m Mode) IsValid() bool {
	switch m {
	case ModePreview, ModeHighResStill, ModeRawStill:
		return true
	}
	return false
}

// SessionStatus はカメラセッションの状態を表す
type SessionStatus string

const (
	SessionUninitialized SessionStatus = "uninitialized" // 初期化前または強制リセット後
	SessionReady         SessionStatus = "ready"         // 撮影可能
	SessionCapturing     SessionStatus = "capturing"     // 撮影実行中
)

// Resolution はストリームの解像度を表す
type Resolution struct {
	Width  int `yaml:"width"`  // 幅
	Height int `yaml:"height"` // 高さ
}

// ModeParams はモードごとのストリーム設定
type ModeParams struct {
	Resolution Resolution // 解像度
	VFlip      bool       // 上下反転
	HFlip      bool       // 左右反転
	AFWindow   bool       // 中央領域へのAFウィンドウを使う
}

// FocusState はオートフォーカスの状態を表す
type FocusState string

const (
	FocusUnknown  FocusState = "unknown"  // 状態不明またはAF非対応
	FocusScanning FocusState = "scanning" // 走査中
	FocusFocused  FocusState = "focused"  // 合焦
	FocusFailed   FocusState = "failed"   // 合焦失敗
)

// CaptureMetadata はドライバ境界で変換される撮影時メタデータ
// このコアが依存するフィールドのみを持つ
type CaptureMetadata struct {
	AnalogueGain   float64    // アナログゲイン
	ExposureTimeUs int        // 露光時間（マイクロ秒）
	LensPosition   float64    // レンズ位置
	FocusState     FocusState // フォーカス状態
}

// Controls はモード切替をまたいで維持するカメラ制御値
type Controls struct {
	AnalogueGain   float64 // アナログゲイン
	ExposureTimeUs int     // 露光時間（マイクロ秒）
	AeEnabled      bool    // 自動露出の有効/無効
	Contrast       float64 // コントラスト
	Saturation     float64 // 彩度
	Sharpness      float64 // シャープネス
	FocusLocked    bool    // フォーカスロック状態
	LensPosition   float64 // ロック時のレンズ位置
}

// CaptureSpec はデバイスへの1回の撮影指示
type CaptureSpec struct {
	Mode       Mode   // 撮影モード
	OutputPath string // JPEG系モードの書き込み先（rawモードでは空）
	Stream     bool   // ファイルに書かずメモリ上のバッファで返す
}

// CaptureData はデバイスから返される撮影結果
type CaptureData struct {
	FilePath string          // 書き込まれたファイル（JPEG系モード）
	FileSize int64           // 出力サイズ（バイト）
	Raw      []byte          // rawモードのセンサーバッファ（デバイス内部バッファとは独立したコピー）
	Width    int             // rawバッファの幅
	Height   int             // rawバッファの高さ
	Format   string          // rawバッファのピクセルフォーマット（FourCC）
	Metadata CaptureMetadata // 撮影時メタデータ
}

// CaptureRequest は1回の撮影要求を表す不変値
type CaptureRequest struct {
	ID          string    // 相関ID
	Mode        Mode      // 撮影モード
	OutputPath  string    // 出力先パス
	Stream      bool      // メモリ上のバッファで受け取る
	RequestedAt time.Time // 要求時刻
}

// RecoveryAction は撮影失敗時に取られた回復動作
type RecoveryAction string

const (
	RecoveryNone      RecoveryAction = "none"      // 回復動作なし
	RecoveryRestarted RecoveryAction = "restarted" // 強制リセットを実行
)

// CaptureResult は監督付き撮影の結果
type CaptureResult struct {
	Success        bool           // 撮影成功
	Filename       string         // 出力ファイル名（ベース名）
	OutputPath     string         // 出力先フルパス
	SequenceNumber int            // 割り当てられた連番
	Elapsed        time.Duration  // 所要時間
	FileSize       int64          // 出力サイズ（バイト）
	ErrorKind      ErrorKind      // エラー分類（成功時は空）
	Err            error          // 失敗時のエラー
	Recovery       RecoveryAction // 取られた回復動作
	Reinitialized  bool           // 自動再初期化が成功したか
	QueueDepth     int            // 撮影後の処理キュー深さ（rawモード）
}

// Device はカメラデバイスへの機能インターフェース
// すべての実装はModeControllerの排他ロック配下で呼び出される
type Device interface {
	// Configure はモードに応じたストリーム設定を適用する
	Configure(ctx context.Context, mode Mode, params ModeParams) error

	// Start はストリームを開始する
	Start(ctx context.Context) error

	// Stop はストリームを停止する
	Stop(ctx context.Context) error

	// Capture は現在のモードで1枚撮影する
	Capture(ctx context.Context, spec CaptureSpec) (*CaptureData, error)

	// GetMetadata は直近の撮影時メタデータを取得する
	GetMetadata(ctx context.Context) (CaptureMetadata, error)

	// SetControls はカメラ制御値を適用する
	SetControls(ctx context.Context, controls Controls) error

	// TriggerAutofocus はオートフォーカス走査を開始する
	TriggerAutofocus(ctx context.Context) error

	// Close はデバイスを解放する
	// 強制リセット経路からロックを取らずに呼ばれるため、並行呼び出しに耐えること
	Close() error
}

// DeviceFactory はデバイスを生成する関数
// 強制リセット後の再初期化で新しいハンドルを作るために使う
type DeviceFactory func() (Device, error)
