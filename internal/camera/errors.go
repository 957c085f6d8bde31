package camera

import (
	"errors"
	"fmt"
)

// ErrorKind は撮影エラーの分類を表す
type ErrorKind string

const (
	// ErrorNone はエラーなしを表す
	ErrorNone ErrorKind = ""

	// ErrorConfiguration は無効なモードやパラメータ
	// 再試行不可。呼び出し側が正しいパラメータを渡す必要がある
	ErrorConfiguration ErrorKind = "configuration"

	// ErrorBusy は別の操作が実行中
	// 時間をおいて再試行できる
	ErrorBusy ErrorKind = "busy"

	// ErrorNotInitialized はセッションが未初期化
	// 撮影前に初期化を呼ぶ必要がある
	ErrorNotInitialized ErrorKind = "not_initialized"

	// ErrorFailedToStart は撮影開始前にデバイスが無応答
	// 致命的。完全な再初期化が必要
	ErrorFailedToStart ErrorKind = "failed_to_start"

	// ErrorTimedOut は撮影中にデバイスが無応答
	// 致命的。強制リセットが実行済みで、再初期化が必要
	ErrorTimedOut ErrorKind = "timed_out"

	// ErrorDevice はデバイス入出力の失敗
	// 監視タイムアウト以外の撮影失敗を表す
	ErrorDevice ErrorKind = "device"

	// ErrorEncodeFallback はリッチエンコードが失敗し圧縮フォールバックが成功
	// 非致命的。ログに記録される
	ErrorEncodeFallback ErrorKind = "encode_fallback"

	// ErrorQueueFull は処理キューが満杯
	// 非致命的。呼び出し側が再試行か破棄を判断する
	ErrorQueueFull ErrorKind = "queue_full"

	// ErrorBackupFailed はrawバックアップの書き込みに失敗
	// エンコード成否とは独立に報告される
	ErrorBackupFailed ErrorKind = "backup_failed"
)

// IsFatal は完全な再初期化が必要な分類かどうかを返す
func (k ErrorKind) IsFatal() bool {
	return k == ErrorFailedToStart || k == ErrorTimedOut
}

// CaptureError は分類付きの撮影エラー
type CaptureError struct {
	Kind ErrorKind
	Err  error
}

// Error はerrorインターフェースの実装
func (e *CaptureError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap はラップされたエラーを返す
func (e *CaptureError) Unwrap() error {
	return e.Err
}

// NewCaptureError は分類付きエラーを作成する
func NewCaptureError(kind ErrorKind, err error) *CaptureError {
	return &CaptureError{Kind: kind, Err: err}
}

// KindOf はエラーから分類を取り出す
// 分類付きエラーでない場合はErrorDeviceを返す
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorNone
	}
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrorDevice
}
