package camera

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// appliedConfig は適用済みのモード設定の記録
type appliedConfig struct {
	mode   Mode
	params ModeParams
}

// ModeController はデバイスハンドルと現在のモードを所有し、
// 停止→再設定→再開の安全なモード切替を実行する
//
// 1つのインスタンスが1つのカメラセッションに対応する。強制リセットや
// シャットダウンで無効化されたインスタンスは再利用せず、新しく作り直す
type ModeController struct {
	cfg     Config
	factory DeviceFactory

	// mu はデバイスに触れるすべての操作を直列化する排他ロック
	// 監督側の待ちループでは保持しない
	mu sync.Mutex

	// stateMu はセッション記録（デバイスポインタ・モード・制御値）を守る
	// デバイス操作中には保持せず、ハング中でも読み取れる
	stateMu  sync.RWMutex
	device   Device
	mode     Mode
	lastGood appliedConfig
	controls Controls

	initialized atomic.Bool
	capturing   atomic.Bool
}

// NewModeController は新しいModeControllerを作成する
func NewModeController(cfg Config, factory DeviceFactory) *ModeController {
	return &ModeController{
		cfg:     cfg,
		factory: factory,
	}
}

// defaultControls は初期化直後に適用する制御値を返す
func defaultControls() Controls {
	return Controls{
		AnalogueGain:   1.0,
		ExposureTimeUs: 20000,
		AeEnabled:      true,
		Contrast:       1.2,
		Saturation:     1.1,
		Sharpness:      1.0,
		FocusLocked:    false,
	}
}

// Initialize はデバイスを作成してプレビューモードで起動する
func (c *ModeController) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized.Load() {
		return nil // 既に初期化済み
	}

	params, err := c.cfg.ParamsFor(ModePreview)
	if err != nil {
		return err
	}

	dev, err := c.factory()
	if err != nil {
		return NewCaptureError(ErrorConfiguration, fmt.Errorf("カメラデバイスの作成に失敗: %w", err))
	}

	if err := dev.Configure(ctx, ModePreview, params); err != nil {
		_ = dev.Close()
		return NewCaptureError(ErrorConfiguration, fmt.Errorf("初期設定の適用に失敗: %w", err))
	}

	if err := dev.Start(ctx); err != nil {
		_ = dev.Close()
		return NewCaptureError(ErrorDevice, fmt.Errorf("ストリームの開始に失敗: %w", err))
	}

	// センサーが安定するまで待つ
	if err := sleepCtx(ctx, c.cfg.Warmup); err != nil {
		_ = dev.Close()
		return err
	}

	controls := defaultControls()
	if err := dev.SetControls(ctx, controls); err != nil {
		// 制御値の適用失敗は致命的ではない
		log.Printf("初期制御値の適用に失敗（続行します）: %v", err)
	}

	c.stateMu.Lock()
	c.device = dev
	c.mode = ModePreview
	c.lastGood = appliedConfig{mode: ModePreview, params: params}
	c.controls = controls
	c.stateMu.Unlock()

	c.initialized.Store(true)
	log.Printf("カメラを初期化しました (プレビュー %dx%d)", params.Resolution.Width, params.Resolution.Height)
	return nil
}

// Configure はモードを切り替える
//
// 切替手順: ロック取得 → 撮影中チェック → 停止 → 整定待ち →
// 新設定の適用 → 再開 → 維持すべき制御値の再適用。
// 適用に失敗した場合は直前に成功した設定への巻き戻しを試み、
// それも失敗した場合はセッションを無効化する
func (c *ModeController) Configure(ctx context.Context, mode Mode) error {
	params, err := c.cfg.ParamsFor(mode)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized.Load() {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("セッションが初期化されていません"))
	}

	// 撮影中の再設定は即座に拒否する
	if c.capturing.Load() {
		return NewCaptureError(ErrorBusy, fmt.Errorf("撮影中はモードを切り替えられません"))
	}

	if c.CurrentMode() == mode {
		return nil
	}

	dev := c.currentDevice()
	if dev == nil {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("デバイスハンドルがありません"))
	}

	if err := dev.Stop(ctx); err != nil {
		// 停止失敗は多くの場合すでに停止済みを意味する
		log.Printf("ストリーム停止に失敗（続行します）: %v", err)
	}

	// センサーパイプラインが飛行中のバッファを排出するまで待つ
	if err := sleepCtx(ctx, c.cfg.SettleFor(mode)); err != nil {
		return err
	}

	if err := c.applyAndStart(ctx, dev, mode, params); err != nil {
		log.Printf("モード %s への切替に失敗。直前の設定へ戻します: %v", mode, err)

		last := c.lastGoodSnapshot()
		_ = dev.Stop(ctx) // エラーは無視
		if rerr := c.applyAndStart(ctx, dev, last.mode, last.params); rerr != nil {
			// 巻き戻しも失敗。セッションを無効化して完全な再初期化を求める
			c.invalidate(dev)
			return NewCaptureError(ErrorConfiguration,
				fmt.Errorf("設定の巻き戻しにも失敗しました: %v (元のエラー: %w)", rerr, err))
		}

		c.restoreControls(ctx, dev)
		return NewCaptureError(ErrorConfiguration, err)
	}

	// ゲインやフォーカスロックなど切替をまたいで維持する制御値を再適用する
	c.restoreControls(ctx, dev)

	c.stateMu.Lock()
	prev := c.mode
	c.mode = mode
	c.lastGood = appliedConfig{mode: mode, params: params}
	c.stateMu.Unlock()

	log.Printf("モードを切り替えました: %s → %s (%dx%d)", prev, mode, params.Resolution.Width, params.Resolution.Height)
	return nil
}

// applyAndStart は設定適用とストリーム再開をまとめて行う
func (c *ModeController) applyAndStart(ctx context.Context, dev Device, mode Mode, params ModeParams) error {
	if err := dev.Configure(ctx, mode, params); err != nil {
		return fmt.Errorf("設定の適用に失敗: %w", err)
	}
	if err := dev.Start(ctx); err != nil {
		return fmt.Errorf("ストリームの再開に失敗: %w", err)
	}
	return nil
}

// Capture は現在のモードで1枚撮影する
func (c *ModeController) Capture(ctx context.Context, req CaptureRequest) (*CaptureData, error) {
	return c.captureSignaled(ctx, req, nil)
}

// captureSignaled は撮影を実行し、デバイス操作の直前にstartedを呼ぶ
// startedシグナルは排他ロック取得後に発火するため、先行操作がデバイスを
// 抱えたままハングしている場合はシグナルが出ずに監督側がそれを検出できる
func (c *ModeController) captureSignaled(ctx context.Context, req CaptureRequest, started func()) (*CaptureData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 監督側が開始待ちを打ち切った後の遅延実行を防ぐ
	if err := ctx.Err(); err != nil {
		return nil, NewCaptureError(ErrorDevice, fmt.Errorf("撮影開始前にキャンセルされました: %w", err))
	}

	if !c.initialized.Load() {
		return nil, NewCaptureError(ErrorNotInitialized, fmt.Errorf("セッションが初期化されていません"))
	}

	if mode := c.CurrentMode(); mode != req.Mode {
		return nil, NewCaptureError(ErrorConfiguration,
			fmt.Errorf("要求モード %s と現在のモード %s が一致しません", req.Mode, mode))
	}

	dev := c.currentDevice()
	if dev == nil {
		return nil, NewCaptureError(ErrorNotInitialized, fmt.Errorf("デバイスハンドルがありません"))
	}

	// 撮影中フラグ: プレビューループなどの協調者はこれを見て自発的に待避する
	c.capturing.Store(true)
	defer c.capturing.Store(false)

	if started != nil {
		started()
	}

	spec := CaptureSpec{Mode: req.Mode, OutputPath: req.OutputPath, Stream: req.Stream}
	data, err := dev.Capture(ctx, spec)
	if err != nil {
		if KindOf(err) == ErrorDevice {
			return nil, NewCaptureError(ErrorDevice, fmt.Errorf("撮影に失敗: %w", err))
		}
		return nil, err
	}

	// 次のモード切替で復元できるよう直近のゲインと露光時間を記録する
	c.rememberMetadata(data.Metadata)

	return data, nil
}

// TriggerAutofocus はオートフォーカス走査を開始し、合焦または失敗まで待つ
func (c *ModeController) TriggerAutofocus(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized.Load() {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("セッションが初期化されていません"))
	}
	if c.capturing.Load() {
		return NewCaptureError(ErrorBusy, fmt.Errorf("撮影中はフォーカスを変更できません"))
	}

	dev := c.currentDevice()
	if dev == nil {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("デバイスハンドルがありません"))
	}

	if err := dev.TriggerAutofocus(ctx); err != nil {
		return NewCaptureError(ErrorDevice, fmt.Errorf("オートフォーカスの開始に失敗: %w", err))
	}

	deadline := time.Now().Add(c.cfg.AFTimeout)
	for {
		md, err := dev.GetMetadata(ctx)
		if err != nil {
			return NewCaptureError(ErrorDevice, fmt.Errorf("フォーカス状態の取得に失敗: %w", err))
		}

		switch md.FocusState {
		case FocusFocused:
			c.stateMu.Lock()
			c.controls.LensPosition = md.LensPosition
			c.stateMu.Unlock()
			log.Printf("合焦しました (レンズ位置: %.2f)", md.LensPosition)
			return nil
		case FocusFailed:
			return NewCaptureError(ErrorDevice, fmt.Errorf("合焦に失敗しました"))
		}

		if time.Now().After(deadline) {
			return NewCaptureError(ErrorDevice, fmt.Errorf("合焦待ちがタイムアウトしました (%v)", c.cfg.AFTimeout))
		}

		if err := sleepCtx(ctx, c.cfg.AFPollInterval); err != nil {
			return err
		}
	}
}

// LockFocus は現在のレンズ位置でフォーカスを固定し、自動露出も停止する
func (c *ModeController) LockFocus(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized.Load() {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("セッションが初期化されていません"))
	}

	dev := c.currentDevice()
	if dev == nil {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("デバイスハンドルがありません"))
	}

	md, err := dev.GetMetadata(ctx)
	if err != nil {
		return NewCaptureError(ErrorDevice, fmt.Errorf("メタデータの取得に失敗: %w", err))
	}

	c.stateMu.Lock()
	c.controls.FocusLocked = true
	c.controls.LensPosition = md.LensPosition
	c.controls.AeEnabled = false
	controls := c.controls
	c.stateMu.Unlock()

	if err := dev.SetControls(ctx, controls); err != nil {
		return NewCaptureError(ErrorDevice, fmt.Errorf("フォーカスロックの適用に失敗: %w", err))
	}

	log.Printf("フォーカスをロックしました (レンズ位置: %.2f)", md.LensPosition)
	return nil
}

// UnlockFocus はフォーカスロックを解除して連続AFに戻す
func (c *ModeController) UnlockFocus(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized.Load() {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("セッションが初期化されていません"))
	}

	dev := c.currentDevice()
	if dev == nil {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("デバイスハンドルがありません"))
	}

	c.stateMu.Lock()
	c.controls.FocusLocked = false
	c.controls.AeEnabled = true
	controls := c.controls
	c.stateMu.Unlock()

	if err := dev.SetControls(ctx, controls); err != nil {
		return NewCaptureError(ErrorDevice, fmt.Errorf("フォーカスロック解除の適用に失敗: %w", err))
	}

	log.Printf("フォーカスロックを解除しました")
	return nil
}

// ForceReset はデバイスハンドルを破棄してセッションを無効化する
//
// 排他ロックは取らない。監視タイムアウト時はハングした撮影が
// ロックを保持したままであり、ここで取ろうとすると永久に待つことになる。
// 以降このインスタンスは使用できず、新しいコントローラが必要になる
func (c *ModeController) ForceReset() {
	c.stateMu.Lock()
	dev := c.device
	c.device = nil
	c.stateMu.Unlock()

	c.initialized.Store(false)

	if dev != nil {
		if err := dev.Close(); err != nil {
			log.Printf("強制リセット時のデバイス解放に失敗: %v", err)
		}
	}

	log.Printf("カメラセッションを強制リセットしました")
}

// Shutdown はストリームを停止してデバイスを解放する
func (c *ModeController) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized.Load() {
		return nil // 既に停止している
	}

	dev := c.currentDevice()
	c.initialized.Store(false)

	if dev == nil {
		return nil
	}

	if err := dev.Stop(ctx); err != nil {
		log.Printf("ストリーム停止に失敗（解放を続行します）: %v", err)
	}

	c.stateMu.Lock()
	c.device = nil
	c.stateMu.Unlock()

	if err := dev.Close(); err != nil {
		return fmt.Errorf("デバイスの解放に失敗: %w", err)
	}

	log.Printf("カメラセッションを終了しました")
	return nil
}

// Capturing は撮影実行中かどうかを返す
// プレビューループなどの協調者がロックを取らずに参照できる
func (c *ModeController) Capturing() bool {
	return c.capturing.Load()
}

// Initialized はセッションが有効かどうかを返す
func (c *ModeController) Initialized() bool {
	return c.initialized.Load()
}

// CurrentMode は現在のモードを返す
func (c *ModeController) CurrentMode() Mode {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.mode
}

// CurrentControls は維持対象の制御値のスナップショットを返す
func (c *ModeController) CurrentControls() Controls {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.controls
}

// Status はセッションの状態を返す
func (c *ModeController) Status() SessionStatus {
	if !c.initialized.Load() {
		return SessionUninitialized
	}
	if c.capturing.Load() {
		return SessionCapturing
	}
	return SessionReady
}

// currentDevice はデバイスハンドルを取得する
func (c *ModeController) currentDevice() Device {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.device
}

// lastGoodSnapshot は直前に成功した設定を返す
func (c *ModeController) lastGoodSnapshot() appliedConfig {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastGood
}

// restoreControls は維持対象の制御値をデバイスへ再適用する
func (c *ModeController) restoreControls(ctx context.Context, dev Device) {
	c.stateMu.RLock()
	controls := c.controls
	c.stateMu.RUnlock()

	if err := dev.SetControls(ctx, controls); err != nil {
		// 復元失敗で切替自体を失敗扱いにはしない
		log.Printf("制御値の復元に失敗（続行します）: %v", err)
	}
}

// rememberMetadata は直近の撮影メタデータから維持対象の制御値を更新する
func (c *ModeController) rememberMetadata(md CaptureMetadata) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if md.AnalogueGain > 0 {
		c.controls.AnalogueGain = md.AnalogueGain
	}
	if md.ExposureTimeUs > 0 {
		c.controls.ExposureTimeUs = md.ExposureTimeUs
	}
}

// invalidate は巻き戻し失敗時にセッションを無効化する
func (c *ModeController) invalidate(dev Device) {
	c.initialized.Store(false)

	c.stateMu.Lock()
	c.device = nil
	c.stateMu.Unlock()

	if err := dev.Close(); err != nil {
		log.Printf("セッション無効化時のデバイス解放に失敗: %v", err)
	}
	log.Printf("設定の巻き戻しに失敗したためセッションを無効化しました")
}

// sleepCtx はコンテキストを尊重しながら指定時間待つ
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
