package camera

import (
	"context"
	"fmt"
	"log"
	"time"
)

// supervisedResult は監視対象ゴルーチンの実行結果
type supervisedResult struct {
	data *CaptureData
	err  error
}

// CaptureSupervisor は撮影をタイムアウト監視付きで実行する
//
// 撮影本体は別ゴルーチンで走らせ、本体側が排他ロックを取得して
// デバイス操作に入る直前に開始シグナルを発火する。開始シグナルが
// StartTimeout以内に来なければ、先行操作がデバイスを抱えたまま
// ハングしていると判断してFailedToStartを返す。開始後TotalTimeout
// 以内に完了しなければ、デバイスハンドルを強制破棄して資源を回収する
type CaptureSupervisor struct {
	startTimeout time.Duration
	totalTimeout time.Duration
}

// NewCaptureSupervisor は新しいCaptureSupervisorを作成する
func NewCaptureSupervisor(cfg Config) *CaptureSupervisor {
	return &CaptureSupervisor{
		startTimeout: cfg.StartTimeout,
		totalTimeout: cfg.TotalTimeout,
	}
}

// Run は撮影を監視付きで実行する
//
// 戻り値のRecoveryActionは呼び出し側への後始末の指示で、
// RecoveryRestartedの場合はセッションが破棄済みであり再初期化が必要
func (s *CaptureSupervisor) Run(ctx context.Context, ctrl *ModeController, req CaptureRequest) (*CaptureData, RecoveryAction, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	startedCh := make(chan struct{})
	done := make(chan supervisedResult, 1)

	go func() {
		data, err := ctrl.captureSignaled(runCtx, req, func() { close(startedCh) })
		done <- supervisedResult{data: data, err: err}
	}()

	startTimer := time.NewTimer(s.startTimeout)
	defer startTimer.Stop()

	// 開始待ち
	select {
	case <-startedCh:
		// デバイス操作に入った
	case res := <-done:
		// 開始シグナルの前に終了した（未初期化などの即時失敗）
		return res.data, RecoveryNone, res.err
	case <-startTimer.C:
		// 排他ロックが取得できていない。本体には中止を指示し、
		// デバイス自体はまだ先行操作の監視下にあるため破棄しない
		cancel()
		log.Printf("撮影 %s が %v 以内に開始しませんでした", req.ID, s.startTimeout)
		return nil, RecoveryNone, NewCaptureError(ErrorFailedToStart,
			fmt.Errorf("撮影が %v 以内に開始しませんでした", s.startTimeout))
	case <-ctx.Done():
		cancel()
		return nil, RecoveryNone, NewCaptureError(ErrorDevice,
			fmt.Errorf("開始待ちの間に中断されました: %w", ctx.Err()))
	}

	completeTimer := time.NewTimer(s.totalTimeout)
	defer completeTimer.Stop()

	// 完了待ち
	select {
	case res := <-done:
		return res.data, RecoveryNone, res.err
	case <-completeTimer.C:
		// デバイス操作中にハングした。ハンドルを強制破棄して
		// ハング中のゴルーチンを失敗させ、資源を回収する
		cancel()
		ctrl.ForceReset()
		log.Printf("撮影 %s が %v 以内に完了しませんでした。セッションを強制リセットしました", req.ID, s.totalTimeout)
		return nil, RecoveryRestarted, NewCaptureError(ErrorTimedOut,
			fmt.Errorf("撮影が %v 以内に完了しませんでした", s.totalTimeout))
	case <-ctx.Done():
		// 親コンテキストの中断。撮影中のハンドルを残さない
		cancel()
		ctrl.ForceReset()
		return nil, RecoveryRestarted, NewCaptureError(ErrorDevice,
			fmt.Errorf("撮影中に中断されました: %w", ctx.Err()))
	}
}
