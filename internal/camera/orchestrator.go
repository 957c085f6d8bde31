package camera

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"shunsatsu/internal/indicator"
	"shunsatsu/internal/processing"
)

// StatusReport は状態問い合わせの応答
type StatusReport struct {
	Session      SessionStatus    `json:"session"`
	Mode         Mode             `json:"mode"`
	Capturing    bool             `json:"capturing"`
	FocusLocked  bool             `json:"focus_locked"`
	NextSequence int              `json:"next_sequence"`
	Queue        processing.Stats `json:"queue"`
	Device       ProbeResult      `json:"device"`
	Reinits      uint64           `json:"reinits"`
	UptimeSec    int64            `json:"uptime_sec"`
	MemoryMB     float64          `json:"memory_mb"`
	DiskFreeMB   float64          `json:"disk_free_mb"`

	// 空き容量と平均成果物サイズから見積もった残り撮影可能枚数
	PhotosRemaining int `json:"photos_remaining"`
}

// CaptureEntry は保存済み撮影の一覧項目
type CaptureEntry struct {
	Filename   string    `json:"filename"`
	Kind       string    `json:"kind"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// OrchestratorDeps はOrchestratorの依存をまとめる
type OrchestratorDeps struct {
	Factory     DeviceFactory
	Allocator   *SequenceAllocator
	Queue       *processing.Queue
	Processor   *processing.Processor
	Indicator   *indicator.Indicator
	CaptureDirs []string // 一覧表示の対象ディレクトリ
}

// Orchestrator は撮影要求の受付からモード切替・監視付き撮影・
// 現像キュー投入までの一連の流れを統括する
//
// セッション（ModeController）は使い捨てで、強制リセット後は
// 新しいインスタンスへ置き換える。ハングした旧セッションの
// ゴルーチンは旧インスタンスのロックごと打ち捨てられる
type Orchestrator struct {
	cfg         Config
	factory     DeviceFactory
	allocator   *SequenceAllocator
	queue       *processing.Queue
	processor   *processing.Processor
	supervisor  *CaptureSupervisor
	indicator   *indicator.Indicator
	captureDirs []string

	// triggerMu は撮影トリガーの多重実行を防ぐ。待たずにTryLockで確認する
	triggerMu sync.Mutex

	// lifecycleMu は初期化・再初期化・終了を直列化する
	lifecycleMu sync.Mutex

	ctrlMu sync.RWMutex
	ctrl   *ModeController

	startedAt time.Time
	reinits   atomic.Uint64
}

// NewOrchestrator は新しいOrchestratorを作成する
func NewOrchestrator(cfg Config, deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		factory:     deps.Factory,
		allocator:   deps.Allocator,
		queue:       deps.Queue,
		processor:   deps.Processor,
		supervisor:  NewCaptureSupervisor(cfg),
		indicator:   deps.Indicator,
		captureDirs: deps.CaptureDirs,
	}
}

// Start は撮影系全体を起動する
// カメラの初期化失敗は致命的ではない。セッションは未初期化のまま
// サーバーを立ち上げ、撮影要求には分類済みエラーを返す
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := os.MkdirAll(o.cfg.StillDir, 0o755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}
	if err := o.processor.EnsureDirs(); err != nil {
		return err
	}

	if err := o.queue.Start(ctx); err != nil {
		return err
	}

	if o.indicator != nil {
		if err := o.indicator.Start(ctx); err != nil {
			log.Printf("LEDインジケーターの起動に失敗（続行します）: %v", err)
		}
	}

	// 前回の実行で中断された現像を回収する
	if repaired, err := o.processor.Reconcile(ctx); err != nil {
		log.Printf("現像の回収に失敗（続行します）: %v", err)
	} else if len(repaired) > 0 {
		log.Printf("中断されていた現像を回収: %d 件", len(repaired))
	}

	if err := o.Initialize(ctx); err != nil {
		log.Printf("カメラの初期化に失敗（未初期化のまま起動します）: %v", err)
	}

	return nil
}

// Initialize はカメラセッションを作成してプレビューを開始する
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if c := o.controller(); c != nil && c.Initialized() {
		return nil
	}

	ctrl := NewModeController(o.cfg, o.factory)
	if err := ctrl.Initialize(ctx); err != nil {
		return err
	}
	o.setController(ctrl)

	if o.startedAt.IsZero() {
		o.startedAt = time.Now()
	}
	return nil
}

// Trigger は1枚の撮影を実行する
// 失敗も分類済みのエラーとして結果に畳み込んで返す
func (o *Orchestrator) Trigger(ctx context.Context, mode Mode) *CaptureResult {
	start := time.Now()
	result := &CaptureResult{Recovery: RecoveryNone}

	if mode != ModeHighResStill && mode != ModeRawStill {
		return o.fail(result, start,
			NewCaptureError(ErrorConfiguration, fmt.Errorf("撮影できないモードです: %s", mode)))
	}

	// 進行中の撮影があれば待たずに拒否する
	if !o.triggerMu.TryLock() {
		return o.fail(result, start,
			NewCaptureError(ErrorBusy, fmt.Errorf("別の撮影が進行中です")))
	}
	defer o.triggerMu.Unlock()

	ctrl := o.controller()
	if ctrl == nil || !ctrl.Initialized() {
		return o.fail(result, start,
			NewCaptureError(ErrorNotInitialized, fmt.Errorf("カメラが初期化されていません")))
	}

	o.setIndicatorState(indicator.StateCapturing)
	defer o.refreshIndicator()

	// 連番は候補のまま進める。確定は成果物の確認後
	seq := o.allocator.NextNumber()

	req := CaptureRequest{
		ID:          uuid.NewString(),
		Mode:        mode,
		RequestedAt: start,
	}
	if mode == ModeHighResStill {
		req.OutputPath = filepath.Join(o.cfg.StillDir, o.allocator.Filename(seq, "jpg"))
	}

	log.Printf("撮影要求 %s: モード=%s 連番候補=%d", req.ID, mode, seq)

	if err := ctrl.Configure(ctx, mode); err != nil {
		return o.fail(result, start, err)
	}

	data, recovery, err := o.supervisor.Run(ctx, ctrl, req)
	result.Recovery = recovery
	if err != nil {
		if recovery == RecoveryRestarted {
			result.Reinitialized = o.recoverSession(ctx)
		} else {
			o.restorePreview(ctx, ctrl)
		}
		return o.fail(result, start, err)
	}

	switch mode {
	case ModeHighResStill:
		if verr := verifyStill(data); verr != nil {
			o.restorePreview(ctx, ctrl)
			return o.fail(result, start, verr)
		}
		o.allocator.Confirm(seq)
		result.Success = true
		result.Filename = filepath.Base(data.FilePath)
		result.OutputPath = data.FilePath
		result.FileSize = data.FileSize
		result.SequenceNumber = seq

	case ModeRawStill:
		if len(data.Raw) == 0 {
			o.restorePreview(ctx, ctrl)
			return o.fail(result, start,
				NewCaptureError(ErrorDevice, fmt.Errorf("センサーデータが空です")))
		}
		item := o.buildQueueItem(req, data, seq, start)
		if qerr := o.queue.Enqueue(item); qerr != nil {
			// 受け付けられなかった撮影の連番は確定しない
			o.restorePreview(ctx, ctrl)
			return o.fail(result, start, classifyEnqueueError(qerr))
		}
		o.allocator.Confirm(seq)
		result.Success = true
		result.Filename = o.allocator.Filename(seq, "dng")
		result.FileSize = int64(len(data.Raw))
		result.SequenceNumber = seq
	}

	o.restorePreview(ctx, ctrl)

	result.QueueDepth = o.queue.Depth()
	result.Elapsed = time.Since(start)
	log.Printf("撮影完了 %s: %s (連番=%d, %v)", req.ID, result.Filename, seq, result.Elapsed)
	return result
}

// TriggerAutofocus はオートフォーカス走査を実行する
func (o *Orchestrator) TriggerAutofocus(ctx context.Context) error {
	ctrl := o.controller()
	if ctrl == nil {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("カメラが初期化されていません"))
	}
	return ctrl.TriggerAutofocus(ctx)
}

// LockFocus は現在のレンズ位置でフォーカスを固定する
func (o *Orchestrator) LockFocus(ctx context.Context) error {
	ctrl := o.controller()
	if ctrl == nil {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("カメラが初期化されていません"))
	}
	return ctrl.LockFocus(ctx)
}

// UnlockFocus はフォーカスロックを解除する
func (o *Orchestrator) UnlockFocus(ctx context.Context) error {
	ctrl := o.controller()
	if ctrl == nil {
		return NewCaptureError(ErrorNotInitialized, fmt.Errorf("カメラが初期化されていません"))
	}
	return ctrl.UnlockFocus(ctx)
}

// Reinitialize はセッションを破棄して作り直す
func (o *Orchestrator) Reinitialize(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	o.reinits.Add(1)

	// 旧セッションの破棄は冪等。強制リセット済みでも安全に呼べる
	if old := o.controller(); old != nil {
		old.ForceReset()
	}
	o.setController(nil)

	ctrl := NewModeController(o.cfg, o.factory)
	if err := ctrl.Initialize(ctx); err != nil {
		return fmt.Errorf("セッションの再初期化に失敗: %w", err)
	}

	// 未確定のまま残った連番候補との食い違いをディスクから取り直す
	if err := o.allocator.Rescan(); err != nil {
		log.Printf("連番の再走査に失敗（続行します）: %v", err)
	}

	o.setController(ctrl)
	log.Printf("セッションを再初期化しました (通算 %d 回)", o.reinits.Load())
	return nil
}

// Reconcile は中断された現像の回収を実行する
func (o *Orchestrator) Reconcile(ctx context.Context) ([]string, error) {
	return o.processor.Reconcile(ctx)
}

// Busy は撮影または現像が進行中かどうかを返す
func (o *Orchestrator) Busy() bool {
	if ctrl := o.controller(); ctrl != nil && ctrl.Capturing() {
		return true
	}
	return o.queue.Depth() > 0
}

// Status は現在の状態をまとめて返す
func (o *Orchestrator) Status(ctx context.Context) StatusReport {
	report := StatusReport{
		Session: SessionUninitialized,
		Mode:    ModePreview,
	}

	if ctrl := o.controller(); ctrl != nil {
		report.Session = ctrl.Status()
		report.Mode = ctrl.CurrentMode()
		report.Capturing = ctrl.Capturing()
		report.FocusLocked = ctrl.CurrentControls().FocusLocked
	}

	report.NextSequence = o.allocator.NextNumber()
	report.Queue = o.queue.GetStats()
	report.Device = Probe(ctx, o.cfg)
	report.Reinits = o.reinits.Load()
	if !o.startedAt.IsZero() {
		report.UptimeSec = int64(time.Since(o.startedAt).Seconds())
	}
	report.MemoryMB = availableMemoryMB()
	report.DiskFreeMB = diskFreeMB(o.cfg.OutputDir)
	if o.cfg.AvgArtifactMB > 0 {
		report.PhotosRemaining = int(report.DiskFreeMB / o.cfg.AvgArtifactMB)
	}

	return report
}

// ListCaptures は保存済み撮影の一覧を返す
func (o *Orchestrator) ListCaptures() ([]CaptureEntry, error) {
	var captures []CaptureEntry

	for _, dir := range o.captureDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			kind := strings.TrimPrefix(filepath.Ext(entry.Name()), ".")
			switch kind {
			case "jpg", "dng", "zip":
			default:
				// RAWバックアップとサイドカーは内部ファイルなので載せない
				continue
			}

			info, err := entry.Info()
			if err != nil {
				log.Printf("ファイル情報の取得に失敗 (%s): %v", entry.Name(), err)
				continue
			}

			captures = append(captures, CaptureEntry{
				Filename:   entry.Name(),
				Kind:       kind,
				Size:       info.Size(),
				ModifiedAt: info.ModTime(),
			})
		}
	}

	// 新しい順。同時刻はファイル名の降順で安定させる
	sort.Slice(captures, func(i, j int) bool {
		if captures[i].ModifiedAt.Equal(captures[j].ModifiedAt) {
			return captures[i].Filename > captures[j].Filename
		}
		return captures[i].ModifiedAt.After(captures[j].ModifiedAt)
	})

	return captures, nil
}

// Shutdown はセッションと現像キューを順に停止する
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	var firstErr error

	if ctrl := o.controller(); ctrl != nil {
		if err := ctrl.Shutdown(ctx); err != nil {
			log.Printf("カメラセッションの終了に失敗: %v", err)
			firstErr = err
		}
		o.setController(nil)
	}

	// 受付済みの現像を処理し切ってから停止する
	if err := o.queue.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if o.indicator != nil {
		if err := o.indicator.Stop(ctx); err != nil {
			log.Printf("LEDインジケーターの停止に失敗: %v", err)
		}
	}

	return firstErr
}

// controller は現在のセッションを返す
func (o *Orchestrator) controller() *ModeController {
	o.ctrlMu.RLock()
	defer o.ctrlMu.RUnlock()
	return o.ctrl
}

func (o *Orchestrator) setController(ctrl *ModeController) {
	o.ctrlMu.Lock()
	defer o.ctrlMu.Unlock()
	o.ctrl = ctrl
}

// recoverSession は強制リセット後の自動再初期化を1回だけ試みる
func (o *Orchestrator) recoverSession(ctx context.Context) bool {
	// ハードウェア側の解放が落ち着くまで待つ
	if err := sleepCtx(ctx, o.cfg.ReinitDelay); err != nil {
		return false
	}
	if err := o.Reinitialize(ctx); err != nil {
		log.Printf("自動再初期化に失敗: %v", err)
		return false
	}
	return true
}

// restorePreview は撮影後にプレビューモードへ戻す
// 復帰の失敗は撮影結果を覆さない
func (o *Orchestrator) restorePreview(ctx context.Context, ctrl *ModeController) {
	if !ctrl.Initialized() {
		return
	}
	if err := ctrl.Configure(ctx, ModePreview); err != nil {
		log.Printf("プレビューへの復帰に失敗: %v", err)
	}
}

// fail は失敗の分類と共通フィールドを詰めて返す
func (o *Orchestrator) fail(result *CaptureResult, start time.Time, err error) *CaptureResult {
	result.Err = err
	result.ErrorKind = KindOf(err)
	result.Elapsed = time.Since(start)
	result.QueueDepth = o.queue.Depth()
	log.Printf("撮影失敗 (%s): %v", result.ErrorKind, err)
	return result
}

// buildQueueItem は撮影結果から現像キューの項目を組み立てる
func (o *Orchestrator) buildQueueItem(req CaptureRequest, data *CaptureData, seq int, capturedAt time.Time) *processing.QueueItem {
	return &processing.QueueItem{
		ID:             req.ID,
		SequenceNumber: seq,
		BaseName:       o.allocator.Base(seq),
		Raw:            data.Raw,
		Width:          data.Width,
		Height:         data.Height,
		CapturedAt:     capturedAt,
		Sidecar: processing.Sidecar{
			CapturedAt:     capturedAt,
			SequenceNumber: seq,
			Mode:           string(req.Mode),
			Width:          data.Width,
			Height:         data.Height,
			AnalogueGain:   data.Metadata.AnalogueGain,
			ExposureTimeUs: data.Metadata.ExposureTimeUs,
			LensPosition:   data.Metadata.LensPosition,
		},
	}
}

func (o *Orchestrator) setIndicatorState(state indicator.State) {
	if o.indicator != nil {
		o.indicator.Set(state)
	}
}

// refreshIndicator は撮影後の表示をキュー状況に合わせて更新する
func (o *Orchestrator) refreshIndicator() {
	if o.indicator == nil {
		return
	}
	if o.queue.Depth() > 0 {
		o.indicator.Set(indicator.StateProcessing)
	} else {
		o.indicator.Set(indicator.StateOff)
	}
}

// verifyStill は静止画の成果物がディスク上に存在することを確認する
func verifyStill(data *CaptureData) error {
	if data.FilePath == "" {
		return NewCaptureError(ErrorDevice, fmt.Errorf("出力ファイルのパスが空です"))
	}
	info, err := os.Stat(data.FilePath)
	if err != nil {
		return NewCaptureError(ErrorDevice, fmt.Errorf("出力ファイルの確認に失敗: %w", err))
	}
	if info.Size() == 0 {
		return NewCaptureError(ErrorDevice, fmt.Errorf("出力ファイルが空です: %s", data.FilePath))
	}
	data.FileSize = info.Size()
	return nil
}

// classifyEnqueueError はキュー投入の失敗を撮影エラーへ分類する
func classifyEnqueueError(err error) error {
	if errors.Is(err, processing.ErrQueueFull) {
		return NewCaptureError(ErrorQueueFull, err)
	}
	return NewCaptureError(ErrorDevice, err)
}

// availableMemoryMB はシステムの利用可能メモリ量を取得する
// rawバッファを積むキューがどこまで耐えられるかの目安になる
func availableMemoryMB() float64 {
	info, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return float64(info.Available) / (1024 * 1024)
}

// diskFreeMB は出力先ファイルシステムの空き容量を取得する
func diskFreeMB(path string) float64 {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0
	}
	return float64(usage.Free) / (1024 * 1024)
}
