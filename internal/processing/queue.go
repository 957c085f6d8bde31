package processing

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Queue は現像処理のバックグラウンドキューを管理する
//
// 撮影経路を塞がないため、追加は満杯なら即時拒否（または設定された
// 短い待機）で返る。消費側は単一ワーカーで、追加された順に処理する。
// 停止はnil番兵を投入して行い、番兵より前に積まれた項目は
// すべて処理されてからワーカーが終了する
type Queue struct {
	config    Config
	processor *Processor

	items chan *QueueItem
	wg    sync.WaitGroup
	mu    sync.Mutex

	started bool
	stopped bool

	depth           atomic.Int64
	accepted        atomic.Uint64
	rejected        atomic.Uint64
	processed       atomic.Uint64
	failures        atomic.Uint64
	backupFailures  atomic.Uint64
	encodeFallbacks atomic.Uint64
}

// NewQueue は新しいQueueを作成する
func NewQueue(config Config, processor *Processor) *Queue {
	return &Queue{
		config:    config,
		processor: processor,
		items:     make(chan *QueueItem, config.Capacity),
	}
}

// Start は消費ワーカーを開始する
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return fmt.Errorf("現像キューは既に開始しています")
	}
	if q.stopped {
		return fmt.Errorf("停止済みの現像キューは再開できません")
	}

	q.wg.Add(1)
	go q.consume(ctx)

	q.started = true
	log.Printf("現像キューを開始 (容量: %d)", q.config.Capacity)
	return nil
}

// Enqueue は現像待ちの項目を追加する
//
// 満杯の場合、EnqueueWaitが0なら即座にErrQueueFullを返す。
// 0でなければその時間だけ空きを待ち、空かなければErrQueueFullを返す
func (q *Queue) Enqueue(item *QueueItem) error {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.mu.Unlock()

	select {
	case q.items <- item:
		q.depth.Add(1)
		q.accepted.Add(1)
		return nil
	default:
	}

	if q.config.EnqueueWait > 0 {
		timer := time.NewTimer(q.config.EnqueueWait)
		defer timer.Stop()
		select {
		case q.items <- item:
			q.depth.Add(1)
			q.accepted.Add(1)
			return nil
		case <-timer.C:
		}
	}

	q.rejected.Add(1)
	log.Printf("現像キューが満杯のため %s を拒否しました (容量: %d)", item.BaseName, q.config.Capacity)
	return ErrQueueFull
}

// Stop は番兵を投入してワーカーを停止する
// 番兵より前に積まれた項目の処理完了をJoinTimeoutまで待つ
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()

	// 停止の合図。満杯でも既存項目の消費で必ず空きが出る
	go func() {
		select {
		case q.items <- nil:
		case <-ctx.Done():
		}
	}()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("現像キューを停止しました")
	case <-time.After(q.config.JoinTimeout):
		log.Printf("現像ワーカーの停止がタイムアウトしました。%d 件が未処理のまま残っています", q.Depth())
	case <-ctx.Done():
		log.Printf("コンテキストがキャンセルされました。現像キューの停止処理を中断します")
	}

	return nil
}

// consume は単一の消費ワーカー
func (q *Queue) consume(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			if item == nil {
				// 番兵を受け取った
				return
			}
			q.depth.Add(-1)
			q.handle(ctx, item)
		}
	}
}

// handle は1件を処理して統計へ反映する
func (q *Queue) handle(ctx context.Context, item *QueueItem) {
	result, err := q.processor.Process(ctx, item)

	if result.BackupErr != nil {
		q.backupFailures.Add(1)
	}
	if result.FallbackUsed {
		q.encodeFallbacks.Add(1)
	}

	if err != nil {
		q.failures.Add(1)
		log.Printf("現像処理に失敗 (%s): %v", item.BaseName, err)
		return
	}
	q.processed.Add(1)
}

// Depth は現在の待ち件数を返す
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// GetStats は統計情報を返す
func (q *Queue) GetStats() Stats {
	return Stats{
		Depth:           q.Depth(),
		Capacity:        q.config.Capacity,
		Accepted:        q.accepted.Load(),
		Rejected:        q.rejected.Load(),
		Processed:       q.processed.Load(),
		Failures:        q.failures.Load(),
		BackupFailures:  q.backupFailures.Load(),
		EncodeFallbacks: q.encodeFallbacks.Load(),
	}
}
