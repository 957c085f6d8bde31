package processing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// recordingEncoder は処理した項目を順に記録するEncoder実装
type recordingEncoder struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingEncoder) Encode(ctx context.Context, item *QueueItem, outPath string) error {
	r.mu.Lock()
	r.names = append(r.names, item.BaseName)
	r.mu.Unlock()
	return os.WriteFile(outPath, []byte("dng"), 0644)
}

func (r *recordingEncoder) Extension() string { return "dng" }

func (r *recordingEncoder) processed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// gateEncoder は解放されるまでEncodeをブロックするEncoder実装
// ワーカーを意図的に塞いで満杯時の挙動を検証する
type gateEncoder struct {
	recordingEncoder
	release chan struct{}
}

func newGateEncoder() *gateEncoder {
	return &gateEncoder{release: make(chan struct{})}
}

func (g *gateEncoder) Encode(ctx context.Context, item *QueueItem, outPath string) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.recordingEncoder.Encode(ctx, item, outPath)
}

// newTestQueue は一時ディレクトリ配下で動くキューを組み立てる
func newTestQueue(t *testing.T, capacity int, encoder, fallback Encoder) *Queue {
	t.Helper()

	cfg := testProcessingConfig(t)
	cfg.Capacity = capacity
	cfg.JoinTimeout = time.Second

	processor := NewProcessor(cfg, encoder, fallback)
	if err := processor.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}
	return NewQueue(cfg, processor)
}

func queueItem(n int) *QueueItem {
	return &QueueItem{
		ID:             fmt.Sprintf("item-%d", n),
		SequenceNumber: n,
		BaseName:       fmt.Sprintf("photo%03d", n),
		Raw:            bytes.Repeat([]byte{byte(n)}, 64),
		Width:          4608,
		Height:         2592,
		CapturedAt:     time.Now(),
		Sidecar:        Sidecar{SequenceNumber: n, Mode: "raw"},
	}
}

// waitForStats は統計が条件を満たすまでポーリングする
func waitForStats(t *testing.T, q *Queue, what string, cond func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond(q.GetStats()) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s (stats: %+v)", what, q.GetStats())
}

func TestQueue_ProcessesInOrder(t *testing.T) {
	ctx := context.Background()
	enc := &recordingEncoder{}
	q := newTestQueue(t, 10, enc, NewArchiveEncoder())

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Stop(ctx)

	for n := 1; n <= 5; n++ {
		if err := q.Enqueue(queueItem(n)); err != nil {
			t.Fatalf("Enqueue %d failed: %v", n, err)
		}
	}

	waitForStats(t, q, "all items processed", func(s Stats) bool {
		return s.Processed == 5
	})

	names := enc.processed()
	for n := 1; n <= 5; n++ {
		want := fmt.Sprintf("photo%03d", n)
		if names[n-1] != want {
			t.Fatalf("Expected %s at position %d, got %v", want, n-1, names)
		}
	}

	stats := q.GetStats()
	if stats.Accepted != 5 || stats.Rejected != 0 || stats.Failures != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if q.Depth() != 0 {
		t.Errorf("Expected empty queue, depth=%d", q.Depth())
	}
}

func TestQueue_EnqueueBeforeStart(t *testing.T) {
	q := newTestQueue(t, 10, &recordingEncoder{}, NewArchiveEncoder())

	if err := q.Enqueue(queueItem(1)); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped before start, got %v", err)
	}
}

func TestQueue_RejectsWhenFull(t *testing.T) {
	ctx := context.Background()
	gate := newGateEncoder()
	q := newTestQueue(t, 10, gate, NewArchiveEncoder())

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Stop(ctx)

	// 先行の1件でワーカーを塞ぎ、バッファを空の状態に揃える
	if err := q.Enqueue(queueItem(0)); err != nil {
		t.Fatalf("Enqueue gate item failed: %v", err)
	}
	waitForStats(t, q, "worker to pick up gate item", func(s Stats) bool {
		return s.Depth == 0
	})

	// 12件を連続投入すると容量の10件だけが受理され、残りは待たずに拒否される
	var rejected []int
	for n := 1; n <= 12; n++ {
		start := time.Now()
		err := q.Enqueue(queueItem(n))
		switch {
		case err == nil:
		case errors.Is(err, ErrQueueFull):
			if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
				t.Errorf("Expected immediate rejection for item %d, took %v", n, elapsed)
			}
			rejected = append(rejected, n)
		default:
			t.Fatalf("Enqueue %d failed unexpectedly: %v", n, err)
		}
	}

	if len(rejected) != 2 || rejected[0] != 11 || rejected[1] != 12 {
		t.Fatalf("Expected exactly items 11 and 12 to be rejected, got %v", rejected)
	}

	stats := q.GetStats()
	if stats.Accepted != 11 || stats.Rejected != 2 {
		t.Errorf("Expected accepted=11 (gate+10) rejected=2, got %+v", stats)
	}

	// 解放後は受理された項目が投入順に処理される
	close(gate.release)
	waitForStats(t, q, "queue to drain", func(s Stats) bool {
		return s.Processed == 11
	})

	names := gate.processed()
	for n := 0; n <= 10; n++ {
		want := fmt.Sprintf("photo%03d", n)
		if names[n] != want {
			t.Fatalf("Expected %s at position %d, got %v", want, n, names)
		}
	}
}

func TestQueue_EnqueueWaitGrabsFreedSlot(t *testing.T) {
	ctx := context.Background()
	gate := newGateEncoder()

	cfg := testProcessingConfig(t)
	cfg.Capacity = 1
	cfg.EnqueueWait = 500 * time.Millisecond
	cfg.JoinTimeout = time.Second

	processor := NewProcessor(cfg, gate, NewArchiveEncoder())
	if err := processor.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}
	q := NewQueue(cfg, processor)

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Stop(ctx)

	if err := q.Enqueue(queueItem(1)); err != nil {
		t.Fatalf("Enqueue 1 failed: %v", err)
	}
	waitForStats(t, q, "worker to pick up first item", func(s Stats) bool {
		return s.Depth == 0
	})
	if err := q.Enqueue(queueItem(2)); err != nil {
		t.Fatalf("Enqueue 2 failed: %v", err)
	}

	// 待機中に詰まりが解消すれば枠を掴める
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate.release)
	}()
	if err := q.Enqueue(queueItem(3)); err != nil {
		t.Fatalf("Expected enqueue to grab freed slot, got %v", err)
	}

	waitForStats(t, q, "queue to drain", func(s Stats) bool {
		return s.Processed == 3
	})
}

func TestQueue_StopDrainsPending(t *testing.T) {
	ctx := context.Background()
	enc := &recordingEncoder{}
	q := newTestQueue(t, 10, enc, NewArchiveEncoder())

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for n := 1; n <= 3; n++ {
		if err := q.Enqueue(queueItem(n)); err != nil {
			t.Fatalf("Enqueue %d failed: %v", n, err)
		}
	}

	// 停止は受付済みの処理完了を待つ
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stats := q.GetStats(); stats.Processed != 3 {
		t.Errorf("Expected 3 items processed before stop, got %+v", stats)
	}

	// 停止後の追加は拒否される
	if err := q.Enqueue(queueItem(4)); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after stop, got %v", err)
	}

	// 二重停止は無害
	if err := q.Stop(ctx); err != nil {
		t.Errorf("Second stop failed: %v", err)
	}
}

func TestQueue_StatsReflectOutcomes(t *testing.T) {
	ctx := context.Background()

	// 一次エンコード失敗 → 代替形式で救済
	q := newTestQueue(t, 10, &failingEncoder{ext: "dng"}, NewArchiveEncoder())
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := q.Enqueue(queueItem(1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitForStats(t, q, "fallback processing", func(s Stats) bool {
		return s.Processed == 1
	})
	if stats := q.GetStats(); stats.EncodeFallbacks != 1 || stats.Failures != 0 {
		t.Errorf("Expected one fallback and no failures, got %+v", stats)
	}
	_ = q.Stop(ctx)

	// 両方失敗 → 処理失敗として数える
	q = newTestQueue(t, 10, &failingEncoder{ext: "dng"}, &failingEncoder{ext: "zip"})
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := q.Enqueue(queueItem(2)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitForStats(t, q, "failure accounting", func(s Stats) bool {
		return s.Failures == 1
	})
	if stats := q.GetStats(); stats.Processed != 0 {
		t.Errorf("Expected no processed items, got %+v", stats)
	}
	_ = q.Stop(ctx)

	// 退避先が塞がれている → 退避失敗を数えつつ現像は続行
	cfg := testProcessingConfig(t)
	cfg.JoinTimeout = time.Second
	if err := os.WriteFile(cfg.RawDir, []byte("blocker"), 0644); err != nil {
		t.Fatalf("Failed to block raw dir: %v", err)
	}
	if err := os.MkdirAll(cfg.EncodedDir, 0755); err != nil {
		t.Fatalf("Failed to create encoded dir: %v", err)
	}
	q = NewQueue(cfg, NewProcessor(cfg, &recordingEncoder{}, NewArchiveEncoder()))
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := q.Enqueue(queueItem(3)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitForStats(t, q, "backup failure accounting", func(s Stats) bool {
		return s.BackupFailures == 1 && s.Processed == 1
	})
	_ = q.Stop(ctx)
}
