package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// failingEncoder は常に失敗するEncoder実装
type failingEncoder struct {
	ext string
}

func (f *failingEncoder) Encode(ctx context.Context, item *QueueItem, outPath string) error {
	return errors.New("意図的なエンコード失敗")
}

func (f *failingEncoder) Extension() string { return f.ext }

// testProcessingConfig は一時ディレクトリ配下の保存先を持つ設定を返す
func testProcessingConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	dir := t.TempDir()
	cfg.RawDir = filepath.Join(dir, "raw")
	cfg.EncodedDir = filepath.Join(dir, "dng")
	cfg.ConverterCommand = []string{"cp", "{input}", "{output}"}
	return cfg
}

func newTestProcessor(t *testing.T, cfg Config, encoder Encoder) *Processor {
	t.Helper()
	p := NewProcessor(cfg, encoder, NewArchiveEncoder())
	if err := p.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}
	return p
}

func TestProcessor_Process(t *testing.T) {
	cfg := testProcessingConfig(t)
	p := newTestProcessor(t, cfg, NewDNGConverter(cfg.ConverterCommand))
	item := testItem()

	result, err := p.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.BackupErr != nil {
		t.Errorf("Unexpected backup error: %v", result.BackupErr)
	}
	if result.FallbackUsed {
		t.Error("Expected primary encoder to succeed")
	}

	// RAWバックアップが最優先で保存される
	backup, err := os.ReadFile(result.BackupPath)
	if err != nil {
		t.Fatalf("Expected raw backup: %v", err)
	}
	if !bytes.Equal(backup, item.Raw) {
		t.Error("Expected backup to match raw input")
	}

	// サイドカーのメタデータが一致する
	sidecarData, err := os.ReadFile(result.SidecarPath)
	if err != nil {
		t.Fatalf("Expected sidecar: %v", err)
	}
	var sidecar Sidecar
	if err := json.Unmarshal(sidecarData, &sidecar); err != nil {
		t.Fatalf("Failed to parse sidecar: %v", err)
	}
	if sidecar != item.Sidecar {
		t.Errorf("Sidecar mismatch: got %+v, want %+v", sidecar, item.Sidecar)
	}

	// 成果物は現像保存先に拡張子付きで並ぶ
	if filepath.Base(result.EncodedPath) != "photo005.dng" {
		t.Errorf("Expected photo005.dng, got %s", result.EncodedPath)
	}
	if _, err := os.Stat(result.EncodedPath); err != nil {
		t.Errorf("Expected encoded artifact: %v", err)
	}
}

func TestProcessor_FallbackOnEncodeFailure(t *testing.T) {
	cfg := testProcessingConfig(t)
	p := newTestProcessor(t, cfg, NewDNGConverter([]string{"false", "{input}", "{output}"}))

	result, err := p.Process(context.Background(), testItem())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !result.FallbackUsed {
		t.Error("Expected fallback encoder to be used")
	}
	if filepath.Base(result.EncodedPath) != "photo005.zip" {
		t.Errorf("Expected photo005.zip, got %s", result.EncodedPath)
	}
	if _, err := os.Stat(result.EncodedPath); err != nil {
		t.Errorf("Expected fallback artifact: %v", err)
	}
}

func TestProcessor_BothEncodersFail(t *testing.T) {
	cfg := testProcessingConfig(t)
	p := NewProcessor(cfg, &failingEncoder{ext: "dng"}, &failingEncoder{ext: "zip"})
	if err := p.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}

	result, err := p.Process(context.Background(), testItem())
	if err == nil {
		t.Fatal("Expected error when both encoders fail")
	}

	// 現像に失敗しても退避は完了している
	if result.BackupPath == "" {
		t.Fatal("Expected backup path despite encode failure")
	}
	if _, serr := os.Stat(result.BackupPath); serr != nil {
		t.Errorf("Expected raw backup to survive: %v", serr)
	}
}

func TestProcessor_BackupFailureDoesNotStopEncode(t *testing.T) {
	cfg := testProcessingConfig(t)

	// RAW保存先を通常ファイルで塞いで書き込みを失敗させる
	if err := os.WriteFile(cfg.RawDir, []byte("blocker"), 0644); err != nil {
		t.Fatalf("Failed to block raw dir: %v", err)
	}
	if err := os.MkdirAll(cfg.EncodedDir, 0755); err != nil {
		t.Fatalf("Failed to create encoded dir: %v", err)
	}

	p := NewProcessor(cfg, NewDNGConverter(cfg.ConverterCommand), NewArchiveEncoder())
	result, err := p.Process(context.Background(), testItem())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.BackupErr == nil {
		t.Error("Expected backup error to be recorded")
	}
	if result.BackupPath != "" {
		t.Errorf("Expected empty backup path, got %s", result.BackupPath)
	}
	if _, serr := os.Stat(result.EncodedPath); serr != nil {
		t.Errorf("Expected encode to proceed despite backup failure: %v", serr)
	}
}

func TestProcessor_Reconcile(t *testing.T) {
	ctx := context.Background()
	cfg := testProcessingConfig(t)
	p := newTestProcessor(t, cfg, NewDNGConverter(cfg.ConverterCommand))

	writeRaw := func(base string, sidecar bool) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(cfg.RawDir, base+".raw"), []byte("sensordump"), 0644); err != nil {
			t.Fatalf("Failed to write raw: %v", err)
		}
		if sidecar {
			meta, _ := json.Marshal(Sidecar{SequenceNumber: 1, Width: 100, Height: 50})
			if err := os.WriteFile(filepath.Join(cfg.RawDir, base+".json"), meta, 0644); err != nil {
				t.Fatalf("Failed to write sidecar: %v", err)
			}
		}
	}

	// photo001: サイドカー付きで成果物なし → 再現像の対象
	writeRaw("photo001", true)
	// photo002: サイドカーも成果物もなし → 再現像の対象
	writeRaw("photo002", false)
	// photo003: 一次成果物あり → 対象外
	writeRaw("photo003", true)
	if err := os.WriteFile(filepath.Join(cfg.EncodedDir, "photo003.dng"), []byte("done"), 0644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
	// photo004: 代替成果物あり → 対象外
	writeRaw("photo004", false)
	if err := os.WriteFile(filepath.Join(cfg.EncodedDir, "photo004.zip"), []byte("done"), 0644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
	// 対象外の雑多なファイル
	if err := os.WriteFile(filepath.Join(cfg.RawDir, "note.txt"), []byte("memo"), 0644); err != nil {
		t.Fatalf("Failed to write stray file: %v", err)
	}

	repaired, err := p.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(repaired) != 2 || repaired[0] != "photo001" || repaired[1] != "photo002" {
		t.Fatalf("Expected photo001 and photo002 to be repaired, got %v", repaired)
	}

	for _, base := range repaired {
		if _, err := os.Stat(filepath.Join(cfg.EncodedDir, base+".dng")); err != nil {
			t.Errorf("Expected repaired artifact for %s: %v", base, err)
		}
	}

	// 2回目は何も残っていない
	repaired, err = p.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Second reconcile failed: %v", err)
	}
	if len(repaired) != 0 {
		t.Errorf("Expected nothing to repair, got %v", repaired)
	}
}

func TestProcessor_ReconcileMissingDir(t *testing.T) {
	cfg := testProcessingConfig(t)
	p := NewProcessor(cfg, NewDNGConverter(cfg.ConverterCommand), NewArchiveEncoder())

	// 保存先が未作成でもエラーにしない
	repaired, err := p.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(repaired) != 0 {
		t.Errorf("Expected no repairs, got %v", repaired)
	}
}
