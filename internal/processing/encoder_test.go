package processing

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// testItem は現像1件分のテストデータを作る
func testItem() *QueueItem {
	return &QueueItem{
		ID:             "test-item",
		SequenceNumber: 5,
		BaseName:       "photo005",
		Raw:            bytes.Repeat([]byte{0xAB}, 512),
		Width:          4608,
		Height:         2592,
		CapturedAt:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Sidecar: Sidecar{
			CapturedAt:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			SequenceNumber: 5,
			Mode:           "raw",
			Width:          4608,
			Height:         2592,
			AnalogueGain:   2.5,
			ExposureTimeUs: 16666,
			LensPosition:   1.5,
		},
	}
}

func TestDNGConverter_Encode(t *testing.T) {
	dir := t.TempDir()
	item := testItem()
	outPath := filepath.Join(dir, "photo005.dng")

	// cpで入力を写すだけの疑似変換。外部の現像ツールなしで経路を通せる
	conv := NewDNGConverter([]string{"cp", "{input}", "{output}"})
	if err := conv.Encode(context.Background(), item, outPath); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("Expected output file: %v", err)
	}
	if !bytes.Equal(data, item.Raw) {
		t.Error("Expected output to match raw input")
	}

	// 中間ファイルが残っていない
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".raw") {
			t.Errorf("Expected temp file to be removed, found %s", entry.Name())
		}
	}
}

func TestDNGConverter_CommandFailure(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "photo005.dng")

	conv := NewDNGConverter([]string{"false", "{input}", "{output}"})
	if err := conv.Encode(context.Background(), testItem(), outPath); err == nil {
		t.Fatal("Expected command failure")
	}

	// 失敗時も中間ファイルは残らない
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty dir after failure, got %d entries", len(entries))
	}
}

func TestDNGConverter_MissingArtifact(t *testing.T) {
	// コマンドは成功するが成果物を書かない
	outPath := filepath.Join(t.TempDir(), "photo005.dng")
	conv := NewDNGConverter([]string{"true", "{input}", "{output}"})

	err := conv.Encode(context.Background(), testItem(), outPath)
	if err == nil {
		t.Fatal("Expected error when artifact is missing")
	}
}

func TestDNGConverter_Validate(t *testing.T) {
	if err := NewDNGConverter([]string{"cp", "{input}", "{output}"}).Validate(); err != nil {
		t.Errorf("Expected cp to be available: %v", err)
	}
	if err := NewDNGConverter([]string{"definitely-missing-converter-cmd"}).Validate(); err == nil {
		t.Error("Expected validation failure for missing command")
	}
	if err := NewDNGConverter(nil).Validate(); err == nil {
		t.Error("Expected validation failure for empty command")
	}
}

func TestArchiveEncoder_Encode(t *testing.T) {
	dir := t.TempDir()
	item := testItem()
	outPath := filepath.Join(dir, "photo005.zip")

	enc := NewArchiveEncoder()
	if err := enc.Encode(context.Background(), item, outPath); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// 書き込み途中の一時ファイルが残っていない
	if _, err := os.Stat(outPath + ".temp"); !os.IsNotExist(err) {
		t.Error("Expected temp file to be replaced")
	}

	r, err := zip.OpenReader(outPath)
	if err != nil {
		t.Fatalf("Expected readable archive: %v", err)
	}
	defer r.Close()

	contents := make(map[string][]byte)
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("Failed to open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("Failed to read entry %s: %v", f.Name, err)
		}
		contents[f.Name] = data
	}

	if len(contents) != 2 {
		t.Fatalf("Expected 2 archive entries, got %d", len(contents))
	}
	if !bytes.Equal(contents["photo005.raw"], item.Raw) {
		t.Error("Expected archived raw to match input")
	}

	var sidecar Sidecar
	if err := json.Unmarshal(contents["photo005.json"], &sidecar); err != nil {
		t.Fatalf("Failed to parse archived metadata: %v", err)
	}
	if sidecar.SequenceNumber != 5 || sidecar.AnalogueGain != 2.5 {
		t.Errorf("Unexpected archived metadata: %+v", sidecar)
	}
}
