package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Processor はRAW1件分の退避と現像を実行する
//
// 処理順序は退避が最優先で、現像に失敗しても元データを失わない。
// 一次エンコードに失敗した場合は可搬性のある代替形式へ切り替える
type Processor struct {
	rawDir     string
	encodedDir string
	encoder    Encoder
	fallback   Encoder
}

// NewProcessor は新しいProcessorを作成する
func NewProcessor(config Config, encoder, fallback Encoder) *Processor {
	return &Processor{
		rawDir:     config.RawDir,
		encodedDir: config.EncodedDir,
		encoder:    encoder,
		fallback:   fallback,
	}
}

// EnsureDirs は保存先ディレクトリを作成する
func (p *Processor) EnsureDirs() error {
	if err := os.MkdirAll(p.rawDir, 0755); err != nil {
		return fmt.Errorf("RAW保存先の作成に失敗: %w", err)
	}
	if err := os.MkdirAll(p.encodedDir, 0755); err != nil {
		return fmt.Errorf("現像成果物の保存先の作成に失敗: %w", err)
	}
	return nil
}

// Process は1件分の退避・サイドカー保存・現像を実行する
func (p *Processor) Process(ctx context.Context, item *QueueItem) (Result, error) {
	var result Result
	start := time.Now()

	// RAWバックアップ。失敗しても現像は試みるが、失敗自体は必ず記録する
	backupStart := time.Now()
	backupPath := filepath.Join(p.rawDir, item.BaseName+".raw")
	if err := os.WriteFile(backupPath, item.Raw, 0644); err != nil {
		result.BackupErr = fmt.Errorf("RAWバックアップの保存に失敗: %w", err)
		log.Printf("RAWバックアップの保存に失敗 (%s): %v", item.BaseName, err)
	} else {
		result.BackupPath = backupPath
		log.Printf("RAWバックアップを保存: %s (%.1fMB, %v)",
			backupPath, float64(len(item.Raw))/(1024*1024), time.Since(backupStart))
	}

	// サイドカー。欠けても成果物の価値は損なわれないため失敗はログのみ
	sidecarPath := filepath.Join(p.rawDir, item.BaseName+".json")
	if err := writeSidecar(sidecarPath, item.Sidecar); err != nil {
		log.Printf("サイドカーの保存に失敗 (%s): %v", item.BaseName, err)
	} else {
		result.SidecarPath = sidecarPath
	}

	encStart := time.Now()
	encodedPath, fallbackUsed, err := p.encode(ctx, item)
	if err != nil {
		result.Elapsed = time.Since(start)
		return result, err
	}
	result.EncodedPath = encodedPath
	result.FallbackUsed = fallbackUsed

	result.Elapsed = time.Since(start)
	log.Printf("現像が完了: %s (エンコード %v, 合計 %v)",
		encodedPath, time.Since(encStart), result.Elapsed)
	return result, nil
}

// encode は一次エンコードを試み、失敗時は代替形式へ切り替える
func (p *Processor) encode(ctx context.Context, item *QueueItem) (string, bool, error) {
	encPath := filepath.Join(p.encodedDir, item.BaseName+"."+p.encoder.Extension())
	err := p.encoder.Encode(ctx, item, encPath)
	if err == nil {
		return encPath, false, nil
	}

	log.Printf("一次エンコードに失敗。代替形式へ切り替えます (%s): %v", item.BaseName, err)

	fbPath := filepath.Join(p.encodedDir, item.BaseName+"."+p.fallback.Extension())
	if ferr := p.fallback.Encode(ctx, item, fbPath); ferr != nil {
		return "", false, fmt.Errorf("代替エンコードにも失敗: %v (一次エンコード: %w)", ferr, err)
	}
	return fbPath, true, nil
}

// Reconcile は退避済みRAWのうち成果物が欠けているものを現像し直す
// 起動時に呼ぶことで、前回の強制終了で中断された現像を回収できる
func (p *Processor) Reconcile(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.rawDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("RAW保存先の読み取りに失敗: %w", err)
	}

	var repaired []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".raw") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), ".raw")
		if p.hasArtifact(base) {
			continue
		}

		select {
		case <-ctx.Done():
			return repaired, ctx.Err()
		default:
		}

		raw, err := os.ReadFile(filepath.Join(p.rawDir, entry.Name()))
		if err != nil {
			log.Printf("RAWバックアップの読み取りに失敗 (%s): %v", base, err)
			continue
		}

		sidecar := p.readSidecar(base)
		item := &QueueItem{
			BaseName:       base,
			SequenceNumber: sidecar.SequenceNumber,
			Raw:            raw,
			Width:          sidecar.Width,
			Height:         sidecar.Height,
			CapturedAt:     sidecar.CapturedAt,
			Sidecar:        sidecar,
		}

		if _, _, err := p.encode(ctx, item); err != nil {
			log.Printf("再現像に失敗 (%s): %v", base, err)
			continue
		}
		repaired = append(repaired, base)
	}

	if len(repaired) > 0 {
		log.Printf("整合性チェック: %d 件を再現像しました", len(repaired))
	}
	return repaired, nil
}

// hasArtifact は一次または代替の成果物が存在するかチェックする
func (p *Processor) hasArtifact(base string) bool {
	for _, enc := range []Encoder{p.encoder, p.fallback} {
		path := filepath.Join(p.encodedDir, base+"."+enc.Extension())
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// readSidecar は保存済みサイドカーを読み込む。欠けている場合はゼロ値を返す
func (p *Processor) readSidecar(base string) Sidecar {
	var sidecar Sidecar
	data, err := os.ReadFile(filepath.Join(p.rawDir, base+".json"))
	if err != nil {
		return sidecar
	}
	if err := json.Unmarshal(data, &sidecar); err != nil {
		log.Printf("サイドカーの解釈に失敗 (%s): %v", base, err)
	}
	return sidecar
}

// writeSidecar はサイドカーをJSONとして書き出す
func writeSidecar(path string, sidecar Sidecar) error {
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("サイドカーの変換に失敗: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("サイドカーの書き込みに失敗: %w", err)
	}
	return nil
}
