package processing

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DNGConverter は外部コマンドでセンサーダンプをDNGへ変換する
type DNGConverter struct {
	command []string
}

// NewDNGConverter は新しいDNGConverterを作成する
// commandの {input} と {output} は実行時にファイルパスへ置換される
func NewDNGConverter(command []string) *DNGConverter {
	return &DNGConverter{command: command}
}

// Extension は成果物の拡張子を返す
func (c *DNGConverter) Extension() string {
	return "dng"
}

// Validate は変換コマンドが利用可能かチェックする
func (c *DNGConverter) Validate() error {
	if len(c.command) == 0 {
		return fmt.Errorf("変換コマンドが設定されていません")
	}
	if _, err := exec.LookPath(c.command[0]); err != nil {
		return fmt.Errorf("変換コマンド %s が見つかりません: %w", c.command[0], err)
	}
	return nil
}

// Encode はRAWを一時ファイルへ書き出し、外部コマンドでDNGへ変換する
func (c *DNGConverter) Encode(ctx context.Context, item *QueueItem, outPath string) error {
	if len(c.command) == 0 {
		return fmt.Errorf("変換コマンドが設定されていません")
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), item.BaseName+"_*.raw")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath) // cleanup中のエラーは無視
	}()

	if _, err := tmp.Write(item.Raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("一時ファイルの書き込みに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}

	args := make([]string, 0, len(c.command)-1)
	for _, arg := range c.command[1:] {
		arg = strings.ReplaceAll(arg, "{input}", tmpPath)
		arg = strings.ReplaceAll(arg, "{output}", outPath)
		args = append(args, arg)
	}

	cmd := exec.CommandContext(ctx, c.command[0], args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("DNG変換に失敗: %w (output: %s)", err, string(output))
	}

	// コマンドの成否だけでなく成果物の存在まで確認する
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("変換後の成果物が見つかりません: %w", err)
	}
	return nil
}

// ArchiveEncoder はRAWとメタデータを1つの圧縮アーカイブへまとめる
// 変換ツールが使えない環境でも後から現像できる可搬形式を提供する
type ArchiveEncoder struct{}

// NewArchiveEncoder は新しいArchiveEncoderを作成する
func NewArchiveEncoder() *ArchiveEncoder {
	return &ArchiveEncoder{}
}

// Extension は成果物の拡張子を返す
func (e *ArchiveEncoder) Extension() string {
	return "zip"
}

// Encode はRAWとサイドカーを圧縮アーカイブとして書き出す
func (e *ArchiveEncoder) Encode(ctx context.Context, item *QueueItem, outPath string) error {
	// 書き込み途中の成果物を見せないよう一時ファイル経由で置き換える
	tmpPath := outPath + ".temp"
	if err := e.writeArchive(tmpPath, item); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("成果物の置き換えに失敗: %w", err)
	}
	return nil
}

func (e *ArchiveEncoder) writeArchive(path string, item *QueueItem) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("アーカイブの作成に失敗: %w", err)
	}

	zw := zip.NewWriter(f)

	w, err := zw.Create(item.BaseName + ".raw")
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("アーカイブエントリの作成に失敗: %w", err)
	}
	if _, err := w.Write(item.Raw); err != nil {
		_ = f.Close()
		return fmt.Errorf("RAWの書き込みに失敗: %w", err)
	}

	meta, err := json.MarshalIndent(item.Sidecar, "", "  ")
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("メタデータの変換に失敗: %w", err)
	}
	mw, err := zw.Create(item.BaseName + ".json")
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("アーカイブエントリの作成に失敗: %w", err)
	}
	if _, err := mw.Write(meta); err != nil {
		_ = f.Close()
		return fmt.Errorf("メタデータの書き込みに失敗: %w", err)
	}

	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("アーカイブの完了処理に失敗: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("アーカイブのクローズに失敗: %w", err)
	}
	return nil
}
