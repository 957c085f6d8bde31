package camera

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
)

// SequenceAllocator は出力ファイルの連番を払い出す
// セッション開始時に一度だけ出力ディレクトリを走査して最大番号+1を求め、
// 以降はメモリ上でのみ前進する。セッション外でのファイル追加・削除は
// 反映されない（仕様上の制限であり不具合ではない）
type SequenceAllocator struct {
	mu      sync.Mutex
	next    int
	prefix  string
	dirs    []string
	pattern *regexp.Regexp
}

// NewSequenceAllocator はディレクトリ群を走査してアロケータを作成する
// 存在しないディレクトリは無視する
func NewSequenceAllocator(dirs []string, prefix string) (*SequenceAllocator, error) {
	if prefix == "" {
		return nil, fmt.Errorf("連番接頭辞が空です")
	}

	// 接頭辞 + 数字 + 拡張子 の形式にのみ一致させる
	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(prefix) + `(\d+)\.[A-Za-z0-9]+$`)
	if err != nil {
		return nil, fmt.Errorf("連番パターンの構築に失敗: %w", err)
	}

	a := &SequenceAllocator{
		prefix:  prefix,
		dirs:    append([]string(nil), dirs...),
		pattern: pattern,
	}
	if err := a.Rescan(); err != nil {
		return nil, err
	}
	return a, nil
}

// Rescan はディスク上の最大番号を取り直す
// 強制リセット後の再初期化で、未確定のまま残った候補との食い違いを解消する
func (a *SequenceAllocator) Rescan() error {
	maxNum := 0
	for _, dir := range a.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			m := a.pattern.FindStringSubmatch(entry.Name())
			if m == nil {
				continue
			}
			num, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if num > maxNum {
				maxNum = num
			}
		}
	}

	a.mu.Lock()
	a.next = maxNum + 1
	a.mu.Unlock()
	return nil
}

// NextNumber は次に使う番号を返す（消費はしない）
// 撮影が成功と確定するまでConfirmを呼んではならない
func (a *SequenceAllocator) NextNumber() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Confirm は撮影成功の確定を受けて番号を消費する
// 渡された番号が現在の候補と一致する場合のみ前進する（重複確定の防止）
func (a *SequenceAllocator) Confirm(num int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if num == a.next {
		a.next++
	}
}

// Base は番号から拡張子なしのファイル名を組み立てる
func (a *SequenceAllocator) Base(num int) string {
	return fmt.Sprintf("%s%03d", a.prefix, num)
}

// Filename は番号から出力ファイル名を組み立てる
func (a *SequenceAllocator) Filename(num int, ext string) string {
	return fmt.Sprintf("%s.%s", a.Base(num), ext)
}
