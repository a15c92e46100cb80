package journal

// ============================================================================
// 日誌工具函式
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
)

// ReplayFile 從頭讀取日誌檔（或 Rotate 產生的 .gz）並逐筆呼叫 handler
//
// 檔案不存在視為空日誌。
func ReplayFile(path string, handler EntryHandler) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return &CorruptionError{Line: 0, Cause: err}
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(entry); err != nil {
			return err
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ReadEntries 讀取日誌檔的所有條目
func ReadEntries(path string) ([]Entry, error) {
	var entries []Entry
	err := ReplayFile(path, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// LastEntry 回傳最後一筆條目；空檔或不存在時回傳 nil
//
// 從頭掃描，日誌會被定期旋轉，檔案不大。
func LastEntry(path string) (*Entry, error) {
	var last *Entry
	err := ReplayFile(path, func(e Entry) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// Stats 日誌統計資訊
type Stats struct {
	Total    int
	ByType   map[EventType]int
	FirstSeq uint64
	LastSeq  uint64
}

// GetStats 掃描整個日誌並彙總
func GetStats(path string) (*Stats, error) {
	stats := &Stats{ByType: make(map[EventType]int)}
	err := ReplayFile(path, func(e Entry) error {
		if stats.Total == 0 {
			stats.FirstSeq = e.Seq
		}
		stats.Total++
		stats.ByType[e.Type]++
		stats.LastSeq = e.Seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
