package journal

// ============================================================================
// 變更日誌核心實作
// 職責：
// 1. 追加已解決的狀態變更到日誌檔案（append-only，每行一筆 JSON）
// 2. 批次寫入：緩衝滿或超過 flush 間隔才寫入磁碟
// 3. 提供重放功能（history 命令、除錯）
// 4. 支援日誌旋轉，舊檔以 gzip 壓縮保存
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// Options 日誌選項
type Options struct {
	SyncOnAppend  bool          // 每次 flush 都 fsync
	BufferSize    int           // 緩衝條目數，<= 0 時為 64
	FlushInterval time.Duration // 距上次 flush 超過此時間就 flush，<= 0 時為 1 秒
}

// Journal 變更日誌
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	closed  bool

	buffer        []Entry
	lastFlushTime time.Time
}

/*
Open 建立或開啟一個日誌

行為：
- 檔案不存在時建立，seq 從 0 開始
- 檔案已存在時讀取最後一筆的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}

	var seq uint64
	if last, err := LastEntry(path); err == nil && last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Entry, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一筆已解決的變更
//
// 行為：
// - 自動遞增 seq、計算 checksum
// - 先放進緩衝，緩衝滿或超過 flush 間隔時寫入檔案
//
// 錯誤：仍在待確認狀態的變更回傳 ErrUnresolved。
func (j *Journal) Append(m types.PendingMutation) error {
	eventType, ok := eventFor(m.State)
	if !ok {
		return fmt.Errorf("%w: %s is %s", ErrUnresolved, m.ID, m.State)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}

	j.seq++
	entry := Entry{
		Seq:        j.seq,
		Type:       eventType,
		MutationID: m.ID,
		RequestID:  m.RequestID,
		From:       m.PreviousStatus,
		To:         m.ProposedStatus,
		ProposedAt: m.ProposedAt.UnixMilli(),
		Timestamp:  time.Now().UnixMilli(),
	}
	entry.Checksum = CalculateChecksum(entry)
	j.buffer = append(j.buffer, entry)

	if len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) > j.opts.FlushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush 立即寫入緩衝中的條目
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Replay 依序重放日誌中所有條目
//
// 先 flush 緩衝，再從頭讀檔；任一條目校驗失敗或 handler 回傳錯誤時立即停止。
func (j *Journal) Replay(handler EntryHandler) error {
	j.mu.Lock()
	if !j.closed {
		if err := j.flushLocked(); err != nil {
			j.mu.Unlock()
			return err
		}
	}
	path := j.path
	j.mu.Unlock()

	return ReplayFile(path, handler)
}

// Rotate 旋轉日誌
//
// 目前的檔案被改名為 <path>.<時間戳記>.gz（gzip 壓縮），新檔 seq 從 0 開始。
// 回傳壓縮檔路徑。
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrJournalClosed
	}

	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", err
	}
	archive := backupPath + ".gz"
	if err := compressFile(backupPath, archive); err != nil {
		return "", fmt.Errorf("failed to compress rotated journal: %w", err)
	}
	if err := os.Remove(backupPath); err != nil {
		return "", err
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		j.closed = true
		return "", err
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	j.seq = 0
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return archive, nil
}

// Close flush 後關閉檔案；之後的操作回傳 ErrJournalClosed
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	if err := j.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// LastSeq 目前的條目序號
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// flushLocked 呼叫者需持有 j.mu
func (j *Journal) flushLocked() error {
	for _, entry := range j.buffer {
		if err := j.encoder.Encode(entry); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if j.opts.SyncOnAppend {
		return j.file.Sync()
	}
	return nil
}

// compressFile 以 gzip 壓縮 src 到 dst
func compressFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gz := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gz, srcFile); err != nil {
		return err
	}
	return gz.Close()
}
