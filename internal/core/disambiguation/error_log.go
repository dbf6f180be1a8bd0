package disambiguation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrorRecord は回答が得られなかった custom_id のログレコード
type ErrorRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	JobID     string      `json:"job_id"`
	CustomID  string      `json:"custom_id"`
	Kind      FailureKind `json:"kind"`
	Query     string      `json:"query"`
	Response  string      `json:"response,omitempty"`
	Detail    string      `json:"detail"`
}

// ErrorLog は失敗レコードを JSONL ファイルに追記する
// ディレクトリ未指定の場合は何もしない
type ErrorLog struct {
	file    *os.File
	mu      sync.Mutex
	enabled bool
}

// NewErrorLog は新しい ErrorLog を作成する
func NewErrorLog(dir string) (*ErrorLog, error) {
	if dir == "" {
		return &ErrorLog{}, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// 日付でローテーション
	name := fmt.Sprintf("disambiguation_errors_%s.jsonl", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &ErrorLog{file: file, enabled: true}, nil
}

// Record はレコードを1行追記する
func (l *ErrorLog) Record(rec ErrorRecord) error {
	if l == nil || !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal error record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	return nil
}

// Close はログファイルを閉じる
func (l *ErrorLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// TruncateString はログ記録用に文字列を切り詰める
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
