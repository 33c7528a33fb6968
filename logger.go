package nutrilens

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// StageLogger records one entry per pipeline stage execution.
type StageLogger interface {
	LogStage(entry StageLog) error
}

// NewStageLogFilePath returns a file path keyed by time and estimator name so
// logs produced with different backends are easy to tell apart.
func NewStageLogFilePath(dir, estimator string) string {
	return fmt.Sprintf("%s/%d.%s.jsonl", dir, time.Now().Unix(), estimator)
}

// StageLog represents a single stage of a meal-analysis session.
type StageLog struct {
	SessionID  string        `json:"session_id"`
	Stage      string        `json:"stage"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration_ns"`
	Input      any           `json:"input,omitempty"`
	Output     any           `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	StateAfter string        `json:"state_after"`
}

// FileStageLogger appends each stage entry to its writer as a JSON line.
type FileStageLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

func NewFileStageLogger(writer io.Writer) *FileStageLogger {
	return &FileStageLogger{writer: writer}
}

func (l *FileStageLogger) LogStage(entry StageLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal stage log: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return nil
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write stage log: %w", err)
	}
	return nil
}

// Flush syncs the writer to stable storage when it supports it.
func (l *FileStageLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.writer.(interface{ Sync() error }); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync stage log: %w", err)
		}
	}
	return nil
}

type NoOpStageLogger struct{}

func NewNoOpStageLogger() *NoOpStageLogger {
	return &NoOpStageLogger{}
}

func (nop *NoOpStageLogger) LogStage(entry StageLog) error {
	return nil
}

// StdoutStageLogger writes each entry as a JSON line to stdout (for Lambda/CloudWatch).
type StdoutStageLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdoutStageLogger() *StdoutStageLogger {
	return &StdoutStageLogger{w: os.Stdout}
}

func (l *StdoutStageLogger) LogStage(entry StageLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = fmt.Fprintln(l.w, string(data))
	return err
}
