// Package audit implements the broker's append-only JSONL audit stream.
//
// Every decision made by the session, proxy, attachment, guardrail, and
// output-guard components is recorded here before the side effect it
// authorizes becomes externally observable, per spec.md §5's ordering
// contract.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome recorded for an AuditEvent.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionError Decision = "error"
)

// Event is a single audit record, shaped per spec.md §3's AuditEvent,
// generalized from the tenant/actor Event shape in pkg/kernel with the
// component/category/decision fields that shape lacked.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"ts"`
	RequestID string                 `json:"request_id"`
	Actor     string                 `json:"actor,omitempty"`
	Component string                 `json:"component"`
	Category  string                 `json:"category"`
	Decision  Decision               `json:"decision"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Logger is the append-only JSONL writer. A Logger is safe for concurrent
// use: writes are serialized under a single mutex, following the same
// mutex-guarded io.Writer pattern in the original logger.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	rotator *fileRotator
}

// NewLoggerWithWriter builds a Logger around an arbitrary io.Writer. Used by
// tests and by callers that want to multiplex the stream elsewhere.
func NewLoggerWithWriter(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{out: w}
}

// NewFileLogger builds a Logger that writes to dir/audit-YYYY-MM-DD.jsonl,
// rotating at UTC midnight, with the file and parent directory created
// owner-only per spec.md §6.
func NewFileLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	return &Logger{rotator: &fileRotator{dir: dir}}, nil
}

// Record appends an event to the stream, stamping ID and timestamp.
func (l *Logger) Record(evt Event) error {
	evt.ID = uuid.New().String()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.writer()
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}

func (l *Logger) writer() (io.Writer, error) {
	if l.rotator == nil {
		return l.out, nil
	}
	return l.rotator.current()
}

// Close releases any open file handle held by a file-backed Logger.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.close()
	}
	return nil
}

// fileRotator opens audit-YYYY-MM-DD.jsonl lazily and reopens it whenever
// the UTC date rolls over.
type fileRotator struct {
	dir  string
	day  string
	file *os.File
}

func (r *fileRotator) current() (io.Writer, error) {
	day := time.Now().UTC().Format("2006-01-02")
	if r.file != nil && r.day == day {
		return r.file, nil
	}
	if r.file != nil {
		_ = r.file.Close()
	}
	path := filepath.Join(r.dir, fmt.Sprintf("audit-%s.jsonl", day))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	r.file = f
	r.day = day
	return f, nil
}

func (r *fileRotator) close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
