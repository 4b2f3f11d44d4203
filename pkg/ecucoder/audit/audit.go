// Package audit records everything a session does to a vehicle. The log is
// append-only with an explicit lifecycle: created at session start, sealed
// at session end. Each entry fans out to the configured sinks as it is
// appended; sink failures are logged and never fail the recorded operation.
package audit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bimmercode/ecucoder/models"
)

// Sink receives each audit entry as it is recorded.
type Sink interface {
	Record(entry models.AuditEntry) error
	Close() error
}

// ErrSealed is returned when an entry is appended after Seal.
var ErrSealed = fmt.Errorf("audit: log is sealed")

// Log is the per-session audit trail. Safe for concurrent use; entry order
// reflects call completion order.
type Log struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	sealed  bool
	sinks   []Sink
	logger  *slog.Logger
}

// NewLog creates an open audit log fanning out to sinks (may be empty).
func NewLog(logger *slog.Logger, sinks ...Sink) *Log {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Log{sinks: sinks, logger: logger}
}

// Append records one entry, stamping the time if unset.
func (l *Log) Append(entry models.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return ErrSealed
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	l.entries = append(l.entries, entry)

	for _, sink := range l.sinks {
		if err := sink.Record(entry); err != nil {
			l.logger.Warn("audit: sink record failed", "type", string(entry.Type), "error", err.Error())
		}
	}
	return nil
}

// Entries returns a copy of every recorded entry in append order.
func (l *Log) Entries() []models.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.AuditEntry(nil), l.entries...)
}

// EntriesOfType returns the recorded entries matching t, in append order.
func (l *Log) EntriesOfType(t models.AuditType) []models.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range l.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Seal closes the log for further appends and closes every sink. Sealing an
// already sealed log is a no-op.
func (l *Log) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return
	}
	l.sealed = true
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil {
			l.logger.Warn("audit: sink close failed", "error", err.Error())
		}
	}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
