package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/bimmercode/ecucoder/models"
)

// WriterSink writes each audit entry as one JSON line to an io.Writer,
// typically os.Stdout or an open file. It holds a mutex so concurrent
// appends produce un-interleaved output.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

// NewWriterSink constructs a WriterSink. w defaults to os.Stdout when nil.
// If the writer must be closed (e.g. a file), the caller closes it; the
// sink does not own the writer's lifetime.
func NewWriterSink(w io.Writer, logger *slog.Logger) *WriterSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{w: w, logger: logger}
}

// Record writes entry as one JSON line.
func (s *WriterSink) Record(entry models.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		s.logger.Error("audit: write failed", "error", err.Error(), "bytes", len(data))
		return fmt.Errorf("audit: write: %w", err)
	}
	if _, err := s.w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("audit: write newline: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *WriterSink) Close() error { return nil }
