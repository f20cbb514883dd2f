package sinks

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/jobwatch/internal/progress"
)

// WriterSink prints one human-readable line per change, for terminals.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w. Writes are serialized.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Consume writes the batch and returns the first write error.
func (s *WriterSink) Consume(_ context.Context, batch []progress.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range batch {
		if _, err := io.WriteString(s.w, FormatChange(c)+"\n"); err != nil {
			return fmt.Errorf("write change: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *WriterSink) Close(context.Context) error {
	return nil
}

// FormatChange renders c as a single line.
func FormatChange(c progress.Change) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-16s %-14s %5.1f%%",
		c.TS.UTC().Format(time.TimeOnly), c.Cause, c.Snapshot.Stage, c.Snapshot.Progress)
	if c.Binding.Bound() {
		fmt.Fprintf(&b, " job=%s", c.Binding.JobID)
	}
	if c.Snapshot.Connected {
		b.WriteString(" live")
	} else {
		b.WriteString(" polling")
	}
	if c.Snapshot.HasReport() {
		fmt.Fprintf(&b, " report=%s", c.Snapshot.ReportID)
	}
	if n := len(c.Snapshot.Errors); n > 0 {
		fmt.Fprintf(&b, " errors=%d last=%q", n, c.Snapshot.Errors[n-1])
	}
	return b.String()
}
