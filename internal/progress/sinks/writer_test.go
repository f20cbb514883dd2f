package sinks

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobwatch/internal/progress"
)

// TestWriterSinkFormatsLines checks one line per change with the interesting fields.
func TestWriterSinkFormatsLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	b := progress.Binding{JobID: "J1", Seq: 1}

	live := change(b, progress.CausePushProgress, progress.StagePending, progress.StageEmbedding, 30)
	live.TS = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	live.Snapshot.Connected = true

	done := change(b, progress.CausePollProgress, progress.StageEmbedding, progress.StageCompleted, 100)
	done.Snapshot.ReportID = "R1"
	done.Snapshot.Errors = []string{"chunk 3 skipped"}

	require.NoError(t, sink.Consume(context.Background(), []progress.Change{live, done}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "03:04:05 push_progress"))
	require.Contains(t, lines[0], "30.0%")
	require.Contains(t, lines[0], "job=J1 live")
	require.Contains(t, lines[1], "completed")
	require.Contains(t, lines[1], "polling report=R1")
	require.Contains(t, lines[1], `errors=1 last="chunk 3 skipped"`)
}
