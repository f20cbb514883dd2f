package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobwatch/internal/api"
	"github.com/JakeFAU/jobwatch/internal/config"
	"github.com/JakeFAU/jobwatch/internal/progress"
	"github.com/JakeFAU/jobwatch/internal/syncer"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeAnalysisBackend rejects the push handshake so the app falls back to
// polling, then reports the job complete on the second pull.
func fakeAnalysisBackend(t *testing.T) *httptest.Server {
	t.Helper()
	var pulls atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/v1/analysis/{job_id}/ws", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "websocket disabled", http.StatusServiceUnavailable)
	})
	r.Get("/api/v1/analysis/{job_id}/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		id := chi.URLParam(req, "job_id")
		if pulls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"job_id":"` + id + `","stage":"aggregation","progress":80,"filename":"policy.pdf"}`))
			return
		}
		_, _ = w.Write([]byte(`{"job_id":"` + id + `","stage":"completed","progress":100,"report_id":"R9","filename":"policy.pdf"}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.API.BaseURL = baseURL
	cfg.API.RateLimitRPS = 0
	cfg.Poll.IntervalMs = 20
	cfg.Poll.BackoffMaxMs = 40
	cfg.Hub.MaxBatchWaitMs = 10
	return &cfg
}

// TestWatchFallsBackAndStoresFinalSnapshot runs the wired app against a fake backend.
func TestWatchFallsBackAndStoresFinalSnapshot(t *testing.T) {
	t.Parallel()

	srv := fakeAnalysisBackend(t)
	out := &lockedBuffer{}
	app, err := Build(context.Background(), testConfig(t, srv.URL), Options{
		Out:        out,
		Registerer: prometheus.NewRegistry(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := app.Watch(ctx, "J7")
	require.NoError(t, err)
	require.Equal(t, progress.StageCompleted, snap.Stage)
	require.Equal(t, "R9", snap.ReportID)
	require.False(t, snap.Connected)

	require.NoError(t, app.Close(context.Background()))

	rec, err := app.Snapshots().GetLatest(context.Background(), "J7")
	require.NoError(t, err)
	require.Equal(t, progress.StageCompleted, rec.Snapshot.Stage)
	require.Equal(t, progress.CausePollProgress, rec.Cause)

	lines := out.String()
	require.Contains(t, lines, "job=J7")
	require.Contains(t, lines, "polling")
	require.True(t, strings.Contains(lines, "report=R9"), lines)
}

// TestWatchCancelledDetaches returns the last snapshot and unbinds on cancellation.
func TestWatchCancelledDetaches(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Get("/api/v1/analysis/{job_id}/ws", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "websocket disabled", http.StatusServiceUnavailable)
	})
	r.Get("/api/v1/analysis/{job_id}/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"job_id":"J8","stage":"embedding","progress":12}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	app, err := Build(context.Background(), testConfig(t, srv.URL), Options{
		Registerer: prometheus.NewRegistry(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	last, err := app.Watch(ctx, "J8")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, progress.StageEmbedding, last.Stage)
	require.False(t, app.Controller().Binding().Bound())
}

// TestWatchUnknownJobEndsUnreachable stops after one pull when the backend does not know the job.
func TestWatchUnknownJobEndsUnreachable(t *testing.T) {
	t.Parallel()

	var pulls atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/v1/analysis/{job_id}/ws", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "websocket disabled", http.StatusServiceUnavailable)
	})
	r.Get("/api/v1/analysis/{job_id}/status", func(w http.ResponseWriter, _ *http.Request) {
		pulls.Add(1)
		http.Error(w, `{"detail":"Job not found"}`, http.StatusNotFound)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	app, err := Build(context.Background(), testConfig(t, srv.URL), Options{
		Registerer: prometheus.NewRegistry(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	last, err := app.Watch(ctx, "missing")
	require.ErrorIs(t, err, syncer.ErrUnreachable)
	require.ErrorContains(t, err, "job not found")
	require.Equal(t, progress.StagePending, last.Stage)
	require.Len(t, last.Errors, 1)
	require.Equal(t, int32(1), pulls.Load())
	require.False(t, app.Controller().Binding().Bound())
}

// TestBuildRejectsUnreachableRedis fails fast when the snapshot store cannot be reached.
func TestBuildRejectsUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Redis.URL = "redis://127.0.0.1:1/0"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Build(ctx, cfg, Options{Registerer: prometheus.NewRegistry(), Logger: zap.NewNop()})
	require.ErrorContains(t, err, "redis init failed")
}

// TestStartAndStatus forwards one-shot calls to the backend client.
func TestStartAndStatus(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Post("/api/v1/analysis/start", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"job_id":"J9","status":"pending"}`))
	})
	r.Get("/api/v1/analysis/{job_id}/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"job_id":"J9","stage":"ingestion","progress":3,"stage_times":{"ingestion":0.4}}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	app, err := Build(context.Background(), testConfig(t, srv.URL), Options{
		Registerer: prometheus.NewRegistry(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	started, err := app.StartJob(context.Background(), api.StartRequest{FilePath: "policy.pdf"})
	require.NoError(t, err)
	require.Equal(t, "J9", started.JobID)

	status, err := app.Status(context.Background(), "J9")
	require.NoError(t, err)
	require.Equal(t, "ingestion", *status.Stage)
	require.InDelta(t, 0.4, status.StageTimes["ingestion"], 1e-9)
}
