package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobwatch/internal/store"
)

const recordTimeout = 3 * time.Second

// SnapshotHandler exposes stored snapshot records.
type SnapshotHandler struct {
	repo    store.SnapshotRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewSnapshotHandler wires the repository and logger.
func NewSnapshotHandler(repo store.SnapshotRepository, logger *zap.Logger) *SnapshotHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotHandler{
		repo:    repo,
		timeout: recordTimeout,
		logger:  logger,
	}
}

// GetLatest handles GET /v1/jobs/{job_id}/snapshot. It returns the stored
// record on success, 400 for a missing id, 404 when the repository reports
// store.ErrNotFound, 503 if no repository is configured, or 500 otherwise.
func (h *SnapshotHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot repository unavailable")
		return
	}
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.repo.GetLatest(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "snapshot not found")
			return
		}
		h.logger.Error("get snapshot failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
