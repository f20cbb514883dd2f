package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobwatch/internal/progress"
	"github.com/JakeFAU/jobwatch/internal/store"
)

// StoreSink mirrors the newest snapshot of each job into a
// store.SnapshotRepository. It collapses a batch to one write per job.
type StoreSink struct {
	repo   store.SnapshotRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.SnapshotRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume keeps the last change per job and forwards it to the repository.
// Reset changes are skipped so a detach never clobbers the stored record. It
// respects ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Change) error {
	if s == nil || s.repo == nil {
		return nil
	}
	latest := make(map[string]progress.Change)
	order := make([]string, 0, len(batch))
	for _, c := range batch {
		if c.Cause == progress.CauseReset || !c.Binding.Bound() {
			continue
		}
		if _, seen := latest[c.Binding.JobID]; !seen {
			order = append(order, c.Binding.JobID)
		}
		latest[c.Binding.JobID] = c
	}

	for _, jobID := range order {
		c := latest[jobID]
		rec := store.SnapshotRecord{
			JobID:     jobID,
			Seq:       c.Binding.Seq,
			Cause:     c.Cause,
			UpdatedAt: c.TS,
			Snapshot:  c.Snapshot,
		}
		if err := s.repo.SaveLatest(ctx, rec); err != nil {
			return fmt.Errorf("save latest snapshot: %w", err)
		}
		s.logger.Debug("snapshot stored", zap.String("job_id", jobID), zap.String("cause", string(c.Cause)))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
