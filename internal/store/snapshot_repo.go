// Package store declares interfaces for persisting job snapshots.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/jobwatch/internal/progress"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("snapshot record not found")

// SnapshotRecord is the latest snapshot observed for one job.
type SnapshotRecord struct {
	// JobID is the backend job identifier.
	JobID string `json:"job_id"`
	// Seq is the controller binding sequence that produced the snapshot.
	Seq uint64 `json:"seq"`
	// Cause names the transport event behind the last write.
	Cause progress.Cause `json:"cause"`
	// UpdatedAt is the controller timestamp of the last write.
	UpdatedAt time.Time `json:"updated_at"`
	// Snapshot is the published state.
	Snapshot progress.Snapshot `json:"snapshot"`
}

// SnapshotRepository keeps the most recent snapshot per job.
type SnapshotRepository interface {
	// SaveLatest overwrites the record for rec.JobID.
	SaveLatest(ctx context.Context, rec SnapshotRecord) error
	// GetLatest loads the record for jobID or returns ErrNotFound.
	GetLatest(ctx context.Context, jobID string) (SnapshotRecord, error)
}
