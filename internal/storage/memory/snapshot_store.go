// Package memory keeps the latest snapshot per job in process memory.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/jobwatch/internal/store"
)

// SnapshotStore provides an in-memory store.SnapshotRepository for
// development/testing.
type SnapshotStore struct {
	mu      sync.RWMutex
	records map[string]store.SnapshotRecord
}

// NewSnapshotStore constructs a SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{records: make(map[string]store.SnapshotRecord)}
}

// SaveLatest replaces the record for rec.JobID.
func (s *SnapshotStore) SaveLatest(_ context.Context, rec store.SnapshotRecord) error {
	if rec.JobID == "" {
		return errors.New("job id is required")
	}
	rec.Snapshot = rec.Snapshot.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.JobID] = rec
	return nil
}

// GetLatest returns a copy of the stored record.
func (s *SnapshotStore) GetLatest(_ context.Context, jobID string) (store.SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return store.SnapshotRecord{}, store.ErrNotFound
	}
	rec.Snapshot = rec.Snapshot.Clone()
	return rec, nil
}
