// Package redis provides a Redis-backed store.SnapshotRepository.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/jobwatch/internal/store"
)

// DefaultKeyPrefix namespaces snapshot keys.
const DefaultKeyPrefix = "jobwatch:snapshot:"

// commander is the subset of goredis.Cmdable the store needs.
type commander interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// SnapshotStore writes the latest snapshot per job as a JSON string with a TTL.
type SnapshotStore struct {
	rdb    commander
	prefix string
	ttl    time.Duration
}

// NewSnapshotStore wraps a Redis client. An empty prefix falls back to
// DefaultKeyPrefix; a zero ttl keeps keys forever.
func NewSnapshotStore(rdb commander, prefix string, ttl time.Duration) *SnapshotStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &SnapshotStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Dial parses a redis:// URL and returns a connected client.
func Dial(ctx context.Context, url string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// SaveLatest overwrites the key for rec.JobID.
func (s *SnapshotStore) SaveLatest(ctx context.Context, rec store.SnapshotRecord) error {
	if rec.JobID == "" {
		return errors.New("job id is required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode snapshot record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(rec.JobID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", rec.JobID, err)
	}
	return nil
}

// GetLatest loads the record for jobID. A missing key maps to store.ErrNotFound.
func (s *SnapshotStore) GetLatest(ctx context.Context, jobID string) (store.SnapshotRecord, error) {
	data, err := s.rdb.Get(ctx, s.key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return store.SnapshotRecord{}, store.ErrNotFound
		}
		return store.SnapshotRecord{}, fmt.Errorf("redis get %s: %w", jobID, err)
	}
	var rec store.SnapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return store.SnapshotRecord{}, fmt.Errorf("decode snapshot record: %w", err)
	}
	return rec, nil
}

func (s *SnapshotStore) key(jobID string) string {
	return s.prefix + jobID
}
