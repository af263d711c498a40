// Package redis provides a redis-backed RecordStore for setups where task
// history is shared between machines.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/figura3d/figura/pkg/domain"
	"github.com/figura3d/figura/pkg/persistence"
)

func init() {
	persistence.RegisterProvider("redis", New)
}

const (
	taskKeyPrefix = "figura:task:"
	indexKey      = "figura:tasks:by_created"
)

type Store struct {
	rdb *redis.Client
}

// New connects to redis at config.Addr.
func New(config persistence.ProviderConfig) (persistence.RecordStore, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("redis provider requires an addr")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Upsert(ctx context.Context, rec domain.TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, taskKeyPrefix+rec.TaskID, data, 0)
	pipe.ZAdd(ctx, indexKey, &redis.Z{Score: createdScore(rec.CreatedAt), Member: rec.TaskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upserting task %s: %w", rec.TaskID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	data, err := s.rdb.Get(ctx, taskKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", taskID, err)
	}
	var rec domain.TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	return &rec, nil
}

func (s *Store) ListAll(ctx context.Context) ([]domain.TaskRecord, error) {
	ids, err := s.rdb.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	out := make([]domain.TaskRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err == persistence.ErrNotFound {
			// Index entry outlived the record; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// createdScore orders the index by creation time. Records with timestamps
// we cannot parse sort last.
func createdScore(createdAt string) float64 {
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		return float64(t.UnixNano())
	}
	if t, err := time.Parse("2006-01-02T15:04:05", createdAt); err == nil {
		return float64(t.UnixNano())
	}
	return 0
}

var _ persistence.RecordStore = (*Store)(nil)
