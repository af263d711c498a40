// Package memory provides an in-memory RecordStore, primarily for tests
// and throwaway sessions.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/figura3d/figura/pkg/domain"
	"github.com/figura3d/figura/pkg/persistence"
)

func init() {
	persistence.RegisterProvider("memory", New)
}

type Store struct {
	mu      sync.RWMutex
	records map[string]domain.TaskRecord
}

// New creates an in-memory record store. The provider config is unused.
func New(_ persistence.ProviderConfig) (persistence.RecordStore, error) {
	return &Store{records: make(map[string]domain.TaskRecord)}, nil
}

func (s *Store) Upsert(_ context.Context, rec domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TaskID] = rec
	return nil
}

func (s *Store) Get(_ context.Context, taskID string) (*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) ListAll(_ context.Context) ([]domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TaskRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	// ISO-8601 timestamps sort lexicographically.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ persistence.RecordStore = (*Store)(nil)
