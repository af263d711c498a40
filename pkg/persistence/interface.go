package persistence

import (
	"context"
	"errors"

	"github.com/figura3d/figura/pkg/domain"
)

// ErrNotFound is returned when no record exists for a task id.
var ErrNotFound = errors.New("not found")

// RecordStore provides durable storage for task history records, keyed by
// task id. Upsert replaces the whole row; partial-field updates are not
// supported at this layer, so callers merge before writing.
type RecordStore interface {
	// Upsert inserts the record or fully replaces the row with the same task id.
	Upsert(ctx context.Context, rec domain.TaskRecord) error

	// Get retrieves a record by task id, or ErrNotFound.
	Get(ctx context.Context, taskID string) (*domain.TaskRecord, error)

	// ListAll returns every stored record ordered by created_at descending.
	ListAll(ctx context.Context) ([]domain.TaskRecord, error)

	// Close releases resources held by the store.
	Close() error
}
