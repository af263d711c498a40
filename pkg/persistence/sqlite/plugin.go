// Package sqlite provides the default file-backed RecordStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/figura3d/figura/pkg/domain"
	"github.com/figura3d/figura/pkg/persistence"
)

func init() {
	persistence.RegisterProvider("sqlite", New)
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id          TEXT PRIMARY KEY,
	created_at       TEXT NOT NULL,
	status           TEXT NOT NULL,
	progress         INTEGER,
	thumbnail_url    TEXT,
	model_urls_json  TEXT NOT NULL DEFAULT '{}',
	options_json     TEXT NOT NULL DEFAULT '{}',
	local_model_path TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at DESC);
`

type Store struct {
	db *sqlx.DB
}

// New opens (and if needed initializes) the history database at
// config.Path, creating parent directories.
func New(config persistence.ProviderConfig) (persistence.RecordStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite provider requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := sqlx.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the monitor and refresh paths.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

type taskRow struct {
	TaskID         string         `db:"task_id"`
	CreatedAt      string         `db:"created_at"`
	Status         string         `db:"status"`
	Progress       sql.NullInt64  `db:"progress"`
	ThumbnailURL   sql.NullString `db:"thumbnail_url"`
	ModelURLsJSON  string         `db:"model_urls_json"`
	OptionsJSON    string         `db:"options_json"`
	LocalModelPath sql.NullString `db:"local_model_path"`
}

func (s *Store) Upsert(ctx context.Context, rec domain.TaskRecord) error {
	modelURLs, err := json.Marshal(orEmptyURLs(rec.ModelURLs))
	if err != nil {
		return fmt.Errorf("encoding model urls: %w", err)
	}
	options, err := json.Marshal(orEmptyOptions(rec.Options))
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, created_at, status, progress, thumbnail_url,
			model_urls_json, options_json, local_model_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			created_at       = excluded.created_at,
			status           = excluded.status,
			progress         = excluded.progress,
			thumbnail_url    = excluded.thumbnail_url,
			model_urls_json  = excluded.model_urls_json,
			options_json     = excluded.options_json,
			local_model_path = excluded.local_model_path`,
		rec.TaskID, rec.CreatedAt, rec.Status, nullInt(rec.Progress),
		nullString(rec.ThumbnailURL), string(modelURLs), string(options),
		nullString(rec.LocalModelPath),
	)
	if err != nil {
		return fmt.Errorf("upserting task %s: %w", rec.TaskID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT task_id, created_at, status, progress, thumbnail_url,
		       model_urls_json, options_json, local_model_path
		FROM tasks WHERE task_id = ?`, taskID)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", taskID, err)
	}
	rec, err := row.record()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListAll(ctx context.Context) ([]domain.TaskRecord, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT task_id, created_at, status, progress, thumbnail_url,
		       model_urls_json, options_json, local_model_path
		FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	out := make([]domain.TaskRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (r taskRow) record() (domain.TaskRecord, error) {
	rec := domain.TaskRecord{
		TaskID:         r.TaskID,
		CreatedAt:      r.CreatedAt,
		Status:         r.Status,
		ThumbnailURL:   r.ThumbnailURL.String,
		LocalModelPath: r.LocalModelPath.String,
	}
	if r.Progress.Valid {
		p := int(r.Progress.Int64)
		rec.Progress = &p
	}
	if r.ModelURLsJSON != "" {
		if err := json.Unmarshal([]byte(r.ModelURLsJSON), &rec.ModelURLs); err != nil {
			return rec, fmt.Errorf("decoding model urls for %s: %w", r.TaskID, err)
		}
	}
	if r.OptionsJSON != "" {
		if err := json.Unmarshal([]byte(r.OptionsJSON), &rec.Options); err != nil {
			return rec, fmt.Errorf("decoding options for %s: %w", r.TaskID, err)
		}
	}
	if len(rec.ModelURLs) == 0 {
		rec.ModelURLs = nil
	}
	if len(rec.Options) == 0 {
		rec.Options = nil
	}
	return rec, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmptyURLs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyOptions(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

var _ persistence.RecordStore = (*Store)(nil)
