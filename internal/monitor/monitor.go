// Package monitor tracks one remote generation task from submission to a
// terminal state, preferring the live event stream and falling back to
// polling exactly once when the stream faults.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/figura3d/figura/internal/metrics"
	"github.com/figura3d/figura/pkg/domain"
	"github.com/figura3d/figura/pkg/persistence"
)

// DefaultPollInterval is the wait between snapshot fetches while polling.
const DefaultPollInterval = 3 * time.Second

// Gateway is the slice of the API client the monitor needs.
type Gateway interface {
	GetTask(ctx context.Context, taskID string) (domain.Snapshot, error)
	StreamTask(ctx context.Context, taskID string, yield func(domain.Snapshot) bool) error
}

type UpdateKind string

const (
	UpdateStatus    UpdateKind = "status"
	UpdateProgress  UpdateKind = "progress"
	UpdateCompleted UpdateKind = "completed"
	UpdateFailed    UpdateKind = "failed"
)

// Update is one notification from a monitoring session. Status carries the
// new label for UpdateStatus; Progress an integer percentage for
// UpdateProgress; Snapshot the full terminal payload for UpdateCompleted;
// Reason a human-readable explanation for UpdateFailed.
type Update struct {
	Kind     UpdateKind
	Status   string
	Progress int
	Snapshot domain.Snapshot
	Reason   string
}

// Monitor watches exactly one task. Create a new Monitor per task; each
// Start runs its own goroutine and updates channel.
type Monitor struct {
	gateway  Gateway
	store    persistence.RecordStore
	taskID   string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Monitor)

// WithInterval overrides the inter-poll wait.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithLogger attaches a logger; the monitor is silent without one.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

func withClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(gateway Gateway, store persistence.RecordStore, taskID string, opts ...Option) *Monitor {
	m := &Monitor{
		gateway:  gateway,
		store:    store,
		taskID:   taskID,
		interval: DefaultPollInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the watch loop on its own goroutine and returns the
// update channel. The channel is closed when the session ends: terminal
// state reached, failure reported, or ctx canceled. Cancellation is
// cooperative — it is checked before each stream read, each poll and each
// wait, and nothing is emitted after it fires.
func (m *Monitor) Start(ctx context.Context) <-chan Update {
	updates := make(chan Update, 16)
	go m.run(ctx, updates)
	return updates
}

func (m *Monitor) run(ctx context.Context, updates chan<- Update) {
	defer close(updates)

	done, streamErr := m.watchStream(ctx, updates)
	if done || ctx.Err() != nil {
		return
	}

	// One fallback, ever. An early-closed stream counts as a transport
	// fault just like an explicit error.
	metrics.StreamFallbackTotal.Inc()
	if streamErr != nil {
		m.log("stream failed, falling back to polling", "task", m.taskID, "err", streamErr)
	} else {
		m.log("stream closed early, falling back to polling", "task", m.taskID)
	}

	pollErr := m.watchPolling(ctx, updates)
	if pollErr == nil || ctx.Err() != nil {
		return
	}

	// Polling faults end the session. The poll error message wins; the
	// stream's message is only used when polling's is empty.
	reason := pollErr.Error()
	if reason == "" && streamErr != nil {
		reason = streamErr.Error()
	}
	metrics.MonitorSessionsTotal.WithLabelValues("transport_error").Inc()
	m.emit(ctx, updates, Update{Kind: UpdateFailed, Reason: reason})
}

// watchStream consumes the live event channel. done is true when the
// session finished there (terminal status seen, or canceled); otherwise
// the returned error, possibly nil for an early close, feeds the fallback.
func (m *Monitor) watchStream(ctx context.Context, updates chan<- Update) (done bool, err error) {
	terminal := false
	err = m.gateway.StreamTask(ctx, m.taskID, func(snap domain.Snapshot) bool {
		if ctx.Err() != nil {
			return false
		}
		m.handleSnapshot(ctx, updates, snap, "stream")
		if domain.TaskStatus(snap.Status).Terminal() {
			terminal = true
			return false
		}
		return true
	})
	if ctx.Err() != nil {
		return true, nil
	}
	return terminal, err
}

func (m *Monitor) watchPolling(ctx context.Context, updates chan<- Update) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		snap, err := m.gateway.GetTask(ctx, m.taskID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.handleSnapshot(ctx, updates, snap, "poll")
		if domain.TaskStatus(snap.Status).Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.interval):
		}
	}
}

// handleSnapshot normalizes one observed snapshot: persists the merged
// record, then emits status, progress and any terminal notification, in
// that order.
func (m *Monitor) handleSnapshot(ctx context.Context, updates chan<- Update, snap domain.Snapshot, transport string) {
	metrics.SnapshotsObservedTotal.WithLabelValues(transport).Inc()
	m.persist(ctx, snap)

	if snap.Status != "" {
		m.emit(ctx, updates, Update{Kind: UpdateStatus, Status: snap.Status})
	}
	if p, ok := snap.ProgressPercent(); ok {
		m.emit(ctx, updates, Update{Kind: UpdateProgress, Progress: p})
	}

	switch domain.TaskStatus(snap.Status) {
	case domain.StatusSucceeded:
		metrics.MonitorSessionsTotal.WithLabelValues("succeeded").Inc()
		m.emit(ctx, updates, Update{Kind: UpdateCompleted, Snapshot: snap})
	case domain.StatusFailed, domain.StatusCanceled:
		metrics.MonitorSessionsTotal.WithLabelValues(snap.Status).Inc()
		m.emit(ctx, updates, Update{Kind: UpdateFailed, Reason: "Task " + snap.Status})
	}
}

// persist merges the snapshot into the stored record so a partial update
// never erases previously stored fields. A store fault is logged, not
// fatal: the session keeps reporting remote state.
func (m *Monitor) persist(ctx context.Context, snap domain.Snapshot) {
	stored, err := m.store.Get(ctx, m.taskID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		m.log("loading record failed", "task", m.taskID, "err", err)
		return
	}
	base := domain.TaskRecord{TaskID: m.taskID, Status: string(domain.StatusPending)}
	if stored != nil {
		base = *stored
	}
	merged := domain.Merge(base, snap)
	if merged.CreatedAt == "" {
		merged.CreatedAt = m.now().UTC().Format(time.RFC3339)
	}
	if err := m.store.Upsert(ctx, merged); err != nil {
		m.log("upserting record failed", "task", m.taskID, "err", err)
	}
}

func (m *Monitor) emit(ctx context.Context, updates chan<- Update, u Update) {
	select {
	case updates <- u:
	case <-ctx.Done():
	}
}

func (m *Monitor) log(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}
