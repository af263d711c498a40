package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/figura3d/figura/pkg/domain"
	"github.com/figura3d/figura/pkg/persistence"
	"github.com/figura3d/figura/pkg/persistence/memory"
)

type fakeGateway struct {
	streamSnaps []domain.Snapshot
	streamErr   error
	streamCalls int

	pollSnaps []domain.Snapshot
	pollErr   error
	pollCalls int
}

func (f *fakeGateway) StreamTask(ctx context.Context, taskID string, yield func(domain.Snapshot) bool) error {
	f.streamCalls++
	for _, snap := range f.streamSnaps {
		if !yield(snap) {
			return nil
		}
	}
	return f.streamErr
}

func (f *fakeGateway) GetTask(ctx context.Context, taskID string) (domain.Snapshot, error) {
	if f.pollCalls >= len(f.pollSnaps) {
		if f.pollErr != nil {
			return domain.Snapshot{}, f.pollErr
		}
		return domain.Snapshot{}, errors.New("poll exhausted")
	}
	snap := f.pollSnaps[f.pollCalls]
	f.pollCalls++
	return snap, nil
}

func fraction(f float64) *float64 { return &f }

func newStore(t *testing.T) persistence.RecordStore {
	t.Helper()
	store, err := memory.New(persistence.ProviderConfig{})
	if err != nil {
		t.Fatalf("creating memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func collect(t *testing.T, updates <-chan Update) []Update {
	t.Helper()
	var out []Update
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for updates, got %v", out)
		}
	}
}

func TestMonitorStreamHappyPath(t *testing.T) {
	gw := &fakeGateway{
		streamSnaps: []domain.Snapshot{
			{ID: "abc123", Status: "pending"},
			{ID: "abc123", Status: "in-progress", Progress: fraction(0.42)},
			{ID: "abc123", Status: "succeeded", Progress: fraction(1.0),
				ModelURLs: map[string]string{"glb": "https://x/m.glb"}},
		},
	}
	store := newStore(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := New(gw, store, "abc123", withClock(func() time.Time { return fixed }))

	updates := collect(t, m.Start(context.Background()))

	want := []Update{
		{Kind: UpdateStatus, Status: "pending"},
		{Kind: UpdateStatus, Status: "in-progress"},
		{Kind: UpdateProgress, Progress: 42},
		{Kind: UpdateStatus, Status: "succeeded"},
		{Kind: UpdateProgress, Progress: 100},
	}
	if len(updates) != len(want)+1 {
		t.Fatalf("expected %d updates, got %d: %+v", len(want)+1, len(updates), updates)
	}
	for i, w := range want {
		if updates[i].Kind != w.Kind || updates[i].Status != w.Status || updates[i].Progress != w.Progress {
			t.Errorf("update %d: expected %+v, got %+v", i, w, updates[i])
		}
	}
	last := updates[len(updates)-1]
	if last.Kind != UpdateCompleted {
		t.Fatalf("expected completed last, got %+v", last)
	}
	if last.Snapshot.ModelURLs["glb"] != "https://x/m.glb" {
		t.Errorf("completed update missing model urls: %+v", last.Snapshot)
	}

	if gw.pollCalls != 0 {
		t.Errorf("terminal stream must not fall back to polling, got %d polls", gw.pollCalls)
	}

	rec, err := store.Get(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.Status != "succeeded" {
		t.Errorf("expected stored status succeeded, got %q", rec.Status)
	}
	if rec.Progress == nil || *rec.Progress != 100 {
		t.Errorf("expected stored progress 100, got %v", rec.Progress)
	}
	if rec.CreatedAt != fixed.Format(time.RFC3339) {
		t.Errorf("expected synthesized created_at %s, got %q", fixed.Format(time.RFC3339), rec.CreatedAt)
	}
	if rec.ModelURLs["glb"] != "https://x/m.glb" {
		t.Errorf("expected stored model urls, got %v", rec.ModelURLs)
	}
}

func TestMonitorFallsBackToPollingOnce(t *testing.T) {
	gw := &fakeGateway{
		streamSnaps: []domain.Snapshot{
			{ID: "abc123", Status: "pending"},
		},
		streamErr: errors.New("connection reset"),
		pollSnaps: []domain.Snapshot{
			{ID: "abc123", Status: "in-progress", Progress: fraction(0.5)},
			{ID: "abc123", Status: "succeeded"},
		},
	}
	store := newStore(t)
	m := New(gw, store, "abc123", WithInterval(time.Millisecond))

	updates := collect(t, m.Start(context.Background()))

	if gw.streamCalls != 1 {
		t.Errorf("stream must not be reopened, got %d calls", gw.streamCalls)
	}
	last := updates[len(updates)-1]
	if last.Kind != UpdateCompleted {
		t.Fatalf("expected completion via polling, got %+v", last)
	}

	var progresses []int
	for _, u := range updates {
		if u.Kind == UpdateProgress {
			progresses = append(progresses, u.Progress)
		}
	}
	if len(progresses) != 1 || progresses[0] != 50 {
		t.Errorf("expected one progress update of 50, got %v", progresses)
	}
}

func TestMonitorEarlyStreamCloseFallsBack(t *testing.T) {
	gw := &fakeGateway{
		streamSnaps: []domain.Snapshot{
			{ID: "abc123", Status: "in-progress"},
		},
		// nil streamErr: server closed the stream without a terminal status.
		pollSnaps: []domain.Snapshot{
			{ID: "abc123", Status: "succeeded"},
		},
	}
	m := New(gw, newStore(t), "abc123", WithInterval(time.Millisecond))

	updates := collect(t, m.Start(context.Background()))

	last := updates[len(updates)-1]
	if last.Kind != UpdateCompleted {
		t.Fatalf("expected completion after early close, got %+v", last)
	}
	if gw.pollCalls != 1 {
		t.Errorf("expected exactly one poll, got %d", gw.pollCalls)
	}
}

func TestMonitorPollFailureEndsSession(t *testing.T) {
	gw := &fakeGateway{
		streamErr: errors.New("stream broke"),
		pollErr:   errors.New("poll broke"),
	}
	m := New(gw, newStore(t), "abc123", WithInterval(time.Millisecond))

	updates := collect(t, m.Start(context.Background()))

	if len(updates) != 1 {
		t.Fatalf("expected a single failure update, got %+v", updates)
	}
	if updates[0].Kind != UpdateFailed {
		t.Fatalf("expected failure, got %+v", updates[0])
	}
	if updates[0].Reason != "poll broke" {
		t.Errorf("poll error message should win, got %q", updates[0].Reason)
	}
}

func TestMonitorPollFailureFallsBackToStreamMessage(t *testing.T) {
	gw := &fakeGateway{
		streamErr: errors.New("stream broke"),
		pollErr:   errors.New(""),
	}
	m := New(gw, newStore(t), "abc123", WithInterval(time.Millisecond))

	updates := collect(t, m.Start(context.Background()))

	if len(updates) != 1 || updates[0].Kind != UpdateFailed {
		t.Fatalf("expected a single failure update, got %+v", updates)
	}
	if updates[0].Reason != "stream broke" {
		t.Errorf("empty poll message should fall back to stream's, got %q", updates[0].Reason)
	}
}

func TestMonitorFailedTaskReportsReason(t *testing.T) {
	gw := &fakeGateway{
		streamSnaps: []domain.Snapshot{
			{ID: "abc123", Status: "in-progress", Progress: fraction(0.3)},
			{ID: "abc123", Status: "failed"},
		},
	}
	store := newStore(t)
	m := New(gw, store, "abc123")

	updates := collect(t, m.Start(context.Background()))

	last := updates[len(updates)-1]
	if last.Kind != UpdateFailed {
		t.Fatalf("expected failure update, got %+v", last)
	}
	if last.Reason != "Task failed" {
		t.Errorf("expected reason %q, got %q", "Task failed", last.Reason)
	}

	rec, err := store.Get(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.Status != "failed" {
		t.Errorf("expected stored status failed, got %q", rec.Status)
	}
	// The failed snapshot carried no progress; the earlier value survives.
	if rec.Progress == nil || *rec.Progress != 30 {
		t.Errorf("expected stored progress 30, got %v", rec.Progress)
	}
}

func TestMonitorMergePreservesLocalModelPath(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, domain.TaskRecord{
		TaskID:         "abc123",
		CreatedAt:      "2026-01-01T00:00:00Z",
		Status:         "succeeded",
		LocalModelPath: "/models/abc123.glb",
	}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	gw := &fakeGateway{
		streamSnaps: []domain.Snapshot{
			{ID: "abc123", Status: "succeeded", ModelURLs: map[string]string{"glb": "https://x/m.glb"}},
		},
	}
	m := New(gw, store, "abc123")
	collect(t, m.Start(ctx))

	rec, err := store.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.LocalModelPath != "/models/abc123.glb" {
		t.Errorf("local model path must survive remote refresh, got %q", rec.LocalModelPath)
	}
	if rec.CreatedAt != "2026-01-01T00:00:00Z" {
		t.Errorf("stored created_at must survive, got %q", rec.CreatedAt)
	}
	if rec.ModelURLs["glb"] != "https://x/m.glb" {
		t.Errorf("expected merged model urls, got %v", rec.ModelURLs)
	}
}

func TestMonitorCancellationClosesChannel(t *testing.T) {
	gw := &fakeGateway{
		streamErr: errors.New("stream broke"),
		pollSnaps: []domain.Snapshot{
			{ID: "abc123", Status: "pending"},
			{ID: "abc123", Status: "pending"},
		},
		pollErr: errors.New("should not surface after cancel"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := New(gw, newStore(t), "abc123", WithInterval(50*time.Millisecond))

	updates := m.Start(ctx)
	// First pending status, then cancel mid-session.
	select {
	case <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first update")
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Kind == UpdateFailed {
				t.Fatalf("no failure may be reported after cancellation: %+v", u)
			}
		case <-deadline:
			t.Fatal("channel not closed after cancellation")
		}
	}
}
