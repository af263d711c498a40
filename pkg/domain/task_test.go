package domain

import (
	"encoding/json"
	"testing"
)

func TestSnapshotDecodeDefensive(t *testing.T) {
	payload := `{
		"id": "abc123",
		"status": "in-progress",
		"progress": 0.42,
		"created_at": "2024-05-01T12:00:00Z",
		"thumbnail_url": "https://cdn/thumb.png",
		"model_urls": {"glb": "https://cdn/m.glb", "fbx": 7},
		"options": {"topology": "quad"}
	}`

	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.ID != "abc123" {
		t.Errorf("expected id abc123, got %q", snap.ID)
	}
	if snap.Status != "in-progress" {
		t.Errorf("expected status in-progress, got %q", snap.Status)
	}
	if snap.Progress == nil || *snap.Progress != 0.42 {
		t.Errorf("expected progress 0.42, got %v", snap.Progress)
	}
	if snap.ModelURLs["glb"] != "https://cdn/m.glb" {
		t.Errorf("expected glb url, got %v", snap.ModelURLs)
	}
	if _, ok := snap.ModelURLs["fbx"]; ok {
		t.Error("non-string model url entry should be dropped")
	}
	if snap.Options["topology"] != "quad" {
		t.Errorf("expected options preserved, got %v", snap.Options)
	}
	if snap.Raw["id"] != "abc123" {
		t.Error("raw payload should be kept")
	}
}

func TestSnapshotDecodeMalformedFieldsDefault(t *testing.T) {
	payload := `{"status": 42, "progress": "not-a-number", "model_urls": "nope"}`

	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.Status != "" {
		t.Errorf("non-string status should default, got %q", snap.Status)
	}
	if snap.Progress != nil {
		t.Errorf("unparseable progress should be ignored, got %v", *snap.Progress)
	}
	if snap.ModelURLs != nil {
		t.Errorf("malformed model_urls should default, got %v", snap.ModelURLs)
	}
}

func TestSnapshotDecodeInvalidJSONFails(t *testing.T) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(`{"status":`), &snap); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestSnapshotTaskIDFallback(t *testing.T) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(`{"task_id": "xyz"}`), &snap); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.ID != "xyz" {
		t.Errorf("expected task_id fallback, got %q", snap.ID)
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name     string
		progress *float64
		want     int
		ok       bool
	}{
		{"absent", nil, 0, false},
		{"fraction", ptr(0.42), 42, true},
		{"fraction truncates", ptr(0.425), 42, true},
		{"zero", ptr(0.0), 0, true},
		{"one is a fraction", ptr(1.0), 100, true},
		{"percentage passthrough", ptr(73.0), 73, true},
		{"percentage truncates", ptr(99.9), 99, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Snapshot{Progress: tt.progress}
			got, ok := snap.ProgressPercent()
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusSucceeded, StatusFailed, StatusCanceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{StatusPending, StatusInProgress, ""} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func ptr(f float64) *float64 { return &f }
