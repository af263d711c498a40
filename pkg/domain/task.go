package domain

import (
	"encoding/json"
	"strconv"
)

// TaskStatus is a lifecycle label reported by the generation API.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in-progress"
	StatusSucceeded  TaskStatus = "succeeded"
	StatusFailed     TaskStatus = "failed"
	StatusCanceled   TaskStatus = "canceled"
)

// Terminal reports whether no further transitions are possible for this status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// TaskRecord is the persisted history entry for one generation task.
// TaskID is the primary key; exactly one record exists per task.
type TaskRecord struct {
	TaskID       string            `json:"taskId"`
	CreatedAt    string            `json:"createdAt"` // ISO-8601
	Status       string            `json:"status"`
	Progress     *int              `json:"progress,omitempty"`
	ThumbnailURL string            `json:"thumbnailUrl,omitempty"`
	ModelURLs    map[string]string `json:"modelUrls,omitempty"`
	Options      map[string]any    `json:"options,omitempty"`
	// LocalModelPath is set once by a successful download and never cleared
	// by later refreshes.
	LocalModelPath string `json:"localModelPath,omitempty"`
}

// Snapshot is a point-in-time view of a remote task. The API payload is
// loosely typed; fields that are absent or malformed default instead of
// failing the decode. Raw keeps the full payload for completion handling.
type Snapshot struct {
	ID           string
	Status       string
	Progress     *float64
	CreatedAt    string
	ThumbnailURL string
	ModelURLs    map[string]string
	Options      map[string]any
	Raw          map[string]any
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.Raw = m
	s.ID = stringField(m, "id")
	if s.ID == "" {
		s.ID = stringField(m, "task_id")
	}
	s.Status = stringField(m, "status")
	if v, ok := m["progress"]; ok {
		if f, ok := toFloat(v); ok {
			s.Progress = &f
		}
	}
	s.CreatedAt = stringField(m, "created_at")
	s.ThumbnailURL = stringField(m, "thumbnail_url")
	s.ModelURLs = stringMapField(m, "model_urls")
	if opts, ok := m["options"].(map[string]any); ok {
		s.Options = opts
	}
	return nil
}

// ProgressPercent returns progress as an integer percentage. A value in
// [0,1] is treated as a fraction and scaled by 100; the result truncates
// toward zero. The second return is false when the snapshot carried no
// usable progress value.
func (s Snapshot) ProgressPercent() (int, bool) {
	if s.Progress == nil {
		return 0, false
	}
	f := *s.Progress
	if f >= 0 && f <= 1 {
		f *= 100
	}
	return int(f), true
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return v
}

func stringMapField(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
