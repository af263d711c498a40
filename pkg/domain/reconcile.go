package domain

import (
	"errors"
	"net/url"
	"strconv"
	"time"
)

// ErrModelUnavailable is returned when a record has no usable model URL,
// either because none was stored or because the stored URL has expired.
var ErrModelUnavailable = errors.New("model unavailable")

// Merge reconciles a fresh remote snapshot into a stored record. Fields
// present and non-empty in the snapshot win; absent or empty fields keep
// the stored value. LocalModelPath is never touched here — only the
// download step sets it.
func Merge(stored TaskRecord, snap Snapshot) TaskRecord {
	out := stored
	if snap.ID != "" && out.TaskID == "" {
		out.TaskID = snap.ID
	}
	if snap.CreatedAt != "" {
		out.CreatedAt = snap.CreatedAt
	}
	if snap.Status != "" {
		out.Status = snap.Status
	}
	if p, ok := snap.ProgressPercent(); ok {
		out.Progress = &p
	}
	if snap.ThumbnailURL != "" {
		out.ThumbnailURL = snap.ThumbnailURL
	}
	if len(snap.ModelURLs) > 0 {
		out.ModelURLs = snap.ModelURLs
	}
	if len(snap.Options) > 0 {
		out.Options = snap.Options
	}
	return out
}

// URLExpired checks the Expires/expires query parameter of a signed URL.
// A missing or unparseable parameter counts as not expired.
func URLExpired(raw string, now time.Time) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	q := u.Query()
	vals := q["Expires"]
	if len(vals) == 0 {
		vals = q["expires"]
	}
	if len(vals) == 0 {
		return false
	}
	expiry, err := strconv.ParseInt(vals[0], 10, 64)
	if err != nil {
		return false
	}
	return now.Unix() > expiry
}

// ResolveModelURL picks the download URL for a record, preferring the
// "glb" entry and falling back to any single stored entry. An expired or
// missing URL yields ErrModelUnavailable.
func ResolveModelURL(rec TaskRecord, now time.Time) (string, error) {
	u := rec.ModelURLs["glb"]
	if u == "" {
		for _, v := range rec.ModelURLs {
			u = v
			break
		}
	}
	if u == "" || URLExpired(u, now) {
		return "", ErrModelUnavailable
	}
	return u, nil
}
