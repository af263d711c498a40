package meshy

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/figura3d/figura/pkg/domain"
)

// StreamTask opens the SSE channel for a task and calls yield for every
// "message" event, in order, until yield returns false, the server closes
// the stream, or an error occurs. An "error" event terminates the stream
// with an APIError carrying the server-supplied message. A closed stream
// is not an error here; the caller decides what an early close means.
// Streams are not restartable — reconnecting means calling again.
func (c *Client) StreamTask(ctx context.Context, taskID string, yield func(domain.Snapshot) bool) error {
	ctx, span := c.tracer.Start(ctx, "meshy.StreamTask")
	defer span.End()

	req, err := c.newRequest(ctx, http.MethodGet, c.buildURL("/image-to-3d/"+url.PathEscape(taskID)+"/stream"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return c.fail(span, "stream_task", transportError(err))
	}
	defer resp.Body.Close()
	if apiErr := checkStatus(resp); apiErr != nil {
		return c.fail(span, "stream_task", apiErr)
	}

	var (
		eventType string
		dataLines []string
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			if after, ok := strings.CutPrefix(line, "event:"); ok {
				eventType = strings.TrimSpace(after)
			} else if after, ok := strings.CutPrefix(line, "data:"); ok {
				dataLines = append(dataLines, strings.TrimSpace(after))
			}
			continue
		}

		// Blank line dispatches the buffered event.
		switch {
		case eventType == "message" && len(dataLines) > 0:
			payload := strings.Join(dataLines, "\n")
			var snap domain.Snapshot
			if err := json.Unmarshal([]byte(payload), &snap); err != nil {
				return c.fail(span, "stream_task", &APIError{
					Message: "meshy stream invalid JSON: " + payload,
				})
			}
			if !yield(snap) {
				return nil
			}
		case eventType == "error" && len(dataLines) > 0:
			payload := strings.Join(dataLines, "\n")
			msg := payload
			var errPayload struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal([]byte(payload), &errPayload); err == nil && errPayload.Message != "" {
				msg = errPayload.Message
			}
			return c.fail(span, "stream_task", &APIError{Message: "meshy stream error: " + msg})
		}
		eventType = ""
		dataLines = nil
	}
	if err := scanner.Err(); err != nil {
		return c.fail(span, "stream_task", transportError(err))
	}
	return nil
}
