// Package meshy is the client for the Meshy image-to-3D generation API.
// It does not retry; transport faults surface to the caller, which owns
// the fallback policy.
package meshy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/figura3d/figura/internal/metrics"
	"github.com/figura3d/figura/pkg/domain"
)

const (
	DefaultBaseURL = "https://api.meshy.ai"
	openAPIPrefix  = "/openapi/v1"

	defaultTimeout  = 15 * time.Second
	errSnippetLimit = 200
)

// APIError represents a transport failure, non-2xx response, or malformed
// response body from the generation API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string { return e.Message }

func transportError(err error) *APIError {
	return &APIError{Message: fmt.Sprintf("meshy api request failed: %v", err)}
}

// Client calls the Meshy OpenAPI endpoints. It is stateless per call and
// safe to share across goroutines.
type Client struct {
	baseURL string
	apiKey  string
	// httpClient bounds unary calls; streamClient has no overall timeout
	// because SSE reads and large downloads are open-ended.
	httpClient   *http.Client
	streamClient *http.Client
	tracer       trace.Tracer
}

type Option func(*Client)

// WithBaseURL overrides the API endpoint, e.g. for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithTimeout overrides the per-request timeout for unary calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		streamClient: &http.Client{},
		tracer:       otel.Tracer("figura/meshy"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateTask submits an image-to-3D generation job and returns the task id.
func (c *Client) CreateTask(ctx context.Context, payload map[string]any) (string, error) {
	ctx, span := c.tracer.Start(ctx, "meshy.CreateTask")
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding task payload: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.buildURL("/image-to-3d"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.fail(span, "create_task", transportError(err))
	}
	defer resp.Body.Close()
	if apiErr := checkStatus(resp); apiErr != nil {
		return "", c.fail(span, "create_task", apiErr)
	}

	var out struct {
		Result string `json:"result"`
		ID     string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", c.fail(span, "create_task", &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("meshy api response malformed: %v", err),
		})
	}
	id := out.Result
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", c.fail(span, "create_task", &APIError{
			StatusCode: resp.StatusCode,
			Message:    "meshy api response missing task id",
		})
	}
	metrics.APIRequestsTotal.WithLabelValues("create_task", "ok").Inc()
	return id, nil
}

// GetTask fetches the latest snapshot of a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (domain.Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "meshy.GetTask")
	defer span.End()

	req, err := c.newRequest(ctx, http.MethodGet, c.buildURL("/image-to-3d/"+url.PathEscape(taskID)), nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Snapshot{}, c.fail(span, "get_task", transportError(err))
	}
	defer resp.Body.Close()
	if apiErr := checkStatus(resp); apiErr != nil {
		return domain.Snapshot{}, c.fail(span, "get_task", apiErr)
	}

	var snap domain.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return domain.Snapshot{}, c.fail(span, "get_task", &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("meshy api response malformed: %v", err),
		})
	}
	metrics.APIRequestsTotal.WithLabelValues("get_task", "ok").Inc()
	return snap, nil
}

// DownloadFile streams the artifact at rawURL to dest, creating parent
// directories and overwriting any existing file.
func (c *Client) DownloadFile(ctx context.Context, rawURL, dest string) error {
	ctx, span := c.tracer.Start(ctx, "meshy.DownloadFile")
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating download dir: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("error").Inc()
		return &APIError{Message: fmt.Sprintf("meshy download failed: %v", err)}
	}
	defer resp.Body.Close()
	if apiErr := checkStatus(resp); apiErr != nil {
		metrics.DownloadsTotal.WithLabelValues("error").Inc()
		return apiErr
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		metrics.DownloadsTotal.WithLabelValues("error").Inc()
		return &APIError{Message: fmt.Sprintf("meshy download failed: %v", err)}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dest, err)
	}
	metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	return nil
}

// ValidateKey checks the API key with a lightweight authenticated request.
// It never returns an error: any transport failure counts as invalid.
func (c *Client) ValidateKey(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "meshy.ValidateKey")
	defer span.End()

	req, err := c.newRequest(ctx, http.MethodGet, c.buildURL("/image-to-3d/nonexistent"), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false
	case resp.StatusCode == http.StatusNotFound:
		// Authenticated but the probe resource does not exist.
		return true
	default:
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
}

func (c *Client) buildURL(path string) string {
	return c.baseURL + openAPIPrefix + path
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) fail(span trace.Span, operation string, apiErr *APIError) *APIError {
	span.RecordError(apiErr)
	metrics.APIRequestsTotal.WithLabelValues(operation, "error").Inc()
	return apiErr
}

// checkStatus turns a non-2xx response into an APIError carrying a
// single-line snippet of the body.
func checkStatus(resp *http.Response) *APIError {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	snippet := strings.ReplaceAll(strings.TrimSpace(string(body)), "\n", " ")
	if len(snippet) > errSnippetLimit {
		snippet = snippet[:errSnippetLimit]
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("meshy api error %d: %s", resp.StatusCode, snippet),
	}
}
