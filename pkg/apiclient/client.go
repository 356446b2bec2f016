// Package apiclient talks to the resident generation service: task
// submission, status queries, result downloads and liveness probes.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/3leaps/audioq/pkg/job"
)

// Default service paths.
const (
	DefaultSubmitPath = "/release_task"
	DefaultQueryPath  = "/query_result"
	DefaultProbePath  = "/openapi.json"
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"

	// maxErrorBody caps how much of a failed response is echoed into errors.
	maxErrorBody = 2048
)

// ErrEmptyTaskID is returned when a submission is accepted without an id.
var ErrEmptyTaskID = errors.New("service returned no task id")

// Options configures a Client. Zero values use the defaults.
type Options struct {
	SubmitPath string
	QueryPath  string

	// Timeout bounds each individual request.
	Timeout time.Duration

	HTTPClient *http.Client
}

// Client is a client for one resident service instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
	submitPath string
	queryPath  string
}

// New creates a client. baseURL includes scheme and port, e.g.
// "http://127.0.0.1:8001".
func New(baseURL string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: hc,
		baseURL:    strings.TrimRight(baseURL, "/"),
		submitPath: orDefault(opts.SubmitPath, DefaultSubmitPath),
		queryPath:  orDefault(opts.QueryPath, DefaultQueryPath),
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit posts one task and returns its id.
func (c *Client) Submit(ctx context.Context, params job.Params) (string, error) {
	var resp submitResponse
	if err := c.postJSON(ctx, c.submitPath, params, &resp); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	id := resp.taskID()
	if id == "" {
		return "", ErrEmptyTaskID
	}
	return id, nil
}

// Query returns the current status of one task.
func (c *Client) Query(ctx context.Context, taskID string) (TaskStatus, error) {
	var resp queryResponse
	req := QueryRequest{TaskIDList: []string{taskID}}
	if err := c.postJSON(ctx, c.queryPath, req, &resp); err != nil {
		return TaskStatus{}, fmt.Errorf("query task %s: %w", taskID, err)
	}
	items := resp.items()
	if len(items) == 0 {
		// Not yet visible to the status endpoint.
		return TaskStatus{State: StatePending}, nil
	}
	for _, it := range items {
		if it.TaskID == "" || it.TaskID == taskID {
			return it.status()
		}
	}
	return items[0].status()
}

// ResolveURL turns a file reference from a task result into an absolute URL.
func (c *Client) ResolveURL(ref string) string {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref
	case strings.HasPrefix(ref, "/"):
		return c.baseURL + ref
	default:
		return c.baseURL + "/" + ref
	}
}

// Download streams the referenced file into w and returns the byte count.
func (c *Client) Download(ctx context.Context, ref string, w io.Writer) (int64, error) {
	url := c.ResolveURL(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, statusError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read download body: %w", err)
	}
	return n, nil
}

// Probe issues a GET and returns the status code. Connection errors are
// returned as-is for the caller to treat as "not reachable yet".
func Probe(ctx context.Context, hc *http.Client, url string) (int, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(headerContentType, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is a non-2xx response from the service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service returned status %d: %s", e.StatusCode, e.Body)
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
