package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/3leaps/audioq/internal/errors"
)

// controlClient calls a running 'audioq serve' over its /v1 API.
type controlClient struct {
	base string
	http *http.Client
}

func newControlClient(base string) *controlClient {
	return &controlClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx response from the control API.
type apiError struct {
	Status int
	Detail apperrors.ErrorDetail
}

func (e *apiError) Error() string {
	if e.Detail.Message == "" {
		return fmt.Sprintf("control API returned HTTP %d", e.Status)
	}
	if field, ok := e.Detail.Details["field"].(string); ok && field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Detail.Code, field, e.Detail.Message)
	}
	return fmt.Sprintf("%s: %s", e.Detail.Code, e.Detail.Message)
}

func (c *controlClient) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var env apperrors.HTTPErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&env)
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Detail: env.Error}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
