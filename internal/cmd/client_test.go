package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/audioq/internal/errors"
	"github.com/3leaps/audioq/pkg/job"
	"github.com/3leaps/audioq/pkg/orchestrator"
)

func newSubmitTestCmd(t *testing.T, args ...string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	c := &cobra.Command{Use: "submit"}
	registerSubmitFlags(c)
	require.NoError(t, c.Flags().Parse(args))
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetContext(context.Background())
	return c, &out
}

// withAPI points client commands at srv for the duration of the test.
func withAPI(t *testing.T, srv *httptest.Server) {
	t.Helper()
	orig := apiAddr
	apiAddr = srv.URL
	t.Cleanup(func() { apiAddr = orig })
}

func TestSubmitRequests_SingleJob(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	c, _ := newSubmitTestCmd(t, "--prompt", "lofi hip hop", "--out", "renders", "--title", "Night", "--duration", "90", "--batch", "2")
	reqs, err := submitRequests(c)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	r := reqs[0]
	assert.Equal(t, job.ModeSubprocess, r.Mode)
	assert.Equal(t, "Night", r.Title)
	assert.True(t, filepath.IsAbs(r.OutputDir))
	assert.Equal(t, "renders", filepath.Base(r.OutputDir))
	assert.Equal(t, "lofi hip hop", r.Params.Prompt)
	assert.Equal(t, 90.0, r.Params.DurationSeconds)
	assert.Equal(t, 2, r.Params.BatchSize)
	assert.True(t, r.Params.UseRandomSeed)
	assert.Nil(t, r.Params.Seed)
}

func TestSubmitRequests_FixedSeed(t *testing.T) {
	c, _ := newSubmitTestCmd(t, "--prompt", "synthwave", "--out", "/tmp/out", "--seed", "42", "--mode", "resident_api")
	reqs, err := submitRequests(c)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, job.ModeResidentAPI, reqs[0].Mode)
	require.NotNil(t, reqs[0].Params.Seed)
	assert.Equal(t, int64(42), *reqs[0].Params.Seed)
	assert.False(t, reqs[0].Params.UseRandomSeed)
}

func TestSubmitRequests_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "nothing given", args: nil, wantErr: "either --file or --prompt"},
		{name: "missing out", args: []string{"--prompt", "x"}, wantErr: "--out is required"},
		{name: "both sources", args: []string{"--prompt", "x", "--file", "jobs.yaml"}, wantErr: "mutually exclusive"},
		{name: "bad mode", args: []string{"--prompt", "x", "--out", "/tmp", "--mode", "telepathy"}, wantErr: "telepathy"},
		{name: "missing file", args: []string{"--file", "/nonexistent/jobs.yaml"}, wantErr: "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newSubmitTestCmd(t, tt.args...)
			_, err := submitRequests(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSubmitRequests_Manifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: "1.0"
defaults:
  out_dir: renders
jobs:
  - title: one
    params:
      prompt: first
  - title: two
    params:
      prompt: second
`), 0o644))

	c, _ := newSubmitTestCmd(t, "--file", path)
	reqs, err := submitRequests(c)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "first", reqs[0].Params.Prompt)
	assert.Equal(t, "second", reqs[1].Params.Prompt)
	assert.Equal(t, filepath.Join(dir, "renders"), reqs[0].OutputDir)
}

func TestRunSubmit(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		got   []job.Request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req job.Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		paths = append(paths, r.URL.Path)
		got = append(got, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":7,"started":true}`))
	}))
	defer srv.Close()
	withAPI(t, srv)

	c, out := newSubmitTestCmd(t, "--prompt", "ambient", "--out", "/tmp/out", "--title", "Drift", "--generate")
	require.NoError(t, runSubmit(c, nil))

	assert.Equal(t, []string{"/v1/generate"}, paths)
	require.Len(t, got, 1)
	assert.Equal(t, "ambient", got[0].Params.Prompt)
	assert.Contains(t, out.String(), "started   #7 Drift")
}

func TestRunSubmit_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeValidation, "prompt is required",
			map[string]any{"field": "params.prompt"})
	}))
	defer srv.Close()
	withAPI(t, srv)

	c, out := newSubmitTestCmd(t, "--prompt", " x", "--out", "/tmp/out")
	err := runSubmit(c, nil)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	assert.Contains(t, out.String(), "rejected")
	assert.Contains(t, out.String(), "params.prompt")
}

func TestRunSubmit_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	orig := apiAddr
	apiAddr = url
	defer func() { apiAddr = orig }()

	c, _ := newSubmitTestCmd(t, "--prompt", "x", "--out", "/tmp/out")
	err := runSubmit(c, nil)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
	assert.Contains(t, err.Error(), "Cannot reach audioq server")
}

func TestControlClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/queue":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"active":null,"pending":[],"next_job_id":3}`))
		case "/v1/jobs/9":
			apperrors.Respond(w, r, http.StatusNotFound, apperrors.CodeNotFound, "job 9 is not pending", nil)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	client := newControlClient(srv.URL + "/")
	ctx := context.Background()

	var snap orchestrator.Snapshot
	status, err := client.do(ctx, http.MethodGet, "/v1/queue", nil, &snap)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(3), snap.NextID)

	status, err = client.do(ctx, http.MethodDelete, "/v1/jobs/9", nil, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apperrors.CodeNotFound, apiErr.Detail.Code)
	assert.Contains(t, err.Error(), "job 9 is not pending")

	status, err = client.do(ctx, http.MethodPost, "/v1/pump", nil, &snap)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestWriteSnapshot(t *testing.T) {
	var buf bytes.Buffer
	writeSnapshot(&buf, orchestrator.Snapshot{})
	assert.Contains(t, buf.String(), "(queue is empty)")

	buf.Reset()
	active := job.Job{ID: 4, Mode: job.ModeResidentAPI, Display: job.Display{Title: "Now", BatchSize: 1, SeedLabel: "random", TaskType: "text2music"}}
	pending := job.Job{ID: 5, Mode: job.ModeSubprocess, Display: job.Display{Title: "Next", BatchSize: 2, SeedLabel: "42", TaskType: "text2music", DurationSeconds: 90}}
	writeSnapshot(&buf, orchestrator.Snapshot{Active: &active, Pending: []job.Job{pending}})

	text := buf.String()
	assert.Contains(t, text, "running")
	assert.Contains(t, text, "pending")
	assert.Contains(t, text, "90s")
	assert.Contains(t, text, "auto")
	assert.NotContains(t, text, "queue is empty")
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	code := 0
	tests := []struct {
		name  string
		event orchestrator.Event
		want  string
	}{
		{"finished", orchestrator.Event{Timestamp: ts, Type: orchestrator.EventFinished, JobID: 3, ExitCode: &code}, "#3 finished (exit 0)"},
		{"renamed", orchestrator.Event{Timestamp: ts, Type: orchestrator.EventRenamed, JobID: 3, From: "a.mp3", To: "b.mp3"}, "#3 renamed a.mp3 -> b.mp3"},
		{"queue", orchestrator.Event{Timestamp: ts, Type: orchestrator.EventQueue, Pending: 2}, "queue: 2 pending"},
		{"log", orchestrator.Event{Timestamp: ts, Type: orchestrator.EventLog, Message: "[sidecar] ready"}, "[sidecar] ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, formatEvent(tt.event), tt.want)
		})
	}
}
