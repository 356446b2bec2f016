// Package shim serves the resident-service task protocol on top of the
// engine's command-line entry point.
//
// Tasks are executed one at a time by a single worker. Each task gets its own
// directory under WorkDir; its run config points the engine's save_dir there
// and finished files are served back under /files/{task_id}/{name}.
package shim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/audioq/pkg/apiclient"
	"github.com/3leaps/audioq/pkg/engineconfig"
	"github.com/3leaps/audioq/pkg/job"
	"github.com/3leaps/audioq/pkg/outputs"
	"github.com/3leaps/audioq/pkg/runner"
	"github.com/3leaps/audioq/pkg/sidecar"
)

// DefaultQueueDepth bounds how many submitted tasks may wait for the worker.
const DefaultQueueDepth = 64

// ErrQueueFull is returned when no more tasks can be accepted.
var ErrQueueFull = errors.New("task queue is full")

// Config configures a Server.
type Config struct {
	Engine engineconfig.Engine

	// WorkDir holds one directory per task.
	WorkDir string

	QueueDepth  int
	GracePeriod time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

type task struct {
	id       string
	params   job.Params
	dir      string
	state    apiclient.State
	progress string
	files    []string
	errMsg   string
}

// Server is the shim's HTTP surface plus its task worker.
type Server struct {
	cfg    Config
	log    *zap.Logger
	router chi.Router

	mu    sync.Mutex
	tasks map[string]*task
	queue chan *task
}

// New validates cfg and builds the router. Call Run to start executing tasks.
func New(cfg Config) (*Server, error) {
	if cfg.WorkDir == "" {
		return nil, &job.ValidationError{Field: "shim.work_dir", Message: "work directory is required"}
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		tasks: make(map[string]*task),
		queue: make(chan *task, cfg.QueueDepth),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Post(apiclient.DefaultSubmitPath, s.handleRelease)
	r.Post(apiclient.DefaultQueryPath, s.handleQuery)
	r.Get(apiclient.DefaultProbePath, s.handleOpenAPI)
	r.Get("/health", s.handleHealth)
	r.Get("/files/{task}/{name}", s.handleFile)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Submit queues a task and returns its id.
func (s *Server) Submit(p job.Params) (string, error) {
	p, err := p.Normalize()
	if err != nil {
		return "", err
	}
	p = p.WithDefaults()

	id := uuid.NewString()
	t := &task{
		id:     id,
		params: p,
		dir:    filepath.Join(s.cfg.WorkDir, id),
		state:  apiclient.StatePending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.queue <- t:
	default:
		return "", ErrQueueFull
	}
	s.tasks[id] = t
	return id, nil
}

// Status returns the wire item for one task and whether it exists.
func (s *Server) Status(id string) (apiclient.QueryItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return apiclient.QueryItem{}, false
	}
	refs := make([]string, 0, len(t.files))
	for _, f := range t.files {
		refs = append(refs, "/files/"+t.id+"/"+filepath.Base(f))
	}
	return apiclient.NewQueryItem(t.id, t.state, t.progress, refs, t.errMsg), true
}

// Run executes queued tasks until ctx is cancelled. A task in flight is
// stopped and marked failed.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			s.execute(ctx, t)
		}
	}
}

func (s *Server) execute(ctx context.Context, t *task) {
	log := s.log.With(zap.String("task_id", t.id))
	fail := func(msg string) {
		log.Warn("Task failed", zap.String("error", msg))
		s.update(t, func(t *task) {
			t.state = apiclient.StateFailed
			t.errMsg = msg
		})
	}

	if err := os.MkdirAll(t.dir, 0755); err != nil {
		fail(fmt.Sprintf("create task dir: %v", err))
		return
	}
	eng := s.cfg.Engine
	eng.ConfigDir = t.dir
	payload, err := eng.Prepare(t.params, t.dir, s.cfg.Now())
	if err != nil {
		fail(err.Error())
		return
	}

	r := runner.NewProcessRunner(runner.ProcessConfig{
		Args:        payload.Args,
		Dir:         payload.Dir,
		Env:         s.cfg.Engine.Env,
		GracePeriod: s.cfg.GracePeriod,
		OnLog: func(line string) {
			log.Debug(line)
			s.update(t, func(t *task) { t.progress = line })
		},
	})

	log.Info("Task started", zap.String("task_type", t.params.TaskType))
	res := r.Run(ctx)

	if res.Code != runner.CodeOK {
		fail("exit code " + strconv.Itoa(res.Code))
		return
	}
	files, err := outputs.ListAudio(t.dir)
	if err != nil {
		fail(fmt.Sprintf("list outputs: %v", err))
		return
	}
	if len(files) == 0 {
		fail("engine produced no audio files")
		return
	}
	log.Info("Task succeeded", zap.Int("files", len(files)))
	s.update(t, func(t *task) {
		t.state = apiclient.StateSucceeded
		t.files = files
	})
}

func (s *Server) update(t *task, fn func(*task)) {
	s.mu.Lock()
	fn(t)
	s.mu.Unlock()
}

// Serve listens on host:port, prints the readiness banner to banner once the
// socket is bound, and serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, host string, port int, banner io.Writer) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	if banner != nil {
		_, _ = fmt.Fprintf(banner, "%s http://%s\n", sidecar.ShimBanner, ln.Addr().String())
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	err = srv.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	return err
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var p job.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := s.Submit(p)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, job.ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(err, ErrQueueFull):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apiclient.SubmitResponse{Data: apiclient.SubmitData{TaskID: id}})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req apiclient.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	items := make([]apiclient.QueryItem, 0, len(req.TaskIDList))
	for _, id := range req.TaskIDList {
		if it, ok := s.Status(id); ok {
			items = append(items, it)
		}
	}
	writeJSON(w, http.StatusOK, apiclient.QueryResponse{Data: items})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task")
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	t, ok := s.tasks[id]
	var path string
	if ok {
		for _, f := range t.files {
			if filepath.Base(f) == name {
				path = f
				break
			}
		}
	}
	s.mu.Unlock()

	if path == "" {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queued": len(s.queue)})
}

var openAPIDoc = map[string]any{
	"openapi": "3.0.3",
	"info":    map[string]any{"title": "audioq shim", "version": "1"},
	"paths": map[string]any{
		apiclient.DefaultSubmitPath: map[string]any{"post": map[string]any{"summary": "Submit a generation task"}},
		apiclient.DefaultQueryPath:  map[string]any{"post": map[string]any{"summary": "Query task status"}},
		"/files/{task_id}/{name}":   map[string]any{"get": map[string]any{"summary": "Download a result file"}},
	},
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, openAPIDoc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
