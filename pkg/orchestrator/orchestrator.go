// Package orchestrator owns the job queue and runs at most one job at a time,
// choosing the runner from the job's mode and gating resident-service jobs
// on sidecar readiness.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/audioq/pkg/apiclient"
	"github.com/3leaps/audioq/pkg/engineconfig"
	"github.com/3leaps/audioq/pkg/job"
	"github.com/3leaps/audioq/pkg/jobstore"
	"github.com/3leaps/audioq/pkg/outputs"
	"github.com/3leaps/audioq/pkg/runner"
)

// DefaultPumpInterval is how often a queued job is retried while the sidecar
// is not ready.
const DefaultPumpInterval = 750 * time.Millisecond

// ErrNotReady means the head job cannot start yet because the resident
// service is still coming up. It never reaches callers of Pump.
var ErrNotReady = errors.New("resident service not ready")

// ErrClosed is returned once Shutdown has begun.
var ErrClosed = errors.New("orchestrator is shutting down")

// errLaunch wraps a failure to launch the resident service. It is not the
// head job's fault, so the job stays queued.
var errLaunch = errors.New("start API server")

// Sidecar is the part of the sidecar manager the orchestrator drives.
type Sidecar interface {
	Start() error
	IsReady() bool
	BaseURL() string
}

// Publisher receives the final output files of a successful job.
type Publisher interface {
	Publish(ctx context.Context, j job.Job, files []string) error
}

// Config wires an Orchestrator.
type Config struct {
	Store  *jobstore.Store
	Engine engineconfig.Engine

	// Sidecar is required for RESIDENT_API jobs.
	Sidecar Sidecar
	// NewClient builds the service client for a job; defaults to apiclient.New.
	NewClient func(baseURL string) runner.TaskClient

	Publisher Publisher
	Events    *EventBus
	Logger    *zap.Logger

	PumpInterval    time.Duration
	APIPollInterval time.Duration
	APITimeout      time.Duration

	OnLog          func(line string)
	OnFinished     func(jobID int64, code int)
	OnQueueChanged func(Snapshot)
	OnRenamed      func(jobID int64, from, to string)

	Now func() time.Time
}

// Snapshot is a point-in-time copy of the queue.
type Snapshot struct {
	Active  *job.Job  `json:"active"`
	Pending []job.Job `json:"pending"`
	NextID  int64     `json:"next_job_id"`
}

// running is the Running(job) state.
type running struct {
	job     job.Job
	run     runner.Runner
	started time.Time
	before  outputs.Snapshot
	done    chan struct{}
}

// Orchestrator is safe for concurrent use. Every queue mutation goes through
// its mutex.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
	events *EventBus

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	pending []job.Job
	nextID  int64
	active  *running
	closing bool

	// lastLaunchErr suppresses repeating the same launch failure every tick.
	lastLaunchErr string

	// outbox holds notifications produced under mu; unlock runs them after
	// the mutex is released so callbacks may call back in.
	outbox []func()
}

// New loads the persisted queue and returns an idle orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = NewEventBus(0)
	}
	if cfg.NewClient == nil {
		cfg.NewClient = func(baseURL string) runner.TaskClient {
			return apiclient.New(baseURL, apiclient.Options{})
		}
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = DefaultPumpInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	pending, nextID, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if len(pending) > 0 {
		cfg.Logger.Info(fmt.Sprintf("Recovered %d queued job(s)", len(pending)),
			zap.String("path", cfg.Store.Path()),
			zap.Int64("next_job_id", nextID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		logger:    cfg.Logger,
		events:    cfg.Events,
		runCtx:    ctx,
		cancelRun: cancel,
		pending:   pending,
		nextID:    nextID,
	}, nil
}

// Events returns the event buffer.
func (o *Orchestrator) Events() *EventBus {
	return o.events
}

// Enqueue validates req and appends it to the queue. Static misconfiguration
// is reported here as a *job.ValidationError; the job never enters the queue.
func (o *Orchestrator) Enqueue(req job.Request) (int64, error) {
	j, err := o.build(req)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		discardArtifact(j)
		return 0, ErrClosed
	}
	j.ID = o.assignIDLocked()
	o.pending = append(o.pending, *j)
	o.persistLocked()
	o.unlock()

	o.log(fmt.Sprintf("Queued job %s", j.Label()))
	o.queueChanged()
	return j.ID, nil
}

// Generate starts req immediately when idle, bypassing the queue, and
// otherwise enqueues it. If the immediate start is refused because the
// sidecar is not ready, the job goes to the head of the queue for the pump to
// retry.
func (o *Orchestrator) Generate(req job.Request) (int64, bool, error) {
	j, err := o.build(req)
	if err != nil {
		return 0, false, err
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		discardArtifact(j)
		return 0, false, ErrClosed
	}
	j.ID = o.assignIDLocked()

	if o.active != nil {
		busy := o.active.job.ID
		o.pending = append(o.pending, *j)
		o.persistLocked()
		o.unlock()
		o.log(fmt.Sprintf("Queued job %s (job #%d is running)", j.Label(), busy))
		o.queueChanged()
		return j.ID, false, nil
	}

	err = o.startLocked(*j)
	switch {
	case err == nil:
		o.persistLocked()
		o.unlock()
		o.queueChanged()
		return j.ID, true, nil
	case errors.Is(err, ErrNotReady):
		o.pending = append([]job.Job{*j}, o.pending...)
		o.persistLocked()
		o.unlock()
		o.log("API server is starting; job queued until it is ready.")
		o.queueChanged()
		return j.ID, false, nil
	default:
		o.unlock()
		discardArtifact(j)
		return 0, false, err
	}
}

// discardArtifact removes the run config written for a job that never
// entered the queue.
func discardArtifact(j *job.Job) {
	if j.Subprocess != nil && j.Subprocess.ConfigPath != "" {
		_ = os.Remove(j.Subprocess.ConfigPath)
	}
}

// Pump starts the head of the queue when idle. It reports whether a job was
// started. A head job waiting on the sidecar stays at the head.
func (o *Orchestrator) Pump() bool {
	o.mu.Lock()
	started, changed := o.pumpLocked()
	o.unlock()
	if changed {
		o.queueChanged()
	}
	return started
}

func (o *Orchestrator) pumpLocked() (started, changed bool) {
	if o.closing {
		return false, false
	}
	for o.active == nil && len(o.pending) > 0 {
		head := o.pending[0]
		err := o.startLocked(head)
		if err == nil {
			o.lastLaunchErr = ""
			o.pending = o.pending[1:]
			o.persistLocked()
			return true, true
		}
		if errors.Is(err, ErrNotReady) {
			return false, changed
		}
		if errors.Is(err, errLaunch) {
			if msg := err.Error(); msg != o.lastLaunchErr {
				o.lastLaunchErr = msg
				o.noteLocked(fmt.Sprintf("ERROR: %v; job %s stays queued", err, head.Label()))
				o.logger.Warn("Resident service launch failed", zap.Int64("job_id", head.ID), zap.Error(err))
			}
			return false, changed
		}
		o.noteLocked(fmt.Sprintf("ERROR: Dropping job %s: %v", head.Label(), err))
		o.logger.Warn("Dropping unstartable job", zap.Int64("job_id", head.ID), zap.Error(err))
		o.pending = o.pending[1:]
		o.persistLocked()
		changed = true
	}
	return false, changed
}

// startLocked moves j into the Running state and launches its runner.
func (o *Orchestrator) startLocked(j job.Job) error {
	var r runner.Runner
	var before outputs.Snapshot
	started := o.cfg.Now()

	if err := os.MkdirAll(j.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	switch j.Mode {
	case job.ModeSubprocess:
		if err := j.Runnable(); err != nil {
			return err
		}
		snap, err := outputs.Take(j.OutputDir)
		if err != nil {
			o.noteLocked("NOTE: Could not list existing outputs: " + err.Error())
		}
		before = snap
		r = runner.NewProcessRunner(runner.ProcessConfig{
			Args:  j.Subprocess.Args,
			Dir:   j.Subprocess.Dir,
			Env:   o.cfg.Engine.Env,
			OnLog: o.runnerLog(j.ID),
		})

	case job.ModeResidentAPI:
		if err := j.Runnable(); err != nil {
			return err
		}
		if o.cfg.Sidecar == nil {
			return errors.New("resident service is not configured")
		}
		if err := o.cfg.Sidecar.Start(); err != nil {
			return fmt.Errorf("%w: %w", errLaunch, err)
		}
		if !o.cfg.Sidecar.IsReady() {
			return ErrNotReady
		}
		api := *j.API
		api.BaseURL = o.cfg.Sidecar.BaseURL()
		j.API = &api
		r = runner.NewAPIRunner(runner.APIConfig{
			Client:       o.cfg.NewClient(api.BaseURL),
			Params:       api.Params,
			OutputDir:    j.OutputDir,
			OnLog:        o.runnerLog(j.ID),
			PollInterval: o.cfg.APIPollInterval,
			Timeout:      o.cfg.APITimeout,
			Now:          o.cfg.Now,
		})

	default:
		return fmt.Errorf("job %d: unknown mode %q", j.ID, j.Mode)
	}

	j.Status = job.StatusActive
	run := &running{
		job:     j,
		run:     r,
		started: started,
		before:  before,
		done:    make(chan struct{}),
	}
	o.active = run

	o.noteLocked(fmt.Sprintf("Starting job %s (%s)", j.Label(), j.Mode))
	o.outbox = append(o.outbox, func() {
		o.events.Publish(Event{Type: EventStarted, JobID: j.ID, Message: j.Label()})
		go o.execute(run)
	})
	return nil
}

func (o *Orchestrator) execute(run *running) {
	defer close(run.done)
	res := run.run.Run(o.runCtx)
	o.finish(run, res)
}

// finish handles the runner's completion event.
func (o *Orchestrator) finish(run *running, res runner.Result) {
	j := run.job
	o.log(fmt.Sprintf("Finished with exit code %d", res.Code))
	if res.Err != nil {
		o.logger.Debug("Runner finished with error", zap.Int64("job_id", j.ID), zap.Error(res.Err))
	}

	o.mu.Lock()
	requeue := o.closing && res.Stopped
	o.mu.Unlock()

	if !requeue {
		final := o.collectOutputs(run, res)
		if o.cfg.Publisher != nil && len(final) > 0 {
			if err := o.cfg.Publisher.Publish(context.Background(), j, final); err != nil {
				o.log("NOTE: Could not publish outputs: " + err.Error())
				o.logger.Warn("Artifact publish failed", zap.Int64("job_id", j.ID), zap.Error(err))
			}
		}
	}

	o.mu.Lock()
	if o.active == run {
		o.active = nil
	}
	if requeue {
		// Re-run on next start, ahead of everything else.
		j.Status = job.StatusPending
		o.pending = append([]job.Job{j}, o.pending...)
	}
	o.persistLocked()
	o.unlock()

	code := res.Code
	o.events.Publish(Event{Type: EventFinished, JobID: j.ID, ExitCode: &code})
	if o.cfg.OnFinished != nil {
		o.cfg.OnFinished(j.ID, res.Code)
	}
	o.queueChanged()

	if !requeue {
		o.Pump()
	}
}

// collectOutputs renames produced files and archives the engine's
// instruction file. It returns the final output paths.
func (o *Orchestrator) collectOutputs(run *running, res runner.Result) []string {
	j := run.job
	ok := res.Code == runner.CodeOK
	stamp := run.started.Format(engineconfig.StampLayout)
	if j.Subprocess != nil {
		if s := engineconfig.StampFromPath(j.Subprocess.ConfigPath); s != "" {
			stamp = s
		}
	}

	var final []string
	if ok {
		items := o.outputItems(run, res)
		if len(items) == 0 {
			o.log("NOTE: No new audio files found to rename.")
		}
		renamed := outputs.RenameAll(j.OutputDir, items, j.Display.NamingTag, stamp, o.log)
		moved := map[string]string{}
		for _, rn := range renamed {
			moved[rn.From] = rn.To
			o.events.Publish(Event{Type: EventRenamed, JobID: j.ID, From: rn.From, To: rn.To})
			if o.cfg.OnRenamed != nil {
				o.cfg.OnRenamed(j.ID, rn.From, rn.To)
			}
		}
		for _, it := range items {
			if to, ok := moved[it.Path]; ok {
				final = append(final, to)
			} else {
				final = append(final, it.Path)
			}
		}
	}

	if j.Subprocess != nil {
		dst, err := outputs.ArchiveInstruction(j.Subprocess.Dir, j.OutputDir, stamp, ok)
		switch {
		case err != nil:
			o.log("NOTE: Could not archive " + outputs.InstructionFile + ": " + err.Error())
		case dst != "":
			o.log("Saved instruction: " + filepath.Base(dst))
		}
	}
	return final
}

func (o *Orchestrator) outputItems(run *running, res runner.Result) []outputs.Item {
	if run.job.Mode == job.ModeResidentAPI {
		items := make([]outputs.Item, 0, len(res.Outputs))
		for _, out := range res.Outputs {
			seed := ""
			if out.Seed != nil {
				seed = strconv.FormatInt(*out.Seed, 10)
			}
			items = append(items, outputs.Item{Path: out.Path, Seed: seed})
		}
		return items
	}

	files, err := outputs.NewSince(run.job.OutputDir, run.before, run.started)
	if err != nil {
		o.log("NOTE: Could not list outputs: " + err.Error())
		return nil
	}
	seed := run.job.Display.SeedLabel
	if seed == "random" {
		seed = ""
	}
	items := make([]outputs.Item, 0, len(files))
	for _, f := range files {
		items = append(items, outputs.Item{Path: f, Seed: seed})
	}
	return items
}

// Stop asks the active runner to terminate. The job stays active until its
// runner reports completion.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	run := o.active
	o.mu.Unlock()
	if run == nil {
		return false
	}
	o.log(fmt.Sprintf("Stop requested for job %s", run.job.Label()))
	run.run.Stop()
	return true
}

// Remove deletes a pending job. The active job cannot be removed.
func (o *Orchestrator) Remove(id int64) bool {
	o.mu.Lock()
	idx := -1
	for i := range o.pending {
		if o.pending[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false
	}
	o.pending = append(o.pending[:idx:idx], o.pending[idx+1:]...)
	o.persistLocked()
	o.unlock()

	o.log(fmt.Sprintf("Removed job #%d from queue", id))
	o.queueChanged()
	return true
}

// Clear drops every pending job and returns how many were removed.
func (o *Orchestrator) Clear() int {
	o.mu.Lock()
	n := len(o.pending)
	o.pending = nil
	if n > 0 {
		o.persistLocked()
	}
	o.unlock()

	if n > 0 {
		o.log(fmt.Sprintf("Cleared %d queued job(s)", n))
		o.queueChanged()
	}
	return n
}

// Snapshot returns a copy of the queue state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Pending: append([]job.Job(nil), o.pending...),
		NextID:  o.nextID,
	}
	if o.active != nil {
		j := o.active.job
		snap.Active = &j
	}
	return snap
}

// Busy reports whether a job is running.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// Run pumps on a fixed interval until ctx is done, then shuts down.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PumpInterval)
	defer ticker.Stop()

	o.Pump()
	for {
		select {
		case <-ctx.Done():
			o.Shutdown()
			return nil
		case <-ticker.C:
			o.Pump()
		}
	}
}

// Shutdown stops the active job, waits for it and persists the queue with
// the interrupted job first so it runs again on the next start.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	run := o.active
	o.mu.Unlock()

	if run != nil {
		o.log(fmt.Sprintf("Shutting down; stopping job %s", run.job.Label()))
		run.run.Stop()
		<-run.done
	}
	o.cancelRun()

	o.mu.Lock()
	o.persistLocked()
	o.unlock()
}

func (o *Orchestrator) build(req job.Request) (*job.Job, error) {
	req, err := req.Validate()
	if err != nil {
		return nil, err
	}
	p := req.Params.WithDefaults()
	now := o.cfg.Now()

	outDir, err := filepath.Abs(req.OutputDir)
	if err != nil {
		return nil, &job.ValidationError{Field: "out_dir", Message: err.Error()}
	}

	tag := strings.TrimSpace(req.NamingTag)
	if tag == "" {
		tag = outputs.TagFromPrompt(p.Prompt)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = firstLine(p.Prompt, 60)
	}

	j := &job.Job{
		CreatedAt: now,
		Mode:      req.Mode,
		Status:    job.StatusPending,
		OutputDir: outDir,
		Display: job.Display{
			Title:           title,
			BatchSize:       p.BatchSize,
			SeedLabel:       job.SeedLabelFor(p),
			TaskType:        p.TaskType,
			DurationSeconds: p.DurationSeconds,
			NamingTag:       tag,
		},
	}

	switch req.Mode {
	case job.ModeSubprocess:
		if err := o.cfg.Engine.Check(); err != nil {
			return nil, err
		}
		// The engine picks its own sampler when infer_method is unset.
		cp := p
		cp.InferMethod = req.Params.InferMethod
		payload, err := o.cfg.Engine.Prepare(cp, outDir, now)
		if err != nil {
			return nil, err
		}
		j.Subprocess = payload
	case job.ModeResidentAPI:
		if o.cfg.Sidecar == nil {
			return nil, &job.ValidationError{Field: "mode", Message: "resident service is not configured"}
		}
		j.API = &job.APIPayload{Params: p}
	}
	return j, nil
}

func (o *Orchestrator) assignIDLocked() int64 {
	id := o.nextID
	o.nextID++
	return id
}

// noteLocked queues a log line for emission after unlock.
func (o *Orchestrator) noteLocked(line string) {
	o.outbox = append(o.outbox, func() { o.log(line) })
}

func (o *Orchestrator) unlock() {
	out := o.outbox
	o.outbox = nil
	o.mu.Unlock()
	for _, fn := range out {
		fn()
	}
}

// persistLocked saves the queue. Failures are logged, never returned.
func (o *Orchestrator) persistLocked() {
	var active *job.Job
	if o.active != nil {
		j := o.active.job
		active = &j
	}
	if err := o.cfg.Store.Save(active, o.pending, o.nextID); err != nil {
		o.logger.Warn("Failed to save queue", zap.String("path", o.cfg.Store.Path()), zap.Error(err))
		o.noteLocked("NOTE: Could not save queue: " + err.Error())
	}
}

func (o *Orchestrator) queueChanged() {
	snap := o.Snapshot()
	o.events.Publish(Event{Type: EventQueue, Pending: len(snap.Pending)})
	if o.cfg.OnQueueChanged != nil {
		o.cfg.OnQueueChanged(snap)
	}
}

func (o *Orchestrator) runnerLog(jobID int64) runner.LogFunc {
	return func(line string) {
		o.logger.Debug(line, zap.Int64("job_id", jobID))
		o.emit(jobID, line)
	}
}

func (o *Orchestrator) log(line string) {
	o.emit(0, line)
}

func (o *Orchestrator) emit(jobID int64, line string) {
	o.events.Publish(Event{Type: EventLog, JobID: jobID, Message: line})
	if o.cfg.OnLog != nil {
		o.cfg.OnLog(line)
	}
}

func firstLine(s string, limit int) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(s), "\n", 2)[0])
	if r := []rune(line); len(r) > limit {
		return string(r[:limit]) + "…"
	}
	return line
}
