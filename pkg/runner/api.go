package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/3leaps/audioq/pkg/apiclient"
	"github.com/3leaps/audioq/pkg/job"
	"github.com/3leaps/audioq/pkg/outputs"
)

// Defaults for resident-service runs.
const (
	DefaultPollInterval = 800 * time.Millisecond
	DefaultTaskTimeout  = 3600 * time.Second
)

// TaskClient is the subset of the service client the runner needs.
type TaskClient interface {
	Submit(ctx context.Context, params job.Params) (string, error)
	Query(ctx context.Context, taskID string) (apiclient.TaskStatus, error)
	Download(ctx context.Context, ref string, w io.Writer) (int64, error)
}

var _ TaskClient = (*apiclient.Client)(nil)

// APIConfig configures an APIRunner.
type APIConfig struct {
	Client    TaskClient
	Params    job.Params
	OutputDir string
	OnLog     LogFunc

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Timeout bounds the whole run, measured from Run. Defaults to
	// DefaultTaskTimeout.
	Timeout time.Duration

	// RandomSeed draws a fresh seed; defaults to a uniform 32-bit value.
	RandomSeed func() int64
	Now        func() time.Time
}

// APIRunner runs one job as N sequential single-output tasks against the
// resident service.
type APIRunner struct {
	cfg APIConfig

	stopped atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	seeds   []int64
}

var _ Runner = (*APIRunner)(nil)

// NewAPIRunner applies defaults to cfg.
func NewAPIRunner(cfg APIConfig) *APIRunner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTaskTimeout
	}
	if cfg.RandomSeed == nil {
		cfg.RandomSeed = func() int64 { return int64(rand.Uint32()) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &APIRunner{cfg: cfg}
}

// Stop aborts further submissions and polling. Work already accepted by the
// service is abandoned, not cancelled.
func (r *APIRunner) Stop() {
	r.stopped.Store(true)
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SubmittedSeeds returns the seed sent with each submission, in order.
func (r *APIRunner) SubmittedSeeds() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seeds...)
}

// SeedFor returns the seed for the i-th submission (0-indexed): a fresh
// random seed when requested, base+i when a base seed is set, nil otherwise.
func SeedFor(p job.Params, i int, random func() int64) *int64 {
	switch {
	case p.UseRandomSeed:
		s := random()
		return &s
	case p.Seed != nil:
		s := *p.Seed + int64(i)
		return &s
	default:
		return nil
	}
}

// Run submits and collects every output.
func (r *APIRunner) Run(parent context.Context) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("runner panic: %v", p)
			emit(r.cfg.OnLog, "ERROR: "+err.Error())
			res = Result{Code: CodeInternal, Err: err}
		}
	}()

	if r.cfg.Client == nil {
		return r.fail(CodeInternal, errors.New("no service client configured"))
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0755); err != nil {
		return r.fail(CodeInternal, fmt.Errorf("create output dir: %w", err))
	}

	start := r.cfg.Now()
	ctx, cancel := context.WithDeadline(parent, start.Add(r.cfg.Timeout))
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	if r.stopped.Load() {
		cancel()
	}

	base := r.cfg.Params
	total := max(base.BatchSize, 1)
	stamp := start.Format("20060102_150405")
	limiter := rate.NewLimiter(rate.Every(r.cfg.PollInterval), 1)

	var saved []Output
	for i := 0; i < total; i++ {
		if r.stopped.Load() {
			return r.stop(saved)
		}

		p := base
		p.BatchSize = 1
		p.Seed = SeedFor(base, i, r.cfg.RandomSeed)
		p.UseRandomSeed = false
		if p.Seed != nil {
			r.mu.Lock()
			r.seeds = append(r.seeds, *p.Seed)
			r.mu.Unlock()
		}

		emit(r.cfg.OnLog, fmt.Sprintf("Submitting output %d/%d (seed %s)", i+1, total, seedText(p.Seed)))
		taskID, err := r.cfg.Client.Submit(ctx, p)
		if err != nil {
			if code, ok := r.interrupted(parent, ctx); ok {
				return r.finishInterrupted(code, saved)
			}
			return r.fail(CodeSubmitFailed, fmt.Errorf("submit output %d: %w", i+1, err))
		}
		emit(r.cfg.OnLog, "Task id: "+taskID)

		files, code, err := r.await(parent, ctx, limiter, taskID)
		if err != nil || code != CodeOK {
			if code == CodeStopped {
				return r.stop(saved)
			}
			return r.fail(code, err)
		}

		for j, ref := range files {
			name := apiOutputName(stamp, i, total, j, len(files), ext(ref, p.AudioFormat))
			dst := outputs.UniquePath(filepath.Join(r.cfg.OutputDir, name))
			if err := r.download(ctx, ref, dst); err != nil {
				if code, ok := r.interrupted(parent, ctx); ok {
					return r.finishInterrupted(code, saved)
				}
				return r.fail(CodeInternal, err)
			}
			emit(r.cfg.OnLog, "Saved: "+dst)
			saved = append(saved, Output{Path: dst, Seed: p.Seed})
		}
	}
	return Result{Code: CodeOK, Outputs: saved}
}

// await polls one task until it settles.
func (r *APIRunner) await(parent, ctx context.Context, limiter *rate.Limiter, taskID string) ([]string, int, error) {
	lastProgress := ""
	lastErr := ""
	for {
		if r.stopped.Load() {
			return nil, CodeStopped, nil
		}
		if err := limiter.Wait(ctx); err != nil {
			if code, ok := r.interrupted(parent, ctx); ok {
				return nil, code, timeoutErr(code, r.cfg.Timeout)
			}
			// Wait refuses to sleep past the deadline.
			return nil, CodeTimeout, timeoutErr(CodeTimeout, r.cfg.Timeout)
		}

		st, err := r.cfg.Client.Query(ctx, taskID)
		if err != nil {
			if code, ok := r.interrupted(parent, ctx); ok {
				return nil, code, timeoutErr(code, r.cfg.Timeout)
			}
			// Transient: the service may be busy serving the task itself.
			if msg := err.Error(); msg != lastErr {
				emit(r.cfg.OnLog, "NOTE: status query failed: "+msg)
				lastErr = msg
			}
			continue
		}
		lastErr = ""

		if st.ProgressText != "" && st.ProgressText != lastProgress {
			emit(r.cfg.OnLog, st.ProgressText)
			lastProgress = st.ProgressText
		}

		switch st.State {
		case apiclient.StateSucceeded:
			if len(st.Files) == 0 {
				return nil, CodeNoOutputs, fmt.Errorf("task %s succeeded without files", taskID)
			}
			return st.Files, CodeOK, nil
		case apiclient.StateFailed:
			msg := st.Error
			if msg == "" {
				msg = "no detail"
			}
			return nil, CodeTaskFailed, fmt.Errorf("task %s failed: %s", taskID, msg)
		}
	}
}

// interrupted classifies a context failure as a stop or a timeout.
func (r *APIRunner) interrupted(parent, ctx context.Context) (int, bool) {
	if r.stopped.Load() || parent.Err() != nil {
		return CodeStopped, true
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return CodeTimeout, true
	}
	return 0, false
}

func (r *APIRunner) finishInterrupted(code int, saved []Output) Result {
	if code == CodeStopped {
		return r.stop(saved)
	}
	return r.fail(code, timeoutErr(code, r.cfg.Timeout))
}

func (r *APIRunner) download(ctx context.Context, ref, dst string) error {
	part := dst + ".part"
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}
	if _, err := r.cfg.Client.Download(ctx, ref, f); err != nil {
		_ = f.Close()
		_ = os.Remove(part)
		return fmt.Errorf("download %s: %w", ref, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("finalize %s: %w", dst, err)
	}
	return nil
}

func (r *APIRunner) stop(saved []Output) Result {
	emit(r.cfg.OnLog, "Stopped.")
	return Result{Code: CodeStopped, Stopped: true, Outputs: saved}
}

func (r *APIRunner) fail(code int, err error) Result {
	if err != nil {
		emit(r.cfg.OnLog, "ERROR: "+err.Error())
	}
	return Result{Code: code, Err: err}
}

func timeoutErr(code int, d time.Duration) error {
	if code == CodeTimeout {
		return fmt.Errorf("timed out after %s", d)
	}
	return nil
}

// apiOutputName is ace15_api_<stamp>[_<output>][_<file>].<ext>, with two-digit
// 1-based suffixes.
func apiOutputName(stamp string, i, total, j, files int, ext string) string {
	name := "ace15_api_" + stamp
	if total > 1 || files > 1 {
		name += fmt.Sprintf("_%02d", i+1)
	}
	if files > 1 {
		name += fmt.Sprintf("_%02d", j+1)
	}
	return name + "." + ext
}

// ext prefers the reference's own audio extension over the requested format.
func ext(ref, format string) string {
	clean := ref
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	e := strings.TrimPrefix(strings.ToLower(path.Ext(clean)), ".")
	switch e {
	case "wav", "mp3", "flac", "ogg", "m4a":
		return e
	}
	format = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	if format == "" {
		return job.DefaultAudioFormat
	}
	return format
}

func seedText(s *int64) string {
	if s == nil {
		return "default"
	}
	return fmt.Sprintf("%d", *s)
}
