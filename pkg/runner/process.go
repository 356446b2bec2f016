package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ContinueSentinel is printed by the engine when it pauses for manual
// confirmation after writing an intermediate artifact.
const ContinueSentinel = "Press Enter when ready to continue."

// DefaultGracePeriod is how long a terminated child gets before it is killed.
const DefaultGracePeriod = 5 * time.Second

// utf8Env is forced into every child environment.
var utf8Env = []string{
	"PYTHONIOENCODING=utf-8",
	"PYTHONUTF8=1",
	"LANG=C.UTF-8",
	"LC_ALL=C.UTF-8",
}

// ProcessConfig configures a ProcessRunner.
type ProcessConfig struct {
	Args []string
	Dir  string

	// Env is appended to the inherited environment before the UTF-8 overrides.
	Env []string

	OnLog LogFunc

	// Sentinel overrides ContinueSentinel.
	Sentinel string

	// GracePeriod overrides DefaultGracePeriod.
	GracePeriod time.Duration
}

// ProcessRunner runs one child process with merged stdout/stderr, answering
// the engine's continuation prompt.
type ProcessRunner struct {
	cfg ProcessConfig

	stopped   atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	termOnce  sync.Once
	exited    chan struct{}
	mu        sync.Mutex
	proc      *os.Process
	autoCount atomic.Int64
}

var _ Runner = (*ProcessRunner)(nil)

// NewProcessRunner applies defaults to cfg.
func NewProcessRunner(cfg ProcessConfig) *ProcessRunner {
	if cfg.Sentinel == "" {
		cfg.Sentinel = ContinueSentinel
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &ProcessRunner{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Stop requests termination. The child receives SIGTERM and, if still alive
// after the grace period, SIGKILL.
func (r *ProcessRunner) Stop() {
	r.stopped.Store(true)
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Stopped reports whether Stop was called.
func (r *ProcessRunner) Stopped() bool {
	return r.stopped.Load()
}

// PID returns the child's pid, or 0 before start.
func (r *ProcessRunner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc == nil {
		return 0
	}
	return r.proc.Pid
}

// AutoContinues returns how many times the continuation prompt was answered.
func (r *ProcessRunner) AutoContinues() int64 {
	return r.autoCount.Load()
}

// Run spawns the child and streams its output until it exits.
func (r *ProcessRunner) Run(ctx context.Context) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("runner panic: %v", p)
			emit(r.cfg.OnLog, "ERROR: "+err.Error())
			res = Result{Code: CodeInternal, Err: err}
		}
	}()

	if len(r.cfg.Args) == 0 {
		return r.internalError(errors.New("empty argument vector"))
	}

	emit(r.cfg.OnLog, "Command: "+quoteArgs(r.cfg.Args))
	emit(r.cfg.OnLog, "Working dir: "+r.cfg.Dir)

	if r.Stopped() {
		emit(r.cfg.OnLog, "Stop requested before start.")
		return Result{Code: CodeStopped, Stopped: true}
	}

	cmd := exec.Command(r.cfg.Args[0], r.cfg.Args[1:]...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = ChildEnv(os.Environ(), r.cfg.Env)

	pr, pw, err := os.Pipe()
	if err != nil {
		return r.internalError(fmt.Errorf("create output pipe: %w", err))
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return r.internalError(fmt.Errorf("create stdin pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return r.internalError(fmt.Errorf("start process: %w", err))
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	r.mu.Lock()
	r.proc = cmd.Process
	r.mu.Unlock()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-r.stopCh:
		case <-ctx.Done():
			r.stopped.Store(true)
		case <-watchDone:
			return
		}
		r.terminate()
	}()

	sc := newLineScanner(pr)
	for sc.Scan() {
		line := decodeLine(sc.Bytes())
		emit(r.cfg.OnLog, line)

		if r.Stopped() {
			go r.terminate()
			continue
		}
		if strings.Contains(line, r.cfg.Sentinel) {
			if _, err := io.WriteString(stdin, "\n"); err == nil {
				r.autoCount.Add(1)
				emit(r.cfg.OnLog, "NOTE: Auto-pressed Enter to continue.")
			} else {
				emit(r.cfg.OnLog, "NOTE: Could not auto-press Enter: "+err.Error())
			}
		}
	}
	if err := sc.Err(); err != nil {
		emit(r.cfg.OnLog, "NOTE: output reader: "+err.Error())
		_, _ = io.Copy(io.Discard, pr)
	}
	_ = pr.Close()
	_ = stdin.Close()

	waitErr := cmd.Wait()
	close(r.exited)

	code := cmd.ProcessState.ExitCode()
	if code == -1 {
		// Terminated by a signal.
		if r.Stopped() {
			return Result{Code: CodeStopped, Stopped: true}
		}
		err := fmt.Errorf("process terminated: %v", waitErr)
		emit(r.cfg.OnLog, "ERROR: "+err.Error())
		return Result{Code: CodeInternal, Err: err}
	}
	if code != 0 {
		return Result{Code: code, Stopped: r.Stopped(), Err: fmt.Errorf("process exited with code %d", code)}
	}
	return Result{Code: CodeOK}
}

// terminate sends SIGTERM, waits for exit up to the grace period, then kills.
func (r *ProcessRunner) terminate() {
	r.termOnce.Do(func() {
		r.mu.Lock()
		proc := r.proc
		r.mu.Unlock()
		if proc == nil {
			return
		}
		emit(r.cfg.OnLog, "Stop requested. Terminating...")
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return
		}
		select {
		case <-r.exited:
			return
		case <-time.After(r.cfg.GracePeriod):
		}
		emit(r.cfg.OnLog, "Process did not exit in time. Killing...")
		_ = proc.Kill()
	})
}

func (r *ProcessRunner) internalError(err error) Result {
	emit(r.cfg.OnLog, "ERROR: "+err.Error())
	return Result{Code: CodeInternal, Err: err}
}

// ChildEnv returns base plus extra with the UTF-8 settings forced.
func ChildEnv(base, extra []string) []string {
	forced := make(map[string]bool, len(utf8Env))
	for _, kv := range utf8Env {
		forced[envKey(kv)] = true
	}
	out := make([]string, 0, len(base)+len(extra)+len(utf8Env))
	for _, kv := range append(append([]string{}, base...), extra...) {
		if forced[envKey(kv)] {
			continue
		}
		out = append(out, kv)
	}
	return append(out, utf8Env...)
}

func envKey(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}

func quoteArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			parts[i] = fmt.Sprintf("%q", a)
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}
