// Package sidecar owns the lifecycle of the resident generation service
// process: launch, log forwarding, readiness detection and shutdown.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/3leaps/audioq/pkg/apiclient"
	"github.com/3leaps/audioq/pkg/runner"
)

// Defaults for the resident service.
const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 8001
	DefaultProbeInterval = 250 * time.Millisecond
	DefaultProbeTimeout  = 1500 * time.Millisecond
	DefaultGracePeriod   = 5 * time.Second
)

// DefaultBanners mark a service that has finished starting up.
var DefaultBanners = []string{
	"Uvicorn running on",
	"Application startup complete",
	ShimBanner,
}

// ShimBanner is printed by the built-in headless shim once it is listening.
const ShimBanner = "audioq shim listening on"

// State is the observable lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
)

// Config configures a Manager.
type Config struct {
	// Command is the launch argv prefix; "--host H --port P" is appended.
	// Typically [interpreter, entry-script] or [audioq, shim].
	Command []string
	Dir     string
	Env     []string

	Host string
	Port int

	ProbePath     string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	GracePeriod   time.Duration
	Banners       []string

	OnLog runner.LogFunc
}

// instance is one launched process. Its ready latch never resets.
type instance struct {
	cmd       *exec.Cmd
	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
	exitCode  int
}

func (in *instance) latch() {
	in.readyOnce.Do(func() { close(in.ready) })
}

func (in *instance) isReady() bool {
	select {
	case <-in.ready:
		return true
	default:
		return false
	}
}

func (in *instance) isExited() bool {
	select {
	case <-in.exited:
		return true
	default:
		return false
	}
}

// Manager owns the single sidecar process. No other component spawns, reads
// or kills it.
type Manager struct {
	cfg   Config
	probe *http.Client

	mu   sync.Mutex
	inst *instance
}

// NewManager applies defaults to cfg.
func NewManager(cfg Config) *Manager {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = apiclient.DefaultProbePath
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if len(cfg.Banners) == 0 {
		cfg.Banners = DefaultBanners
	}
	return &Manager{
		cfg:   cfg,
		probe: &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// BaseURL is the service root, e.g. http://127.0.0.1:8001.
func (m *Manager) BaseURL() string {
	return "http://" + net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
}

// State reports the lifecycle state of the current instance.
func (m *Manager) State() State {
	m.mu.Lock()
	in := m.inst
	m.mu.Unlock()
	switch {
	case in == nil || in.isExited():
		return StateStopped
	case in.isReady():
		return StateReady
	default:
		return StateStarting
	}
}

// IsRunning reports whether a launched process is still alive.
func (m *Manager) IsRunning() bool {
	return m.State() != StateStopped
}

// IsReady reports whether the current instance has latched ready.
func (m *Manager) IsReady() bool {
	return m.State() == StateReady
}

// PID returns the current process id, or 0.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inst == nil || m.inst.isExited() {
		return 0
	}
	return m.inst.cmd.Process.Pid
}

// Start launches the service unless a live instance exists.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inst != nil && !m.inst.isExited() {
		return nil
	}
	if len(m.cfg.Command) == 0 {
		return errors.New("sidecar command is not configured")
	}

	args := append(append([]string{}, m.cfg.Command...), "--host", m.cfg.Host, "--port", strconv.Itoa(m.cfg.Port))
	if err := checkEntry(args, m.cfg.Dir); err != nil {
		return err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = m.cfg.Dir
	cmd.Env = runner.ChildEnv(os.Environ(), m.cfg.Env)

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	m.log("Starting API server: " + strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("start sidecar: %w", err)
	}
	_ = pw.Close()

	in := &instance{
		cmd:    cmd,
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	m.inst = in
	go m.read(in, pr)
	return nil
}

// read forwards output lines, latches readiness on a banner and records the
// exit.
func (m *Manager) read(in *instance, pr *os.File) {
	err := runner.ScanLines(pr, func(line string) {
		m.log(line)
		if !in.isReady() && m.isBanner(line) {
			in.latch()
		}
	})
	if err != nil {
		m.log("NOTE: sidecar output reader: " + err.Error())
	}
	_ = pr.Close()

	_ = in.cmd.Wait()
	in.exitCode = in.cmd.ProcessState.ExitCode()
	m.log(fmt.Sprintf("API server exited (code %d)", in.exitCode))
	close(in.exited)
}

func (m *Manager) isBanner(line string) bool {
	for _, b := range m.cfg.Banners {
		if b != "" && strings.Contains(line, b) {
			return true
		}
	}
	return false
}

// WaitUntilReady blocks until the current instance is ready, it exits, the
// timeout elapses or ctx is done. Connection errors while probing count as
// "not yet".
func (m *Manager) WaitUntilReady(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	in := m.inst
	m.mu.Unlock()
	if in == nil || in.isExited() {
		return false
	}
	if in.isReady() {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.cfg.ProbeInterval)
	defer tick.Stop()

	probeURL := m.BaseURL() + m.cfg.ProbePath
	for {
		if m.probeOnce(ctx, probeURL) {
			in.latch()
			return !in.isExited()
		}
		select {
		case <-in.ready:
			return !in.isExited()
		case <-in.exited:
			return false
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return in.isReady() && !in.isExited()
		case <-tick.C:
		}
	}
}

func (m *Manager) probeOnce(ctx context.Context, url string) bool {
	code, err := apiclient.Probe(ctx, m.probe, url)
	if err != nil {
		return false
	}
	return code >= 200 && code < 500
}

// Stop terminates the process (SIGTERM, then SIGKILL after the grace period)
// and clears the handle so the next Start is a fresh launch.
func (m *Manager) Stop() error {
	m.mu.Lock()
	in := m.inst
	m.inst = nil
	m.mu.Unlock()

	if in == nil || in.isExited() {
		return nil
	}
	m.log("Stopping API server...")
	if err := in.cmd.Process.Signal(syscall.SIGTERM); err != nil && !in.isExited() {
		_ = in.cmd.Process.Kill()
	}
	select {
	case <-in.exited:
		return nil
	case <-time.After(m.cfg.GracePeriod):
	}
	m.log("API server did not exit in time. Killing...")
	if err := in.cmd.Process.Kill(); err != nil && !in.isExited() {
		return fmt.Errorf("kill sidecar: %w", err)
	}
	<-in.exited
	return nil
}

func (m *Manager) log(line string) {
	if m.cfg.OnLog != nil {
		m.cfg.OnLog(line)
	}
}

// checkEntry verifies that a script argument following an interpreter exists.
func checkEntry(args []string, dir string) error {
	if len(args) < 2 {
		return nil
	}
	entry := args[1]
	if !strings.HasSuffix(entry, ".py") {
		return nil
	}
	if !filepath.IsAbs(entry) && dir != "" {
		entry = filepath.Join(dir, entry)
	}
	if _, err := os.Stat(entry); err != nil {
		return fmt.Errorf("sidecar entry point: %w", err)
	}
	return nil
}
