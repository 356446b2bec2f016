package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "AUDIOQ_HELPER_PROCESS"

// TestHelperProcess is not a real test; it is re-executed as the child.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	mode, rest := args[1], args[2:]

	switch mode {
	case "echo":
		fmt.Println("line one")
		fmt.Fprintln(os.Stderr, "line two")
		fmt.Println("line three")
	case "prompt":
		in := bufio.NewReader(os.Stdin)
		for i := 0; i < 2; i++ {
			fmt.Println("Wrote instruction.txt")
			fmt.Println(ContinueSentinel)
			if _, err := in.ReadString('\n'); err != nil {
				os.Exit(3)
			}
			fmt.Println("continued")
		}
	case "nearmiss":
		fmt.Println("Press Enter when ready")
		fmt.Println("press enter when ready to continue.")
	case "exit":
		code, _ := strconv.Atoi(rest[0])
		os.Exit(code)
	case "sleep":
		fmt.Println("sleeping")
		time.Sleep(30 * time.Second)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ignoring")
		time.Sleep(30 * time.Second)
	case "env":
		fmt.Println("LANG=" + os.Getenv("LANG"))
		fmt.Println("PYTHONUTF8=" + os.Getenv("PYTHONUTF8"))
		fmt.Println("PYTHONIOENCODING=" + os.Getenv("PYTHONIOENCODING"))
	case "badutf8":
		_, _ = os.Stdout.Write([]byte{'a', 0xff, 'b', '\n'})
	case "progress":
		_, _ = os.Stdout.WriteString("10%\r50%\r100%\r\ndone\n")
	}
	os.Exit(0)
}

type lineLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
}

func (l *lineLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *lineLog) count(s string) int {
	n := 0
	for _, line := range l.all() {
		if line == s {
			n++
		}
	}
	return n
}

func helperRunner(t *testing.T, log *lineLog, mode string, extra ...string) *ProcessRunner {
	t.Helper()
	args := append([]string{os.Args[0], "-test.run=TestHelperProcess", "--", mode}, extra...)
	return NewProcessRunner(ProcessConfig{
		Args:        args,
		Dir:         t.TempDir(),
		Env:         []string{helperEnv + "=1", "LANG=en_US.ISO-8859-1"},
		OnLog:       log.add,
		GracePeriod: 300 * time.Millisecond,
	})
}

func TestProcessRunner_StreamsMergedOutputInOrder(t *testing.T) {
	log := &lineLog{}
	res := helperRunner(t, log, "echo").Run(context.Background())

	require.Equal(t, CodeOK, res.Code)
	lines := log.all()
	require.GreaterOrEqual(t, len(lines), 5)
	assert.True(t, strings.HasPrefix(lines[0], "Command: "))
	assert.True(t, strings.HasPrefix(lines[1], "Working dir: "))
	assert.Equal(t, []string{"line one", "line two", "line three"}, lines[2:5])
}

func TestProcessRunner_AutoContinuePerSentinel(t *testing.T) {
	log := &lineLog{}
	r := helperRunner(t, log, "prompt")
	res := r.Run(context.Background())

	require.Equal(t, CodeOK, res.Code)
	assert.EqualValues(t, 2, r.AutoContinues())
	assert.Equal(t, 2, log.count("NOTE: Auto-pressed Enter to continue."))
	assert.Equal(t, 2, log.count("continued"))
}

func TestProcessRunner_NearMissDoesNotContinue(t *testing.T) {
	log := &lineLog{}
	r := helperRunner(t, log, "nearmiss")
	res := r.Run(context.Background())

	require.Equal(t, CodeOK, res.Code)
	assert.Zero(t, r.AutoContinues())
}

func TestProcessRunner_ExitCode(t *testing.T) {
	log := &lineLog{}
	res := helperRunner(t, log, "exit", "7").Run(context.Background())
	assert.Equal(t, 7, res.Code)
	assert.Error(t, res.Err)
}

func TestProcessRunner_ChildExitFiveIsNotAStop(t *testing.T) {
	log := &lineLog{}
	res := helperRunner(t, log, "exit", strconv.Itoa(CodeStopped)).Run(context.Background())
	assert.Equal(t, CodeStopped, res.Code)
	assert.False(t, res.Stopped)
	assert.Error(t, res.Err)
}

func TestProcessRunner_SpawnFailure(t *testing.T) {
	log := &lineLog{}
	r := NewProcessRunner(ProcessConfig{
		Args:  []string{"/definitely/not/a/binary"},
		Dir:   t.TempDir(),
		OnLog: log.add,
	})
	res := r.Run(context.Background())
	assert.Equal(t, CodeInternal, res.Code)
	assert.Error(t, res.Err)
	lines := log.all()
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "ERROR: "))
}

func TestProcessRunner_ForcesUTF8Env(t *testing.T) {
	log := &lineLog{}
	res := helperRunner(t, log, "env").Run(context.Background())
	require.Equal(t, CodeOK, res.Code)
	assert.Equal(t, 1, log.count("LANG=C.UTF-8"))
	assert.Equal(t, 1, log.count("PYTHONUTF8=1"))
	assert.Equal(t, 1, log.count("PYTHONIOENCODING=utf-8"))
}

func TestProcessRunner_ReplacesInvalidUTF8(t *testing.T) {
	log := &lineLog{}
	res := helperRunner(t, log, "badutf8").Run(context.Background())
	require.Equal(t, CodeOK, res.Code)
	assert.Equal(t, 1, log.count("a�b"))
}

func TestProcessRunner_CarriageReturnSplitsLines(t *testing.T) {
	log := &lineLog{}
	res := helperRunner(t, log, "progress").Run(context.Background())
	require.Equal(t, CodeOK, res.Code)
	assert.Equal(t, 1, log.count("50%"))
	assert.Equal(t, 1, log.count("100%"))
	assert.Equal(t, 1, log.count("done"))
}

func TestProcessRunner_StopTerminates(t *testing.T) {
	for _, mode := range []string{"sleep", "ignore-term"} {
		t.Run(mode, func(t *testing.T) {
			log := &lineLog{}
			r := helperRunner(t, log, mode)

			done := make(chan Result, 1)
			go func() { done <- r.Run(context.Background()) }()

			require.Eventually(t, func() bool { return r.PID() > 0 && len(log.all()) >= 3 }, 5*time.Second, 10*time.Millisecond)
			pid := r.PID()
			r.Stop()

			select {
			case res := <-done:
				assert.Equal(t, CodeStopped, res.Code)
				assert.True(t, res.Stopped)
			case <-time.After(5 * time.Second):
				t.Fatal("runner did not finish after Stop")
			}
			assert.Error(t, syscall.Kill(pid, 0), "child should be gone")
		})
	}
}

func TestProcessRunner_ContextCancelStops(t *testing.T) {
	log := &lineLog{}
	r := helperRunner(t, log, "sleep")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Result, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.PID() > 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, CodeStopped, res.Code)
		assert.True(t, res.Stopped)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not finish after cancel")
	}
}

func TestProcessRunner_StopBeforeStart(t *testing.T) {
	log := &lineLog{}
	r := helperRunner(t, log, "sleep")
	r.Stop()
	res := r.Run(context.Background())
	assert.Equal(t, CodeStopped, res.Code)
	assert.True(t, res.Stopped)
	assert.Zero(t, r.PID())
}

func TestScanTextLines(t *testing.T) {
	sc := newLineScanner(strings.NewReader("a\r\nb\rc\nd"))
	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestChildEnv(t *testing.T) {
	env := ChildEnv([]string{"PATH=/bin", "LANG=de_DE"}, []string{"EXTRA=1"})
	assert.Contains(t, env, "PATH=/bin")
	assert.Contains(t, env, "EXTRA=1")
	assert.Contains(t, env, "LANG=C.UTF-8")
	assert.NotContains(t, env, "LANG=de_DE")
}
