// Package runner executes a single job, either as a child process or as a
// series of tasks submitted to the resident generation service.
package runner

import "context"

// Completion codes reported by runners. Child processes report their own exit
// code; the values below are reserved for runner-level outcomes.
const (
	CodeOK           = 0
	CodeSubmitFailed = 1
	CodeTimeout      = 2
	CodeNoOutputs    = 3
	CodeTaskFailed   = 4
	CodeStopped      = 5

	// CodeInternal marks an exception inside the runner itself, distinct from
	// any code the child could return.
	CodeInternal = 999
)

// LogFunc receives output lines in arrival order.
type LogFunc func(line string)

// Output is one produced file and the seed that generated it, when known.
type Output struct {
	Path string
	Seed *int64
}

// Result is the terminal state of a run. Stopped is set when the run ended
// after Stop or context cancellation, independent of Code.
type Result struct {
	Code    int
	Stopped bool
	Outputs []Output
	Err     error
}

// Runner runs one job to completion.
//
// Run blocks until the job finishes and never panics on job failure; failures
// are reported through Result. Stop may be called from any goroutine, any
// number of times.
type Runner interface {
	Run(ctx context.Context) Result
	Stop()
}

func emit(fn LogFunc, line string) {
	if fn != nil {
		fn(line)
	}
}
