package engineconfig

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/audioq/pkg/job"
)

// Engine describes the local engine installation used by SUBPROCESS jobs.
type Engine struct {
	// Interpreter runs Script, e.g. "python3" or a venv interpreter path.
	Interpreter string
	// Script is the CLI entry point, relative to ProjectDir unless absolute.
	Script string
	// ProjectDir is the child's working directory.
	ProjectDir string
	// ConfigDir receives run configs; defaults to ProjectDir.
	ConfigDir string
	// Env is added to the child environment.
	Env []string

	Settings Settings
}

// Check reports a static misconfiguration that would make every SUBPROCESS
// job fail to start.
func (e Engine) Check() error {
	if strings.TrimSpace(e.Interpreter) == "" {
		return &job.ValidationError{Field: "engine.interpreter", Message: "interpreter is not configured"}
	}
	if _, err := e.interpreterPath(); err != nil {
		return &job.ValidationError{Field: "engine.interpreter", Message: fmt.Sprintf("interpreter not found: %s", e.Interpreter)}
	}
	if strings.TrimSpace(e.Script) == "" {
		return &job.ValidationError{Field: "engine.script", Message: "entry script is not configured"}
	}
	info, err := os.Stat(e.ScriptPath())
	if err != nil || info.IsDir() {
		return &job.ValidationError{Field: "engine.script", Message: fmt.Sprintf("entry script not found: %s", e.ScriptPath())}
	}
	return nil
}

func (e Engine) interpreterPath() (string, error) {
	if strings.ContainsRune(e.Interpreter, filepath.Separator) {
		info, err := os.Stat(e.Interpreter)
		if err != nil {
			return "", err
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s is a directory", e.Interpreter)
		}
		return e.Interpreter, nil
	}
	return exec.LookPath(e.Interpreter)
}

// ScriptPath resolves Script against ProjectDir.
func (e Engine) ScriptPath() string {
	if filepath.IsAbs(e.Script) || e.ProjectDir == "" {
		return e.Script
	}
	return filepath.Join(e.ProjectDir, e.Script)
}

// ConfigDirOrDefault is where run configs are written.
func (e Engine) ConfigDirOrDefault() string {
	if e.ConfigDir != "" {
		return e.ConfigDir
	}
	return e.ProjectDir
}

// Prepare writes the run config for p, saving outputs into saveDir, and
// returns the payload that runs it.
func (e Engine) Prepare(p job.Params, saveDir string, now time.Time) (*job.SubprocessPayload, error) {
	path, err := Write(e.ConfigDirOrDefault(), Values(e.Settings, p, saveDir), now)
	if err != nil {
		return nil, fmt.Errorf("write run config: %w", err)
	}
	return &job.SubprocessPayload{
		Args:       []string{e.Interpreter, e.ScriptPath(), "-c", path},
		Dir:        e.ProjectDir,
		ConfigPath: path,
	}, nil
}
