package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3leaps/audioq/pkg/sidecar"
)

// identityHealthChecker fails when the app identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

// signalHealthChecker reports that signal handling is installed.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// queueHealthChecker fails when the queue directory is not writable.
type queueHealthChecker struct {
	dir string
}

func (c queueHealthChecker) CheckHealth(ctx context.Context) error {
	info, err := os.Stat(c.dir)
	if err != nil {
		return fmt.Errorf("queue directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("queue directory is not a directory: %s", c.dir)
	}
	f, err := os.CreateTemp(c.dir, ".health-*")
	if err != nil {
		return fmt.Errorf("queue directory not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(filepath.Clean(name))
	return nil
}

type sidecarState interface {
	State() sidecar.State
}

// sidecarHealthChecker fails when the resident service should be running
// but is stopped. Starting counts as healthy.
type sidecarHealthChecker struct {
	sidecar sidecarState
}

func (c sidecarHealthChecker) CheckHealth(ctx context.Context) error {
	if c.sidecar.State() == sidecar.StateStopped {
		return errors.New("resident service is not running")
	}
	return nil
}
