package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/3leaps/audioq/internal/config"
	"github.com/3leaps/audioq/pkg/apiclient"
	"github.com/3leaps/audioq/pkg/artifacts"
	"github.com/3leaps/audioq/pkg/engineconfig"
	"github.com/3leaps/audioq/pkg/runner"
	"github.com/3leaps/audioq/pkg/sidecar"
)

// engineFromConfig maps the engine section onto an engineconfig.Engine.
func engineFromConfig(c config.EngineConfig) engineconfig.Engine {
	return engineconfig.Engine{
		Interpreter: c.Interpreter,
		Script:      c.Script,
		ProjectDir:  c.ProjectDir,
		ConfigDir:   c.ConfigDir,
		Env:         c.Env,
		Settings: engineconfig.Settings{
			ProjectRoot:        c.ProjectDir,
			Backend:            c.Backend,
			LogLevel:           c.LogLevel,
			Device:             c.Device,
			UseFlashAttention:  c.UseFlashAttention,
			OffloadToCPU:       c.OffloadToCPU,
			OffloadDiTToCPU:    c.OffloadDiTToCPU,
			MainModel:          c.MainModel,
			EnableLM:           c.EnableLM,
			LMEnhanceCaption:   c.LMEnhanceCaption,
			LMParallelThinking: c.LMParallelThinking,
		},
	}
}

// sidecarCommand returns the launch argv prefix and working directory for
// the resident service. In shim mode the service is this binary.
func sidecarCommand(cfg *config.Config) ([]string, string, error) {
	switch cfg.Sidecar.Mode {
	case config.SidecarModeShim:
		self, err := os.Executable()
		if err != nil {
			return nil, "", fmt.Errorf("resolve executable: %w", err)
		}
		args := []string{self}
		if cfgFile != "" {
			args = append(args, "--config", cfgFile)
		}
		return append(args, "shim"), "", nil
	default:
		entry := cfg.Sidecar.Entry
		if !filepath.IsAbs(entry) && cfg.Engine.ProjectDir != "" {
			entry = filepath.Join(cfg.Engine.ProjectDir, entry)
		}
		return []string{cfg.Engine.Interpreter, entry}, cfg.Engine.ProjectDir, nil
	}
}

func newSidecarManager(cfg *config.Config, onLog runner.LogFunc) (*sidecar.Manager, error) {
	command, dir, err := sidecarCommand(cfg)
	if err != nil {
		return nil, err
	}
	return sidecar.NewManager(sidecar.Config{
		Command:     command,
		Dir:         dir,
		Env:         cfg.Engine.Env,
		Host:        cfg.Sidecar.Host,
		Port:        cfg.Sidecar.Port,
		ProbePath:   cfg.Sidecar.ProbePath,
		GracePeriod: cfg.Sidecar.GracePeriod,
		OnLog:       onLog,
	}), nil
}

func newClientFactory(cfg *config.Config) func(string) runner.TaskClient {
	opts := apiclient.Options{
		SubmitPath: cfg.Sidecar.SubmitPath,
		QueryPath:  cfg.Sidecar.QueryPath,
		Timeout:    cfg.Sidecar.RequestTimeout,
	}
	return func(baseURL string) runner.TaskClient {
		return apiclient.New(baseURL, opts)
	}
}

// newPublisher builds the artifact sinks that are configured. It returns nil
// when none are.
func newPublisher(ctx context.Context, cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (artifacts.Sink, error) {
	var sinks artifacts.Multi

	if cfg.Artifacts.S3.Bucket != "" {
		s3Sink, err := artifacts.NewS3(ctx, cfg.Artifacts.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 artifacts: %w", err)
		}
		sinks = append(sinks, s3Sink)
		logger.Info("Publishing outputs to S3", zap.String("bucket", cfg.Artifacts.S3.Bucket))
	}

	if cfg.Artifacts.NATSBucket != "" {
		if nc == nil {
			return nil, fmt.Errorf("artifacts.nats_bucket requires nats.url")
		}
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		store, err := artifacts.NewObjectStore(js, cfg.Artifacts.NATSBucket, cfg.Artifacts.NATSPrefix)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, store)
		logger.Info("Publishing outputs to NATS object store", zap.String("bucket", cfg.Artifacts.NATSBucket))
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func connectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("audioq"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", url, err)
	}
	return nc, nil
}
