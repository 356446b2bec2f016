package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/audioq/internal/config"
	"github.com/3leaps/audioq/internal/observability"
	"github.com/3leaps/audioq/internal/server"
	"github.com/3leaps/audioq/internal/server/handlers"
	"github.com/3leaps/audioq/pkg/jobstore"
	"github.com/3leaps/audioq/pkg/natsbridge"
	"github.com/3leaps/audioq/pkg/orchestrator"
	"github.com/3leaps/audioq/pkg/sidecar"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its control API",
	Long: `Run the job orchestrator in the foreground.

The persisted queue is recovered on start; a job that was running when the
process last stopped goes back to the head of the queue. The control API
serves /v1 queue operations plus health and version endpoints. When nats.url
is set, jobs are also accepted over NATS and events are fanned out there.

Examples:
  audioq serve
  audioq serve --port 9090
  AUDIOQ_SIDECAR_MODE=shim audioq serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Control API host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Control API port (overrides server.port)")
}

func serveOverrides() map[string]any {
	srv := map[string]any{}
	if serveHost != "" {
		srv["host"] = serveHost
	}
	if servePort != 0 {
		srv["port"] = servePort
	}
	if len(srv) == 0 {
		return nil
	}
	return map[string]any{"server": srv}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, serveOverrides())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	identity := GetAppIdentity()
	if identity == nil {
		id := config.DefaultIdentity
		identity = &id
	}
	if err := observability.InitServerLogger(identity.BinaryName, observability.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot initialize logging", err)
	}
	logger := observability.ServerLogger
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(filepath.Dir(cfg.Queue.Path), 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot create queue directory", err)
	}
	store := jobstore.NewStore(cfg.Queue.Path, logger)

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = connectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot connect to NATS", err)
		}
		defer func() { _ = nc.Drain() }()
	}

	publisher, err := newPublisher(ctx, cfg, nc, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid artifacts configuration", err)
	}

	events := orchestrator.NewEventBus(0)
	sc, err := newSidecarManager(cfg, func(line string) {
		logger.Debug(line, zap.String("source", "sidecar"))
		events.Publish(orchestrator.Event{Type: orchestrator.EventLog, Message: "[sidecar] " + line})
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid sidecar configuration", err)
	}
	defer func() {
		if err := sc.Stop(); err != nil {
			logger.Warn("Failed to stop resident service", zap.Error(err))
		}
	}()

	ocfg := orchestrator.Config{
		Store:           store,
		Engine:          engineFromConfig(cfg.Engine),
		Sidecar:         sc,
		NewClient:       newClientFactory(cfg),
		Events:          events,
		Logger:          logger,
		PumpInterval:    cfg.Queue.PumpInterval,
		APIPollInterval: cfg.Sidecar.PollInterval,
		APITimeout:      cfg.Sidecar.TaskTimeout,
	}
	if publisher != nil {
		ocfg.Publisher = publisher
	}
	orch, err := orchestrator.New(ocfg)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot open queue", err)
	}

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("queue", queueHealthChecker{dir: filepath.Dir(cfg.Queue.Path)})
	if cfg.Sidecar.AutoStart {
		hm.RegisterChecker("sidecar", sidecarHealthChecker{sidecar: sc})
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port)
	srv.SetTimeouts(server.Timeouts{
		Read:     cfg.Server.ReadTimeout,
		Write:    cfg.Server.WriteTimeout,
		Idle:     cfg.Server.IdleTimeout,
		Shutdown: cfg.Server.ShutdownTimeout,
	})
	srv.MountQueueAPI(handlers.NewQueueHandler(orch, events, sc))

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	if nc != nil {
		bridge := natsbridge.New(nc, natsbridge.Config{
			SubmitSubject: cfg.NATS.SubmitSubject,
			EventsSubject: cfg.NATS.EventsSubject,
		}, orch, logger)
		unsubscribe := events.Subscribe(bridge.PublishEvent)
		defer unsubscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(ctx); err != nil {
				errCh <- fmt.Errorf("nats bridge: %w", err)
			}
		}()
	}

	if cfg.Sidecar.AutoStart {
		wg.Add(1)
		go func() {
			defer wg.Done()
			warmSidecar(ctx, sc, cfg.Sidecar.ReadyTimeout, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = orch.Run(ctx)
	}()

	logger.Info("audioq serving",
		zap.String("version", versionInfo.Version),
		zap.String("queue", cfg.Queue.Path),
		zap.String("sidecar_mode", cfg.Sidecar.Mode),
		zap.String("sidecar_url", sc.BaseURL()))

	serveErr := srv.Start(ctx, func(addr net.Addr) {
		observability.CLILogger.Info("Control API listening on http://" + addr.String())
	})
	stop()
	wg.Wait()
	close(errCh)

	if serveErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Control API failed", serveErr)
	}
	for err := range errCh {
		logger.Warn("Background component stopped with error", zap.Error(err))
	}
	logger.Info("audioq stopped")
	return nil
}

// warmSidecar starts the resident service at boot so the first job does not
// pay the model load time.
func warmSidecar(ctx context.Context, sc *sidecar.Manager, timeout time.Duration, logger *zap.Logger) {
	if err := sc.Start(); err != nil {
		logger.Warn("Resident service did not start", zap.Error(err))
		return
	}
	if sc.WaitUntilReady(ctx, timeout) {
		logger.Info("Resident service ready", zap.String("url", sc.BaseURL()))
		return
	}
	if ctx.Err() == nil {
		logger.Warn("Resident service not ready yet; jobs will wait for it",
			zap.String("url", sc.BaseURL()), zap.Duration("waited", timeout))
	}
}
