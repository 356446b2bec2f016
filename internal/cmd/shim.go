package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/audioq/internal/config"
	"github.com/3leaps/audioq/internal/observability"
	"github.com/3leaps/audioq/pkg/shim"
)

var (
	shimHost string
	shimPort int
)

var shimCmd = &cobra.Command{
	Use:   "shim",
	Short: "Run the built-in headless generation service",
	Long: `Run a minimal HTTP service that speaks the resident-service protocol
(/release_task, /query_result, /openapi.json) and renders each task with the
engine's CLI entry point. Tasks run one at a time.

'audioq serve' launches this command itself when sidecar.mode is "shim"; you
only need to run it by hand for debugging.`,
	RunE: runShim,
}

func init() {
	rootCmd.AddCommand(shimCmd)
	shimCmd.Flags().StringVar(&shimHost, "host", "", "Listen host (default: sidecar.host)")
	shimCmd.Flags().IntVar(&shimPort, "port", 0, "Listen port (default: sidecar.port)")
}

func runShim(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	host := shimHost
	if host == "" {
		host = cfg.Sidecar.Host
	}
	port := shimPort
	if port == 0 {
		port = cfg.Sidecar.Port
	}

	srv, err := shim.New(shim.Config{
		Engine:      engineFromConfig(cfg.Engine),
		WorkDir:     cfg.Shim.WorkDir,
		QueueDepth:  cfg.Shim.QueueDepth,
		GracePeriod: cfg.Sidecar.GracePeriod,
		Logger:      observability.CLILogger,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot start shim", err)
	}

	observability.CLILogger.Debug("Shim starting",
		zap.String("work_dir", cfg.Shim.WorkDir),
		zap.String("engine", cfg.Engine.Interpreter))

	// The banner goes to stdout; the sidecar manager latches readiness on it.
	if err := srv.Serve(ctx, host, port, os.Stdout); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Shim failed", err)
	}
	return nil
}
