package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/3leaps/audioq/internal/server/handlers"
)

var sidecarCmd = &cobra.Command{
	Use:   "sidecar",
	Short: "Control the resident generation service of a running server",
}

var sidecarStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the resident service state",
	Args:  cobra.NoArgs,
	RunE:  sidecarAction(http.MethodGet, "/v1/sidecar"),
}

var sidecarStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the resident service (no-op when running)",
	Args:  cobra.NoArgs,
	RunE:  sidecarAction(http.MethodPost, "/v1/sidecar/start"),
}

var sidecarStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the resident service",
	Args:  cobra.NoArgs,
	RunE:  sidecarAction(http.MethodPost, "/v1/sidecar/stop"),
}

func init() {
	rootCmd.AddCommand(sidecarCmd)
	sidecarCmd.AddCommand(sidecarStatusCmd)
	sidecarCmd.AddCommand(sidecarStartCmd)
	sidecarCmd.AddCommand(sidecarStopCmd)
}

func sidecarAction(method, path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var resp handlers.SidecarResponse
		if _, err := newControlClient(apiAddr).do(cmd.Context(), method, path, nil, &resp); err != nil {
			return unreachable(err)
		}
		line := fmt.Sprintf("%s  %s", resp.State, resp.BaseURL)
		if resp.PID > 0 {
			line += fmt.Sprintf("  pid=%d", resp.PID)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
		return nil
	}
}
