package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		deps := crucible.GetVersion()
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"version":    versionInfo.Version,
				"commit":     versionInfo.Commit,
				"build_date": versionInfo.BuildDate,
				"go":         goVersion(),
				"gofulmen":   deps.Gofulmen,
				"crucible":   deps.Crucible,
			})
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "audioq %s (%s, built %s)\n", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
		_, _ = fmt.Fprintf(out, "  go %s, gofulmen %s, crucible %s\n", goVersion(), deps.Gofulmen, deps.Crucible)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}
