// Package cmd implements the audioq command tree.
package cmd

import (
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/audioq/internal/config"
	"github.com/3leaps/audioq/internal/observability"
	"github.com/3leaps/audioq/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile     string
	verbose     bool
	apiAddr     string
	appIdentity *config.AppIdentity
)

var rootCmd = &cobra.Command{
	Use:   "audioq",
	Short: "Durable job queue for a local audio generation engine",
	Long: `audioq queues audio generation jobs and runs them one at a time against a
local generation engine, either as a one-shot subprocess per job or through a
long-lived resident service that keeps model weights loaded.

The queue survives restarts. Run 'audioq serve' to start the orchestrator and
its control API, then submit work with 'audioq submit'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		id := config.DefaultIdentity
		appIdentity = &id
		observability.InitCLILogger(id.BinaryName, verbose)
		config.SetConfigFile(cfgFile)
	},
}

// SetVersionInfo records build metadata for version output and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity set during command initialization, or
// nil before any command has run.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./audioq.yaml or the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", defaultAPIAddr(), "Control API base URL for client commands")

	setDefaults()
}

// setDefaults seeds the global viper instance so 'config'-style lookups in
// commands see the same defaults as config.Load.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func defaultAPIAddr() string {
	if v := strings.TrimSpace(os.Getenv("AUDIOQ_API")); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func goVersion() string {
	return runtime.Version()
}
