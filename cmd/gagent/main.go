// Command gagent runs the task orchestration service and a small set of
// plan-management commands against the same core.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yiyabo/gagent/internal/config"
	"github.com/yiyabo/gagent/internal/logging"
)

// version is stamped by the build.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "gagent",
		Short:         "Hierarchical task orchestration for LLM workloads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (debug|info|warn|error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gagent", version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var logLevelFlag string

// loadConfig resolves the environment-driven configuration and applies the
// log level; the --log-level flag wins over GAGENT_LOG_LEVEL.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	logging.SetDefaultLevel(logging.ParseLevel(level))
	return cfg, nil
}
