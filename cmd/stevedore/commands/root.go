package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevedore-io/stevedore/pkg/config"
)

var (
	configPath   string
	buildVersion string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stevedore",
		Short: "Stevedore - container build and deploy controller",
		Long: `Stevedore builds and deploys containers across a fleet of servers
reached over SSH. Every action is serialized per target, recorded as an
update, and streamed to event subscribers while it runs.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig reads the configured file, or falls back to defaults when
// no file was named.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
