package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevedore-io/stevedore/pkg/config"
	"github.com/stevedore-io/stevedore/pkg/core"
	"github.com/stevedore-io/stevedore/pkg/telemetry"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail updates orphaned by a crashed controller",
		Long: `Sweep marks every update still queued or in progress as failed.
Serve does this on startup; the command exists for operators who want
to reconcile the ledger without starting a controller.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runSweep(cmd.Context(), cfg)
		},
	}
}

func runSweep(ctx context.Context, cfg *config.Config) error {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  cfg.Telemetry.LogLevel,
		Format: cfg.Telemetry.LogFormat,
		Output: "stderr",
	})
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ledger := core.NewUpdateLedger(store, nil, logger)
	swept, err := ledger.SweepStaleUpdates(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("swept %d stale update(s)\n", swept)
	return nil
}
