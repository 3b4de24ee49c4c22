package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/stevedore-io/stevedore/pkg/agent"
	"github.com/stevedore-io/stevedore/pkg/config"
	"github.com/stevedore-io/stevedore/pkg/core"
	"github.com/stevedore-io/stevedore/pkg/policy"
	"github.com/stevedore-io/stevedore/pkg/stores"
	"github.com/stevedore-io/stevedore/pkg/telemetry"
	"github.com/stevedore-io/stevedore/pkg/transports/ssh"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the controller until interrupted",
		Long: `Serve opens the state store, sweeps updates orphaned by a previous
process, wires the action pipeline (policy gate, agent client,
dispatcher, broadcaster) and exposes the Prometheus endpoint. It runs
until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// controller is the wired action pipeline for one serve run.
type controller struct {
	cfg         *config.Config
	tel         *telemetry.Telemetry
	store       *stores.SQLiteStore
	broadcaster *core.Broadcaster
	ledger      *core.UpdateLedger
	gate        *policy.Gate
	loader      *policy.Loader
	dispatcher  *core.Dispatcher
}

func runServe(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.New(telemetryConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			tel.Logger.Error().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	c, err := buildController(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer c.close()

	return c.run(ctx)
}

func buildController(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*controller, error) {
	logger := tel.Logger

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := core.NewBroadcaster(cfg.Events.SubscriberBuffer, logger)
	broadcaster.SetDropObserver(tel.Metrics.EventDropped)

	ledger := core.NewUpdateLedger(store, broadcaster, logger)

	gate, err := policy.NewGate(logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if len(cfg.Authz.Roles) > 0 {
		if err := gate.SetRoleBindings(ctx, policy.RoleBindings(cfg.Authz.Roles)); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	loader := policy.NewLoader(logger)
	if len(cfg.Authz.PolicyPaths) > 0 {
		policies, err := loader.LoadFromPaths(ctx, cfg.Authz.PolicyPaths)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := gate.SetPolicies(ctx, policies); err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := loader.Watch(ctx, cfg.Authz.PolicyPaths, func(ps []policy.Policy) error {
			return gate.SetPolicies(ctx, ps)
		}); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	agentClient, err := agent.NewClient(agent.Config{
		Factory:        ssh.Factory(sshDefaults(cfg)),
		Observer:       tel.Metrics,
		AgentPath:      cfg.Agent.BinaryPath,
		RemotePath:     cfg.Agent.RemotePath,
		DefaultTimeout: cfg.Agent.DefaultTimeout,
		StartupTimeout: cfg.Agent.StartupTimeout,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dispatcher := core.NewDispatcher(store, ledger, core.NewActionLock(), agentClient, gate, broadcaster, logger,
		core.WithObserver(tel.Metrics))

	return &controller{
		cfg:         cfg,
		tel:         tel,
		store:       store,
		broadcaster: broadcaster,
		ledger:      ledger,
		gate:        gate,
		loader:      loader,
		dispatcher:  dispatcher,
	}, nil
}

func (c *controller) run(ctx context.Context) error {
	logger := c.tel.Logger

	if _, err := c.ledger.SweepStaleUpdates(ctx); err != nil {
		return err
	}

	if err := c.tel.StartMetricsServer(); err != nil {
		return err
	}

	// Role bindings follow the config file at runtime; structural
	// changes (store path, listen address) need a restart.
	if configPath != "" {
		watcher := config.NewWatcher(configPath, logger)
		if err := watcher.Watch(ctx, func(next *config.Config) {
			if len(next.Authz.Roles) == 0 {
				return
			}
			if err := c.gate.SetRoleBindings(ctx, policy.RoleBindings(next.Authz.Roles)); err != nil {
				logger.Error().Err(err).Msg("Failed to apply reloaded role bindings")
			}
		}); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	gaugeTicker := time.NewTicker(15 * time.Second)
	defer gaugeTicker.Stop()

	logger.Info().
		Str("name", c.cfg.Server.Name).
		Str("metrics_addr", c.cfg.Server.MetricsAddr).
		Msg("Controller ready")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down")
			return nil
		case <-gaugeTicker.C:
			c.tel.Metrics.SetSubscribers(c.broadcaster.SubscriberCount())
		}
	}
}

func (c *controller) close() {
	_ = c.loader.StopWatching()
	c.broadcaster.Close()
	if err := c.store.Close(); err != nil {
		c.tel.Logger.Error().Err(err).Msg("Store close failed")
	}
}

// openStore opens, initializes and migrates the SQLite state store.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// telemetryConfig maps the service config onto the telemetry stack.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = cfg.Server.Name
	tc.ServiceVersion = buildVersion
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.Format = cfg.Telemetry.LogFormat
	tc.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	tc.Tracing.Exporter = cfg.Telemetry.TracingExporter
	tc.Tracing.Endpoint = cfg.Telemetry.OTLPEndpoint
	tc.Tracing.SamplingRate = cfg.Telemetry.SampleRate
	tc.Metrics.ListenAddress = cfg.Server.MetricsAddr
	return tc
}

// sshDefaults builds the transport defaults every server config is
// overlaid onto.
func sshDefaults(cfg *config.Config) *ssh.Config {
	defaults := ssh.DefaultConfig("", cfg.Agent.SSH.User)
	if cfg.Agent.SSH.PrivateKeyPath != "" {
		defaults.PrivateKeyPath = cfg.Agent.SSH.PrivateKeyPath
	}
	if cfg.Agent.SSH.KnownHostsPath != "" {
		defaults.KnownHostsPath = cfg.Agent.SSH.KnownHostsPath
	}
	if cfg.Agent.SSH.ConnectTimeout > 0 {
		defaults.ConnectionTimeout = cfg.Agent.SSH.ConnectTimeout
	}
	return defaults
}
