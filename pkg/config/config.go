package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the controller's service configuration.
type Config struct {
	// Server identifies this controller instance.
	Server ServerConfig `yaml:"server"`

	// Store configures the SQLite state store.
	Store StoreConfig `yaml:"store"`

	// Agent configures how remote agents are reached and run.
	Agent AgentConfig `yaml:"agent"`

	// Authz configures the permission gate.
	Authz AuthzConfig `yaml:"authz"`

	// Events configures the event broadcaster.
	Events EventsConfig `yaml:"events"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig identifies the controller.
type ServerConfig struct {
	// Name is the instance name used in logs and traces.
	Name string `yaml:"name" validate:"required"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	MetricsAddr string `yaml:"metrics_addr" validate:"required,hostname_port"`
}

// StoreConfig configures the SQLite state store.
type StoreConfig struct {
	// Path is the database file, ":memory:" for ephemeral runs.
	Path string `yaml:"path" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"omitempty,min=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"omitempty,min=1"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AgentConfig configures remote agent execution.
type AgentConfig struct {
	// BinaryPath is the local agent binary uploaded to servers. Empty
	// means the agent is expected to be pre-installed at RemotePath.
	BinaryPath string `yaml:"binary_path"`

	// RemotePath is where the agent lives on managed servers.
	RemotePath string `yaml:"remote_path" validate:"required"`

	// DefaultTimeout bounds one agent command.
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"required"`

	// StartupTimeout bounds the wait for the agent's READY message.
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"required"`

	// SSH carries the transport defaults for all servers.
	SSH SSHConfig `yaml:"ssh"`
}

// SSHConfig holds transport defaults. Per-server host, port, and user
// come from the server resource.
type SSHConfig struct {
	// User is the default SSH user when a server names none.
	User string `yaml:"user" validate:"required"`

	// PrivateKeyPath is the controller's SSH key.
	PrivateKeyPath string `yaml:"private_key_path"`

	// KnownHostsPath enables strict host key checking when set.
	KnownHostsPath string `yaml:"known_hosts_path"`

	// ConnectTimeout bounds the SSH dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"required"`
}

// AuthzConfig configures the permission gate.
type AuthzConfig struct {
	// PolicyPaths lists .rego files or directories to load and watch.
	PolicyPaths []string `yaml:"policy_paths"`

	// Roles maps operator names to roles. "*" applies to everyone.
	// Empty means every operator is an admin.
	Roles map[string][]string `yaml:"roles"`
}

// EventsConfig configures the broadcaster.
type EventsConfig struct {
	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int `yaml:"subscriber_buffer" validate:"omitempty,min=1"`
}

// TelemetryConfig configures logging, metrics, and tracing.
type TelemetryConfig struct {
	// LogLevel is a zerolog level name (trace, debug, info, ...).
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal panic"`

	// LogFormat is "json" or "console".
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json console"`

	// TracingEnabled turns on OpenTelemetry tracing.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TracingExporter is "stdout" or "otlp".
	TracingExporter string `yaml:"tracing_exporter" validate:"omitempty,oneof=stdout otlp"`

	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// SampleRate is the trace sampling ratio in [0, 1].
	SampleRate float64 `yaml:"sample_rate" validate:"min=0,max=1"`
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:        "stevedore",
			MetricsAddr: "127.0.0.1:9310",
		},
		Store: StoreConfig{
			Path:            "stevedore.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Agent: AgentConfig{
			RemotePath:     "/tmp/stevedore-agent",
			DefaultTimeout: 2 * time.Minute,
			StartupTimeout: 10 * time.Second,
			SSH: SSHConfig{
				User:           "root",
				ConnectTimeout: 30 * time.Second,
			},
		},
		Events: EventsConfig{
			SubscriberBuffer: 256,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			TracingExporter: "stdout",
			SampleRate:      1.0,
		},
	}
}

// Load reads a YAML config file, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file is a valid config: everything defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields the YAML zeroed out.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Name == "" {
		c.Server.Name = def.Server.Name
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = def.Server.MetricsAddr
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = def.Store.MaxOpenConns
	}
	if c.Store.MaxIdleConns == 0 {
		c.Store.MaxIdleConns = def.Store.MaxIdleConns
	}
	if c.Store.ConnMaxLifetime == 0 {
		c.Store.ConnMaxLifetime = def.Store.ConnMaxLifetime
	}
	if c.Agent.RemotePath == "" {
		c.Agent.RemotePath = def.Agent.RemotePath
	}
	if c.Agent.DefaultTimeout == 0 {
		c.Agent.DefaultTimeout = def.Agent.DefaultTimeout
	}
	if c.Agent.StartupTimeout == 0 {
		c.Agent.StartupTimeout = def.Agent.StartupTimeout
	}
	if c.Agent.SSH.User == "" {
		c.Agent.SSH.User = def.Agent.SSH.User
	}
	if c.Agent.SSH.ConnectTimeout == 0 {
		c.Agent.SSH.ConnectTimeout = def.Agent.SSH.ConnectTimeout
	}
	if c.Events.SubscriberBuffer == 0 {
		c.Events.SubscriberBuffer = def.Events.SubscriberBuffer
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = def.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = def.Telemetry.LogFormat
	}
	if c.Telemetry.TracingExporter == "" {
		c.Telemetry.TracingExporter = def.Telemetry.TracingExporter
	}
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: field %s failed rule %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Telemetry.TracingEnabled && c.Telemetry.TracingExporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("invalid config: otlp_endpoint is required when tracing_exporter is otlp")
	}
	return nil
}

var validate = validator.New()
