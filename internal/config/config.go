// ABOUTME: Configuration loading and parsing for relaydesk
// ABOUTME: YAML or TOML files with ${VAR} expansion, duration parsing and env overrides

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/2389/relaydesk/internal/auth"
)

// Config represents the complete relaydesk configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Events        EventsConfig        `yaml:"events" toml:"events"`
	Presence      PresenceConfig      `yaml:"presence" toml:"presence"`
	Conversations ConversationsConfig `yaml:"conversations" toml:"conversations"`
	Campaigns     CampaignsConfig     `yaml:"campaigns" toml:"campaigns"`
	Broker        BrokerConfig        `yaml:"broker" toml:"broker"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" toml:"telemetry"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	CertFile  string `yaml:"cert_file" toml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file" toml:"key_file"`
}

// DatabaseConfig selects the SQL driver and data source
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default), sqlite3, postgres
	Path   string `yaml:"path" toml:"path"`     // SQLite file
	DSN    string `yaml:"dsn" toml:"dsn"`       // overrides path; required for postgres
}

// DataSource returns the DSN, falling back to the SQLite path.
func (d DatabaseConfig) DataSource() string {
	if d.DSN != "" {
		return d.DSN
	}
	return d.Path
}

// AuthConfig holds actor token configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// EventsConfig sizes the event bus
type EventsConfig struct {
	BacklogSize int  `yaml:"backlog_size" toml:"backlog_size"`
	BufferSize  int  `yaml:"buffer_size" toml:"buffer_size"`
	Journal     bool `yaml:"journal" toml:"journal"` // persist backlogs across restarts
}

// PresenceConfig holds typing indicator timing
type PresenceConfig struct {
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// ConversationsConfig holds conversation lifecycle settings
type ConversationsConfig struct {
	SurveyDelaySeconds int `yaml:"survey_delay_seconds" toml:"survey_delay_seconds"`
}

// CampaignsConfig holds dispatch engine settings
type CampaignsConfig struct {
	Provider           string        `yaml:"provider" toml:"provider"` // loopback (default) or broker
	MaxAttempts        int           `yaml:"max_attempts" toml:"max_attempts"`
	DefaultSendingRate int           `yaml:"default_sending_rate" toml:"default_sending_rate"`
	RetryBase          time.Duration `yaml:"-" toml:"-"`
	RetryCap           time.Duration `yaml:"-" toml:"-"`
	SendTimeout        time.Duration `yaml:"-" toml:"-"`
	ReceiptDedupeTTL   time.Duration `yaml:"-" toml:"-"`

	RetryBaseRaw        string `yaml:"retry_base" toml:"retry_base"`
	RetryCapRaw         string `yaml:"retry_cap" toml:"retry_cap"`
	SendTimeoutRaw      string `yaml:"send_timeout" toml:"send_timeout"`
	ReceiptDedupeTTLRaw string `yaml:"receipt_dedupe_ttl" toml:"receipt_dedupe_ttl"`
}

// BrokerConfig holds the optional RabbitMQ bridge configuration
type BrokerConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	URL           string        `yaml:"url" toml:"url"`
	EventExchange string        `yaml:"event_exchange" toml:"event_exchange"`
	ReceiptQueue  string        `yaml:"receipt_queue" toml:"receipt_queue"`
	OutboundQueue string        `yaml:"outbound_queue" toml:"outbound_queue"`
	ReconnectMax  time.Duration `yaml:"-" toml:"-"`

	ReconnectMaxRaw string `yaml:"reconnect_max" toml:"reconnect_max"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// envOverrides are applied after the file is decoded.
type envOverrides struct {
	DBDriver     string `env:"RELAYDESK_DB_DRIVER"`
	DBDSN        string `env:"RELAYDESK_DB_DSN"`
	HTTPAddr     string `env:"RELAYDESK_HTTP_ADDR"`
	JWTSecret    string `env:"RELAYDESK_JWT_SECRET"`
	AMQPURL      string `env:"RELAYDESK_AMQP_URL"`
	OTELEndpoint string `env:"RELAYDESK_OTEL_ENDPOINT"`
}

// Load reads a configuration file and returns a parsed, validated Config.
// Files ending in .toml are decoded as TOML, anything else as YAML. An
// empty path yields the defaults plus environment overrides.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := expandEnvVars(string(data))

		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(expanded, &cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Database.Driver, o.DBDriver)
	override(&cfg.Database.DSN, o.DBDSN)
	override(&cfg.Server.HTTPAddr, o.HTTPAddr)
	override(&cfg.Auth.JWTSecret, o.JWTSecret)
	override(&cfg.Broker.URL, o.AMQPURL)
	override(&cfg.Telemetry.Endpoint, o.OTELEndpoint)
	return nil
}

func applyDefaults(cfg *Config) {
	setString := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}

	if !cfg.Tailscale.Enabled {
		setString(&cfg.Server.HTTPAddr, "127.0.0.1:8080")
	}
	setDuration(&cfg.Server.ShutdownTimeout, 10*time.Second)
	setString(&cfg.Tailscale.StateDir, "./tsnet-state")

	setString(&cfg.Database.Driver, "sqlite")
	if cfg.Database.Driver != "postgres" {
		setString(&cfg.Database.Path, "./relaydesk.db")
	}

	if cfg.Events.BacklogSize == 0 {
		cfg.Events.BacklogSize = 50
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 64
	}
	setDuration(&cfg.Presence.Timeout, 5*time.Second)

	setString(&cfg.Campaigns.Provider, "loopback")
	if cfg.Campaigns.MaxAttempts == 0 {
		cfg.Campaigns.MaxAttempts = 3
	}
	if cfg.Campaigns.DefaultSendingRate == 0 {
		cfg.Campaigns.DefaultSendingRate = 60
	}
	setDuration(&cfg.Campaigns.RetryBase, 2*time.Second)
	setDuration(&cfg.Campaigns.RetryCap, 5*time.Minute)
	setDuration(&cfg.Campaigns.SendTimeout, 30*time.Second)
	setDuration(&cfg.Campaigns.ReceiptDedupeTTL, 10*time.Minute)

	setString(&cfg.Broker.EventExchange, "relaydesk.events")
	setString(&cfg.Broker.ReceiptQueue, "relaydesk.receipts")
	setString(&cfg.Broker.OutboundQueue, "relaydesk.outbound")
	setDuration(&cfg.Broker.ReconnectMax, 30*time.Second)

	setString(&cfg.Telemetry.ServiceName, "relaydesk")
	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, "text")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if (c.Tailscale.CertFile == "") != (c.Tailscale.KeyFile == "") {
		return fmt.Errorf("tailscale.cert_file and tailscale.key_file must be set together")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
		if c.Database.DataSource() == "" {
			return fmt.Errorf("database.path is required for %s", c.Database.Driver)
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, postgres", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}

	if c.Events.BacklogSize < 0 || c.Events.BufferSize < 0 {
		return fmt.Errorf("events.backlog_size and events.buffer_size must not be negative")
	}
	if c.Conversations.SurveyDelaySeconds < 0 {
		return fmt.Errorf("conversations.survey_delay_seconds must not be negative")
	}

	switch c.Campaigns.Provider {
	case "loopback":
	case "broker":
		if !c.Broker.Enabled {
			return fmt.Errorf("campaigns.provider broker requires broker.enabled")
		}
	default:
		return fmt.Errorf("campaigns.provider %q is not one of loopback, broker", c.Campaigns.Provider)
	}
	if c.Campaigns.MaxAttempts < 1 {
		return fmt.Errorf("campaigns.max_attempts must be at least 1")
	}
	if c.Campaigns.DefaultSendingRate < 1 || c.Campaigns.DefaultSendingRate > 60000 {
		return fmt.Errorf("campaigns.default_sending_rate must be between 1 and 60000")
	}
	if c.Campaigns.RetryCap < c.Campaigns.RetryBase {
		return fmt.Errorf("campaigns.retry_cap must not be below campaigns.retry_base")
	}

	if c.Broker.Enabled && c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required when the broker is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"presence.timeout", cfg.Presence.TimeoutRaw, &cfg.Presence.Timeout},
		{"campaigns.retry_base", cfg.Campaigns.RetryBaseRaw, &cfg.Campaigns.RetryBase},
		{"campaigns.retry_cap", cfg.Campaigns.RetryCapRaw, &cfg.Campaigns.RetryCap},
		{"campaigns.send_timeout", cfg.Campaigns.SendTimeoutRaw, &cfg.Campaigns.SendTimeout},
		{"campaigns.receipt_dedupe_ttl", cfg.Campaigns.ReceiptDedupeTTLRaw, &cfg.Campaigns.ReceiptDedupeTTL},
		{"broker.reconnect_max", cfg.Broker.ReconnectMaxRaw, &cfg.Broker.ReconnectMax},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
