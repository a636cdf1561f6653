// Package config loads the gateway configuration from YAML.
//
// The file is expanded against the environment before parsing, so
// credentials and paths can be written as ${VAR}. Unset keys keep the
// values from DefaultConfig.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/log"
	"github.com/felixgeelhaar/llmgate/internal/provider"
	"github.com/felixgeelhaar/llmgate/internal/retry"
	"github.com/felixgeelhaar/llmgate/internal/telemetry"
)

// DefaultPath is the config file used when none is given.
const DefaultPath = "llmgate.yaml"

// DefaultSystemPrompt is sent with every request.
const DefaultSystemPrompt = "You are a capable AI assistant. Answer the user's questions kindly and accurately."

// Config is the complete gateway configuration.
type Config struct {
	Providers    []provider.Descriptor `yaml:"providers"`
	BackupChain  []string              `yaml:"backup_chain"`
	Retry        RetryConfig           `yaml:"retry"`
	Stream       StreamConfig          `yaml:"stream"`
	History      HistoryConfig         `yaml:"history"`
	SystemPrompt string                `yaml:"system_prompt"`
	Server       ServerConfig          `yaml:"server"`
	Store        StoreConfig           `yaml:"store"`
	Attachments  AttachmentsConfig     `yaml:"attachments"`
	Logging      LoggingConfig         `yaml:"logging"`
	Tracing      telemetry.Config      `yaml:"tracing"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Attempts   int           `yaml:"attempts"`
	Multiplier float64       `yaml:"multiplier"`
}

// StreamConfig holds streaming limits.
type StreamConfig struct {
	// IdleTimeout bounds the gap between chunks; zero disables the watchdog
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// HistoryConfig bounds the per-session history.
type HistoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MessageWriteTimeout bounds a single websocket write
	MessageWriteTimeout time.Duration `yaml:"message_write_timeout"`

	// AllowedOrigins are browser origin patterns accepted for websocket
	// upgrades; empty allows same-origin requests only
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	// Driver is "sqlite" or "file"
	Driver string `yaml:"driver"`

	// DSN is the database path for sqlite or the directory for file
	DSN string `yaml:"dsn"`
}

// AttachmentsConfig points at pre-extracted attachment text.
type AttachmentsConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		Providers:   provider.DefaultDescriptors(),
		BackupChain: []string{"claude", "openai", "gemini"},
		Retry: RetryConfig{
			Initial:    policy.InitialInterval,
			Max:        policy.MaxInterval,
			Attempts:   policy.MaxAttempts,
			Multiplier: policy.Multiplier,
		},
		Stream:       StreamConfig{IdleTimeout: 30 * time.Second},
		History:      HistoryConfig{MaxMessages: 50},
		SystemPrompt: DefaultSystemPrompt,
		Server: ServerConfig{
			Address:             "0.0.0.0:9033",
			ReadTimeout:         10 * time.Second,
			WriteTimeout:        10 * time.Second,
			IdleTimeout:         60 * time.Second,
			ShutdownTimeout:     30 * time.Second,
			MessageWriteTimeout: 10 * time.Second,
			AllowedOrigins:      []string{"*"},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "llmgate.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: telemetry.DefaultConfig(),
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigRead, fmt.Sprintf("read config %s", path), err).
			WithSuggestion("Create the file or pass --config")
	}
	return Parse(data)
}

// Parse decodes YAML onto the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigRead, "parse config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	table, err := c.Table()
	if err != nil {
		return invalid("providers", err)
	}
	if err := table.ValidateChain(c.BackupChain); err != nil {
		return invalid("backup_chain", err)
	}

	switch {
	case c.Retry.Attempts < 1:
		return invalid("retry.attempts", fmt.Errorf("must be at least 1"))
	case c.Retry.Initial <= 0:
		return invalid("retry.initial", fmt.Errorf("must be positive"))
	case c.Retry.Max < c.Retry.Initial:
		return invalid("retry.max", fmt.Errorf("must not be below retry.initial"))
	case c.Retry.Multiplier < 1:
		return invalid("retry.multiplier", fmt.Errorf("must be at least 1"))
	case c.Stream.IdleTimeout < 0:
		return invalid("stream.idle_timeout", fmt.Errorf("must be non-negative"))
	case c.History.MaxMessages < 1:
		return invalid("history.max_messages", fmt.Errorf("must be at least 1"))
	}

	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		return invalid("server.address", err)
	}

	switch c.Store.Driver {
	case "sqlite", "file":
	default:
		return invalid("store.driver", fmt.Errorf("must be sqlite or file, got %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		return invalid("store.dsn", fmt.Errorf("is required"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return invalid("tracing.sample_rate", fmt.Errorf("must be between 0 and 1"))
	}
	return nil
}

func invalid(field string, cause error) error {
	return errors.Wrap(errors.ErrCodeConfigInvalid, fmt.Sprintf("invalid %s", field), cause).
		WithSuggestion(fmt.Sprintf("Check field '%s'", field))
}

// Table builds the provider descriptor table.
func (c *Config) Table() (*provider.Table, error) {
	return provider.NewTable(c.Providers)
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval: c.Retry.Initial,
		MaxInterval:     c.Retry.Max,
		Multiplier:      c.Retry.Multiplier,
		MaxAttempts:     c.Retry.Attempts,
	}
}

// LogConfig converts the logging section.
func (c *Config) LogConfig(version string) log.Config {
	return log.FromStrings(c.Logging.Level, c.Logging.Format, version)
}

// SetPort replaces the port of the listen address.
func (c *Config) SetPort(port int) error {
	host, _, err := net.SplitHostPort(c.Server.Address)
	if err != nil {
		return invalid("server.address", err)
	}
	c.Server.Address = net.JoinHostPort(host, strconv.Itoa(port))
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
