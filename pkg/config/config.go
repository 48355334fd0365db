// Package config loads and validates the HyperComm configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (HYPERCOMM_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hypercomm/hypercomm/internal/bytesize"
	"github.com/hypercomm/hypercomm/internal/logger"
	"github.com/hypercomm/hypercomm/pkg/comm"
)

// Config is the full HyperComm configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Reactor tunes the reactor pool.
	Reactor ReactorConfig `mapstructure:"reactor" yaml:"reactor"`

	// Connection tunes per-connection limits and the reconnect schedule.
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`

	// Server configures the test server started by `hypercomm serve`.
	Server ServerConfig `mapstructure:"server" yaml:"server"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the minimum level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns metric collection and the HTTP endpoint on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the address the metrics endpoint binds to.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// ReactorConfig tunes the reactor pool.
type ReactorConfig struct {
	// Count is the number of reactor goroutines. 0 means one per CPU core.
	Count int `mapstructure:"count" validate:"gte=0" yaml:"count"`

	// PollInterval bounds how long a reactor sleeps between housekeeping
	// passes; it is the tolerance on timer and timeout delivery.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0" yaml:"poll_interval"`
}

// ConnectionConfig tunes per-connection behavior.
type ConnectionConfig struct {
	// SendQueueBytes bounds bytes queued for transmission per connection.
	SendQueueBytes bytesize.ByteSize `mapstructure:"send_queue_bytes" yaml:"send_queue_bytes"`

	// MaxFrameBytes bounds inbound frame size; larger frames disconnect
	// the peer.
	MaxFrameBytes bytesize.ByteSize `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`

	// ConnectTimeout bounds each dial attempt.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0" yaml:"connect_timeout"`

	// ReconnectInitial is the first reconnect backoff delay.
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial" validate:"gt=0" yaml:"reconnect_initial"`

	// ReconnectMax caps the reconnect backoff delay.
	ReconnectMax time.Duration `mapstructure:"reconnect_max" validate:"gt=0" yaml:"reconnect_max"`
}

// ServerConfig configures the loopback test server.
type ServerConfig struct {
	// Listen is the address the server binds to.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Load reads configuration from the given file (empty string uses the
// default location), applies environment overrides and defaults, and
// validates the result. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		if configPath != "" {
			// An explicitly named file must exist and parse.
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures environment overrides and the config file location.
// Environment variables use the HYPERCOMM_ prefix with underscores, e.g.
// HYPERCOMM_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("HYPERCOMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	registerDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(DefaultConfigDir())
	v.AddConfigPath(".")
}

// configDecodeHooks converts the custom config field types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize, so
// config files can say "16Mi" or 16777216 interchangeably.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return bytesize.Parse(val)
		case int:
			return bytesize.ByteSize(val), nil
		case int64:
			return bytesize.ByteSize(val), nil
		case uint64:
			return bytesize.ByteSize(val), nil
		case float64:
			return bytesize.ByteSize(val), nil
		default:
			return data, nil
		}
	}
}

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// DefaultConfigDir returns the directory searched for config.yaml.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hypercomm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "hypercomm")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Save writes the configuration to path in YAML form.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoggerConfig bridges to the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// CommOptions bridges to the comm layer's option struct. Metrics are wired
// separately by the caller.
func (c *Config) CommOptions() comm.Options {
	return comm.Options{
		Reactors:       c.Reactor.Count,
		PollInterval:   c.Reactor.PollInterval,
		SendQueueBytes: c.Connection.SendQueueBytes.Int(),
		MaxFrameBytes:  c.Connection.MaxFrameBytes.Int(),
		ConnectTimeout: c.Connection.ConnectTimeout,
	}
}
