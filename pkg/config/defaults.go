package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hypercomm/hypercomm/internal/bytesize"
)

// Default values for every knob. Zero values in a loaded config are
// replaced by these. The sample config written by `init` is a fixed text
// that lists the same values; it is not generated from these constants.
const (
	DefaultLogLevel  = "INFO"
	DefaultLogFormat = "text"
	DefaultLogOutput = "stderr"

	DefaultMetricsListen = "127.0.0.1:9090"
	DefaultServerListen  = "0.0.0.0:38060"

	DefaultPollInterval     = time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second

	DefaultSendQueueBytes = 16 * bytesize.MiB
	DefaultMaxFrameBytes  = 32 * bytesize.MiB
)

// Default returns the configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with defaults. Explicit values are
// preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyReactorDefaults(&cfg.Reactor)
	applyConnectionDefaults(&cfg.Connection)
	applyServerDefaults(&cfg.Server)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = DefaultLogLevel
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = DefaultLogFormat
	}
	if cfg.Output == "" {
		cfg.Output = DefaultLogOutput
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultMetricsListen
	}
}

func applyReactorDefaults(cfg *ReactorConfig) {
	// Count 0 is meaningful: the comm layer sizes to the CPU count.
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
}

func applyConnectionDefaults(cfg *ConnectionConfig) {
	if cfg.SendQueueBytes == 0 {
		cfg.SendQueueBytes = DefaultSendQueueBytes
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectInitial == 0 {
		cfg.ReconnectInitial = DefaultReconnectInitial
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultServerListen
	}
}

// registerDefaults seeds viper so environment overrides apply to keys the
// config file leaves out.
func registerDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.output", DefaultLogOutput)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsListen)
	v.SetDefault("reactor.count", 0)
	v.SetDefault("reactor.poll_interval", DefaultPollInterval.String())
	v.SetDefault("connection.send_queue_bytes", DefaultSendQueueBytes.String())
	v.SetDefault("connection.max_frame_bytes", DefaultMaxFrameBytes.String())
	v.SetDefault("connection.connect_timeout", DefaultConnectTimeout.String())
	v.SetDefault("connection.reconnect_initial", DefaultReconnectInitial.String())
	v.SetDefault("connection.reconnect_max", DefaultReconnectMax.String())
	v.SetDefault("server.listen", DefaultServerListen)
}
