// Package config loads and validates client configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport modes select which bindings carry commands and snapshots.
const (
	ModeWebSocket = "websocket"
	ModeSSE       = "sse"
	ModeBoth      = "both"
)

// Render modes select the bar renderer.
const (
	RenderLog  = "log"
	RenderTUI  = "tui"
	RenderNone = "none"
)

// UnboundedRetries disables the reconnect limit.
const UnboundedRetries = -1

// Config captures all client configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Command   CommandConfig   `mapstructure:"command"`
	Render    RenderConfig    `mapstructure:"render"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the local status API.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TransportConfig points the client at the progress server.
type TransportConfig struct {
	Mode         string `mapstructure:"mode"`
	WebSocketURL string `mapstructure:"websocket_url"`
	Origin       string `mapstructure:"origin"`
	BaseURL      string `mapstructure:"base_url"`
	EventsPath   string `mapstructure:"events_path"`
}

// Retry strategies pick the reconnect delay policy.
const (
	RetryFixed       = "fixed"
	RetryExponential = "exponential"
)

// RetryConfig bounds reconnection. MaxRetries of -1 retries forever.
// Exponential retries start at DelayMs and cap at MaxDelayMs.
type RetryConfig struct {
	MaxRetries int    `mapstructure:"max_retries"`
	DelayMs    int    `mapstructure:"delay_ms"`
	Strategy   string `mapstructure:"strategy"`
	MaxDelayMs int    `mapstructure:"max_delay_ms"`
}

// CommandConfig tunes call/response commands.
// RatePerSecond paces outbound calls per command name; 0 disables pacing.
type CommandConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
}

// RenderConfig picks and throttles the renderer.
type RenderConfig struct {
	Mode          string `mapstructure:"mode"`
	MinIntervalMs int    `mapstructure:"min_interval_ms"`
	BufferSize    int    `mapstructure:"buffer_size"`
	LogFile       string `mapstructure:"log_file"`
}

// NotifyConfig enables request-completion notifications over Pub/Sub.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8090)
	v.SetDefault("transport.mode", ModeWebSocket)
	v.SetDefault("transport.websocket_url", "ws://localhost:8000")
	v.SetDefault("transport.origin", "http://localhost/")
	v.SetDefault("transport.base_url", "http://localhost:3768")
	v.SetDefault("transport.events_path", "/events")
	v.SetDefault("retry.max_retries", UnboundedRetries)
	v.SetDefault("retry.delay_ms", 1000)
	v.SetDefault("retry.strategy", RetryFixed)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("command.timeout_seconds", 30)
	v.SetDefault("command.rate_per_second", 0)
	v.SetDefault("command.burst", 1)
	v.SetDefault("render.mode", RenderLog)
	v.SetDefault("render.min_interval_ms", 100)
	v.SetDefault("render.buffer_size", 1024)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Transport.Mode {
	case ModeWebSocket:
		if c.Transport.WebSocketURL == "" {
			return fmt.Errorf("transport.websocket_url must be set for mode %q", c.Transport.Mode)
		}
	case ModeSSE:
		if c.Transport.BaseURL == "" {
			return fmt.Errorf("transport.base_url must be set for mode %q", c.Transport.Mode)
		}
	case ModeBoth:
		if c.Transport.WebSocketURL == "" || c.Transport.BaseURL == "" {
			return fmt.Errorf("transport.websocket_url and transport.base_url must be set for mode %q", c.Transport.Mode)
		}
	default:
		return fmt.Errorf("transport.mode must be one of websocket, sse, both; got %q", c.Transport.Mode)
	}
	if c.Retry.MaxRetries < UnboundedRetries {
		return fmt.Errorf("retry.max_retries must be >= -1")
	}
	if c.Retry.DelayMs <= 0 {
		return fmt.Errorf("retry.delay_ms must be > 0")
	}
	switch c.Retry.Strategy {
	case "", RetryFixed, RetryExponential:
	default:
		return fmt.Errorf("retry.strategy must be fixed or exponential; got %q", c.Retry.Strategy)
	}
	if c.Command.TimeoutSeconds <= 0 {
		return fmt.Errorf("command.timeout_seconds must be > 0")
	}
	if c.Command.RatePerSecond < 0 || c.Command.Burst < 0 {
		return fmt.Errorf("command.rate_per_second and command.burst must be >= 0")
	}
	switch c.Render.Mode {
	case RenderLog, RenderTUI, RenderNone:
	default:
		return fmt.Errorf("render.mode must be one of log, tui, none; got %q", c.Render.Mode)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the status server is enabled")
	}
	if c.Notify.TopicName != "" && c.Notify.ProjectID == "" {
		return fmt.Errorf("notify.project_id must be set when notify.topic_name is set")
	}
	return nil
}

// RetryDelay converts the configured reconnect delay to a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Retry.DelayMs) * time.Millisecond
}

// MaxRetryDelay caps exponential reconnect delays.
func (c Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

// CommandTimeout bounds a single call/response command.
func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.Command.TimeoutSeconds) * time.Second
}

// RenderInterval is the minimum gap between redraws of one bar.
func (c Config) RenderInterval() time.Duration {
	return time.Duration(c.Render.MinIntervalMs) * time.Millisecond
}

// UsesPush reports whether the websocket binding is active.
func (c Config) UsesPush() bool {
	return c.Transport.Mode == ModeWebSocket || c.Transport.Mode == ModeBoth
}

// UsesStream reports whether the call/response + SSE binding is active.
func (c Config) UsesStream() bool {
	return c.Transport.Mode == ModeSSE || c.Transport.Mode == ModeBoth
}
