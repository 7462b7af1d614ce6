// Package config loads queuesync configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfigPath names the environment variable consulted when no --config flag is given.
const EnvConfigPath = "QUEUESYNC_CONFIG"

// Config is the main configuration structure for queuesync.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Refetch      RefetchConfig      `yaml:"refetch"`
	Counters     CountersConfig     `yaml:"counters"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// ServerConfig points at the queue backend.
type ServerConfig struct {
	// SocketURL is the websocket endpoint (ws:// or wss://).
	SocketURL string `yaml:"socket_url"`
	// APIURL is the REST base URL used for full refreshes.
	APIURL string `yaml:"api_url"`
	// Token is sent as a bearer token on both channels.
	Token            string        `yaml:"token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

type SubscriptionConfig struct {
	TenantID string `yaml:"tenant_id"`
	UserID   string `yaml:"user_id"`
}

// ReconnectConfig controls the backoff schedule and heartbeat. Unset fields
// take the defaults of 1s base, 30s ceiling, 5 attempts and a 25s heartbeat.
type ReconnectConfig struct {
	Base              time.Duration `yaml:"base"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Jitter            float64       `yaml:"jitter"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// DisableHeartbeat turns pings off; heartbeat_interval is then ignored.
	DisableHeartbeat bool `yaml:"disable_heartbeat"`
}

// Heartbeat returns the ping interval, zero when pings are disabled.
func (c ReconnectConfig) Heartbeat() time.Duration {
	if c.DisableHeartbeat {
		return 0
	}
	return c.HeartbeatInterval
}

type DispatchConfig struct {
	LaneBuffer int `yaml:"lane_buffer"`
}

type RefetchConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 30s".
	Schedule string `yaml:"schedule"`
	PageSize int    `yaml:"page_size"`
	Disabled bool   `yaml:"disabled"`
}

type CountersConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type MetricsConfig struct {
	// Addr enables the Prometheus listener when set (e.g., ":9090").
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
}

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses the refetch schedule.
func (c RefetchConfig) ParseSchedule() (cron.Schedule, error) {
	expr := strings.TrimSpace(c.Schedule)
	if expr == "" {
		return nil, errors.New("refetch.schedule is required")
	}
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("refetch.schedule: %w", err)
	}
	return schedule, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HandshakeTimeout == 0 {
		cfg.Server.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Reconnect.Base == 0 {
		cfg.Reconnect.Base = time.Second
	}
	if cfg.Reconnect.MaxDelay == 0 {
		cfg.Reconnect.MaxDelay = 30 * time.Second
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = 5
	}
	if cfg.Reconnect.HeartbeatInterval == 0 {
		cfg.Reconnect.HeartbeatInterval = 25 * time.Second
	}
	if cfg.Dispatch.LaneBuffer == 0 {
		cfg.Dispatch.LaneBuffer = 1024
	}
	if cfg.Refetch.Schedule == "" {
		cfg.Refetch.Schedule = "@every 30s"
	}
	if cfg.Refetch.PageSize == 0 {
		cfg.Refetch.PageSize = 100
	}
	if cfg.Counters.StaleAfter == 0 {
		cfg.Counters.StaleAfter = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "queuesync"
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if err := validateURL("server.socket_url", c.Server.SocketURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if c.Server.APIURL != "" {
		if err := validateURL("server.api_url", c.Server.APIURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	if strings.TrimSpace(c.Subscription.TenantID) == "" {
		errs = append(errs, errors.New("subscription.tenant_id is required"))
	}
	if c.Reconnect.Base < 0 || c.Reconnect.MaxDelay < 0 {
		errs = append(errs, errors.New("reconnect delays must be positive"))
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.MaxDelay < c.Reconnect.Base {
		errs = append(errs, fmt.Errorf("reconnect.max_delay (%s) must not be below reconnect.base (%s)", c.Reconnect.MaxDelay, c.Reconnect.Base))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must be >= 0"))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, errors.New("reconnect.jitter must be between 0 and 1"))
	}
	if c.Reconnect.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("reconnect.heartbeat_interval must be >= 0"))
	}
	if c.Dispatch.LaneBuffer < 0 {
		errs = append(errs, errors.New("dispatch.lane_buffer must be >= 0"))
	}
	if !c.Refetch.Disabled {
		if _, err := c.Refetch.ParseSchedule(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Refetch.PageSize < 0 {
		errs = append(errs, errors.New("refetch.page_size must be >= 0"))
	}
	if c.Counters.StaleAfter < 0 {
		errs = append(errs, errors.New("counters.stale_after must be >= 0"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not recognized", c.Logging.Level))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, errors.New("tracing.sampling_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s: host is required", field)
			}
			return nil
		}
	}
	return fmt.Errorf("%s: scheme must be one of %s, got %q", field, strings.Join(schemes, ", "), u.Scheme)
}

// ResolvePath picks the config file: the explicit flag, then $QUEUESYNC_CONFIG,
// then ~/.queuesync/config.yaml.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".queuesync", "config.yaml")
}
