package registry

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/regsync/errors"
	"github.com/vinayprograms/regsync/telemetry"
)

// Backoff strategies for reconnect delays.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Config configures a Registry.
type Config struct {
	// Name identifies the registry instance. It is also the backup name.
	// Default: "default"
	Name string

	// MaxConnectRetryTimes bounds connect retries on open and after a lost
	// session. Negative retries forever. Default: -1
	MaxConnectRetryTimes int

	// TaskRetryInterval is the delay before a failed backend task runs again.
	// Default: 5s
	TaskRetryInterval time.Duration

	// PollCeiling caps how long the dispatcher sleeps between checks.
	// Default: 10s
	PollCeiling time.Duration

	// ReconnectDelay is the delay between connect attempts, or the initial
	// delay for exponential backoff. Default: 1s
	ReconnectDelay time.Duration

	// ReconnectBackoff is "constant" or "exponential". Default: "constant"
	ReconnectBackoff string

	// ReconnectMaxDelay caps exponential backoff. Default: 30s
	ReconnectMaxDelay time.Duration

	// CloseTimeout bounds how long Close waits for deregister and
	// unsubscribe calls. Default: 5s
	CloseTimeout time.Duration

	// ProtectNullDatum refuses discovery updates that would empty a known
	// cluster. A URL's protectNullDatum param overrides it. Default: true
	ProtectNullDatum bool

	// Tracing exports task and connect spans over OTLP when an endpoint
	// is set. Ignored if WithTracer is given.
	Tracing telemetry.ExportConfig
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:                 "default",
		MaxConnectRetryTimes: -1,
		TaskRetryInterval:    5 * time.Second,
		PollCeiling:          10 * time.Second,
		ReconnectDelay:       time.Second,
		ReconnectBackoff:     BackoffConstant,
		ReconnectMaxDelay:    30 * time.Second,
		CloseTimeout:         5 * time.Second,
		ProtectNullDatum:     true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.InvalidConfig("name is required")
	}
	if c.TaskRetryInterval <= 0 {
		return errors.InvalidConfig("task_retry_interval must be positive")
	}
	if c.PollCeiling <= 0 {
		return errors.InvalidConfig("poll_ceiling must be positive")
	}
	if c.ReconnectDelay < 0 {
		return errors.InvalidConfig("reconnect_delay must not be negative")
	}
	if c.CloseTimeout <= 0 {
		return errors.InvalidConfig("close_timeout must be positive")
	}
	switch c.ReconnectBackoff {
	case BackoffConstant:
	case BackoffExponential:
		if c.ReconnectMaxDelay < c.ReconnectDelay {
			return errors.InvalidConfig("reconnect_max_delay must not be below reconnect_delay")
		}
	default:
		return errors.InvalidConfig(fmt.Sprintf("unknown reconnect_backoff %q", c.ReconnectBackoff))
	}
	if err := c.Tracing.Validate(); err != nil {
		return errors.InvalidConfig("tracing: " + err.Error())
	}
	return nil
}

// fileConfig mirrors Config for TOML decoding. Durations are strings
// such as "5s".
type fileConfig struct {
	Name                 *string `toml:"name"`
	MaxConnectRetryTimes *int    `toml:"max_connect_retry_times"`
	TaskRetryInterval    string  `toml:"task_retry_interval"`
	PollCeiling          string  `toml:"poll_ceiling"`
	ReconnectDelay       string  `toml:"reconnect_delay"`
	ReconnectBackoff     string  `toml:"reconnect_backoff"`
	ReconnectMaxDelay    string  `toml:"reconnect_max_delay"`
	CloseTimeout         string  `toml:"close_timeout"`
	ProtectNullDatum     *bool   `toml:"protect_null_datum"`

	Registry *fileConfig   `toml:"registry"`
	Tracing  *tracingTable `toml:"tracing"`
}

type tracingTable struct {
	Endpoint    string            `toml:"endpoint"`
	Protocol    string            `toml:"protocol"`
	Insecure    bool              `toml:"insecure"`
	ServiceName string            `toml:"service_name"`
	SampleRatio float64           `toml:"sample_ratio"`
	Headers     map[string]string `toml:"headers"`
}

// LoadConfig reads a TOML file over DefaultConfig. Keys may sit at the top
// level or under a [registry] table.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Config{}, errors.WrapWithCode(err, errors.ErrCodeInvalidConfig, "decode "+path)
	}

	cfg := DefaultConfig()
	if err := raw.apply(&cfg); err != nil {
		return Config{}, err
	}
	if raw.Registry != nil {
		if err := raw.Registry.apply(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, cfg.Validate()
}

func (f *fileConfig) apply(cfg *Config) error {
	if f.Name != nil {
		cfg.Name = *f.Name
	}
	if f.MaxConnectRetryTimes != nil {
		cfg.MaxConnectRetryTimes = *f.MaxConnectRetryTimes
	}
	if f.ProtectNullDatum != nil {
		cfg.ProtectNullDatum = *f.ProtectNullDatum
	}
	if f.ReconnectBackoff != "" {
		cfg.ReconnectBackoff = f.ReconnectBackoff
	}
	if t := f.Tracing; t != nil {
		cfg.Tracing = telemetry.ExportConfig{
			Endpoint:    t.Endpoint,
			Protocol:    t.Protocol,
			Insecure:    t.Insecure,
			Headers:     t.Headers,
			ServiceName: t.ServiceName,
			SampleRatio: t.SampleRatio,
		}
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"task_retry_interval", f.TaskRetryInterval, &cfg.TaskRetryInterval},
		{"poll_ceiling", f.PollCeiling, &cfg.PollCeiling},
		{"reconnect_delay", f.ReconnectDelay, &cfg.ReconnectDelay},
		{"reconnect_max_delay", f.ReconnectMaxDelay, &cfg.ReconnectMaxDelay},
		{"close_timeout", f.CloseTimeout, &cfg.CloseTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return errors.InvalidConfig(fmt.Sprintf("%s: %v", d.name, err))
		}
		*d.dst = v
	}
	return nil
}
