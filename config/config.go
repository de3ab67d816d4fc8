// Package config loads singletond node configuration from TOML.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/logging"
	"github.com/vinayprograms/singletonkit/registry"
)

// ErrInsecurePermissions is returned when a config file holding backend
// secrets is readable by group or others.
var ErrInsecurePermissions = fmt.Errorf("config file has insecure permissions")

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

// Config is the configuration of one node.
type Config struct {
	// NodeID identifies this node in claims. Empty means a random UUID.
	NodeID string `toml:"node_id"`

	Log        LogConfig         `toml:"log"`
	Backend    BackendConfig     `toml:"backend"`
	Watchdog   WatchdogConfig    `toml:"watchdog"`
	Admin      AdminConfig       `toml:"admin"`
	Telemetry  TelemetryConfig   `toml:"telemetry"`
	Singletons []SingletonConfig `toml:"singleton"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// BackendConfig selects where claims live and how Down events travel.
type BackendConfig struct {
	// Kind is memory, nats or redis.
	Kind string `toml:"kind"`

	// URL of the NATS server or Redis address.
	URL string `toml:"url"`

	// Bucket is the JetStream KV bucket for claims (nats only).
	Bucket string `toml:"bucket"`

	// KeyPrefix namespaces claim keys.
	KeyPrefix string `toml:"key_prefix"`

	// DB selects the Redis database (redis only).
	DB int `toml:"db"`

	// Credentials. Prefer the SINGLETON_BACKEND_* environment variables.
	Token    string `toml:"token"`
	User     string `toml:"user"`
	Password string `toml:"password"`

	// LeaseTTL is how long a claim survives without renewal.
	LeaseTTL Duration `toml:"lease_ttl"`

	// RenewInterval between lease renewals. Default: LeaseTTL/3.
	RenewInterval Duration `toml:"renew_interval"`

	// CheckInterval between claim checks by monitors.
	CheckInterval Duration `toml:"check_interval"`
}

// WatchdogConfig bounds the delay before re-election.
type WatchdogConfig struct {
	JitterMin Duration `toml:"jitter_min"`
	JitterMax Duration `toml:"jitter_max"`
}

// AdminConfig configures the HTTP endpoint serving /metrics and /status.
type AdminConfig struct {
	// Listen address. Empty disables the endpoint.
	Listen string `toml:"listen"`
}

// TelemetryConfig configures OTLP trace export. Empty Endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

// SingletonConfig declares one singleton this node watches.
type SingletonConfig struct {
	Name string `toml:"name"`

	// Kind names the worker factory; Args are passed to it.
	Kind string   `toml:"kind"`
	Args []string `toml:"args"`

	// LocalIdentity names the watchdog on this node.
	// Default: "<name>_watchdog"
	LocalIdentity string `toml:"local_identity"`
}

// Factory returns the worker factory for s.
func (s SingletonConfig) Factory() registry.Factory {
	return registry.Factory{Kind: s.Kind, Args: append([]string(nil), s.Args...)}
}

// Duration is a time.Duration that decodes from strings like "15s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Backend: BackendConfig{
			Kind:          BackendMemory,
			Bucket:        "singletons",
			KeyPrefix:     registry.DefaultKeyPrefix,
			LeaseTTL:      Duration{15 * time.Second},
			CheckInterval: Duration{time.Second},
		},
		Watchdog: WatchdogConfig{
			JitterMin: Duration{5 * time.Second},
			JitterMax: Duration{10 * time.Second},
		},
		Telemetry: TelemetryConfig{Protocol: "grpc"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, skerrors.WrapWithCode(err, skerrors.ErrCodeInvalidInput, "parse "+path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, skerrors.InvalidInput("unknown config keys: " + strings.Join(keys, ", "))
	}

	if cfg.Backend.hasSecrets() {
		if err := checkPermissions(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes TOML content over the defaults and validates it.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, &cfg); err != nil {
		return nil, skerrors.WrapWithCode(err, skerrors.ErrCodeInvalidInput, "parse config")
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (b BackendConfig) hasSecrets() bool {
	return b.Token != "" || b.Password != ""
}

// checkPermissions rejects secret-bearing files readable by group or others.
func checkPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o and holds backend credentials (use 0600 or 0400)",
			ErrInsecurePermissions, path, mode)
	}
	return nil
}

// applyEnv overrides file values with SINGLETON_* environment variables.
func (c *Config) applyEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"SINGLETON_NODE_ID", &c.NodeID},
		{"SINGLETON_LOG_LEVEL", &c.Log.Level},
		{"SINGLETON_BACKEND_URL", &c.Backend.URL},
		{"SINGLETON_BACKEND_TOKEN", &c.Backend.Token},
		{"SINGLETON_BACKEND_USER", &c.Backend.User},
		{"SINGLETON_BACKEND_PASSWORD", &c.Backend.Password},
		{"SINGLETON_ADMIN_LISTEN", &c.Admin.Listen},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

func (c *Config) normalize() {
	c.Backend.Kind = strings.ToLower(strings.TrimSpace(c.Backend.Kind))
	if c.Backend.RenewInterval.Duration == 0 {
		c.Backend.RenewInterval.Duration = c.Backend.LeaseTTL.Duration / 3
	}
	for i := range c.Singletons {
		if c.Singletons[i].LocalIdentity == "" {
			c.Singletons[i].LocalIdentity = c.Singletons[i].Name + "_watchdog"
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return skerrors.WrapWithCode(err, skerrors.ErrCodeInvalidInput, "log.level")
	}

	switch c.Backend.Kind {
	case BackendMemory, BackendNATS, BackendRedis:
	default:
		return skerrors.InvalidInput(fmt.Sprintf("backend.kind %q: want memory, nats or redis", c.Backend.Kind))
	}
	if c.Backend.LeaseTTL.Duration <= 0 {
		return skerrors.InvalidInput("backend.lease_ttl must be positive")
	}
	if c.Backend.RenewInterval.Duration <= 0 || c.Backend.RenewInterval.Duration >= c.Backend.LeaseTTL.Duration {
		return skerrors.InvalidInput("backend.renew_interval must be positive and below lease_ttl")
	}
	if c.Backend.CheckInterval.Duration <= 0 {
		return skerrors.InvalidInput("backend.check_interval must be positive")
	}

	if c.Watchdog.JitterMin.Duration <= 0 || c.Watchdog.JitterMax.Duration < c.Watchdog.JitterMin.Duration {
		return skerrors.InvalidInput("watchdog jitter window must satisfy 0 < jitter_min <= jitter_max")
	}

	if c.Telemetry.Endpoint != "" {
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return skerrors.InvalidInput(fmt.Sprintf("telemetry.protocol %q: want grpc or http", c.Telemetry.Protocol))
		}
	}

	if len(c.Singletons) == 0 {
		return skerrors.InvalidInput("no [[singleton]] declared")
	}
	seen := make(map[string]bool, len(c.Singletons))
	for i, s := range c.Singletons {
		if err := registry.ValidateName(s.Name); err != nil {
			return skerrors.Wrap(err, fmt.Sprintf("singleton[%d]", i))
		}
		if seen[s.Name] {
			return skerrors.InvalidInput("duplicate singleton", skerrors.WithName(s.Name))
		}
		seen[s.Name] = true
		if s.Kind == "" {
			return skerrors.InvalidInput("singleton kind is empty", skerrors.WithName(s.Name))
		}
	}
	return nil
}
