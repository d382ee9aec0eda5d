// Package config handles YAML configuration loading with environment variable
// expansion and STOWAWAY_* overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v3"
)

// EnvPrefix prefixes every environment override, e.g. STOWAWAY_SERVER_ADDR.
const EnvPrefix = "STOWAWAY_"

// Config is the top-level agent configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"    envPrefix:"SERVER_"`
	Agent     AgentConfig     `yaml:"agent"     envPrefix:"AGENT_"`
	Storage   StorageConfig   `yaml:"storage"   envPrefix:"STORAGE_"`
	Network   NetworkConfig   `yaml:"network"   envPrefix:"NETWORK_"`
	Log       LogConfig       `yaml:"log"       envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"             env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// AgentConfig names the current store and the URLs precached into it.
type AgentConfig struct {
	CacheName     string   `yaml:"cache_name"      env:"CACHE_NAME"`
	Origin        string   `yaml:"origin"          env:"ORIGIN"` // application origin; relative manifest entries resolve against it
	Manifest      []string `yaml:"manifest"        env:"MANIFEST" envSeparator:","`
	ManifestFile  string   `yaml:"manifest_file"   env:"MANIFEST_FILE"`   // precache list or web app manifest (JSON)
	MaxStoreBytes int64    `yaml:"max_store_bytes" env:"MAX_STORE_BYTES"` // larger runtime responses are served, not stored; 0 = no bound
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	Driver     string `yaml:"driver"      env:"DRIVER"`      // "sqlite" or "memory"
	DSN        string `yaml:"dsn"         env:"DSN"`         // file path, or ":memory:" for a single-connection database
	MaxEntries int    `yaml:"max_entries" env:"MAX_ENTRIES"` // runtime entries per memory store; precached entries are not counted
}

// NetworkConfig tunes the upstream transport.
type NetworkConfig struct {
	DNSCache       bool                 `yaml:"dns_cache"       env:"DNS_CACHE"`
	DNSRefresh     time.Duration        `yaml:"dns_refresh"     env:"DNS_REFRESH"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// CircuitBreakerConfig controls per-host circuit breaking of upstream fetches.
type CircuitBreakerConfig struct {
	Enabled        bool          `yaml:"enabled"         env:"ENABLED"`
	ErrorThreshold float64       `yaml:"error_threshold" env:"ERROR_THRESHOLD"` // weighted error rate, 0.0 to 1.0
	MinSamples     int           `yaml:"min_samples"     env:"MIN_SAMPLES"`
	Window         time.Duration `yaml:"window"          env:"WINDOW"` // at most 60s
	OpenTimeout    time.Duration `yaml:"open_timeout"    env:"OPEN_TIMEOUT"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`  // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json or text
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"     env:"ENABLED"`
	Endpoint   string  `yaml:"endpoint"    env:"ENDPOINT"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"` // 0.0 to 1.0
}

// DefaultCacheName is the store name of the original deployment.
const DefaultCacheName = "pwa-todo-app-cache-v1"

// DefaultManifest is the precache list of the original deployment.
var DefaultManifest = []string{
	"./",
	"./index.html",
	"./manifest.json",
	"./icons/icon-192x192.png",
	"./icons/icon-512x512.png",
	"https://cdn.tailwindcss.com",
	"https://unpkg.com/lucide@latest",
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	cfg := base()
	cfg.applyDefaults()
	return cfg
}

// base holds every default that does not depend on other settings.
func base() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Agent: AgentConfig{
			CacheName:     DefaultCacheName,
			Origin:        "http://localhost:8000",
			MaxStoreBytes: 32 << 20,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			DSN:        "stowaway.db",
			MaxEntries: 10_000,
		},
		Network: NetworkConfig{
			DNSCache:   true,
			DNSRefresh: 5 * time.Minute,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:        true,
				ErrorThreshold: 0.5,
				MinSamples:     5,
				Window:         30 * time.Second,
				OpenTimeout:    15 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables,
// then applies STOWAWAY_* overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := base()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills settings whose default depends on what was configured.
// DefaultManifest applies only when neither an inline manifest nor a
// manifest file is set.
func (c *Config) applyDefaults() {
	if len(c.Agent.Manifest) == 0 && c.Agent.ManifestFile == "" {
		c.Agent.Manifest = append([]string(nil), DefaultManifest...)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.CacheName == "" {
		errs = append(errs, errors.New("agent.cache_name is required"))
	}
	if u, err := url.Parse(c.Agent.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("agent.origin %q must be an absolute URL", c.Agent.Origin))
	}
	if c.Agent.MaxStoreBytes < 0 {
		errs = append(errs, errors.New("agent.max_store_bytes must not be negative"))
	}
	if len(c.Agent.Manifest) == 0 && c.Agent.ManifestFile == "" {
		errs = append(errs, errors.New("agent.manifest or agent.manifest_file is required"))
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for sqlite"))
		}
	case "memory":
		if c.Storage.MaxEntries <= 0 {
			errs = append(errs, errors.New("storage.max_entries must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of sqlite, memory", c.Storage.Driver))
	}
	if c.Network.DNSCache && c.Network.DNSRefresh <= 0 {
		errs = append(errs, errors.New("network.dns_refresh must be positive when dns_cache is on"))
	}
	if cb := c.Network.CircuitBreaker; cb.Enabled {
		if cb.ErrorThreshold <= 0 || cb.ErrorThreshold > 1 {
			errs = append(errs, errors.New("network.circuit_breaker.error_threshold must be in (0, 1]"))
		}
		if cb.MinSamples <= 0 {
			errs = append(errs, errors.New("network.circuit_breaker.min_samples must be positive"))
		}
		if cb.Window < time.Second || cb.Window > time.Minute {
			errs = append(errs, errors.New("network.circuit_breaker.window must be between 1s and 60s"))
		}
		if cb.OpenTimeout <= 0 {
			errs = append(errs, errors.New("network.circuit_breaker.open_timeout must be positive"))
		}
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.tracing.endpoint is required when tracing is on"))
	}
	return errors.Join(errs...)
}
