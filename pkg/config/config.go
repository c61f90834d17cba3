// Package config provides configuration structures and loading logic for the
// federation gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-federation/pkg/domain"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Federation FederationConfig `yaml:"federation"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Storage    StorageConfig    `yaml:"storage"`
	Worker     WorkerConfig     `yaml:"worker"`
	Redis      RedisConfig      `yaml:"redis"`
	Policy     PolicyConfig     `yaml:"policy"`
	Keys       []KeyConfig      `yaml:"keys"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	AdminAddress string     `yaml:"admin_address"`
	DataAddress  string     `yaml:"data_address"`
	TLS          *TLSConfig `yaml:"tls,omitempty"`
	MaxBodyBytes int64      `yaml:"max_body_bytes"`
}

// FederationConfig describes this server's identity and which origins it
// talks to.
type FederationConfig struct {
	ServerName string `yaml:"server_name"`
	// DomainWhitelist restricts which origins may authenticate. Absent means
	// every origin; an empty list denies every origin.
	DomainWhitelist []string `yaml:"domain_whitelist"`
	// TracingWhitelist holds regular expressions of origins whose trace
	// context is continued.
	TracingWhitelist []string `yaml:"opentracing_homeserver_whitelist"`
}

// RateLimitConfig configures the per-origin federation rate limiter.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window_size"`
	SleepLimit  int           `yaml:"sleep_limit"`
	SleepDelay  time.Duration `yaml:"sleep_delay"`
	RejectLimit int           `yaml:"reject_limit"`
	Concurrent  int           `yaml:"concurrent"`
}

// StorageConfig selects the retry timings store.
type StorageConfig struct {
	// DSN is empty or "memory" for the in-process store, a postgres:// URL,
	// or a SQLite file path.
	DSN       string `yaml:"dsn"`
	CacheSize int    `yaml:"cache_size"`
}

// WorkerConfig marks this process as a worker of a primary.
type WorkerConfig struct {
	// App is the worker application name. Empty means this process is the
	// primary.
	App          string `yaml:"app"`
	InstanceName string `yaml:"instance_name"`
}

// IsWorker reports whether this process runs as a worker.
func (c WorkerConfig) IsWorker() bool {
	return strings.TrimSpace(c.App) != ""
}

// RedisConfig configures the replication channel.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// PolicyConfig enables Rego admission policies.
type PolicyConfig struct {
	Paths      []string `yaml:"paths"`
	Entrypoint string   `yaml:"entrypoint"`
	CacheSize  int      `yaml:"cache_size"`
}

// Enabled reports whether any policy module is configured.
func (c PolicyConfig) Enabled() bool {
	return len(c.Paths) > 0
}

// KeyConfig is one trusted verify key of a remote server.
type KeyConfig struct {
	Server       string `yaml:"server"`
	KeyID        string `yaml:"key_id"`
	PublicKey    string `yaml:"public_key"`
	ValidUntilTS int64  `yaml:"valid_until_ts"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
	Environment  string  `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress: ":19090",
			DataAddress:  ":8448",
			MaxBodyBytes: 50 << 20,
		},
		RateLimit: RateLimitConfig{
			Window:      time.Second,
			SleepLimit:  10,
			SleepDelay:  500 * time.Millisecond,
			RejectLimit: 50,
			Concurrent:  3,
		},
		Storage: StorageConfig{CacheSize: 1024},
		Redis:   RedisConfig{Channel: "fedgate.replication"},
		Telemetry: TelemetryConfig{
			ServiceName: "fedgate",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("FEDGATE_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("FEDGATE_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}
	if val := os.Getenv("FEDGATE_SERVER_NAME"); val != "" {
		cfg.Federation.ServerName = val
	}
	if val := os.Getenv("FEDGATE_DOMAIN_WHITELIST"); val != "" {
		cfg.Federation.DomainWhitelist = splitList(val)
	}

	if val := os.Getenv("FEDGATE_STORAGE_DSN"); val != "" {
		cfg.Storage.DSN = val
	}

	if val := os.Getenv("FEDGATE_WORKER_APP"); val != "" {
		cfg.Worker.App = val
	}
	if val := os.Getenv("FEDGATE_INSTANCE_NAME"); val != "" {
		cfg.Worker.InstanceName = val
	}

	if val := os.Getenv("FEDGATE_REDIS_ADDR"); val != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Address = val
	}
	if val := os.Getenv("FEDGATE_REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}

	if val := os.Getenv("FEDGATE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("FEDGATE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("FEDGATE_SAMPLE_RATIO"); val != "" {
		ratio, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid FEDGATE_SAMPLE_RATIO %q: %w", val, err)
		}
		cfg.Telemetry.SampleRatio = ratio
	}

	if val := os.Getenv("FEDGATE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("FEDGATE_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("FEDGATE_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.KeyFile = val
	}
	return nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Federation.Validate(); err != nil {
		return fmt.Errorf("federation configuration: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit configuration: %w", err)
	}

	if c.Storage.CacheSize < 0 {
		return NewConfigValidationError("storage.cache_size", c.Storage.CacheSize, "must not be negative")
	}

	if c.Worker.IsWorker() && !c.Redis.Enabled {
		return NewConfigValidationError("redis.enabled", c.Redis.Enabled,
			"workers replicate to the primary and require redis").
			WithSuggestion("Set redis.enabled and redis.address, or clear worker.app")
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Address) == "" {
		return NewConfigMissingError("redis.address")
	}

	for i, key := range c.Keys {
		if err := key.Validate(); err != nil {
			return fmt.Errorf("key %d: %w", i, err)
		}
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return NewConfigValidationError("telemetry.sample_ratio", c.Telemetry.SampleRatio, "must be between 0 and 1")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8448"
	}
	if c.AdminAddress == c.DataAddress {
		return NewConfigValidationError("server.admin_address", c.AdminAddress, "must differ from server.data_address")
	}
	if c.MaxBodyBytes < 0 {
		return NewConfigValidationError("server.max_body_bytes", c.MaxBodyBytes, "must not be negative")
	}

	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate checks the server name.
func (c *FederationConfig) Validate() error {
	if strings.TrimSpace(c.ServerName) == "" {
		return NewConfigMissingError("federation.server_name").
			WithSuggestion("Set federation.server_name to the name this server is reachable as")
	}
	if _, err := domain.ParseServerName(c.ServerName); err != nil {
		return NewConfigValidationError("federation.server_name", c.ServerName, err.Error())
	}
	for _, name := range c.DomainWhitelist {
		if _, err := domain.ParseServerName(name); err != nil {
			return NewConfigValidationError("federation.domain_whitelist", name, err.Error())
		}
	}
	return nil
}

// Validate rejects negative limits. Zero selects the default.
func (c *RateLimitConfig) Validate() error {
	switch {
	case c.Window < 0:
		return NewConfigValidationError("rate_limit.window_size", c.Window, "must not be negative")
	case c.SleepDelay < 0:
		return NewConfigValidationError("rate_limit.sleep_delay", c.SleepDelay, "must not be negative")
	case c.SleepLimit < 0, c.RejectLimit < 0, c.Concurrent < 0:
		return NewConfigValidationError("rate_limit", *c, "limits must not be negative")
	}
	if c.RejectLimit > 0 && c.SleepLimit > c.RejectLimit {
		return NewConfigValidationError("rate_limit.sleep_limit", c.SleepLimit, "must not exceed reject_limit")
	}
	return nil
}

// Validate checks that a key entry is complete.
func (c *KeyConfig) Validate() error {
	if _, err := domain.ParseServerName(c.Server); err != nil {
		return NewConfigValidationError("keys.server", c.Server, err.Error())
	}
	if !strings.HasPrefix(c.KeyID, "ed25519:") {
		return NewConfigValidationError("keys.key_id", c.KeyID, "only ed25519 keys are supported")
	}
	if strings.TrimSpace(c.PublicKey) == "" {
		return NewConfigMissingError("keys.public_key")
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
