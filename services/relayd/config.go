package relayd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for relayd. Orchestrator
// parameters live in the TOML file referenced by Params.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Params        string          `yaml:"params"`
	Environment   string          `yaml:"environment"`
	PauseOnStart  bool            `yaml:"pause"`
	Log           LogConfig       `yaml:"log"`
	Auth          AuthConfig      `yaml:"auth"`
	Admin         AdminConfig     `yaml:"admin"`
	Ingress       IngressConfig   `yaml:"ingress"`
	Executor      ExecutorConfig  `yaml:"executor"`
	Target        TargetConfig    `yaml:"target"`
	Audit         AuditConfig     `yaml:"audit"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Events        EventsConfig    `yaml:"events"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AuthConfig configures JWT verification for user and executor calls. The
// token subject is the caller's address.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ScopeClaim     string   `yaml:"scope_claim"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// AdminConfig captures the static bearer token accepted on /admin routes in
// addition to JWTs carrying the admin scope.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// IngressConfig bounds request rates per client address before any
// orchestrator work happens.
type IngressConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// ExecutorConfig controls the in-process executor worker.
type ExecutorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	BatchSize int    `yaml:"batch_size"`
}

// TargetConfig points the executor at the downstream webhook.
type TargetConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Timeout    Duration `yaml:"timeout"`
	APIKey     string   `yaml:"api_key"`
	APIKeyEnv  string   `yaml:"api_key_env"`
}

// AuditConfig enables the execution audit trail.
type AuditConfig struct {
	DSN string `yaml:"dsn"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// EventsConfig sizes subscriber buffers on the event broadcaster.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Target.normalise(); err != nil {
		return cfg, fmt.Errorf("target: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Params == "" {
		cfg.Params = "gasrelay.toml"
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Ingress.RequestsPerMinute <= 0 {
		cfg.Ingress.RequestsPerMinute = 600
	}
	if cfg.Ingress.Burst <= 0 {
		cfg.Ingress.Burst = 20
	}
	if cfg.Executor.BatchSize <= 0 {
		cfg.Executor.BatchSize = 16
	}
	if cfg.Target.Timeout.Duration <= 0 {
		cfg.Target.Timeout.Duration = 30 * time.Second
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = 256
	}
}

func validateConfig(cfg Config) error {
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac secret must be configured")
	}
	if cfg.Executor.Enabled && strings.TrimSpace(cfg.Executor.Address) == "" {
		return fmt.Errorf("executor address required when the worker is enabled")
	}
	if cfg.Executor.Enabled && cfg.Target.WebhookURL == "" {
		return fmt.Errorf("target webhook_url required when the worker is enabled")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within [0,1]")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	secret, err := resolveSecret(a.HMACSecret, a.HMACSecretFile, a.HMACSecretEnv)
	if err != nil {
		return err
	}
	a.HMACSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}

func (a *AdminConfig) normalise() error {
	token, err := resolveSecret(a.BearerToken, a.BearerTokenFile, "")
	if err != nil {
		return err
	}
	a.BearerToken = token
	return nil
}

func (t *TargetConfig) normalise() error {
	t.WebhookURL = strings.TrimSpace(t.WebhookURL)
	key, err := resolveSecret(t.APIKey, "", t.APIKeyEnv)
	if err != nil {
		return err
	}
	t.APIKey = key
	return nil
}

// resolveSecret prefers the inline value, then the file, then the
// environment variable.
func resolveSecret(inline, file, env string) (string, error) {
	if v := strings.TrimSpace(inline); v != "" {
		return v, nil
	}
	if path := strings.TrimSpace(file); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	if name := strings.TrimSpace(env); name != "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return "", fmt.Errorf("environment variable %s is empty", name)
		}
		return value, nil
	}
	return "", nil
}
