package xcalld

import (
	"fmt"
	"os"
	"path/filepath"
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
	raw := value.Value
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

// Config captures the runtime configuration for xcalld.
type Config struct {
	ListenAddress string `yaml:"listen"`
	// ChainConfig is the TOML file describing both chains. Relative paths
	// are resolved against the directory of the daemon config.
	ChainConfig     string          `yaml:"chain_config"`
	Environment     string          `yaml:"env"`
	LogLevel        string          `yaml:"log_level"`
	QueueSize       int             `yaml:"queue_size"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	Admin           AdminConfig     `yaml:"admin"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken       string  `yaml:"bearer_token"`
	BearerTokenFile   string  `yaml:"bearer_token_file"`
	BearerTokenEnv    string  `yaml:"bearer_token_env"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig toggles the OTLP exporters. Endpoint and headers fall back
// to the OTEL_EXPORTER_OTLP_* variables.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
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
	if cfg.ChainConfig != "" && !filepath.IsAbs(cfg.ChainConfig) {
		cfg.ChainConfig = filepath.Join(filepath.Dir(path), cfg.ChainConfig)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
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
	if cfg.ChainConfig == "" {
		cfg.ChainConfig = "config.toml"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.ShutdownTimeout.Duration <= 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Admin.RequestsPerMinute <= 0 {
		cfg.Admin.RequestsPerMinute = 60
	}
	if cfg.Admin.Burst <= 0 {
		cfg.Admin.Burst = 10
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Admin.BearerToken) == "" {
		return fmt.Errorf("admin bearer token must be configured")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within [0,1]")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	switch {
	case token != "":
	case strings.TrimSpace(a.BearerTokenEnv) != "":
		token = strings.TrimSpace(os.Getenv(a.BearerTokenEnv))
		if token == "" {
			return fmt.Errorf("bearer_token_env %s is empty", a.BearerTokenEnv)
		}
	case strings.TrimSpace(a.BearerTokenFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(a.BearerTokenFile))
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
