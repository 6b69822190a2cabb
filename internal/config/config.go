// Package config loads cloudquery's demo-host configuration from the
// environment (spec.md §6 "Configuration structure").
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds the configuration for cloudquery's reference HTTP host
// (cmd/cloudquery; cmd/corsproxy has its own relayConfig). The library
// packages themselves take explicit constructor arguments; this struct only
// configures the demo binary around them.
type Config struct {
	Host string `env:"CLOUDQUERY_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"CLOUDQUERY_PORT" envDefault:"8080"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	DependencyTimeoutMs  int64 `env:"DEPENDENCY_TIMEOUT_MS" envDefault:"30000"`
	DependencyMaxRetries int   `env:"DEPENDENCY_MAX_RETRIES" envDefault:"3"`

	ProxyEndpoints []string `env:"PROXY_ENDPOINTS" envSeparator:","`
}

// Load reads Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
