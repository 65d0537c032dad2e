// Package config provides configuration parsing and validation for reactorsocksd.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	DNS     DNSConfig     `yaml:"dns"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ListenConfig defines the SOCKS5 listener address.
type ListenConfig struct {
	Address string `yaml:"address"` // host:port, e.g. "127.0.0.1:1080"
}

// DNSConfig defines asynchronous resolver settings.
type DNSConfig struct {
	// ResolvConfPath overrides the resolv.conf-style file used to pick
	// the upstream nameserver. Defaults to /etc/resolv.conf.
	ResolvConfPath string `yaml:"resolv_conf_path"`

	// Fallback is used when ResolvConfPath can't be read or carries no
	// usable nameserver line. Defaults to "8.8.8.8:53".
	Fallback string `yaml:"fallback"`

	// Timeout bounds how long a single DNS query may stay pending
	// before the sweep fails it. Defaults to 5s.
	Timeout time.Duration `yaml:"timeout"`

	// RateLimit and RateBurst bound how many DNS queries the shared
	// resolver socket may originate per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LogConfig defines structured logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig defines the optional Prometheus metrics listener.
type MetricsConfig struct {
	// Address to serve /metrics on. Empty disables the listener.
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: "127.0.0.1:1080",
		},
		DNS: DNSConfig{
			Fallback: "8.8.8.8:53",
			Timeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Address: "",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Listen.Address == "" {
		errs = append(errs, "listen.address is required")
	} else if _, _, err := net.SplitHostPort(c.Listen.Address); err != nil {
		errs = append(errs, fmt.Sprintf("listen.address: %v", err))
	}

	if c.DNS.Fallback != "" {
		if _, _, err := net.SplitHostPort(c.DNS.Fallback); err != nil {
			errs = append(errs, fmt.Sprintf("dns.fallback: %v", err))
		}
	}
	if c.DNS.Timeout < 0 {
		errs = append(errs, "dns.timeout must not be negative")
	}
	if c.DNS.RateLimit < 0 {
		errs = append(errs, "dns.rate_limit must not be negative")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a YAML representation of the config, safe to log.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
