package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Listen.Address != "127.0.0.1:1080" {
		t.Errorf("Listen.Address = %s, want 127.0.0.1:1080", cfg.Listen.Address)
	}
	if cfg.DNS.Fallback != "8.8.8.8:53" {
		t.Errorf("DNS.Fallback = %s, want 8.8.8.8:53", cfg.DNS.Fallback)
	}
	if cfg.DNS.Timeout != 5*time.Second {
		t.Errorf("DNS.Timeout = %v, want 5s", cfg.DNS.Timeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %s, want text", cfg.Log.Format)
	}
	if cfg.Metrics.Address != "" {
		t.Errorf("Metrics.Address = %s, want empty", cfg.Metrics.Address)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
listen:
  address: "0.0.0.0:1080"

dns:
  resolv_conf_path: "/etc/resolv.conf"
  fallback: "1.1.1.1:53"
  timeout: 2s
  rate_limit: 50
  rate_burst: 10

log:
  level: "debug"
  format: "json"

metrics:
  address: "127.0.0.1:9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Listen.Address != "0.0.0.0:1080" {
		t.Errorf("Listen.Address = %s, want 0.0.0.0:1080", cfg.Listen.Address)
	}
	if cfg.DNS.Fallback != "1.1.1.1:53" {
		t.Errorf("DNS.Fallback = %s, want 1.1.1.1:53", cfg.DNS.Fallback)
	}
	if cfg.DNS.Timeout != 2*time.Second {
		t.Errorf("DNS.Timeout = %v, want 2s", cfg.DNS.Timeout)
	}
	if cfg.DNS.RateLimit != 50 {
		t.Errorf("DNS.RateLimit = %v, want 50", cfg.DNS.RateLimit)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.Metrics.Address != "127.0.0.1:9090" {
		t.Errorf("Metrics.Address = %s, want 127.0.0.1:9090", cfg.Metrics.Address)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	yamlConfig := `
listen:
  address: "127.0.0.1:1080"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info (default)", cfg.Log.Level)
	}
	if cfg.DNS.Timeout != 5*time.Second {
		t.Errorf("DNS.Timeout = %v, want 5s (default)", cfg.DNS.Timeout)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
listen:
  address: "127.0.0.1:1080"
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name: "missing listen address",
			yaml: `
listen:
  address: ""
`,
			wantError: "listen.address is required",
		},
		{
			name: "listen address missing port",
			yaml: `
listen:
  address: "127.0.0.1"
`,
			wantError: "listen.address",
		},
		{
			name: "invalid log level",
			yaml: `
listen:
  address: "127.0.0.1:1080"
log:
  level: "invalid"
`,
			wantError: "invalid log.level",
		},
		{
			name: "invalid log format",
			yaml: `
listen:
  address: "127.0.0.1:1080"
log:
  format: "invalid"
`,
			wantError: "invalid log.format",
		},
		{
			name: "negative dns timeout",
			yaml: `
listen:
  address: "127.0.0.1:1080"
dns:
  timeout: -1s
`,
			wantError: "dns.timeout must not be negative",
		},
		{
			name: "malformed dns fallback",
			yaml: `
listen:
  address: "127.0.0.1:1080"
dns:
  fallback: "not-an-addr"
`,
			wantError: "dns.fallback",
		},
		{
			name: "malformed metrics address",
			yaml: `
listen:
  address: "127.0.0.1:1080"
metrics:
  address: "not-an-addr"
`,
			wantError: "metrics.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	os.Setenv("TEST_LISTEN_ADDR", "127.0.0.1:2080")
	os.Setenv("TEST_DNS_FALLBACK", "9.9.9.9:53")
	defer func() {
		os.Unsetenv("TEST_LISTEN_ADDR")
		os.Unsetenv("TEST_DNS_FALLBACK")
	}()

	yamlConfig := `
listen:
  address: "${TEST_LISTEN_ADDR}"
dns:
  fallback: "$TEST_DNS_FALLBACK"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Listen.Address != "127.0.0.1:2080" {
		t.Errorf("Listen.Address = %s, want 127.0.0.1:2080", cfg.Listen.Address)
	}
	if cfg.DNS.Fallback != "9.9.9.9:53" {
		t.Errorf("DNS.Fallback = %s, want 9.9.9.9:53", cfg.DNS.Fallback)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
listen:
  address: "${NONEXISTENT_VAR:-127.0.0.1:1080}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Listen.Address != "127.0.0.1:1080" {
		t.Errorf("Listen.Address = %s, want 127.0.0.1:1080", cfg.Listen.Address)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
listen:
  address: "${NONEXISTENT_VAR}"
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail because the unresolved placeholder isn't a valid address")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
listen:
  address: "127.0.0.1:1080"
log:
  level: "debug"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestConfig_Validate_MissingListenAddress(t *testing.T) {
	cfg := Default()
	cfg.Listen.Address = ""

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should fail with empty listen.address")
	}
}

func TestConfig_String(t *testing.T) {
	cfg := Default()
	s := cfg.String()

	if !strings.Contains(s, "listen") {
		t.Error("String() should contain 'listen'")
	}
	if !strings.Contains(s, "1080") {
		t.Error("String() should contain the default port")
	}
}

func TestDurationParsing(t *testing.T) {
	yamlConfig := `
listen:
  address: "127.0.0.1:1080"
dns:
  timeout: 1m30s
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.DNS.Timeout != 90*time.Second {
		t.Errorf("DNS.Timeout = %v, want 1m30s", cfg.DNS.Timeout)
	}
}
