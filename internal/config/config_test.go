// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
artifacts:
  dir: "/opt/nightjar/artifacts"
  bootstrap: "bootstrap-x64.elf"

channel:
  request_timeout: "45s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Artifacts.Dir != "/opt/nightjar/artifacts" {
		t.Errorf("Artifacts.Dir = %q, want %q", cfg.Artifacts.Dir, "/opt/nightjar/artifacts")
	}
	if cfg.Artifacts.Bootstrap != "bootstrap-x64.elf" {
		t.Errorf("Artifacts.Bootstrap = %q, want %q", cfg.Artifacts.Bootstrap, "bootstrap-x64.elf")
	}
	if cfg.Channel.RequestTimeout != 45*time.Second {
		t.Errorf("Channel.RequestTimeout = %v, want %v", cfg.Channel.RequestTimeout, 45*time.Second)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_ARTIFACT_DIR", "/srv/artifacts")

	path := writeConfig(t, `
artifacts:
  dir: "${TEST_ARTIFACT_DIR}"

logging:
  level: "info"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Artifacts.Dir != "/srv/artifacts" {
		t.Errorf("Artifacts.Dir = %q, want %q", cfg.Artifacts.Dir, "/srv/artifacts")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	path := writeConfig(t, `
artifacts:
  dir: "/opt/artifacts"
  bootstrap: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Unset env vars should expand to empty string
	if cfg.Artifacts.Bootstrap != "" {
		t.Errorf("Artifacts.Bootstrap = %q, want empty string for unset env var", cfg.Artifacts.Bootstrap)
	}
}

func TestLoad_DurationParsing(t *testing.T) {
	path := writeConfig(t, `
artifacts:
  dir: "/opt/artifacts"

channel:
  request_timeout: "1m30s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := 1*time.Minute + 30*time.Second
	if cfg.Channel.RequestTimeout != expected {
		t.Errorf("Channel.RequestTimeout = %v, want %v", cfg.Channel.RequestTimeout, expected)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
artifacts:
  dir: "/opt/artifacts"
  bootstrap "missing colon"
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
artifacts:
  dir: "/opt/artifacts"

channel:
  request_timeout: "invalid-duration"
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
artifacts:
  dir: ""

logging:
  level: "info"
`)

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for missing artifacts.dir, got nil")
		return
	}
	if !strings.Contains(err.Error(), "artifacts.dir is required") {
		t.Errorf("Load() error = %q, want error containing %q", err.Error(), "artifacts.dir is required")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
