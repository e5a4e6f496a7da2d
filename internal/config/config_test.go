package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
listen: ":9090"
storage:
  path: ":memory:"
providers:
  - name: openai
    backend_type: http_api
    api_base_url: https://api.openai.com/v1
    api_key_env: OPENAI_API_KEY
    dialect: openai
    priority: 1
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("listen = %q, want %q", cfg.Listen, ":9090")
	}
	if cfg.Storage.Path != ":memory:" {
		t.Errorf("storage path = %q, want %q", cfg.Storage.Path, ":memory:")
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers count = %d, want 1", len(cfg.Providers))
	}
	if cfg.Providers[0].Name != "openai" {
		t.Errorf("provider name = %q, want %q", cfg.Providers[0].Name, "openai")
	}
	if !cfg.Providers[0].IsEnabled() {
		t.Error("provider should default to enabled")
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv.
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}"))
	if string(result) != "key: sk-secret-123" {
		t.Errorf("expandEnv = %q, want %q", string(result), "key: sk-secret-123")
	}
}

func TestExpandEnvMissingVar(t *testing.T) {
	t.Parallel()

	result := expandEnv([]byte("key: ${DEFINITELY_NOT_SET_XYZ}"))
	if string(result) != "key: ${DEFINITELY_NOT_SET_XYZ}" {
		t.Errorf("expandEnv should leave unknown vars untouched, got %q", string(result))
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	yaml := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("default listen = %q, want %q", cfg.Listen, ":8080")
	}
	if cfg.Storage.Path != "gatewayd.db" {
		t.Errorf("default storage path = %q, want %q", cfg.Storage.Path, "gatewayd.db")
	}
	if cfg.Queue.MaxDepth != 1000 {
		t.Errorf("default queue max depth = %d, want 1000", cfg.Queue.MaxDepth)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("default retry max attempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
}

func TestProviderEntryResolvers(t *testing.T) {
	t.Parallel()

	p := ProviderEntry{}
	if got := p.ResolvedTimeout(); got.Seconds() != 30 {
		t.Errorf("default timeout = %v, want 30s", got)
	}
	if got := p.ResolvedConcurrency(); got != 4 {
		t.Errorf("default concurrency = %d, want 4", got)
	}
	if got := p.ResolvedAuthType(); got != "api_key" {
		t.Errorf("default auth type = %q, want api_key", got)
	}

	p.Auth = &AuthEntry{Type: "aws_sigv4"}
	if got := p.ResolvedAuthType(); got != "aws_sigv4" {
		t.Errorf("auth type = %q, want aws_sigv4", got)
	}
}
