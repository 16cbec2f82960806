package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "serve"

[postgres]
host = "db.internal"
password = "hunter2"

[pipeline]
sweep_interval = "30s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Postgres.Host != "db.internal" {
		t.Errorf("host = %q, want db.internal", cfg.Postgres.Host)
	}
	// Untouched fields keep their defaults.
	if cfg.Postgres.Port != 5432 {
		t.Errorf("port = %d, want default 5432", cfg.Postgres.Port)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %q, want default", cfg.Redis.Addr)
	}
	if cfg.Pipeline.SweepInterval.Duration != 30*time.Second {
		t.Errorf("sweep_interval = %s, want 30s", cfg.Pipeline.SweepInterval.Duration)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeTOML(t, `mode = "serve"`)

	t.Setenv("MARKETD_POSTGRES_PASSWORD", "env-secret")
	t.Setenv("MARKETD_SERVER_PORT", "9100")
	t.Setenv("MARKETD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MARKETD_MODE", "sweep")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Postgres.Password != "env-secret" {
		t.Errorf("password = %q, want env-secret", cfg.Postgres.Password)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors_origins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Mode != "sweep" {
		t.Errorf("mode = %q, want sweep", cfg.Mode)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	cfg.Redis.Addr = ""
	cfg.Gateway.Enabled = true // no credentials set

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"unknown mode", "redis: addr", "gateway: base_url", "gateway: either secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%s", want, err)
		}
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate(defaults) = %v, want nil", err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Gateway.Secret = "topsecret"
	cfg.Server.APIKey = "key123"

	red := RedactedConfig(&cfg)
	if red.Postgres.Password != "***" || red.Gateway.Secret != "***" || red.Server.APIKey != "***" {
		t.Errorf("secrets not redacted: %+v", red)
	}
	// Original must be untouched.
	if cfg.Postgres.Password != "hunter2" {
		t.Errorf("original mutated: %q", cfg.Postgres.Password)
	}
	// Empty secrets stay empty rather than becoming placeholders.
	if red.Redis.Password != "" {
		t.Errorf("empty secret redacted to %q", red.Redis.Password)
	}
}
