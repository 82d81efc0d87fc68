package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Addr != ":8686" {
		t.Errorf("expected default addr, got %s", cfg.Addr)
	}
	if cfg.MoveTimeout <= 0 {
		t.Error("move timeout must be positive")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("TASKBOARD_TOKEN_TTL_SECONDS", "60")
	cfg := Load()
	if cfg.Addr != ":9999" {
		t.Errorf("expected :9999, got %s", cfg.Addr)
	}
	if cfg.TokenTTL.Seconds() != 60 {
		t.Errorf("expected 60s ttl, got %s", cfg.TokenTTL)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskboard.yml")
	contents := "addr: \":7070\"\nredis_url: \"redis://localhost:6379/2\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKBOARD_CONFIG_FILE", path)
	cfg := Load()
	if cfg.Addr != ":7070" {
		t.Errorf("expected file addr, got %s", cfg.Addr)
	}
	if cfg.RedisURL != "redis://localhost:6379/2" {
		t.Errorf("expected file redis url, got %s", cfg.RedisURL)
	}
}

func TestEnvBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskboard.yml")
	if err := os.WriteFile(path, []byte("addr: \":7070\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKBOARD_CONFIG_FILE", path)
	t.Setenv("API_ADDR", ":6060")
	cfg := Load()
	if cfg.Addr != ":6060" {
		t.Errorf("env should win over file, got %s", cfg.Addr)
	}
}
