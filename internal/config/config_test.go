package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
provider:
  base_url: "https://gateway.example.com/api"
  token: "secret"
  owner_number: "+62 812-0000-0000"
  rate_per_sec: 2
storage:
  path: "./groupman.db"
groups:
  ceiling: 512
  batch_size: 5
refresh:
  enabled: true
  schedule: "0 10 1 * *"
  timezone: "Asia/Jakarta"
  lease_ttl: "2h"
  timeout: "45m"
logging:
  level: "INFO"
  console: true
  file:
    enabled: false
    path: ""
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider.BaseURL != "https://gateway.example.com/api" {
		t.Fatalf("unexpected base_url: %q", cfg.Provider.BaseURL)
	}
	if cfg.Groups.Ceiling != 512 {
		t.Fatalf("unexpected ceiling: %d", cfg.Groups.Ceiling)
	}
	if !cfg.Refresh.Enabled || cfg.Refresh.Timezone != "Asia/Jakarta" {
		t.Fatalf("unexpected refresh config: %+v", cfg.Refresh)
	}
	if d, err := ParseDurationField("refresh.timeout", cfg.Refresh.Timeout); err != nil || d != 45*time.Minute {
		t.Fatalf("refresh.timeout = %v (%v), want 45m", d, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseJSON(t *testing.T) {
	path := writeTemp(t, "config.json", `{
  "provider": {"base_url": "http://127.0.0.1:3000", "token": "t", "owner_number": "628120000000"},
  "storage": {"path": "./db.sqlite", "busy_timeout": "5s"},
  "groups": {},
  "refresh": {"enabled": false},
  "logging": {"level": "DEBUG", "console": true, "file": {"enabled": false, "path": ""}}
}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.BusyTimeout != "5s" {
		t.Fatalf("unexpected busy_timeout: %q", cfg.Storage.BusyTimeout)
	}

	d, err := ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		t.Fatalf("parse duration: %v", err)
	}
	if d != 5*time.Second {
		t.Fatalf("expected 5s, got %v", d)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
provider:
  base_url: "http://x"
  token: "t"
  owner_number: "1"
  bogus_key: true
storage:
  path: "./db"
`)

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected unknown-key error, got nil")
	}
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "provider.base_url") {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Provider.BaseURL = "http://x"
	cfg.Provider.Token = "t"
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "owner_number") {
		t.Fatalf("expected owner_number error, got %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be 0/nil, got %v/%v", d, err)
	}
	if _, err := ParseDurationField("x", "-3s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if _, err := ParseDurationField("x", "nonsense"); err == nil {
		t.Fatal("garbage duration should fail")
	}
}
