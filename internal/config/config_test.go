package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	t.Setenv("DHMREG_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadAppliesFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "logging": {"level": "debug", "file_output": true, "log_dir": "/var/log/dhmreg"},
  "paths": {"database_path": "/srv/dhmreg.db"},
  "history": {"enabled": false, "limit": 7}
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DHMREG_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.FileOutput {
		t.Fatalf("logging override not applied: %+v", cfg.Logging)
	}
	if cfg.Paths.DatabasePath != "/srv/dhmreg.db" {
		t.Fatalf("paths override not applied: %+v", cfg.Paths)
	}
	if cfg.History.Enabled || cfg.History.Limit != 7 {
		t.Fatalf("history override not applied: %+v", cfg.History)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DHMREG_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestInitWritesDefaultsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	t.Setenv("DHMREG_CONFIG", path)

	got, err := Init()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if got != path {
		t.Fatalf("init wrote to %s, want %s", got, path)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load after init: %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Fatalf("initialized file must round-trip defaults (-want +got):\n%s", diff)
	}

	// A second init must leave the existing file untouched.
	if err := os.WriteFile(path, []byte(`{"history": {"limit": 3}}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if _, err := Init(); err != nil {
		t.Fatalf("second init: %v", err)
	}
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load after second init: %v", err)
	}
	if cfg.History.Limit != 3 {
		t.Fatalf("second init clobbered the existing file: %+v", cfg.History)
	}
}
