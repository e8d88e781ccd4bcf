package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/dhmreg/config.json"
	defaultHistory    = 50
)

// Config holds user-editable settings for the registration harness.
// Alignment parameters are deliberately absent: the SIFT parameter set is
// fixed and identical for every job (see internal/register).
type Config struct {
	Logging Logging `json:"logging"`
	Paths   Paths   `json:"paths"`
	History History `json:"history"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	FileOutput bool   `json:"file_output"` // mirror log lines into LogDir
	LogDir     string `json:"log_dir"`
}

// Paths configures harness-owned locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
	TempDir      string `json:"temp_dir"`
}

// History controls the sqlite run-history store.
type History struct {
	Enabled bool `json:"enabled"`
	Limit   int  `json:"limit"` // default row cap for history listings
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("DHMREG_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Init writes the default configuration to the config path, creating parent
// directories as needed. An existing file is left untouched.
func Init() (string, error) {
	configPath := os.Getenv("DHMREG_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(expanded); err == nil {
		return expanded, nil
	}

	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(defaultConfig(), "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(expanded, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return expanded, nil
}

func defaultConfig() *Config {
	return &Config{
		Logging: Logging{
			Level:      "info",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "dhmreg.db"),
			TempDir:      os.TempDir(),
		},
		History: History{
			Enabled: true,
			Limit:   defaultHistory,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
