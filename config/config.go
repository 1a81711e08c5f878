// Package config resolves and creates, if absent, the per-user configuration
// directory (SPEC_FULL.md §4.I, §6.4), and loads an optional JSON override
// file from it. A missing file is not an error; a malformed one is.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultOSCPort is the supervisor's well-known OSC control port, matching
// the reference deployment.
const DefaultOSCPort = 12002

// Config carries every operator-tunable value.
type Config struct {
	// OSCPort is the UDP port the supervisor's OSC control surface listens
	// on.
	OSCPort int `json:"osc_port"`
	// GlobPatterns overrides the detector's device-node glob patterns.
	GlobPatterns []string `json:"glob_patterns"`
	// LogVerbose is loaded from config.json; no code in this repository
	// reads it, so it does not change what is logged.
	LogVerbose bool `json:"log_verbose"`
}

// Default returns a Config populated with this repository's defaults.
func Default() Config {
	return Config{OSCPort: DefaultOSCPort}
}

// Dir returns the per-user configuration directory for this program,
// without creating it.
func Dir() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("config.Dir: APPDATA is not set")
		}
		return filepath.Join(appData, "serialosc"), nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "serialosc"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config.Dir: cannot resolve home directory - %w", err)
	}
	return filepath.Join(home, ".config", "serialosc"), nil
}

// Bootstrap creates the configuration directory if it does not already
// exist, then loads config.json from it if present. A missing file yields
// Default() with no error; a file that exists but fails to parse is a
// startup error.
func Bootstrap() (Config, error) {
	dir, err := Dir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Config{}, fmt.Errorf("config.Bootstrap: cannot create %s - %w", dir, err)
	}

	cfg := Default()
	path := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config.Bootstrap: cannot read %s - %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config.Bootstrap: malformed config at %s - %w", path, err)
	}
	if cfg.OSCPort == 0 {
		cfg.OSCPort = DefaultOSCPort
	}
	return cfg, nil
}
