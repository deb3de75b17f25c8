// Package config provides TOML configuration file loading and parsing for the
// activator. The configuration file lives at ~/.a5revive/config.toml by
// default, but can be overridden with the --config flag. CLI flags always take
// precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the activator configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// BridgeAddr is the host:port of the local lockdown bridge daemon that
	// exposes the device transport service.
	// Default: 127.0.0.1:27016
	BridgeAddr string `toml:"bridge_addr"`

	// Payload is the path to the activation payload file (a SQLite database
	// pushed to the device's media partition).
	// Default: ./payload
	Payload string `toml:"payload"`

	// LocalMode serves activation records from this machine instead of
	// relying on the vendor server being reachable from the device.
	// When true, the activator starts the local record server, rewrites
	// payload URLs to point at it, and pushes the rewritten copy.
	// Default: false
	LocalMode bool `toml:"local_mode"`

	// Port is the TCP port for the local activation record server.
	// The server binds all interfaces so the device can reach it over the
	// USB tether link or Wi-Fi. Default: 8080
	Port int `toml:"port"`

	// PlistDir is the base directory of activation records, laid out as
	// <plist_dir>/<model>/<build>/patched.plist.
	// Default: ./plists
	PlistDir string `toml:"plist_dir"`

	// StatusAddr, when set, exposes a WebSocket event feed of orchestration
	// progress at ws://<status_addr>/events for a GUI front-end.
	// Default: disabled
	StatusAddr string `toml:"status_addr"`

	// MdnsEnabled advertises the record server via mDNS/Bonjour so operators
	// can verify LAN visibility. Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// AuditDB is the path to the SQLite database recording orchestration
	// runs and attempts. Empty disables auditing.
	// Default: ~/.a5revive/activator.db
	AuditDB string `toml:"audit_db"`

	// ReconnectTimeoutS is how long to wait, in seconds, for the device to
	// come back after a restart before the run is declared failed.
	// Default: 90
	ReconnectTimeoutS int `toml:"reconnect_timeout_s"`
}

// DefaultConfigPath returns the default config file location:
// ~/.a5revive/config.toml. Returns an error only if the user's home
// directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".a5revive", "config.toml"), nil
}

// DefaultAuditDBPath returns the default audit database location:
// ~/.a5revive/activator.db. Returns empty (auditing disabled) if the home
// directory cannot be determined.
func DefaultAuditDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".a5revive", "activator.db")
}

// WriteDefault creates a config file with local-mode defaults at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string, payload string) error {
	// Check if file already exists - never overwrite
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, nothing to do
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Build minimal TOML config with local-mode defaults
	// Using raw string to control formatting exactly
	content := fmt.Sprintf(`# a5revive configuration
# Created by 'a5revive activate' on first run

# Local lockdown bridge daemon
bridge_addr = "127.0.0.1:27016"

# Activation payload to push to the device
payload = %q

# Serve activation records locally (USB tether / LAN)
local_mode = false
port = 8080
plist_dir = "plists"
`, payload)

	// Write with restrictive permissions (owner read/write only)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.a5revive/config.toml). Returns a Config with defaults applied and
//     no error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		// This allows the activator to run without any config file.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			// Can't determine home dir, return defaults only
			cfg.applyDefaults()
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			// Default config doesn't exist, that's fine
			cfg.applyDefaults()
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		// This matches user expectation: if they specify a config file, it should exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user expects
	// the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero-valued fields with package defaults.
// Explicit file values always win; only unset fields are touched.
func (c *Config) applyDefaults() {
	if c.BridgeAddr == "" {
		c.BridgeAddr = DefaultBridgeAddr
	}
	if c.Payload == "" {
		c.Payload = DefaultPayload
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.PlistDir == "" {
		c.PlistDir = DefaultPlistDir
	}
	if c.ReconnectTimeoutS == 0 {
		c.ReconnectTimeoutS = DefaultReconnectTimeoutS
	}
}
