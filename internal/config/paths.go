package config

import (
	"os"
	"path/filepath"
)

// DataPath returns the root directory for deskpilot data.
// It uses $DESKPILOT_PATH if set, otherwise defaults to ~/.deskpilot.
func DataPath() string {
	if v := os.Getenv("DESKPILOT_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".deskpilot")
	}
	return filepath.Join(home, ".deskpilot")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(DataPath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(DataPath(), ".env")
}

// DatabasePath returns the path to the SQLite database.
func DatabasePath() string {
	return filepath.Join(DataPath(), "deskpilot.db")
}

// EventsPath returns the directory holding per-task event logs.
func EventsPath() string {
	return filepath.Join(DataPath(), "events")
}

// HeartbeatPath returns the path of the gateway heartbeat file.
func HeartbeatPath() string {
	return filepath.Join(DataPath(), "heartbeat.json")
}
