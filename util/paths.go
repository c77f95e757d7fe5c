package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("BLECORE_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "blecore")
	}
	return filepath.Join(home, ".blecore")
}

// GetConfigPath returns the default configuration file location
func GetConfigPath() string {
	return filepath.Join(GetDataDir(), "config.yaml")
}

// GetJournalDir returns the directory event journals are written to,
// creating it if needed
func GetJournalDir() (string, error) {
	dir := filepath.Join(GetDataDir(), "journal")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
