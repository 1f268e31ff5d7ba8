package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigDirName is the per-user configuration directory under $HOME.
const ConfigDirName = ".papert-claw"

// DefaultConfigPath returns the default config file location
// (~/.papert-claw/config.yaml).
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ConfigDirName, "config.yaml"), nil
}

// ExpandPath expands a leading ~ to the user's home directory and
// returns an absolute path.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
