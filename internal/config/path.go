package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the default data directory based on the host
// OS, preferring standard locations and falling back to a dotdir in the
// user's home directory.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./data"
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "easydispatch")
	}

	if isDir("/var/lib") {
		return "/var/lib/easydispatch"
	}

	if isDir(filepath.Join(homeDir, "Library")) {
		return filepath.Join(homeDir, "Library", "Application Support", "EasyDispatch")
	}

	if isDir(filepath.Join(homeDir, "AppData")) {
		return filepath.Join(homeDir, "AppData", "Local", "EasyDispatch")
	}

	return filepath.Join(homeDir, ".easydispatch")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
