package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the user-specific data directory.
func Dir(userID string) string {
	return filepath.Join(BaseDir(), "users", userID)
}

// DBPath returns the local sqlite database path for a user (snapshots and
// sync checkpoints).
func DBPath(userID string) string {
	return filepath.Join(Dir(userID), "chatsync.db")
}

// LockPath returns the lock file path for a user.
func LockPath(userID string) string {
	return filepath.Join(Dir(userID), "LOCK")
}

// LogDir returns the log directory for a user.
func LogDir(userID string) string {
	return filepath.Join(Dir(userID), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(userID string) string {
	return filepath.Join(LogDir(userID), "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the user directory tree with proper permissions.
func EnsureDir(userID string) error {
	dirs := []string{
		Dir(userID),
		LogDir(userID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
