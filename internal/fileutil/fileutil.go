package fileutil

import (
	"os"
	"path/filepath"
)

// FileExists returns true if file exists.
func FileExists(file string) bool {
	_, err := os.Stat(file)
	return !os.IsNotExist(err)
}

// IsDir returns true if path is a directory.
func IsDir(path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		return false
	}
	return stat.IsDir()
}

// OpenOrCreateFile opens file in append mode, creating it and any missing
// parent directories if needed.
func OpenOrCreateFile(file string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0750); err != nil {
		return nil, err
	}
	return os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec
}
