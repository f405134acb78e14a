package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths contains the default file locations
type Paths struct {
	ExecutableDir string
	DataDir       string
	LogsDir       string
	DatabaseFile  string
	StateFile     string
}

// GetPaths resolves default locations. Server data sits next to the
// executable; the client state lives in the user's config directory so it
// survives reinstalls.
func GetPaths() (*Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	exeDir := filepath.Dir(exe)
	dataDir := filepath.Join(exeDir, "data")

	userDir, err := os.UserConfigDir()
	if err != nil {
		userDir = dataDir
	} else {
		userDir = filepath.Join(userDir, "isx-license")
	}

	return &Paths{
		ExecutableDir: exeDir,
		DataDir:       dataDir,
		LogsDir:       filepath.Join(exeDir, "logs"),
		DatabaseFile:  filepath.Join(dataDir, DatabaseFileName),
		StateFile:     filepath.Join(userDir, StateFileName),
	}, nil
}

// EnsureParentDir creates the directory holding path.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
