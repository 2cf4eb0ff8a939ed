// Package paths resolves the ucr install directory and the files that
// live in it (credentials, PID file, logs).
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

var (
	installDir string
	once       sync.Once
)

// InstallDir returns the directory holding ucr state (~/.ucr by default,
// overridable via UCR_HOME). The directory is created on first use.
func InstallDir() string {
	once.Do(initInstallDir)
	return installDir
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	if p := os.Getenv("UCR_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(InstallDir(), "config.json")
}

// CredentialsPath returns the credential store file path.
func CredentialsPath() string {
	return filepath.Join(InstallDir(), "credentials.json")
}

// PIDPath returns the server PID file path.
func PIDPath() string {
	return filepath.Join(InstallDir(), "ucr-server.pid")
}

// LogDir returns the directory for log files.
func LogDir() string {
	if dir := os.Getenv("UCR_LOGS_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(InstallDir(), "logs")
}

func initInstallDir() {
	if dir := os.Getenv("UCR_HOME"); dir != "" {
		installDir = dir
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		installDir = filepath.Join(home, ".ucr")
	}
	_ = os.MkdirAll(installDir, 0o700)
}
