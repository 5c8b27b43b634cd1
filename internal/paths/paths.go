// Package paths resolves configuration and artifact directory locations.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// CWD-relative artifact directory name used when no override is active.
const DefaultArtifactsDirName = ".funnel-artifacts"

// Environment variable names for directory overrides.
const (
	EnvConfigDir    = "FUNNEL_CONFIG_DIR"
	EnvArtifactsDir = "FUNNEL_ARTIFACTS_DIR"
)

// platformDir holds platform-detection functions that can be overridden in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// DefaultConfigDir returns the platform-specific default configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/funnel (fallback ~/.config/funnel)
// macOS:   ~/Library/Application Support/funnel
// Windows: %APPDATA%/funnel
func DefaultConfigDir() (string, error) {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "funnel"), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "funnel"), nil
	default:
		// macOS and Windows use os.UserConfigDir which returns
		// ~/Library/Application Support on macOS and %APPDATA% on Windows.
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "funnel"), nil
	}
}

// ResolveConfigDir returns the configuration directory following the precedence
// chain: flag > FUNNEL_CONFIG_DIR env > DefaultConfigDir().
//
// If flag is non-empty it wins. Otherwise the FUNNEL_CONFIG_DIR environment
// variable is checked. If neither is set, the platform default is returned.
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveArtifactsDir returns the directory holding replay files, spill
// buckets, quarantine output and the checkpoint database, following the
// precedence chain: flag > configYAMLValue > FUNNEL_ARTIFACTS_DIR env >
// $(CWD)/.funnel-artifacts.
//
// The CWD-relative default keeps scratch state next to the invocation, which
// is the common mode for one-off ingestion runs.
func ResolveArtifactsDir(flag, configYAMLValue string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if configYAMLValue != "" {
		return filepath.Abs(configYAMLValue)
	}
	if env := os.Getenv(EnvArtifactsDir); env != "" {
		return filepath.Abs(env)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultArtifactsDirName), nil
}

// RunDir returns the per-tenant, per-run scratch directory under the resolved
// artifacts directory. Each ingestion run keeps its replay file, spill buckets
// and quarantine output isolated here.
func RunDir(artifactsDir, tenant, runID string) string {
	return filepath.Join(artifactsDir, tenant, runID)
}
