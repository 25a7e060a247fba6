// Package paths provides centralized path resolution for clawd.
// This package has NO internal imports (only stdlib) to avoid import cycles.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// EnvStateDir overrides the state directory entirely.
	EnvStateDir = "OPENCLAW_STATE_DIR"

	// EnvProfile selects a profile suffix for the default state directory.
	EnvProfile = "OPENCLAW_PROFILE"
)

// StateDir returns the state directory for this process.
// Resolution order: OPENCLAW_STATE_DIR, then ~/.openclaw[-<profile>]
// where <profile> comes from OPENCLAW_PROFILE.
func StateDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvStateDir)); dir != "" {
		return ExpandTilde(dir)
	}

	name := ".openclaw"
	if profile := strings.TrimSpace(os.Getenv(EnvProfile)); profile != "" {
		name = ".openclaw-" + profile
	}

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		// No home directory: keep state under the temp dir rather than cwd
		return filepath.Join(os.TempDir(), name)
	}
	return filepath.Join(home, name)
}

// DataPath returns a path within the state directory.
func DataPath(subpath string) string {
	return filepath.Join(StateDir(), subpath)
}

// SessionsPath returns the session store file for an agent.
// The default agent stores at <stateDir>/sessions.json; other agents
// at <stateDir>/agents/<agentId>/sessions.json.
func SessionsPath(agentID string) string {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" || agentID == "main" {
		return DataPath("sessions.json")
	}
	return filepath.Join(StateDir(), "agents", agentID, "sessions.json")
}

// CronDir returns the cron state directory.
func CronDir() string {
	return DataPath("cron")
}

// CronJobsPath returns the cron job store file.
func CronJobsPath() string {
	return filepath.Join(CronDir(), "jobs.json")
}

// CronRunsDir returns the directory holding per-job run history.
func CronRunsDir() string {
	return filepath.Join(CronDir(), "runs")
}

// DevicesPath returns the paired-device registry file.
func DevicesPath() string {
	return DataPath("devices.json")
}

// ConfigPath returns the runtime configuration file.
func ConfigPath() string {
	return DataPath("openclaw.json")
}

// WorkspaceDir returns the agent workspace (HEARTBEAT.md lives here).
func WorkspaceDir(agentID string) string {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" || agentID == "main" {
		return DataPath("workspace")
	}
	return filepath.Join(StateDir(), "agents", agentID, "workspace")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0750)
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~ or home is unknown.
func ExpandTilde(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if len(path) == 1 {
		return home
	}
	return filepath.Join(home, path[1:])
}
