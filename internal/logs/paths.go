package logs

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "mcp-funnel"

// GetLogDir returns the standard log directory for the current OS.
func GetLogDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return getWindowsLogDir()
	case "darwin":
		return getMacOSLogDir()
	case "linux":
		return getLinuxLogDir()
	default:
		return getDefaultLogDir()
	}
}

// %LOCALAPPDATA%\mcp-funnel\logs
func getWindowsLogDir() (string, error) {
	localAppData := os.Getenv("LOCALAPPDATA")
	if localAppData == "" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return getDefaultLogDir()
		}
		localAppData = filepath.Join(userProfile, "AppData", "Local")
	}
	return filepath.Join(localAppData, appDirName, "logs"), nil
}

// ~/Library/Logs/mcp-funnel
func getMacOSLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return getDefaultLogDir()
	}
	return filepath.Join(homeDir, "Library", "Logs", appDirName), nil
}

// $XDG_STATE_HOME/mcp-funnel/logs, or /var/log/mcp-funnel when root.
func getLinuxLogDir() (string, error) {
	if os.Getuid() == 0 {
		return filepath.Join("/var/log", appDirName), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return getDefaultLogDir()
	}

	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		stateDir = filepath.Join(homeDir, ".local", "state")
	}

	return filepath.Join(stateDir, appDirName, "logs"), nil
}

func getDefaultLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, "."+appDirName, "logs"), nil
}

// GetLogFilePath returns the absolute path for a log file in the standard
// directory, creating the directory if needed.
func GetLogFilePath(filename string) (string, error) {
	return GetLogFilePathWithDir("", filename)
}

// GetLogFilePathWithDir is GetLogFilePath with an optional directory
// override.
func GetLogFilePathWithDir(customDir, filename string) (string, error) {
	logDir := customDir
	if logDir == "" {
		var err error
		logDir, err = GetLogDir()
		if err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", err
	}

	return filepath.Join(logDir, filename), nil
}
