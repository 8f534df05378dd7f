package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".mcp-funnel"
	ConfigFileName = "funnel.json"

	envPrefix = "MCPFUNNEL"
)

// LoadFromFile loads configuration from a specific file, falling back to
// defaults for anything the file does not set.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := ensureDataDir(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Load loads configuration from file, environment, and defaults. With an
// empty path the usual locations are probed: ./funnel.json, then
// ~/.mcp-funnel/funnel.json.
func Load(configPath string) (*Config, error) {
	if configPath != "" {
		return LoadFromFile(configPath)
	}

	for _, candidate := range configCandidates() {
		if _, err := os.Stat(candidate); err == nil {
			return LoadFromFile(candidate)
		}
	}

	// No config file found anywhere; run on defaults.
	return LoadFromFile("")
}

func configCandidates() []string {
	candidates := []string{ConfigFileName}
	if fromEnv := viperInstance().GetString("config"); fromEnv != "" {
		candidates = append([]string{fromEnv}, candidates...)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, DefaultDataDir, ConfigFileName))
	}
	return candidates
}

func viperInstance() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// applyEnvOverrides maps the recognized environment variables onto the
// config: MCPFUNNEL_LOG_LEVEL, MCPFUNNEL_LOG_FILE (truthy enables file
// logging), MCPFUNNEL_DATA_DIR. The run id is read by the logging setup.
func applyEnvOverrides(cfg *Config) {
	v := viperInstance()

	if level := v.GetString("log_level"); level != "" {
		if cfg.Logging == nil {
			cfg.Logging = DefaultConfig().Logging
		}
		cfg.Logging.Level = level
	}
	if raw := v.GetString("log_file"); raw != "" {
		if cfg.Logging == nil {
			cfg.Logging = DefaultConfig().Logging
		}
		cfg.Logging.EnableFile = isTruthy(raw)
	}
	if dataDir := v.GetString("data_dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func ensureDataDir(cfg *Config) error {
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}
	return nil
}

// SaveToFile writes the configuration as indented JSON, creating parent
// directories as needed.
func SaveToFile(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
