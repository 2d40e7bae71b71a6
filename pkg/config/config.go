// Package config loads the proxy's configuration. Values come from built-in
// defaults, then an optional YAML file, then environment variables, with the
// later source winning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/containai/acp-proxy/pkg/logger"
	"github.com/containai/acp-proxy/pkg/paths"
)

// Config represents the proxy configuration.
type Config struct {
	// Agent subprocess settings
	Agent AgentConfig `yaml:"agent"`

	// Workspace path mapping
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Handshake and spawn bounds
	Timeouts TimeoutConfig `yaml:"timeouts,omitempty"`

	// Logging configuration
	Log *LogConfig `yaml:"log,omitempty"`
}

// AgentConfig describes the agent command the proxy spawns per session.
type AgentConfig struct {
	Command string `yaml:"command"` // Agent binary name or path
	Wrapped bool   `yaml:"wrapped"` // Run through the lookup wrapper shell
}

// WorkspaceConfig holds the two path roots used for translation.
type WorkspaceConfig struct {
	HostRoot      string `yaml:"host_root"`      // Host workspace root (empty = session cwd)
	ContainerRoot string `yaml:"container_root"` // Workspace root inside the container
}

// TimeoutConfig contains the proxy's fixed time bounds, in seconds.
type TimeoutConfig struct {
	HandshakeSeconds int `yaml:"handshake_seconds"` // Per agent-side handshake request
	SpawnSeconds     int `yaml:"spawn_seconds"`     // Startup failure reporting bound
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // Log level: debug, info, warn, error
	File   string `yaml:"file,omitempty"`   // Log file path (empty = no file logging)
	Prefix string `yaml:"prefix,omitempty"` // Log prefix
}

// DefaultTimeoutConfig returns the protocol's fixed bounds.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		HandshakeSeconds: 30,
		SpawnSeconds:     10,
	}
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() *LogConfig {
	homeDir, _ := os.UserHomeDir()
	return &LogConfig{
		Level:  "info",
		File:   filepath.Join(homeDir, ".containai", "acp-proxy.log"),
		Prefix: "[acp-proxy] ",
	}
}

// CreateLogger creates a logger from the log configuration.
func (c *LogConfig) CreateLogger() (*logger.Logger, error) {
	if c == nil {
		c = DefaultLogConfig()
	}

	cfg := &logger.Config{
		Level:    logger.ParseLogLevel(c.Level),
		Prefix:   c.Prefix,
		Console:  true,
		File:     c.File != "",
		FilePath: c.File,
	}

	return logger.NewLogger(cfg)
}

// LoadConfig loads configuration from file and merges with environment
// variables. Environment variables take precedence over config file values.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		Agent: AgentConfig{
			Command: "containai-agent",
		},
		Workspace: WorkspaceConfig{
			ContainerRoot: paths.DefaultContainerRoot,
		},
		Timeouts: DefaultTimeoutConfig(),
		Log:      DefaultLogConfig(),
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// File values override defaults
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if val := os.Getenv("CONTAINAI_AGENT_CMD"); val != "" {
		cfg.Agent.Command = val
	}
	if val := os.Getenv("CONTAINAI_AGENT_WRAPPED"); val != "" {
		if wrapped, err := strconv.ParseBool(val); err == nil {
			cfg.Agent.Wrapped = wrapped
		}
	}
	if val := os.Getenv("CONTAINAI_WORKSPACE_ROOT"); val != "" {
		cfg.Workspace.HostRoot = val
	}
	if val := os.Getenv("CONTAINAI_CONTAINER_ROOT"); val != "" {
		cfg.Workspace.ContainerRoot = val
	}

	if cfg.Timeouts.HandshakeSeconds <= 0 {
		cfg.Timeouts.HandshakeSeconds = 30
	}
	if cfg.Timeouts.SpawnSeconds <= 0 {
		cfg.Timeouts.SpawnSeconds = 10
	}

	return cfg, nil
}

// SaveConfig saves configuration to file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPath returns the default config file path.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".containai", "config.yaml"), nil
}
