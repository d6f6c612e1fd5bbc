package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// ExecutionConfig holds execution engine configuration. CPU/memory hints and
// the keep-alive duration are pass-through values interpreted only by
// backends that understand them.
type ExecutionConfig struct {
	Backend        string        `mapstructure:"backend"`
	Isolated       bool          `mapstructure:"isolated"`
	Timeout        time.Duration `mapstructure:"timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	Language       string        `mapstructure:"language"`
	Executable     string        `mapstructure:"executable"`
	Workdir        string        `mapstructure:"workdir"`
	Image          string        `mapstructure:"image"`
	MemoryMB       int           `mapstructure:"memory_mb"`
	CPUs           float64       `mapstructure:"cpus"`
	NetworkEnabled bool          `mapstructure:"network_enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("execution.backend", "local")
	viper.SetDefault("execution.isolated", true)
	viper.SetDefault("execution.timeout", "30s")
	viper.SetDefault("execution.keep_alive", "0s")
	viper.SetDefault("execution.language", "python")
	viper.SetDefault("execution.executable", "python3")
	viper.SetDefault("execution.image", "python:3.11-slim")
	viper.SetDefault("execution.memory_mb", 512)
	viper.SetDefault("execution.cpus", 1.0)
	viper.SetDefault("execution.network_enabled", false)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	supportedBackends := map[string]bool{
		"local":  true,
		"docker": true,
		"mock":   true,
	}
	if !supportedBackends[c.Execution.Backend] {
		return fmt.Errorf("unsupported execution.backend: %s", c.Execution.Backend)
	}

	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("execution.timeout must be positive, got: %s", c.Execution.Timeout)
	}

	if c.Execution.Language != "python" {
		return fmt.Errorf("unsupported execution.language: %s", c.Execution.Language)
	}

	if c.Execution.MemoryMB < 0 {
		return fmt.Errorf("execution.memory_mb must not be negative, got: %d", c.Execution.MemoryMB)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return c.Execution.Timeout
}
