// Package server defines configuration structures and loading logic.
//
// This file contains the relay configuration types and the functions that
// load them from a user file (JSON or YAML), fall back to the embedded
// default, and apply environment overrides. Configuration controls the
// listener, collaboration timings, inbound rate limiting, the storage
// backend, logging and seed data.
package server

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fablecraft/collab-relay/internal/collab"
	"github.com/fablecraft/collab-relay/internal/storage"
)

//go:embed configs/*.json
var embeddedConfigs embed.FS

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Environment variables that override file configuration.
const (
	EnvHost     = "FABLECRAFT_HOST"
	EnvPort     = "FABLECRAFT_PORT"
	EnvLogLevel = "FABLECRAFT_LOG_LEVEL"
)

// Config represents the relay configuration.
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Collaboration CollaborationConfig `json:"collaboration" yaml:"collaboration"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Seed          *storage.SeedConfig `json:"seed,omitempty" yaml:"seed"`
}

// ServerConfig contains listener and WebSocket settings
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// AllowedOrigins restricts WebSocket origins; empty allows any.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins"`
	// SendBufferSize is the number of outbound messages queued per client.
	SendBufferSize     int   `json:"send_buffer_size,omitempty" yaml:"send_buffer_size"`
	MaxMessageBytes    int64 `json:"max_message_bytes,omitempty" yaml:"max_message_bytes"`
	ShutdownTimeoutSec int   `json:"shutdown_timeout_sec,omitempty" yaml:"shutdown_timeout_sec"`
}

// CollaborationConfig contains the collaboration timings
type CollaborationConfig struct {
	TypingTimeoutMs        int `json:"typing_timeout_ms,omitempty" yaml:"typing_timeout_ms"`
	SweepIntervalMs        int `json:"sweep_interval_ms,omitempty" yaml:"sweep_interval_ms"`
	GenerationStageDelayMs int `json:"generation_stage_delay_ms" yaml:"generation_stage_delay_ms"`
	// EnforceUnlockOwnership lets only the holder unlock a document.
	EnforceUnlockOwnership bool `json:"enforce_unlock_ownership,omitempty" yaml:"enforce_unlock_ownership"`
}

// RateLimitConfig limits inbound messages per connection
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled,omitempty" yaml:"enabled"`
	MessagesPerSecond float64 `json:"messages_per_second,omitempty" yaml:"messages_per_second"`
	Burst             int     `json:"burst,omitempty" yaml:"burst"`
}

// StorageConfig selects and configures the entity store
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `json:"driver" yaml:"driver"`
	// SQLitePath defaults to ~/.fablecraft/fablecraft.db.
	SQLitePath string `json:"sqlite_path,omitempty" yaml:"sqlite_path"`
	// Persistence applies to the memory driver only.
	Persistence storage.PersistenceConfig `json:"persistence" yaml:"persistence"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// DefaultConfigPath returns ~/.fablecraft/config.json.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".fablecraft", "config.json"), nil
}

// LoadConfig loads the relay configuration.
// An explicit path must exist. With no path, ~/.fablecraft/config.json is
// used if present, otherwise the embedded default. Environment overrides
// are applied last, then the result is validated.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadDefaultConfig()
	if err != nil {
		return nil, err
	}

	if path == "" {
		if p, err := DefaultConfigPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Decoding over the defaults keeps any section the file omits.
		if err := decodeConfig(path, data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// LoadDefaultConfig loads the embedded default configuration
func LoadDefaultConfig() (*Config, error) {
	data, err := embeddedConfigs.ReadFile("configs/default.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded default config: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse embedded default config: %w", err)
	}
	return &config, nil
}

func decodeConfig(path string, data []byte, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	default:
		return json.Unmarshal(data, config)
	}
}

func applyEnv(config *Config) error {
	if host := os.Getenv(EnvHost); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv(EnvPort); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", EnvPort, err)
		}
		config.Server.Port = n
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		config.Logging.Level = level
	}
	return nil
}

// validateConfig validates configuration values
func validateConfig(config *Config) error {
	if config.Server.Port < 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	if config.Server.SendBufferSize < 0 {
		return fmt.Errorf("server.send_buffer_size must be >= 0")
	}
	if config.Server.MaxMessageBytes < 0 {
		return fmt.Errorf("server.max_message_bytes must be >= 0")
	}
	c := config.Collaboration
	if c.TypingTimeoutMs < 0 {
		return fmt.Errorf("collaboration.typing_timeout_ms must be >= 0")
	}
	if c.SweepIntervalMs < 0 {
		return fmt.Errorf("collaboration.sweep_interval_ms must be >= 0")
	}
	if c.GenerationStageDelayMs < 0 {
		return fmt.Errorf("collaboration.generation_stage_delay_ms must be >= 0")
	}
	if config.RateLimit.Enabled {
		if config.RateLimit.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limit.messages_per_second must be > 0 when enabled")
		}
		if config.RateLimit.Burst < 0 {
			return fmt.Errorf("rate_limit.burst must be >= 0")
		}
	}
	switch config.Storage.Driver {
	case DriverMemory, DriverSQLite:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverMemory, DriverSQLite, config.Storage.Driver)
	}
	if config.Storage.Persistence.SaveInterval < 0 {
		return fmt.Errorf("storage.persistence.save_interval must be >= 0")
	}
	return nil
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CollabConfig converts the collaboration section.
func (c *Config) CollabConfig() collab.Config {
	return collab.Config{
		TypingTimeout:          time.Duration(c.Collaboration.TypingTimeoutMs) * time.Millisecond,
		SweepInterval:          time.Duration(c.Collaboration.SweepIntervalMs) * time.Millisecond,
		GenerationStageDelay:   time.Duration(c.Collaboration.GenerationStageDelayMs) * time.Millisecond,
		EnforceUnlockOwnership: c.Collaboration.EnforceUnlockOwnership,
	}
}

// SQLitePath returns the configured database path or the default under
// ~/.fablecraft.
func (c *Config) SQLitePath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".fablecraft", "fablecraft.db")
	}
	return filepath.Join(homeDir, ".fablecraft", "fablecraft.db")
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}
