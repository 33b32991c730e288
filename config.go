package gcap

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// =====================================
// Configuration
// =====================================

// Config is the process-level configuration of a runtime deployment
type Config struct {
	Log    LogConfig    `json:"log" yaml:"log"`
	Store  StoreConfig  `json:"store" yaml:"store"`
	Model  ModelConfig  `json:"model" yaml:"model"`
	Server ServerConfig `json:"server" yaml:"server"`
	Auth   AuthConfig   `json:"auth" yaml:"auth"`
}

// LogConfig selects the slog level (debug, info, warn, error) and format (text, json)
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// StoreConfig represents persistence adapter configuration
type StoreConfig struct {
	// Connection details
	Driver        string `json:"driver" yaml:"driver"`
	ConnectionURL string `json:"connection_url" yaml:"connection_url"`
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	Database      string `json:"database" yaml:"database"`
	Username      string `json:"username" yaml:"username"`
	Password      string `json:"password" yaml:"password"`

	// Connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	// SSL configuration
	SSL SSLConfig `json:"ssl" yaml:"ssl"`

	// Additional options
	Options map[string]interface{} `json:"options" yaml:"options"`
}

// SSLConfig represents SSL/TLS settings for SQL connections
type SSLConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Mode     string `json:"mode" yaml:"mode"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	CAFile   string `json:"ca_file" yaml:"ca_file"`
}

// ModelConfig lists the files or directories holding the declarative model
type ModelConfig struct {
	Paths []string `json:"paths" yaml:"paths"`
}

// ServerConfig configures the wire protocol front end
type ServerConfig struct {
	Address  string `json:"address" yaml:"address"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// AuthConfig configures bearer token verification. An empty secret
// disables authentication and every caller is anonymous.
type AuthConfig struct {
	Secret string `json:"secret" yaml:"secret"`
	Issuer string `json:"issuer" yaml:"issuer"`
}

// DefaultConfig returns a configuration that runs entirely in memory
func DefaultConfig() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Store:  StoreConfig{Driver: "memory"},
		Server: ServerConfig{Address: ":4004", LogLevel: "warn"},
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig
func LoadConfig(filename string) (Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", filename, err)
	}
	return cfg, nil
}

// Validate checks required fields and enumerations
func (c Config) Validate() error {
	if c.Store.Driver == "" {
		return NewFieldError(ErrorTypeValidation, "store.driver", "driver is required")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return NewFieldError(ErrorTypeValidation, "log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return NewFieldError(ErrorTypeValidation, "log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	return nil
}
