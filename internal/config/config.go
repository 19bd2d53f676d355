// Package config provides configuration management for mcpgate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Database  DatabaseConfig  `toml:"database"`
	Embedder  EmbedderConfig  `toml:"embedder"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Security  SecurityConfig  `toml:"security"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	HTTPPort       int           `toml:"http_port"`
	BindAddress    string        `toml:"bind_address"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	MaxRequestSize int64         `toml:"max_request_size"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled           bool   `toml:"enabled"`
	ServiceName       string `toml:"service_name"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	LogFormat         string `toml:"log_format"`
	LogLevel          string `toml:"log_level"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Driver     string        `toml:"driver"` // "postgres", "memory"
	DSN        string        `toml:"dsn"`    // Full DSN (alternative to individual fields)
	Host       string        `toml:"host"`
	Port       int           `toml:"port"`
	User       string        `toml:"user"`
	Password   string        `toml:"password"`
	Database   string        `toml:"database"`
	SSLMode    string        `toml:"ssl_mode"`
	MaxConns   int           `toml:"max_conns"`
	MaxIdle    int           `toml:"max_idle"`
	ConnMaxAge time.Duration `toml:"conn_max_age"`
}

// GetDSN returns the DSN for the database
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// GetBaseDSN returns DSN without database name (for creating databases)
func (d *DatabaseConfig) GetBaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.SSLMode)
}

// EmbedderConfig contains embedding provider settings
type EmbedderConfig struct {
	Type       string `toml:"type"`     // "openai", "bedrock", "local"
	APIKey     string `toml:"api_key"`  // For OpenAI-compatible endpoints
	BaseURL    string `toml:"base_url"` // Custom endpoint override
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`

	// Bedrock credentials for the Titan embedder
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
}

// GatewayConfig contains MCP gateway behavior settings
type GatewayConfig struct {
	SessionTTL            time.Duration `toml:"session_ttl"`
	SessionSweepInterval  time.Duration `toml:"session_sweep_interval"`
	TokenRefreshLeeway    time.Duration `toml:"token_refresh_leeway"`
	UpstreamConnTimeout   time.Duration `toml:"upstream_conn_timeout"`
	UpstreamReadTimeout   time.Duration `toml:"upstream_read_timeout"`
	SearchCacheTTL        time.Duration `toml:"search_cache_ttl"`
	SearchDefaultLimit    int           `toml:"search_default_limit"`
	SuggestionMaxDistance int           `toml:"suggestion_max_distance"`
	VirtualMCPBaseURL     string        `toml:"virtual_mcp_base_url"` // empty = in-process dispatch
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	JWTSecret       string `toml:"jwt_secret"`
	EncryptionKey   string `toml:"encryption_key"` // root secret for the credential cipher
	AdminAPIKey     string `toml:"admin_api_key"`  // protects the internal ops endpoints
	FrontendBaseURL string `toml:"frontend_base_url"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8000,
			BindAddress:    "0.0.0.0",
			ReadTimeout:    time.Minute,
			WriteTimeout:   2 * time.Minute,
			MaxRequestSize: 4 * 1024 * 1024, // 4MB
		},
		Telemetry: TelemetryConfig{
			Enabled:           true,
			ServiceName:       "mcpgate",
			PrometheusEnabled: true,
			LogFormat:         "json",
			LogLevel:          "info",
		},
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       5432,
			User:       "postgres",
			Password:   "postgres",
			Database:   "mcpgate",
			SSLMode:    "disable",
			MaxConns:   20,
			MaxIdle:    5,
			ConnMaxAge: 30 * time.Minute,
		},
		Embedder: EmbedderConfig{
			Type:       "local",
			Model:      "amazon.titan-embed-text-v2:0",
			Dimensions: 1024,
			Region:     "us-east-1",
		},
		Gateway: GatewayConfig{
			SessionTTL:            time.Hour,
			SessionSweepInterval:  5 * time.Minute,
			TokenRefreshLeeway:    60 * time.Second,
			UpstreamConnTimeout:   10 * time.Second,
			UpstreamReadTimeout:   30 * time.Second,
			SearchCacheTTL:        60 * time.Second,
			SearchDefaultLimit:    100,
			SuggestionMaxDistance: 5,
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := Default()

	// Parse TOML
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		// If file doesn't exist, return defaults
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Substitute environment variables
	cfg.substituteEnvVars()

	return cfg, nil
}

// LoadOrDefault loads config from file or returns defaults
func LoadOrDefault(path string) *Config {
	if path == "" {
		cfg := Default()
		cfg.substituteEnvVars()
		return cfg
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("Warning: Failed to load config from %s: %v\n", path, err)
		return Default()
	}

	return cfg
}

// substituteEnvVars substitutes ${VAR} patterns with environment variables
// and applies direct MCPGATE_* environment variable overrides
func (c *Config) substituteEnvVars() {
	// Expand ${VAR} patterns in config values
	c.Database.DSN = expandEnv(c.Database.DSN)
	c.Database.Host = expandEnv(c.Database.Host)
	c.Database.User = expandEnv(c.Database.User)
	c.Database.Password = expandEnv(c.Database.Password)

	c.Embedder.APIKey = expandEnv(c.Embedder.APIKey)
	c.Embedder.AccessKeyID = expandEnv(c.Embedder.AccessKeyID)
	c.Embedder.SecretAccessKey = expandEnv(c.Embedder.SecretAccessKey)

	c.Security.JWTSecret = expandEnv(c.Security.JWTSecret)
	c.Security.EncryptionKey = expandEnv(c.Security.EncryptionKey)
	c.Security.AdminAPIKey = expandEnv(c.Security.AdminAPIKey)

	// Direct environment variable overrides for Docker deployment
	// Database configuration
	if v := os.Getenv("MCPGATE_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("MCPGATE_DB_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("MCPGATE_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("MCPGATE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("MCPGATE_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("MCPGATE_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("MCPGATE_DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("MCPGATE_DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}

	// Server configuration
	if v := os.Getenv("MCPGATE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}

	// Embedder configuration
	if v := os.Getenv("MCPGATE_EMBEDDER_TYPE"); v != "" {
		c.Embedder.Type = v
	}
	if v := os.Getenv("MCPGATE_EMBEDDER_URL"); v != "" {
		c.Embedder.BaseURL = v
	}
	if v := os.Getenv("MCPGATE_EMBEDDER_MODEL"); v != "" {
		c.Embedder.Model = v
	}
	if v := os.Getenv("MCPGATE_EMBEDDER_API_KEY"); v != "" {
		c.Embedder.APIKey = v
	}
	if v := os.Getenv("MCPGATE_BEDROCK_REGION"); v != "" {
		c.Embedder.Region = v
	}

	// Security configuration
	if v := os.Getenv("MCPGATE_JWT_SECRET"); v != "" {
		c.Security.JWTSecret = v
	}
	if v := os.Getenv("MCPGATE_ENCRYPTION_KEY"); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv("MCPGATE_ADMIN_API_KEY"); v != "" {
		c.Security.AdminAPIKey = v
	}
	if v := os.Getenv("MCPGATE_FRONTEND_BASE_URL"); v != "" {
		c.Security.FrontendBaseURL = v
	}
}

// expandEnv expands ${VAR} or $VAR patterns
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}
