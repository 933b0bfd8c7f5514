// Package config provides configuration management for the sandbox manager.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the sandbox manager.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	RateLimit    int    `mapstructure:"rateLimit"`    // requests per second
}

// DatabaseConfig holds database connection configuration.
// When Host is empty the service falls back to the SQLite store at SQLitePath.
type DatabaseConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SandboxConfig holds the per-tenant isolation parameters.
type SandboxConfig struct {
	// Enabled turns command isolation on. When false (dev/test hosts) every
	// command runs unwrapped and every permission check allows.
	Enabled bool `mapstructure:"enabled"`

	// UserPrefix namespaces the derived system usernames.
	UserPrefix string `mapstructure:"userPrefix"`

	// WorkspaceBase is the root under which tenant workspaces are created:
	// <base>/userid_<tenant>/agentid_<agent>/work
	WorkspaceBase string `mapstructure:"workspaceBase"`

	// Port pool shared by all tenants. Blocks of PortBlockSize ports are
	// assigned monotonically from PortPoolFloor up to PortPoolCeiling.
	PortPoolFloor   int `mapstructure:"portPoolFloor"`
	PortPoolCeiling int `mapstructure:"portPoolCeiling"`
	PortBlockSize   int `mapstructure:"portBlockSize"`

	// Resource-control caps applied to each tenant's slice.
	MemoryMax        string `mapstructure:"memoryMax"`
	TasksMax         int    `mapstructure:"tasksMax"`
	CPUQuota         string `mapstructure:"cpuQuota"`
	IOReadBandwidth  string `mapstructure:"ioReadBandwidth"`
	IOWriteBandwidth string `mapstructure:"ioWriteBandwidth"`

	// IODevice is the block device the IO bandwidth caps are bound to.
	// Empty disables the IO caps.
	IODevice string `mapstructure:"ioDevice"`

	// StorageQuotaBytes is the per-tenant workspace quota checked by the
	// permission hook before write-heavy tools run.
	StorageQuotaBytes int64 `mapstructure:"storageQuotaBytes"`

	// FirewallEnabled applies the nftables per-UID port rules.
	FirewallEnabled bool `mapstructure:"firewallEnabled"`

	// CommandTimeout bounds every provisioning subprocess call, in seconds.
	CommandTimeout int `mapstructure:"commandTimeout"`
}

// ReaperConfig holds the idle-session reaper parameters.
type ReaperConfig struct {
	Interval    int `mapstructure:"interval"`    // sweep interval in seconds
	IdleTimeout int `mapstructure:"idleTimeout"` // in seconds
	Backoff     int `mapstructure:"backoff"`     // delay after a failed sweep, in seconds
}

// RuntimeConfig holds the external agent runtime configuration.
type RuntimeConfig struct {
	// Command is the agent CLI binary launched per session; Args are passed verbatim.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// PublicBaseURL is used to build the externally reachable URL hint for
	// commands that open a network listener.
	PublicBaseURL string `mapstructure:"publicBaseUrl"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IntervalDuration returns the sweep interval as a time.Duration.
func (r *ReaperConfig) IntervalDuration() time.Duration {
	return time.Duration(r.Interval) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (r *ReaperConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// BackoffDuration returns the sweep backoff as a time.Duration.
func (r *ReaperConfig) BackoffDuration() time.Duration {
	return time.Duration(r.Backoff) * time.Second
}

// CommandTimeoutDuration returns the provisioning command timeout as a time.Duration.
func (s *SandboxConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(s.CommandTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTCELL_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8084)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.rateLimit", 100)

	// Database defaults - empty host means use the SQLite store
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentcell")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentcell")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.sqlitePath", "agentcell.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentcell-sandbox")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Sandbox defaults
	v.SetDefault("sandbox.enabled", true)
	v.SetDefault("sandbox.userPrefix", "agent_")
	v.SetDefault("sandbox.workspaceBase", "/srv/agentcell/users")
	v.SetDefault("sandbox.portPoolFloor", 20001)
	v.SetDefault("sandbox.portPoolCeiling", 40000)
	v.SetDefault("sandbox.portBlockSize", 10)
	v.SetDefault("sandbox.memoryMax", "100M")
	v.SetDefault("sandbox.tasksMax", 256)
	v.SetDefault("sandbox.cpuQuota", "100%")
	v.SetDefault("sandbox.ioReadBandwidth", "200M")
	v.SetDefault("sandbox.ioWriteBandwidth", "200M")
	v.SetDefault("sandbox.ioDevice", "")
	v.SetDefault("sandbox.storageQuotaBytes", int64(1)<<30)
	v.SetDefault("sandbox.firewallEnabled", true)
	v.SetDefault("sandbox.commandTimeout", 30)

	// Reaper defaults
	v.SetDefault("reaper.interval", 300)
	v.SetDefault("reaper.idleTimeout", 1200)
	v.SetDefault("reaper.backoff", 30)

	// Runtime defaults
	v.SetDefault("runtime.command", "agent-cli")
	v.SetDefault("runtime.args", []string{"--stdio"})
	v.SetDefault("runtime.publicBaseUrl", "http://localhost")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTCELL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentcell/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTCELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("sandbox.workspaceBase", "AGENTCELL_SANDBOX_WORKSPACE_BASE")
	_ = v.BindEnv("sandbox.userPrefix", "AGENTCELL_SANDBOX_USER_PREFIX")
	_ = v.BindEnv("runtime.publicBaseUrl", "AGENTCELL_RUNTIME_PUBLIC_BASE_URL")
	_ = v.BindEnv("reaper.idleTimeout", "AGENTCELL_REAPER_IDLE_TIMEOUT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentcell/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.RateLimit <= 0 {
		errs = append(errs, "server.rateLimit must be positive")
	}

	// Database validation - only if host is set (optional for SQLite mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	// Sandbox validation
	if cfg.Sandbox.PortBlockSize <= 0 {
		errs = append(errs, "sandbox.portBlockSize must be positive")
	}
	if cfg.Sandbox.PortPoolFloor <= 0 || cfg.Sandbox.PortPoolFloor > 65535 {
		errs = append(errs, "sandbox.portPoolFloor must be a valid port")
	}
	if cfg.Sandbox.PortPoolCeiling <= cfg.Sandbox.PortPoolFloor {
		errs = append(errs, "sandbox.portPoolCeiling must be greater than sandbox.portPoolFloor")
	}
	if cfg.Sandbox.Enabled && cfg.Sandbox.UserPrefix == "" {
		errs = append(errs, "sandbox.userPrefix is required when sandbox.enabled is set")
	}

	// Reaper validation
	if cfg.Reaper.Interval <= 0 {
		errs = append(errs, "reaper.interval must be positive")
	}
	if cfg.Reaper.IdleTimeout <= 0 {
		errs = append(errs, "reaper.idleTimeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
