// Package config provides configuration management for statbridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for statbridge.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// MCPConfig holds the MCP server configuration.
type MCPConfig struct {
	Port int `mapstructure:"port"`
}

// EngineConfig holds the Stata engine location and variant.
type EngineConfig struct {
	// InstallPath is the Stata installation root (e.g. /usr/local/stata18,
	// /Applications/Stata, C:\Program Files\Stata18).
	InstallPath string `mapstructure:"installPath"`

	// Edition is the Stata edition: mp, se, or be.
	Edition string `mapstructure:"edition"`
}

// SessionsConfig holds session manager limits and timeouts.
type SessionsConfig struct {
	// Enabled controls whether the session manager starts workers at all.
	Enabled bool `mapstructure:"enabled"`

	// MaxSessions is the hard cap on concurrently active sessions.
	MaxSessions int `mapstructure:"maxSessions"`

	// SessionTimeout is the idle reclaim threshold in seconds.
	SessionTimeout int `mapstructure:"sessionTimeout"`

	// WorkerStartTimeout is the worker init reply deadline in seconds.
	WorkerStartTimeout int `mapstructure:"workerStartTimeout"`

	// CommandTimeout is the default per-command deadline in seconds.
	CommandTimeout int `mapstructure:"commandTimeout"`

	// LogDir is where execution log files are written. Empty means
	// alongside the executed .do file.
	LogDir string `mapstructure:"logDir"`

	// GraphsDir is where exported graph artifacts are collected.
	GraphsDir string `mapstructure:"graphsDir"`

	// NameGraphs injects generated name() options into graph commands
	// that lack one, making graph export deterministic. Meant for IDE
	// integrations; off by default.
	NameGraphs bool `mapstructure:"nameGraphs"`
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

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SessionTimeoutDuration returns the idle reclaim threshold as a time.Duration.
func (s *SessionsConfig) SessionTimeoutDuration() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// WorkerStartTimeoutDuration returns the init deadline as a time.Duration.
func (s *SessionsConfig) WorkerStartTimeoutDuration() time.Duration {
	return time.Duration(s.WorkerStartTimeout) * time.Second
}

// CommandTimeoutDuration returns the default command deadline as a time.Duration.
// Zero or negative values fall back to the default of 600 seconds.
func (s *SessionsConfig) CommandTimeoutDuration() time.Duration {
	if s.CommandTimeout <= 0 {
		return 600 * time.Second
	}
	return time.Duration(s.CommandTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("STATBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// MCP defaults
	v.SetDefault("mcp.port", 9090)

	// Engine defaults
	v.SetDefault("engine.installPath", defaultEnginePath())
	v.SetDefault("engine.edition", "mp")

	// Session defaults
	v.SetDefault("sessions.enabled", true)
	v.SetDefault("sessions.maxSessions", 100)
	v.SetDefault("sessions.sessionTimeout", 3600)
	v.SetDefault("sessions.workerStartTimeout", 60)
	v.SetDefault("sessions.commandTimeout", 600)
	v.SetDefault("sessions.logDir", "")
	v.SetDefault("sessions.graphsDir", filepath.Join(os.TempDir(), "statbridge_graphs"))
	v.SetDefault("sessions.nameGraphs", false)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "statbridge")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// defaultEnginePath guesses the conventional Stata install root per platform.
// Users override via engine.installPath or STATBRIDGE_ENGINE_INSTALLPATH.
func defaultEnginePath() string {
	candidates := []string{
		"/usr/local/stata18",
		"/usr/local/stata",
		"/Applications/Stata",
		"/Applications/StataNow",
		`C:\Program Files\Stata18`,
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix STATBRIDGE_ with underscore naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/statbridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("STATBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names do not round-trip through
	// the camelCase config keys.
	_ = v.BindEnv("engine.installPath", "STATBRIDGE_ENGINE_INSTALLPATH", "SYSDIR_STATA")
	_ = v.BindEnv("engine.edition", "STATBRIDGE_ENGINE_EDITION")
	_ = v.BindEnv("sessions.maxSessions", "STATBRIDGE_MAX_SESSIONS")
	_ = v.BindEnv("sessions.sessionTimeout", "STATBRIDGE_SESSION_TIMEOUT")
	_ = v.BindEnv("logging.level", "STATBRIDGE_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/statbridge/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535 {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if cfg.Sessions.MaxSessions <= 0 {
		errs = append(errs, "sessions.maxSessions must be positive")
	}
	if cfg.Sessions.WorkerStartTimeout <= 0 {
		errs = append(errs, "sessions.workerStartTimeout must be positive")
	}

	switch strings.ToLower(cfg.Engine.Edition) {
	case "mp", "se", "be":
	default:
		errs = append(errs, "engine.edition must be one of: mp, se, be")
	}

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
