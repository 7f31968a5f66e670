// Package config provides configuration management for Shadow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentMode selects where task workspaces live and execute.
type AgentMode string

const (
	// ModeLocal executes tasks directly against the host filesystem.
	ModeLocal AgentMode = "local"
	// ModeRemote executes tasks inside sandboxes that run the sidecar service.
	ModeRemote AgentMode = "remote"
)

// Config holds all configuration sections for Shadow.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Services ServicesConfig `mapstructure:"services"`
	LLM      LLMConfig      `mapstructure:"llm"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// LLMConfig holds model-provider credentials.
type LLMConfig struct {
	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
}

// GitHubConfig holds git-host credentials used for pull requests.
type GitHubConfig struct {
	Token string `mapstructure:"token"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. When PostgresDSN is set the
// stores run on PostgreSQL via the pgx driver; otherwise SQLite at Path.
type DatabaseConfig struct {
	Path        string `mapstructure:"path"`
	PostgresDSN string `mapstructure:"postgresDsn"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory stream bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds the core orchestration configuration.
type AgentConfig struct {
	// Mode is "local" or "remote".
	Mode string `mapstructure:"mode"`

	// WorkspaceRoot is the base directory for local task workspaces.
	// Supports ~ expansion. Default: ~/.shadow/workspaces
	WorkspaceRoot string `mapstructure:"workspaceRoot"`

	// DefaultModel is the LLM model used when a request does not name one.
	DefaultModel string `mapstructure:"defaultModel"`

	// SidecarPort is the HTTP port the sandbox sidecar listens on.
	SidecarPort int `mapstructure:"sidecarPort"`
}

// SandboxConfig holds remote sandbox provisioning configuration.
type SandboxConfig struct {
	Image     string `mapstructure:"image"`
	Network   string `mapstructure:"network"`
	Namespace string `mapstructure:"namespace"`
}

// CleanupConfig holds the idle-workspace sweeper configuration.
type CleanupConfig struct {
	SweepInterval int `mapstructure:"sweepInterval"` // in seconds
	IdleDelay     int `mapstructure:"idleDelay"`     // in seconds, applied after a task finishes
}

// ServicesConfig holds default enablement for background services.
// Per-user settings override these.
type ServicesConfig struct {
	ShadowWiki bool `mapstructure:"shadowWiki"`
	Indexing   bool `mapstructure:"indexing"`
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

// Mode returns the agent mode as a typed value.
func (a *AgentConfig) AgentMode() AgentMode {
	if strings.EqualFold(a.Mode, string(ModeRemote)) {
		return ModeRemote
	}
	return ModeLocal
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (c *CleanupConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// IdleDelayDuration returns the idle delay as a time.Duration.
func (c *CleanupConfig) IdleDelayDuration() time.Duration {
	return time.Duration(c.IdleDelay) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SHADOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - SQLite file unless a postgres DSN is provided
	v.SetDefault("database.path", "~/.shadow/shadow.db")
	v.SetDefault("database.postgresDsn", "")

	// NATS defaults - empty URL means use the in-memory stream bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "shadow-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.mode", string(ModeLocal))
	v.SetDefault("agent.workspaceRoot", "~/.shadow/workspaces")
	v.SetDefault("agent.defaultModel", "claude-sonnet-4-20250514")
	v.SetDefault("agent.sidecarPort", 8080)

	// Sandbox defaults
	v.SetDefault("sandbox.image", "shadowrealm/sidecar:latest")
	v.SetDefault("sandbox.network", "shadow-network")
	v.SetDefault("sandbox.namespace", "shadow")

	// Cleanup defaults
	v.SetDefault("cleanup.sweepInterval", 60)
	v.SetDefault("cleanup.idleDelay", 600)

	// Background service defaults
	v.SetDefault("services.shadowWiki", true)
	v.SetDefault("services.indexing", false)

	// Credentials default to empty; the matching features stay disabled
	v.SetDefault("llm.anthropicApiKey", "")
	v.SetDefault("github.token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SHADOW_ with snake_case naming.
// The config file should be named config.yaml and placed in the current
// directory or /etc/shadow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SHADOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names differ from the config keys.
	_ = v.BindEnv("agent.mode", "AGENT_MODE", "SHADOW_AGENT_MODE")
	_ = v.BindEnv("agent.workspaceRoot", "SHADOW_AGENT_WORKSPACE_ROOT")
	_ = v.BindEnv("agent.defaultModel", "SHADOW_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("sandbox.namespace", "SHADOW_SANDBOX_NAMESPACE")
	_ = v.BindEnv("database.postgresDsn", "SHADOW_DATABASE_POSTGRES_DSN")
	_ = v.BindEnv("llm.anthropicApiKey", "SHADOW_LLM_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("github.token", "SHADOW_GITHUB_TOKEN", "GITHUB_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/shadow/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	mode := strings.ToLower(cfg.Agent.Mode)
	if mode != string(ModeLocal) && mode != string(ModeRemote) {
		errs = append(errs, "agent.mode must be one of: local, remote")
	}
	if cfg.Agent.WorkspaceRoot == "" {
		errs = append(errs, "agent.workspaceRoot is required")
	}
	if cfg.Agent.SidecarPort <= 0 || cfg.Agent.SidecarPort > 65535 {
		errs = append(errs, "agent.sidecarPort must be between 1 and 65535")
	}

	if cfg.Cleanup.SweepInterval <= 0 {
		errs = append(errs, "cleanup.sweepInterval must be positive")
	}
	if cfg.Cleanup.IdleDelay <= 0 {
		errs = append(errs, "cleanup.idleDelay must be positive")
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
