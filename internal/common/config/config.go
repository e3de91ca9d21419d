// Package config provides configuration management for the agentlab gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses Path; "postgres" uses the host/user/dbName fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	// Command is the agent binary spoken to over stdio JSON-RPC.
	Command string `mapstructure:"command"`

	// Args are extra command-line arguments for the agent process.
	Args []string `mapstructure:"args"`

	// WorkspaceRoot is the base directory for per-session workspaces.
	WorkspaceRoot string `mapstructure:"workspaceRoot"`

	// ProxyURL is the agent proxy endpoint advertised to the agent.
	ProxyURL string `mapstructure:"proxyUrl"`

	// McpServerURL, when set, is advertised to the agent on session
	// creation via _meta.claudeCode.mcpServers.
	McpServerURL string `mapstructure:"mcpServerUrl"`

	// SystemPrompt is prepended to every new session, when set.
	SystemPrompt string `mapstructure:"systemPrompt"`

	// DefaultModel is used when the client does not pick one.
	DefaultModel string `mapstructure:"defaultModel"`
}

// GatewayConfig holds timers and limits for the session gateway.
type GatewayConfig struct {
	RequestTimeout    int `mapstructure:"requestTimeout"`    // per JSON-RPC request, seconds
	PhaseTimeout      int `mapstructure:"phaseTimeout"`      // per send phase, seconds
	PromptStartRaceMs int `mapstructure:"promptStartRaceMs"` // prompt-start race, milliseconds
	CompletionGraceMs int `mapstructure:"completionGraceMs"` // turn completion debounce, milliseconds
	ReconcileInterval int `mapstructure:"reconcileInterval"` // monitor reconciler, seconds
	SendAttempts      int `mapstructure:"sendAttempts"`      // send-with-recovery attempts
	EventBufferCap    int `mapstructure:"eventBufferCap"`    // pre-subscribe envelope buffer
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

// RequestTimeoutDuration returns the JSON-RPC request timeout as a time.Duration.
func (g *GatewayConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(g.RequestTimeout) * time.Second
}

// PhaseTimeoutDuration returns the send phase timeout as a time.Duration.
func (g *GatewayConfig) PhaseTimeoutDuration() time.Duration {
	return time.Duration(g.PhaseTimeout) * time.Second
}

// PromptStartRace returns the prompt-start race window as a time.Duration.
func (g *GatewayConfig) PromptStartRace() time.Duration {
	return time.Duration(g.PromptStartRaceMs) * time.Millisecond
}

// CompletionGrace returns the turn completion debounce as a time.Duration.
func (g *GatewayConfig) CompletionGrace() time.Duration {
	return time.Duration(g.CompletionGraceMs) * time.Millisecond
}

// ReconcileIntervalDuration returns the reconciler interval as a time.Duration.
func (g *GatewayConfig) ReconcileIntervalDuration() time.Duration {
	return time.Duration(g.ReconcileInterval) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTLAB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// SSE streams are long-lived; zero disables the write deadline.
	v.SetDefault("server.writeTimeout", 0)

	// Database defaults - sqlite file unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentlab.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentlab")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentlab")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentlab-gateway")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.command", "claude-code-acp")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.workspaceRoot", "/workspace")
	v.SetDefault("agent.proxyUrl", "")
	v.SetDefault("agent.mcpServerUrl", "")
	v.SetDefault("agent.systemPrompt", "")
	v.SetDefault("agent.defaultModel", "")

	// Gateway timer defaults
	v.SetDefault("gateway.requestTimeout", 120)
	v.SetDefault("gateway.phaseTimeout", 45)
	v.SetDefault("gateway.promptStartRaceMs", 1500)
	v.SetDefault("gateway.completionGraceMs", 2000)
	v.SetDefault("gateway.reconcileInterval", 15)
	v.SetDefault("gateway.sendAttempts", 3)
	v.SetDefault("gateway.eventBufferCap", 1024)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTLAB_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentlab/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.dbName", "AGENTLAB_DATABASE_DB_NAME")
	_ = v.BindEnv("agent.mcpServerUrl", "AGENTLAB_AGENT_MCP_SERVER_URL")
	_ = v.BindEnv("agent.proxyUrl", "AGENTLAB_AGENT_PROXY_URL")
	_ = v.BindEnv("agent.workspaceRoot", "AGENTLAB_AGENT_WORKSPACE_ROOT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentlab/")

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

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}

	if cfg.Gateway.SendAttempts <= 0 {
		errs = append(errs, "gateway.sendAttempts must be positive")
	}
	if cfg.Gateway.EventBufferCap <= 0 {
		errs = append(errs, "gateway.eventBufferCap must be positive")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
