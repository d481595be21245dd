// Package config provides configuration management for the Undoable daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Index     IndexConfig     `mapstructure:"index"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Swarm     SwarmConfig     `mapstructure:"swarm"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP/SSE listener configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	BindMode     string `mapstructure:"bindMode"` // loopback|all|custom
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
	BodyLimitMB  int    `mapstructure:"bodyLimitMB"`
}

// IndexConfig holds the derived read-index database configuration (not
// the authoritative store — see internal/store).
type IndexConfig struct {
	Driver string `mapstructure:"driver"` // sqlite is the only driver internal/index supports
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"` // not read: internal/index opens SQLite only
}

// NATSConfig holds optional NATS transport configuration for the Event Bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// ChatConfig holds Chat/Tool Loop defaults.
type ChatConfig struct {
	MaxIterations     int     `mapstructure:"maxIterations"`
	ContextMaxTokens  int     `mapstructure:"contextMaxTokens"`
	CompactThreshold  float64 `mapstructure:"compactThreshold"`
	ToolResultMaxChar int     `mapstructure:"toolResultMaxChar"`
	EconomyMode       bool    `mapstructure:"economyMode"`
	DriftThreshold    float64 `mapstructure:"driftThreshold"`
}

// ApprovalConfig holds Approval Gate defaults.
type ApprovalConfig struct {
	Mode                      string `mapstructure:"mode"` // off|mutate|always
	TimeoutSeconds            int    `mapstructure:"timeoutSeconds"`
	AllowIrreversibleActions  bool   `mapstructure:"allowIrreversibleActions"`
	DangerouslySkipPermission bool   `mapstructure:"dangerouslySkipPermissions"`
}

// SchedulerConfig holds Scheduler defaults.
type SchedulerConfig struct {
	TickIntervalMS int `mapstructure:"tickIntervalMs"`
}

// SwarmConfig holds SWARM Orchestrator defaults.
type SwarmConfig struct {
	MaxParallel          int `mapstructure:"maxParallel"`
	OrchestrationHistory int `mapstructure:"orchestrationHistory"`
}

// AuthConfig holds HTTP bearer-token authentication configuration.
type AuthConfig struct {
	Mode  string `mapstructure:"mode"` // open|token
	Token string `mapstructure:"token"`
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

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for interactive terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("UNDOABLE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.bindMode", "loopback")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // SSE streams must not be write-deadlined
	v.SetDefault("server.bodyLimitMB", 10)

	v.SetDefault("index.driver", "sqlite")
	v.SetDefault("index.path", "")
	v.SetDefault("index.dsn", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "undoable-daemon")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("chat.maxIterations", 25)
	v.SetDefault("chat.contextMaxTokens", 180000)
	v.SetDefault("chat.compactThreshold", 0.85)
	v.SetDefault("chat.toolResultMaxChar", 8000)
	v.SetDefault("chat.economyMode", false)
	v.SetDefault("chat.driftThreshold", 0.6)

	v.SetDefault("approval.mode", "mutate")
	v.SetDefault("approval.timeoutSeconds", 300)
	v.SetDefault("approval.allowIrreversibleActions", true)
	v.SetDefault("approval.dangerouslySkipPermissions", false)

	v.SetDefault("scheduler.tickIntervalMs", 1000)

	v.SetDefault("swarm.maxParallel", 4)
	v.SetDefault("swarm.orchestrationHistory", 200)

	v.SetDefault("auth.mode", "open")
	v.SetDefault("auth.token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("UNDOABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the spec's non-standard environment variable names.
	_ = v.BindEnv("server.port", "NRN_PORT")
	_ = v.BindEnv("server.host", "NRN_HOST")
	_ = v.BindEnv("auth.token", "UNDOABLE_TOKEN")
	_ = v.BindEnv("chat.maxIterations", "UNDOABLE_MAX_ITERATIONS")
	_ = v.BindEnv("chat.economyMode", "UNDOABLE_ECONOMY_MODE")
	_ = v.BindEnv("approval.dangerouslySkipPermissions", "UNDOABLE_DANGEROUSLY_SKIP_PERMISSIONS")
	_ = v.BindEnv("approval.allowIrreversibleActions", "UNDOABLE_ALLOW_IRREVERSIBLE_ACTIONS")
	_ = v.BindEnv("server.bodyLimitMB", "UNDOABLE_BODY_LIMIT_MB")
	_ = v.BindEnv("swarm.maxParallel", "UNDOABLE_SWARM_MAX_PARALLEL")
	_ = v.BindEnv("swarm.orchestrationHistory", "UNDOABLE_SWARM_ORCHESTRATION_HISTORY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.undoable")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	normalizeHost(&cfg.Server)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// normalizeHost applies the bindMode -> host normalization rule from spec section 4.9.
func normalizeHost(s *ServerConfig) {
	switch s.BindMode {
	case "loopback":
		s.Host = "127.0.0.1"
	case "all":
		s.Host = "0.0.0.0"
	case "custom":
		// keep user value
	}
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validBindModes := map[string]bool{"loopback": true, "all": true, "custom": true}
	if !validBindModes[cfg.Server.BindMode] {
		errs = append(errs, "server.bindMode must be one of: loopback, all, custom")
	}

	validAuthModes := map[string]bool{"open": true, "token": true}
	if !validAuthModes[cfg.Auth.Mode] {
		errs = append(errs, "auth.mode must be one of: open, token")
	}
	if cfg.Auth.Mode == "token" && cfg.Auth.Token == "" {
		errs = append(errs, "auth.token is required when auth.mode=token")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Chat.MaxIterations <= 0 {
		errs = append(errs, "chat.maxIterations must be positive")
	}
	if cfg.Swarm.MaxParallel <= 0 || cfg.Swarm.MaxParallel > 64 {
		errs = append(errs, "swarm.maxParallel must be between 1 and 64")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
