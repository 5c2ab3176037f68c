// Package config provides configuration management for the Flux daemon.
// It supports loading configuration from environment variables, an optional
// JSON config file (~/.flux/config.json), and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Intake     IntakeConfig     `mapstructure:"intake"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	Push       PushConfig       `mapstructure:"push"`
	Paths      PathsConfig      `mapstructure:"paths"`
	History    HistoryConfig    `mapstructure:"history"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the local HTTP status server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds the remote state store connection configuration.
type StoreConfig struct {
	URL       string `mapstructure:"url"`  // state store endpoint (CONVEX_URL)
	Host      string `mapstructure:"host"` // control-plane host (FLUX_HOST)
	Token     string `mapstructure:"token"`
	OrgID     string `mapstructure:"orgId"`
	TimeoutMs int64  `mapstructure:"timeoutMs"`
}

// GatewayConfig holds the capability gateway configuration.
type GatewayConfig struct {
	URL       string `mapstructure:"url"`
	Token     string `mapstructure:"token"`
	TimeoutMs int64  `mapstructure:"timeoutMs"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RunnerConfig holds backend selection and cadence-loop configuration.
type RunnerConfig struct {
	Backend        string `mapstructure:"backend"`        // fallback backend id
	AllowDirectCLI bool   `mapstructure:"allowDirectCli"` // permit spawning agent CLIs locally
	ClaudeBin      string `mapstructure:"claudeBin"`
	CodexBin       string `mapstructure:"codexBin"`
	LoopIntervalMs int64  `mapstructure:"loopIntervalMs"`
	ListLimit      int    `mapstructure:"listLimit"`
	StreamID       string `mapstructure:"streamId"`  // optional stream filter
	CostClass      string `mapstructure:"costClass"` // optional cost-class filter
}

// SupervisorConfig holds dispatch guard configuration.
type SupervisorConfig struct {
	MaxConcurrent        int   `mapstructure:"maxConcurrent"`
	MaxPendingReview     int   `mapstructure:"maxPendingReview"`
	AutoPauseAfterNFails int   `mapstructure:"autoPauseAfterNFails"`
	HeartbeatIntervalMs  int64 `mapstructure:"heartbeatIntervalMs"`
}

// IntakeConfig holds intake worker polling configuration.
type IntakeConfig struct {
	PollEveryMs     int64 `mapstructure:"pollEveryMs"`
	PollTimeoutMs   int64 `mapstructure:"pollTimeoutMs"`
	MaxBackoffMs    int64 `mapstructure:"maxBackoffMs"`
	PollConcurrency int   `mapstructure:"pollConcurrency"`
}

// FeedbackConfig holds feedback worker configuration.
type FeedbackConfig struct {
	PollEveryMs  int64 `mapstructure:"pollEveryMs"`
	BatchLimit   int   `mapstructure:"batchLimit"`
	MaxBackoffMs int64 `mapstructure:"maxBackoffMs"`
}

// PushConfig holds push client configuration. The websocket URL itself
// arrives in the handshake; only the backoff base is configured locally.
type PushConfig struct {
	BaseReconnectDelayMs int64 `mapstructure:"baseReconnectDelayMs"`
}

// PathsConfig holds on-disk locations used by the daemon.
type PathsConfig struct {
	StateDir      string `mapstructure:"stateDir"`
	WorkspaceRoot string `mapstructure:"workspaceRoot"`
	ConfigPath    string `mapstructure:"configPath"`
}

// HistoryConfig holds the local session-history database configuration.
type HistoryConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3 or pgx
	Path   string `mapstructure:"path"`   // sqlite file path
	DSN    string `mapstructure:"dsn"`    // postgres DSN when driver is pgx
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StoreTimeout returns the store RPC timeout as a time.Duration.
func (s *StoreConfig) StoreTimeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// GatewayTimeout returns the gateway RPC timeout as a time.Duration.
func (g *GatewayConfig) GatewayTimeout() time.Duration {
	return time.Duration(g.TimeoutMs) * time.Millisecond
}

// LoopInterval returns the cadence loop tick interval as a time.Duration.
func (r *RunnerConfig) LoopInterval() time.Duration {
	return time.Duration(r.LoopIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the supervisor heartbeat interval as a time.Duration.
func (s *SupervisorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

// PollEvery returns the intake poll interval as a time.Duration.
func (i *IntakeConfig) PollEvery() time.Duration {
	return time.Duration(i.PollEveryMs) * time.Millisecond
}

// PollTimeout returns the per-integration poll deadline as a time.Duration.
func (i *IntakeConfig) PollTimeout() time.Duration {
	return time.Duration(i.PollTimeoutMs) * time.Millisecond
}

// PollEvery returns the feedback poll interval as a time.Duration.
func (f *FeedbackConfig) PollEvery() time.Duration {
	return time.Duration(f.PollEveryMs) * time.Millisecond
}

// BaseReconnectDelay returns the push reconnect backoff base as a time.Duration.
func (p *PushConfig) BaseReconnectDelay() time.Duration {
	return time.Duration(p.BaseReconnectDelayMs) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("FLUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Local status server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7411)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults - URL has no default, CONVEX_URL is required
	v.SetDefault("store.url", "")
	v.SetDefault("store.host", "")
	v.SetDefault("store.token", "")
	v.SetDefault("store.orgId", "")
	v.SetDefault("store.timeoutMs", 30_000)

	// Gateway defaults
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.timeoutMs", 120_000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "fluxd")
	v.SetDefault("nats.maxReconnects", 10)

	// Runner defaults
	v.SetDefault("runner.backend", "claude-cli")
	v.SetDefault("runner.allowDirectCli", false)
	v.SetDefault("runner.claudeBin", "claude")
	v.SetDefault("runner.codexBin", "codex")
	v.SetDefault("runner.loopIntervalMs", 15_000)
	v.SetDefault("runner.listLimit", 10)
	v.SetDefault("runner.streamId", "")
	v.SetDefault("runner.costClass", "")

	// Supervisor defaults
	v.SetDefault("supervisor.maxConcurrent", 4)
	v.SetDefault("supervisor.maxPendingReview", 5)
	v.SetDefault("supervisor.autoPauseAfterNFails", 5)
	v.SetDefault("supervisor.heartbeatIntervalMs", 60_000)

	// Intake defaults
	v.SetDefault("intake.pollEveryMs", 60_000)
	v.SetDefault("intake.pollTimeoutMs", 30_000)
	v.SetDefault("intake.maxBackoffMs", 900_000)
	v.SetDefault("intake.pollConcurrency", 4)

	// Feedback defaults
	v.SetDefault("feedback.pollEveryMs", 30_000)
	v.SetDefault("feedback.batchLimit", 25)
	v.SetDefault("feedback.maxBackoffMs", 900_000)

	// Push defaults
	v.SetDefault("push.baseReconnectDelayMs", 1_000)

	// Path defaults - resolved against the home directory after unmarshal
	v.SetDefault("paths.stateDir", "~/.flux")
	v.SetDefault("paths.workspaceRoot", "~/.flux/workspaces")
	v.SetDefault("paths.configPath", "")

	// History defaults - sqlite under the state dir unless overridden
	v.SetDefault("history.driver", "sqlite3")
	v.SetDefault("history.path", "")
	v.SetDefault("history.dsn", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// bindEnv wires the recognized environment variables onto config keys.
// AutomaticEnv does not handle camelCase keys or the legacy variable names,
// so every relevant key is bound explicitly.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("store.url", "CONVEX_URL", "FLUX_STORE_URL")
	_ = v.BindEnv("store.host", "FLUX_HOST")
	_ = v.BindEnv("store.token", "FLUX_TOKEN")
	_ = v.BindEnv("store.orgId", "FLUX_ORG_ID")
	_ = v.BindEnv("gateway.url", "OPENCLAW_GATEWAY_URL", "FLUX_GATEWAY_URL")
	_ = v.BindEnv("gateway.token", "OPENCLAW_GATEWAY_TOKEN", "FLUX_GATEWAY_TOKEN")
	_ = v.BindEnv("runner.backend", "FLUX_BACKEND")
	_ = v.BindEnv("runner.allowDirectCli", "FLUX_ALLOW_DIRECT_CLI")
	_ = v.BindEnv("runner.claudeBin", "CLAUDE_BIN")
	_ = v.BindEnv("runner.codexBin", "CODEX_BIN")
	_ = v.BindEnv("supervisor.maxConcurrent", "SQUAD_MAX_CONCURRENT")
	_ = v.BindEnv("supervisor.maxPendingReview", "SQUAD_MAX_PENDING_REVIEW")
	_ = v.BindEnv("supervisor.autoPauseAfterNFails", "SQUAD_AUTO_PAUSE_AFTER_N_FAILS")
	_ = v.BindEnv("paths.stateDir", "OPENCLAW_STATE_DIR")
	_ = v.BindEnv("paths.workspaceRoot", "OPENCLAW_REPO_WORKSPACE_ROOT")
	_ = v.BindEnv("paths.configPath", "OPENCLAW_CONFIG_PATH")
	_ = v.BindEnv("nats.url", "FLUX_NATS_URL")
}

// Load reads configuration from environment variables, the config file, and defaults.
// Environment variables use the prefix FLUX_ with snake_case naming; the legacy
// OPENCLAW_*, SQUAD_*, CONVEX_URL and CLAUDE_BIN variables are also recognized.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration using the given config file path. When the
// path is empty, OPENCLAW_CONFIG_PATH and then ~/.flux/config.json are tried.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if configPath == "" {
		configPath = v.GetString("paths.configPath")
	}
	if configPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configPath = filepath.Join(home, ".flux", "config.json")
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			// The config file is optional; only a malformed file is an error.
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					if _, ok := err.(*os.PathError); !ok {
						return nil, fmt.Errorf("error reading config file: %w", err)
					}
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// normalizePaths expands ~ in path settings and fills path-derived defaults.
func normalizePaths(cfg *Config) {
	cfg.Paths.StateDir = expandHome(cfg.Paths.StateDir)
	cfg.Paths.WorkspaceRoot = expandHome(cfg.Paths.WorkspaceRoot)
	cfg.Paths.ConfigPath = expandHome(cfg.Paths.ConfigPath)
	cfg.History.Path = expandHome(cfg.History.Path)

	if cfg.History.Path == "" && cfg.History.Driver == "sqlite3" {
		cfg.History.Path = filepath.Join(cfg.Paths.StateDir, "history.db")
	}
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Store.URL == "" {
		errs = append(errs, "store.url is required (set CONVEX_URL)")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Supervisor.MaxConcurrent <= 0 {
		errs = append(errs, "supervisor.maxConcurrent must be positive")
	}
	if cfg.Supervisor.MaxPendingReview <= 0 {
		errs = append(errs, "supervisor.maxPendingReview must be positive")
	}
	if cfg.Supervisor.AutoPauseAfterNFails <= 0 {
		errs = append(errs, "supervisor.autoPauseAfterNFails must be positive")
	}
	if cfg.Supervisor.HeartbeatIntervalMs <= 0 {
		errs = append(errs, "supervisor.heartbeatIntervalMs must be positive")
	}

	if cfg.Intake.PollEveryMs <= 0 {
		errs = append(errs, "intake.pollEveryMs must be positive")
	}
	if cfg.Intake.PollConcurrency <= 0 {
		errs = append(errs, "intake.pollConcurrency must be positive")
	}
	if cfg.Feedback.BatchLimit <= 0 {
		errs = append(errs, "feedback.batchLimit must be positive")
	}

	if cfg.History.Driver != "sqlite3" && cfg.History.Driver != "pgx" {
		errs = append(errs, "history.driver must be sqlite3 or pgx")
	}
	if cfg.History.Driver == "pgx" && cfg.History.DSN == "" {
		errs = append(errs, "history.dsn is required when history.driver is pgx")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
