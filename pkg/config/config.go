package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 3000
	DefaultPath        = "/discord"
	DefaultSinkGuildID = "*"
	DefaultDBPath      = "wynnbridge.db"

	defaultOutboundBuffer     = 256
	defaultEffectAttempts     = 4
	defaultEffectBackoffMilli = 200
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Auth     AuthConfig     `json:"auth"`
	Storage  StorageConfig  `json:"storage"`
	Relay    RelayConfig    `json:"relay"`
	Effects  EffectsConfig  `json:"effects"`
	Channels ChannelsConfig `json:"channels"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// GatewayConfig configures the websocket endpoint and health server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Path is the websocket endpoint agents and the sink connect to.
	Path string `json:"path"`
	// SinkGuildID is the reserved guild claim that marks the platform sink.
	SinkGuildID string `json:"sink_guild_id"`
}

// AuthConfig configures handshake credential verification.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// StorageConfig points at the SQLite database backing channel, mute and reward state.
type StorageConfig struct {
	Path string `json:"path"`
}

// RelayConfig tunes the game-to-platform relay path.
type RelayConfig struct {
	MinClientVersion string `json:"min_client_version"`
	OutboundBuffer   int    `json:"outbound_buffer"`
	// Channels maps guild id to output channel and takes precedence over storage.
	Channels map[string]string `json:"channels,omitempty"`
}

// EffectsConfig controls retry behavior of detached reward ledger writes.
type EffectsConfig struct {
	MaxAttempts          int `json:"max_attempts"`
	InitialBackoffMillis int `json:"initial_backoff_millis"`
}

// ChannelsConfig stores optional in-process sink adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the Telegram platform sink.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
	// Guilds maps Telegram chat id to the guild its messages are delivered to.
	Guilds map[string]string `json:"guilds,omitempty"`
}

// envOverrides holds raw env values applied on top of the file config.
type envOverrides struct {
	JWTSecret         string   `env:"WYNNBRIDGE_JWT_SECRET"`
	DBPath            string   `env:"WYNNBRIDGE_DB_PATH"`
	MinClientVersion  string   `env:"WYNNBRIDGE_MIN_CLIENT_VERSION"`
	Port              int      `env:"WYNNBRIDGE_PORT"`
	TelegramToken     string   `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAllowFrom []string `env:"TELEGRAM_ALLOW_FROM" envSeparator:","`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills zero-valued settings with their runtime defaults.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}

	if strings.TrimSpace(c.Gateway.Host) == "" {
		c.Gateway.Host = DefaultHost
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = DefaultPort
	}
	if strings.TrimSpace(c.Gateway.Path) == "" {
		c.Gateway.Path = DefaultPath
	}
	if strings.TrimSpace(c.Gateway.SinkGuildID) == "" {
		c.Gateway.SinkGuildID = DefaultSinkGuildID
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultDBPath
	}
	if c.Relay.OutboundBuffer <= 0 {
		c.Relay.OutboundBuffer = defaultOutboundBuffer
	}
	if c.Effects.MaxAttempts <= 0 {
		c.Effects.MaxAttempts = defaultEffectAttempts
	}
	if c.Effects.InitialBackoffMillis <= 0 {
		c.Effects.InitialBackoffMillis = defaultEffectBackoffMilli
	}
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var raw envOverrides
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if value := strings.TrimSpace(raw.JWTSecret); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(raw.DBPath); value != "" {
		cfg.Storage.Path = value
	}
	if value := strings.TrimSpace(raw.MinClientVersion); value != "" {
		cfg.Relay.MinClientVersion = value
	}
	if raw.Port > 0 {
		cfg.Gateway.Port = raw.Port
	}
	if value := strings.TrimSpace(raw.TelegramToken); value != "" {
		cfg.Channels.Telegram.Token = value
	}
	if allowFrom := compact(raw.TelegramAllowFrom); len(allowFrom) > 0 {
		cfg.Channels.Telegram.AllowFrom = allowFrom
	}

	return nil
}

// compact trims values and drops empty entries.
func compact(values []string) []string {
	clean := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is WYNNBRIDGE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("WYNNBRIDGE_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("WYNNBRIDGE_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
