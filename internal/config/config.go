package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvRelayToken = "TANDEM_RELAY_TOKEN"
	EnvRelayURL   = "TANDEM_RELAY_URL"
	EnvDeviceID   = "TANDEM_DEVICE_ID"
)

// Relay transports.
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	TransportNone      = "none"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Library  LibraryConfig  `toml:"library"`
	Logging  LoggingConfig  `toml:"logging"`
	Relay    RelayConfig    `toml:"relay"`
	Player   PlayerConfig   `toml:"player"`
	Sync     SyncConfig     `toml:"sync"`
}

// ServerConfig contains the control API configuration
type ServerConfig struct {
	Port        string `toml:"port"`
	Host        string `toml:"host"`
	ReadTimeout int    `toml:"read_timeout_seconds"`
}

// DatabaseConfig contains database-related configuration
type DatabaseConfig struct {
	Path            string `toml:"path"`
	CacheTTLMinutes int    `toml:"cache_ttl_minutes"`
}

// LibraryConfig contains local music library configuration
type LibraryConfig struct {
	Path             string   `toml:"path"`
	SupportedFormats []string `toml:"supported_formats"`
	WatchForChanges  bool     `toml:"watch_for_changes"`
	ScanOnStartup    bool     `toml:"scan_on_startup"`
	Workers          int      `toml:"workers"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// RelayConfig selects and configures the channel to the other devices
type RelayConfig struct {
	Transport string `toml:"transport"`
	DeviceID  string `toml:"device_id"`
	URL       string `toml:"url"`
	Token     string `toml:"token"`
	RedisAddr string `toml:"redis_addr"`
	Topic     string `toml:"topic"`
	Buffer    int    `toml:"buffer"`
}

// PlayerConfig contains media engine configuration
type PlayerConfig struct {
	MPVPath         string `toml:"mpv_path"`
	SocketPath      string `toml:"socket_path"`
	SeekThresholdMS int    `toml:"seek_threshold_ms"`
}

// SyncConfig bounds the asynchronous work of the state machine
type SyncConfig struct {
	ActionTimeout   int `toml:"action_timeout_seconds"`
	AddonTimeout    int `toml:"addon_timeout_seconds"`
	MetadataTimeout int `toml:"metadata_timeout_seconds"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8090",
			Host:        "127.0.0.1",
			ReadTimeout: 30,
		},
		Database: DatabaseConfig{
			Path:            "./tandem.db",
			CacheTTLMinutes: 15,
		},
		Library: LibraryConfig{
			Path:             "./music",
			SupportedFormats: []string{".flac", ".mp3", ".wav", ".m4a"},
			WatchForChanges:  true,
			ScanOnStartup:    true,
			Workers:          4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Relay: RelayConfig{
			Transport: TransportWebSocket,
			URL:       "ws://localhost:8787/relay",
			RedisAddr: "localhost:6379",
			Topic:     "tandem",
			Buffer:    256,
		},
		Player: PlayerConfig{
			MPVPath:         "mpv",
			SocketPath:      filepath.Join(os.TempDir(), "tandem-mpv.sock"),
			SeekThresholdMS: 50,
		},
		Sync: SyncConfig{
			ActionTimeout:   30,
			AddonTimeout:    3,
			MetadataTimeout: 10,
		},
	}
}

// LoadConfig loads configuration from a TOML file, then applies .env and
// environment overrides. A missing file is created with defaults. A device
// ID is generated and written back on first start.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	created := false
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		created = true
	} else if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Relay.DeviceID == "" && os.Getenv(EnvDeviceID) == "" {
		cfg.Relay.DeviceID = uuid.NewString()
		created = true
	}
	if created {
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to write config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRelayToken); v != "" {
		c.Relay.Token = v
	}
	if v := os.Getenv(EnvRelayURL); v != "" {
		c.Relay.URL = v
	}
	if v := os.Getenv(EnvDeviceID); v != "" {
		c.Relay.DeviceID = v
	}
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Tandem player configuration
# relay.token is better kept in the TANDEM_RELAY_TOKEN environment variable.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.Library.Path != "" && len(c.Library.SupportedFormats) == 0 {
		return fmt.Errorf("at least one supported audio format must be specified")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	switch c.Relay.Transport {
	case TransportWebSocket:
		if c.Relay.URL == "" {
			return fmt.Errorf("relay url cannot be empty for the websocket transport")
		}
	case TransportRedis:
		if c.Relay.RedisAddr == "" || c.Relay.Topic == "" {
			return fmt.Errorf("relay redis_addr and topic are required for the redis transport")
		}
	case TransportNone:
	default:
		return fmt.Errorf("invalid relay transport: %s (must be websocket, redis, or none)", c.Relay.Transport)
	}
	if c.Relay.DeviceID == "" {
		return fmt.Errorf("relay device id cannot be empty")
	}

	if c.Sync.ActionTimeout < 0 || c.Sync.AddonTimeout < 0 || c.Sync.MetadataTimeout < 0 {
		return fmt.Errorf("sync timeouts cannot be negative")
	}

	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// CacheTTL is the lifetime of cached track metadata.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Database.CacheTTLMinutes) * time.Minute
}

// SeekThreshold is the drift tolerated before the engine is re-seeked.
func (c *Config) SeekThreshold() time.Duration {
	return time.Duration(c.Player.SeekThresholdMS) * time.Millisecond
}

// ActionTimeout bounds each asynchronous state transition.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.Sync.ActionTimeout) * time.Second
}

// AddonTimeout bounds addon lookups when a track is prepared.
func (c *Config) AddonTimeout() time.Duration {
	return time.Duration(c.Sync.AddonTimeout) * time.Second
}

// MetadataTimeout bounds metadata lookups for tracks added by peers.
func (c *Config) MetadataTimeout() time.Duration {
	return time.Duration(c.Sync.MetadataTimeout) * time.Second
}
