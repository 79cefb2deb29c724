// Package config handles configuration loading, validation, and persistence
// for the blockgate server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultGamePort   = 25565
	DefaultAPIPort    = 8080
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	ServerData      ServerData      `json:"server_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerData contains the game-facing transport settings.
type ServerData struct {
	Network NetworkConfig `json:"network"`
	Tick    TickConfig    `json:"tick"`
	Login   LoginConfig   `json:"login"`
}

// NetworkConfig controls the listener and per-connection I/O.
type NetworkConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// Upper bound on connections decoding concurrently.
	IOThreads int `json:"io_threads"`

	// A connection that sends nothing for this long is closed.
	IdleTimeoutSec  int `json:"idle_timeout_sec"`
	WriteTimeoutSec int `json:"write_timeout_sec"`

	// IP type-of-service byte applied to accepted sockets. Zero leaves the
	// kernel default.
	IPTOS   int  `json:"ip_tos"`
	NoDelay bool `json:"tcp_no_delay"`

	// Outbound backlog above which a connection is logged as slow.
	OutboundQueueWarn int `json:"outbound_queue_warn"`
}

// TickConfig controls the tick loop and queue drain.
type TickConfig struct {
	RateHz int `json:"rate_hz"`

	// Maximum synchronous packets handled per connection per tick.
	DrainBound int `json:"drain_bound"`

	LagWarningMs  int `json:"lag_warning_ms"`
	LagCriticalMs int `json:"lag_critical_ms"`
}

// LoginConfig controls the pending-connection phase.
type LoginConfig struct {
	OnlineMode   bool   `json:"online_mode"`
	SessionURL   string `json:"session_url"`
	TimeoutTicks int    `json:"timeout_ticks"`
	MOTD         string `json:"motd"`
	MaxPlayers   int    `json:"max_players"`
	KeyBits      int    `json:"key_bits"`
	LevelType    string `json:"level_type"`
	GameMode     int    `json:"game_mode"`
}

// ApplicationData contains management and observability settings.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	GeneralHealthInterval int `json:"general_health_interval_sec"`
	LagCheckInterval      int `json:"lag_check_interval_sec"`
	StatsPollingInterval  int `json:"stats_polling_interval_sec"`
	HeartbeatInterval     int `json:"heartbeat_interval_sec"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds connection-log storage settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerData: ServerData{
			Network: NetworkConfig{
				Host:              "0.0.0.0",
				Port:              DefaultGamePort,
				IOThreads:         3,
				IdleTimeoutSec:    30,
				WriteTimeoutSec:   10,
				IPTOS:             0x18,
				NoDelay:           true,
				OutboundQueueWarn: 4096,
			},
			Tick: TickConfig{
				RateHz:        20,
				DrainBound:    1000,
				LagWarningMs:  100,
				LagCriticalMs: 500,
			},
			Login: LoginConfig{
				OnlineMode:   false,
				SessionURL:   "https://session.minecraft.net/game/checkserver.jsp",
				TimeoutTicks: 600,
				MOTD:         "A blockgate server",
				MaxPlayers:   20,
				KeyBits:      1024,
				LevelType:    "default",
			},
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				GeneralHealthInterval: 60,
				LagCheckInterval:      120,
				StatsPollingInterval:  10,
				HeartbeatInterval:     60,
			},
			API: APIConfig{
				Enabled:      true,
				Port:         DefaultAPIPort,
				RateLimitRPS: 100,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "blockgate",
			},
			Database: DatabaseConfig{
				Enabled:       true,
				Path:          filepath.Join(DefaultConfigDir, "connections.db"),
				RetentionDays: 14,
				CleanupTime:   "04:00",
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option, including ones
	// added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServerData returns a copy of the server configuration.
func (c *Config) GetServerData() ServerData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerData
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetLogin updates the login settings. Only these take effect without a
// restart; they are read again each time a connection is accepted.
func (c *Config) SetLogin(login LoginConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerData.Login = login
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath sets where Save writes to.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// IdleTimeout returns the idle read timeout.
func (n NetworkConfig) IdleTimeout() time.Duration {
	return time.Duration(n.IdleTimeoutSec) * time.Second
}

// WriteTimeout returns the per-write deadline.
func (n NetworkConfig) WriteTimeout() time.Duration {
	return time.Duration(n.WriteTimeoutSec) * time.Second
}

// Addr returns host:port.
func (n NetworkConfig) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Interval returns the duration of one tick.
func (t TickConfig) Interval() time.Duration {
	if t.RateHz <= 0 {
		return 50 * time.Millisecond
	}
	return time.Second / time.Duration(t.RateHz)
}
