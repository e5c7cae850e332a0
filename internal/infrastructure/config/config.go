package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Sector bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Sector   SectorConfig   `yaml:"sector"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Security SecurityConfig `yaml:"security"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SectorConfig contains the Sector Alarm account and panel settings.
type SectorConfig struct {
	// BaseURL is the vendor API root.
	// Default: "https://mypagesapi.sectoralarm.net"
	BaseURL string `yaml:"base_url"`

	// Email is the account login. Password may be plain text or
	// "enc:<ciphertext>" sealed with the security key file.
	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	PanelID   string `yaml:"panel_id"`
	PanelCode string `yaml:"panel_code"`

	// RequestTimeout bounds every vendor API call (seconds).
	// Default: 15
	RequestTimeout int `yaml:"request_timeout"`

	// TokenTTL is used when the vendor token carries no expiry claim (minutes).
	// Default: 720
	TokenTTL int `yaml:"token_ttl"`
}

// BridgeConfig contains poll loop, topic and session timing settings.
type BridgeConfig struct {
	// TopicPrefix is the namespace for state and command topics.
	// Default: "sector"
	TopicPrefix string `yaml:"topic_prefix"`

	// DiscoveryPrefix is the Home Assistant discovery root.
	// Default: "homeassistant"
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// PollInterval between status fetches (seconds). Default: 60
	PollInterval int `yaml:"poll_interval"`

	// RetryInitial and RetryMax bound the backoff after transient failures (seconds).
	RetryInitial int `yaml:"retry_initial"`
	RetryMax     int `yaml:"retry_max"`

	// ChallengeWindow is how long a 2FA challenge stays open (seconds). Default: 300
	ChallengeWindow int `yaml:"challenge_window"`

	// ReauthCooldown is the minimum gap between automatic login attempts (seconds).
	ReauthCooldown int `yaml:"reauth_cooldown"`

	// CommandTimeout bounds a single arm/disarm call (seconds). Default: 15
	CommandTimeout int `yaml:"command_timeout"`

	// HealthInterval is how often bridge status is re-evaluated (seconds). Default: 30
	HealthInterval int `yaml:"health_interval"`
}

// DatabaseConfig contains SQLite database settings.
// The database holds the persisted session token and the audit log.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// SecurityConfig contains at-rest secret settings.
type SecurityConfig struct {
	// KeyFile holds the 32-byte key used to seal the token and passwords.
	// Created on first start if missing.
	KeyFile string `yaml:"key_file"`
}

// APIConfig contains the operator HTTP API settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains status stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SECTORBRIDGE_SECTION_KEY
// For example: SECTORBRIDGE_SECTOR_PASSWORD, SECTORBRIDGE_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Sector: SectorConfig{
			BaseURL:        "https://mypagesapi.sectoralarm.net",
			RequestTimeout: 15,
			TokenTTL:       720,
		},
		Bridge: BridgeConfig{
			TopicPrefix:     "sector",
			DiscoveryPrefix: "homeassistant",
			PollInterval:    60,
			RetryInitial:    5,
			RetryMax:        300,
			ChallengeWindow: 300,
			ReauthCooldown:  60,
			CommandTimeout:  15,
			HealthInterval:  30,
		},
		Database: DatabaseConfig{
			Path:        "./data/sector-bridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "sector-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Security: SecurityConfig{
			KeyFile: "./data/secret.key",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8099,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 4096,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Sector account
	if v := os.Getenv("SECTORBRIDGE_SECTOR_EMAIL"); v != "" {
		cfg.Sector.Email = v
	}
	if v := os.Getenv("SECTORBRIDGE_SECTOR_PASSWORD"); v != "" {
		cfg.Sector.Password = v
	}
	if v := os.Getenv("SECTORBRIDGE_SECTOR_PANEL_ID"); v != "" {
		cfg.Sector.PanelID = v
	}
	if v := os.Getenv("SECTORBRIDGE_SECTOR_PANEL_CODE"); v != "" {
		cfg.Sector.PanelCode = v
	}

	// Bridge
	if v := os.Getenv("SECTORBRIDGE_BRIDGE_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.PollInterval = n
		}
	}

	// Database
	if v := os.Getenv("SECTORBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("SECTORBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SECTORBRIDGE_MQTT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = n
		}
	}
	if v := os.Getenv("SECTORBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SECTORBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Security
	if v := os.Getenv("SECTORBRIDGE_SECURITY_KEY_FILE"); v != "" {
		cfg.Security.KeyFile = v
	}

	// InfluxDB
	if v := os.Getenv("SECTORBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []string

	// Sector
	if c.Sector.BaseURL == "" {
		errs = append(errs, "sector.base_url is required")
	}
	if c.Sector.Email == "" {
		errs = append(errs, "sector.email is required")
	}
	if c.Sector.Password == "" {
		errs = append(errs, "sector.password is required (set SECTORBRIDGE_SECTOR_PASSWORD)")
	}
	if c.Sector.PanelID == "" {
		errs = append(errs, "sector.panel_id is required")
	} else if strings.ContainsAny(c.Sector.PanelID, "/+# ") {
		errs = append(errs, "sector.panel_id must not contain '/', '+', '#' or spaces")
	}
	if c.Sector.RequestTimeout < 1 {
		errs = append(errs, "sector.request_timeout must be at least 1 second")
	}

	// Bridge
	if c.Bridge.TopicPrefix == "" || strings.ContainsAny(c.Bridge.TopicPrefix, "+#") {
		errs = append(errs, "bridge.topic_prefix must be non-empty and contain no wildcards")
	}
	if c.Bridge.DiscoveryPrefix == "" || strings.ContainsAny(c.Bridge.DiscoveryPrefix, "+#") {
		errs = append(errs, "bridge.discovery_prefix must be non-empty and contain no wildcards")
	}
	if c.Bridge.PollInterval < 1 {
		errs = append(errs, "bridge.poll_interval must be at least 1 second")
	}
	if c.Bridge.RetryInitial < 1 || c.Bridge.RetryMax < c.Bridge.RetryInitial {
		errs = append(errs, "bridge.retry_initial must be >= 1 and <= bridge.retry_max")
	}
	if c.Bridge.ChallengeWindow < 1 {
		errs = append(errs, "bridge.challenge_window must be at least 1 second")
	}
	if c.Bridge.CommandTimeout < 1 {
		errs = append(errs, "bridge.command_timeout must be at least 1 second")
	}

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Security
	if c.Security.KeyFile == "" {
		errs = append(errs, "security.key_file is required")
	}

	// API
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// seconds converts an integer seconds field to a Duration.
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetPollInterval returns the poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration { return seconds(c.Bridge.PollInterval) }

// GetRetryInitial returns the first backoff delay after a transient failure.
func (c *Config) GetRetryInitial() time.Duration { return seconds(c.Bridge.RetryInitial) }

// GetRetryMax returns the backoff ceiling.
func (c *Config) GetRetryMax() time.Duration { return seconds(c.Bridge.RetryMax) }

// GetChallengeWindow returns how long a 2FA challenge stays open.
func (c *Config) GetChallengeWindow() time.Duration { return seconds(c.Bridge.ChallengeWindow) }

// GetReauthCooldown returns the minimum gap between automatic logins.
func (c *Config) GetReauthCooldown() time.Duration { return seconds(c.Bridge.ReauthCooldown) }

// GetCommandTimeout returns the arm/disarm call timeout.
func (c *Config) GetCommandTimeout() time.Duration { return seconds(c.Bridge.CommandTimeout) }

// GetHealthInterval returns the status re-evaluation interval.
func (c *Config) GetHealthInterval() time.Duration { return seconds(c.Bridge.HealthInterval) }

// GetRequestTimeout returns the vendor API request timeout.
func (c *Config) GetRequestTimeout() time.Duration { return seconds(c.Sector.RequestTimeout) }

// GetTokenTTL returns the fallback token lifetime.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Sector.TokenTTL) * time.Minute
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration { return seconds(c.API.Timeouts.Read) }

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration { return seconds(c.API.Timeouts.Write) }

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration { return seconds(c.API.Timeouts.Idle) }
