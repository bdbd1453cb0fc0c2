package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the IR bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Broadlink BroadlinkConfig `yaml:"broadlink"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite settings for the device event history.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays bounds the event history. Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket settings for the live event stream.
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

// BroadlinkConfig contains the device engine settings.
type BroadlinkConfig struct {
	// BridgeID identifies this bridge in health and discovery messages.
	BridgeID string `yaml:"bridge_id"`

	// HealthInterval is the health publish period in seconds.
	HealthInterval int `yaml:"health_interval"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`

	// Devices carries per-device settings. Entries with Watch set are
	// monitored from startup even before they announce themselves.
	Devices []DeviceConfig `yaml:"devices"`
}

// DiscoveryConfig controls the discovery broadcast window.
type DiscoveryConfig struct {
	// Mode is "automatic" or "passive".
	Mode string `yaml:"mode"`

	// Interval is the broadcast period in seconds.
	Interval int `yaml:"interval"`

	// Timeout is the length of the broadcast window in seconds.
	Timeout int `yaml:"timeout"`
}

// LivenessConfig controls the per-device reachability probe.
type LivenessConfig struct {
	Interval int `yaml:"interval"`
	Timeout  int `yaml:"timeout"`

	// Privileged uses raw ICMP sockets (needs CAP_NET_RAW).
	Privileged bool `yaml:"privileged"`
}

// KeepaliveConfig controls the heartbeat datagram.
type KeepaliveConfig struct {
	Interval int `yaml:"interval"`
}

// DeviceConfig holds settings for one device, matched by host or MAC.
type DeviceConfig struct {
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	MAC          string `yaml:"mac"`
	DelayAfterMS int    `yaml:"delay_after_ms"`
	Watch        bool   `yaml:"watch"`
}

// DelayAfter returns the post-send cooldown.
func (d DeviceConfig) DelayAfter() time.Duration {
	return time.Duration(d.DelayAfterMS) * time.Millisecond
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: IRBRIDGE_SECTION_KEY
// For example: IRBRIDGE_DATABASE_PATH, IRBRIDGE_DISCOVERY_MODE
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:          "./data/irbridge.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-irbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Broadlink: BroadlinkConfig{
			BridgeID:       "broadlink-01",
			HealthInterval: 30,
			Discovery: DiscoveryConfig{
				Mode:     "automatic",
				Interval: 2,
				Timeout:  60,
			},
			Liveness: LivenessConfig{
				Interval: 5,
				Timeout:  5,
			},
			Keepalive: KeepaliveConfig{
				Interval: 90,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: IRBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IRBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("IRBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("IRBRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("IRBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("IRBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("IRBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("IRBRIDGE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("IRBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("IRBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("IRBRIDGE_DISCOVERY_MODE"); v != "" {
		cfg.Broadlink.Discovery.Mode = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	errs = append(errs, c.Broadlink.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (b *BroadlinkConfig) validate() []string {
	var errs []string

	if b.BridgeID == "" {
		errs = append(errs, "broadlink.bridge_id is required")
	}
	switch b.Discovery.Mode {
	case "automatic", "passive":
	default:
		errs = append(errs, fmt.Sprintf("broadlink.discovery.mode %q must be automatic or passive", b.Discovery.Mode))
	}
	if b.Discovery.Interval < 1 {
		errs = append(errs, "broadlink.discovery.interval must be at least 1 second")
	}
	if b.Discovery.Timeout < b.Discovery.Interval {
		errs = append(errs, "broadlink.discovery.timeout must not be shorter than the interval")
	}
	if b.Liveness.Interval < 1 || b.Liveness.Timeout < 1 {
		errs = append(errs, "broadlink.liveness interval and timeout must be at least 1 second")
	}
	if b.Keepalive.Interval < 1 {
		errs = append(errs, "broadlink.keepalive.interval must be at least 1 second")
	}

	for i, d := range b.Devices {
		if d.Host == "" && d.MAC == "" {
			errs = append(errs, fmt.Sprintf("broadlink.devices[%d]: host or mac is required", i))
		}
		if d.DelayAfterMS < 0 {
			errs = append(errs, fmt.Sprintf("broadlink.devices[%d]: delay_after_ms must not be negative", i))
		}
		if d.Watch && d.Host == "" {
			errs = append(errs, fmt.Sprintf("broadlink.devices[%d]: watch requires host", i))
		}
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (a APIConfig) GetReadTimeout() time.Duration { return seconds(a.Timeouts.Read) }

// GetWriteTimeout returns the API write timeout as a Duration.
func (a APIConfig) GetWriteTimeout() time.Duration { return seconds(a.Timeouts.Write) }

// GetIdleTimeout returns the API idle timeout as a Duration.
func (a APIConfig) GetIdleTimeout() time.Duration { return seconds(a.Timeouts.Idle) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Retention returns the event history retention period.
func (d DatabaseConfig) Retention() time.Duration {
	return time.Duration(d.RetentionDays) * 24 * time.Hour
}

// HealthIntervalDuration returns the health publish period.
func (b *BroadlinkConfig) HealthIntervalDuration() time.Duration { return seconds(b.HealthInterval) }

// DiscoveryInterval returns the broadcast period.
func (b *BroadlinkConfig) DiscoveryInterval() time.Duration { return seconds(b.Discovery.Interval) }

// DiscoveryTimeout returns the broadcast window length.
func (b *BroadlinkConfig) DiscoveryTimeout() time.Duration { return seconds(b.Discovery.Timeout) }

// ProbeInterval returns the liveness probe period.
func (b *BroadlinkConfig) ProbeInterval() time.Duration { return seconds(b.Liveness.Interval) }

// ProbeTimeout returns the liveness probe timeout.
func (b *BroadlinkConfig) ProbeTimeout() time.Duration { return seconds(b.Liveness.Timeout) }

// KeepaliveInterval returns the heartbeat period.
func (b *BroadlinkConfig) KeepaliveInterval() time.Duration { return seconds(b.Keepalive.Interval) }
