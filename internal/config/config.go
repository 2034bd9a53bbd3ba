// Package config handles power station simulator configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/powerstation/config.yaml,
// /etc/powerstation/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "powerstation", "config.yaml"))
	}

	paths = append(paths, "/etc/powerstation/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all simulator configuration.
type Config struct {
	Station   StationConfig   `yaml:"station"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Journal   JournalConfig   `yaml:"journal"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
	LogFile   LogFileConfig   `yaml:"log_file"`
}

// StationConfig is the static identity of the simulated station.
type StationConfig struct {
	ID         string `yaml:"id"`
	Location   string `yaml:"location"`
	CapacityKW int    `yaml:"capacity_kw"`
}

// MQTTConfig defines the broker connection used for telemetry and
// control.
type MQTTConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`

	// EnableWebsocket tunnels MQTT over a WebSocket connection instead
	// of a raw TCP stream.
	EnableWebsocket bool `yaml:"enable_websocket"`
	TLS             bool `yaml:"tls"`

	// ClientID defaults to the station ID.
	ClientID string `yaml:"client_id"`
	// UniqueClientID appends a random suffix to ClientID so that two
	// processes simulating the same station do not kick each other off
	// the broker.
	UniqueClientID bool `yaml:"unique_client_id"`

	KeepAliveSec      int `yaml:"keepalive_sec"`
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	// PublishTimeoutSec bounds each publish call. Zero means no timeout.
	PublishTimeoutSec int `yaml:"publish_timeout_sec"`

	// AutoReconnect switches the transport to a managed connection that
	// reconnects after broker drops. Off by default: a lost connection
	// stays lost until the process restarts.
	AutoReconnect bool `yaml:"auto_reconnect"`

	// ControlRateLimit caps inbound control messages per second.
	// Zero, the default, means unlimited; messages past a positive cap
	// are dropped.
	ControlRateLimit int `yaml:"control_rate_limit"`
}

// SimulatorConfig controls emitter timing.
type SimulatorConfig struct {
	// PublishIntervalSec is the base interval. Status publishes every
	// 2x and metadata every 5x this value.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// JournalConfig enables the SQLite event journal.
type JournalConfig struct {
	Path   string `yaml:"path"`   // empty disables the journal
	Driver string `yaml:"driver"` // sqlite3 (cgo, default) or sqlite (pure Go)
}

// LogFileConfig adds a rotating log file next to stdout.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Configured reports whether the broker connection has the minimum
// required settings.
func (c MQTTConfig) Configured() bool {
	return c.Host != "" && c.Port > 0
}

// BrokerURL returns the broker address as a URL whose scheme selects
// the transport: mqtt, mqtts, ws or wss.
func (c MQTTConfig) BrokerURL() string {
	scheme := "mqtt"
	switch {
	case c.EnableWebsocket && c.TLS:
		scheme = "wss"
	case c.EnableWebsocket:
		scheme = "ws"
	case c.TLS:
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// BaseInterval returns the output emitter interval.
func (c SimulatorConfig) BaseInterval() time.Duration {
	return time.Duration(c.PublishIntervalSec) * time.Second
}

// StatusInterval returns the status emitter interval (2x base).
func (c SimulatorConfig) StatusInterval() time.Duration {
	return 2 * c.BaseInterval()
}

// MetadataInterval returns the metadata emitter interval (5x base).
func (c SimulatorConfig) MetadataInterval() time.Duration {
	return 5 * c.BaseInterval()
}

// Enabled reports whether the journal should be opened.
func (c JournalConfig) Enabled() bool {
	return c.Path != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-value fields with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Station.ID == "" {
		c.Station.ID = "ps-001"
	}
	if c.Station.Location == "" {
		c.Station.Location = "Dhaka, Bangladesh"
	}
	if c.Station.CapacityKW == 0 {
		c.Station.CapacityKW = 1000
	}
	if c.MQTT.Host == "" {
		c.MQTT.Host = "localhost"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "smartgrid/powerstation"
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.ConnectTimeoutSec == 0 {
		c.MQTT.ConnectTimeoutSec = 10
	}
	if c.Simulator.PublishIntervalSec == 0 {
		c.Simulator.PublishIntervalSec = 2
	}
	if c.Journal.Driver == "" {
		c.Journal.Driver = "sqlite3"
	}
	if c.LogFile.MaxSizeMB == 0 {
		c.LogFile.MaxSizeMB = 50
	}
}

// Validate checks the configuration for values the simulator cannot
// run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Station.ID) == "" {
		return fmt.Errorf("station.id must not be empty")
	}
	if strings.ContainsAny(c.Station.ID, "/+#") {
		return fmt.Errorf("station.id %q must not contain MQTT topic characters (/ + #)", c.Station.ID)
	}
	if c.Station.CapacityKW <= 0 {
		return fmt.Errorf("station.capacity_kw must be positive, got %d", c.Station.CapacityKW)
	}
	if !c.MQTT.Configured() {
		return fmt.Errorf("mqtt.host and mqtt.port are required")
	}
	if c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
	}
	if c.MQTT.PublishTimeoutSec < 0 {
		return fmt.Errorf("mqtt.publish_timeout_sec must not be negative")
	}
	if c.Simulator.PublishIntervalSec <= 0 {
		return fmt.Errorf("simulator.publish_interval_sec must be positive, got %d", c.Simulator.PublishIntervalSec)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Journal.Driver != "sqlite3" && c.Journal.Driver != "sqlite" {
		return fmt.Errorf("unknown journal.driver %q (valid: sqlite3, sqlite)", c.Journal.Driver)
	}
	return nil
}
