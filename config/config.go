// Package config handles configuration persistence for fieldlink.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // instance namespace for topic/key isolation
	Devices   []Device       `yaml:"devices"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Web       WebConfig      `yaml:"web,omitempty"`
	PollRate  time.Duration  `yaml:"poll_rate"`
	LogFile   string         `yaml:"log_file,omitempty"`
	DebugLog  string         `yaml:"debug_log,omitempty"`

	// dataMu protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call
	// UnlockAndSave(). Save() acquires the lock internally.
	dataMu sync.Mutex `yaml:"-"`
}

// Device describes one field device and its point table.
type Device struct {
	Name     string        `yaml:"name"`
	Protocol string        `yaml:"protocol"` // "modbus", "sim", ...
	Address  string        `yaml:"address"`  // e.g. "10.0.0.5:502"
	UnitID   byte          `yaml:"unit_id,omitempty"`
	Enabled  bool          `yaml:"enabled"`
	PollRate time.Duration `yaml:"poll_rate,omitempty"` // overrides global
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Points   []Point       `yaml:"points"`
}

// Point maps one four-remote point onto a protocol address.
// Register/Table/Format/WordOrder are interpreted by the protocol
// driver; the sim driver only uses ID, Kind and Value.
type Point struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"` // telemetry, signal, control, adjustment
	Enabled bool   `yaml:"enabled"`

	Register  uint16 `yaml:"register,omitempty"`
	Table     string `yaml:"table,omitempty"`      // holding, input, coil, discrete
	Format    string `yaml:"format,omitempty"`     // u16, s16, u32, s32, f32, f64
	WordOrder string `yaml:"word_order,omitempty"` // big, little, big_swap, little_swap

	// Engineering transform: value = raw*Scale + Offset.
	Scale  float64 `yaml:"scale,omitempty"`
	Offset float64 `yaml:"offset,omitempty"`
	// Reverse inverts digital values on the way in and out.
	Reverse bool `yaml:"reverse,omitempty"`

	// Initial value for sim devices.
	Value float64 `yaml:"value,omitempty"`
}

// MQTTConfig holds configuration for one MQTT broker connection.
type MQTTConfig struct {
	Name         string `yaml:"name"`
	Broker       string `yaml:"broker"`
	Port         int    `yaml:"port"`
	ClientID     string `yaml:"client_id,omitempty"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	UseTLS       bool   `yaml:"use_tls,omitempty"`
	RootTopic    string `yaml:"root_topic"`
	QoS          byte   `yaml:"qos,omitempty"`
	Enabled      bool   `yaml:"enabled"`
	EnableWrites bool   `yaml:"enable_writes,omitempty"`
}

// ValkeyConfig holds configuration for one Valkey/Redis target.
type ValkeyConfig struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	Password  string `yaml:"password,omitempty"`
	Database  int    `yaml:"database,omitempty"`
	UseTLS    bool   `yaml:"use_tls,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
	Channel   string `yaml:"channel,omitempty"`
	TTL       int    `yaml:"ttl_seconds,omitempty"`
	Enabled   bool   `yaml:"enabled"`
}

// KafkaConfig holds configuration for one Kafka cluster.
type KafkaConfig struct {
	Name    string   `yaml:"name"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	UseTLS  bool     `yaml:"use_tls,omitempty"`
	Enabled bool     `yaml:"enabled"`
}

// WebConfig holds HTTP API server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// Default returns a configuration with sensible defaults and no
// devices.
func Default() *Config {
	return &Config{
		Namespace: "fieldlink",
		PollRate:  time.Second,
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
	}
}

// Load reads a YAML config file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Lock takes the config data mutex for a multi-field mutation.
func (c *Config) Lock() { c.dataMu.Lock() }

// UnlockAndSave releases the data mutex and persists the config.
func (c *Config) UnlockAndSave(path string) error {
	c.dataMu.Unlock()
	return c.Save(path)
}

// Save writes the config to disk, creating parent directories.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}

// DeviceByName returns the named device config, or nil.
func (c *Config) DeviceByName(name string) *Device {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i]
		}
	}
	return nil
}

// EffectivePollRate returns the device poll rate, falling back to the
// global rate and then one second.
func (c *Config) EffectivePollRate(d *Device) time.Duration {
	if d.PollRate > 0 {
		return d.PollRate
	}
	if c.PollRate > 0 {
		return c.PollRate
	}
	return time.Second
}

func (c *Config) normalize() {
	for i := range c.Devices {
		d := &c.Devices[i]
		for j := range d.Points {
			p := &d.Points[j]
			if p.Scale == 0 {
				p.Scale = 1
			}
			if p.Table == "" {
				p.Table = defaultTable(p.Kind)
			}
			if p.Format == "" {
				p.Format = "u16"
			}
			if p.WordOrder == "" {
				p.WordOrder = "big"
			}
		}
	}
	for i := range c.MQTT {
		if c.MQTT[i].Port == 0 {
			c.MQTT[i].Port = 1883
		}
		if c.MQTT[i].RootTopic == "" {
			c.MQTT[i].RootTopic = "fieldlink"
		}
	}
}

func defaultTable(kind string) string {
	switch kind {
	case "telemetry":
		return "input"
	case "signal":
		return "discrete"
	case "control":
		return "coil"
	case "adjustment":
		return "holding"
	default:
		return "holding"
	}
}
