package collector

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/databot-io/databot-go/ble"
	"github.com/databot-io/databot-go/protocol"
)

// Config enumerates every recognized collection option: the sensor
// selection, the device address, the fixed service UUID triple, and link
// timing. Zero values are filled by NewConfig; Validate runs before any
// link activity.
type Config struct {
	protocol.Selection `yaml:",inline"`

	// Address is the device's link address. Left empty, the run loop
	// resolves it via the address cache (scanning on a cache miss).
	Address string `yaml:"address"`

	ServiceUUID string `yaml:"service_uuid" default:"0000ffe0-0000-1000-8000-00805f9b34fb"`
	ReadUUID    string `yaml:"read_uuid" default:"0000ffe1-0000-1000-8000-00805f9b34fb"`
	WriteUUID   string `yaml:"write_uuid" default:"0000ffe2-0000-1000-8000-00805f9b34fb"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
}

// NewConfig returns a config with stock-firmware defaults and no sensors
// enabled.
func NewConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration without touching the link layer.
// Selection problems surface as *protocol.ConfigError.
func (c *Config) Validate() error {
	// Encoding is pure; a dry run applies the full selection rules (at
	// least one sensor, frame within the device's payload bound).
	if _, err := protocol.EncodeCommand(&c.Selection); err != nil {
		return err
	}
	if c.Refresh < protocol.MinRefresh || c.Refresh > protocol.MaxRefresh {
		return &protocol.ConfigError{Reason: fmt.Sprintf(
			"refresh interval %s out of range [%s, %s]", c.Refresh, protocol.MinRefresh, protocol.MaxRefresh)}
	}
	if c.ServiceUUID == "" || c.ReadUUID == "" || c.WriteUUID == "" {
		return &protocol.ConfigError{Reason: "service, read, and write UUIDs are required"}
	}
	if c.ConnectTimeout <= 0 {
		return &protocol.ConfigError{Reason: "connect timeout must be positive"}
	}
	return nil
}

// descriptor returns the session's UUID triple.
func (c *Config) descriptor() ble.Descriptor {
	return ble.Descriptor{
		Service: c.ServiceUUID,
		Read:    c.ReadUUID,
		Write:   c.WriteUUID,
	}
}
