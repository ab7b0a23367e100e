package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/vpodzime/lvm-dubstep/pkg/lvm"
)

const (
	// BusSystem selects the system message bus
	BusSystem = "system"
	// BusSession selects the per-login session bus
	BusSession = "session"
)

// Config represents the daemon configuration
type Config struct {
	// Bus is the message bus the daemon claims its name on.
	Bus string `yaml:"bus" env:"LVMDBUSD_BUS"`

	// LVM command configuration
	LVM LVMConfig `yaml:"lvm"`

	// Request engine configuration
	Engine EngineConfig `yaml:"engine"`

	// Daemon configuration
	Daemon DaemonConfig `yaml:"daemon"`
}

// LVMConfig holds lvm command configuration
type LVMConfig struct {
	Binary         string   `yaml:"lvm_binary" env:"LVM_DBUSCMD"`
	CommandTimeout Duration `yaml:"command_timeout" env:"LVMDBUSD_COMMAND_TIMEOUT"`
}

// EngineConfig holds request engine configuration
type EngineConfig struct {
	Workers   int `yaml:"workers" env:"LVMDBUSD_WORKERS"`
	QueueSize int `yaml:"queue_size" env:"LVMDBUSD_QUEUE_SIZE"`
}

// DaemonConfig holds daemon-wide settings
type DaemonConfig struct {
	// RefreshInterval enables a periodic full reload when non-zero.
	RefreshInterval        Duration `yaml:"refresh_interval" env:"LVMDBUSD_REFRESH_INTERVAL"`
	IntrospectionCacheSize int      `yaml:"introspection_cache_size"`
	// HealthEndpoint is a unix:// or tcp:// address for the gRPC health
	// service. Empty disables it.
	HealthEndpoint string `yaml:"health_endpoint" env:"LVMDBUSD_HEALTH_ENDPOINT"`
}

// Duration is a wrapper for time.Duration to support YAML unmarshaling
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalText lets environment overrides use the same syntax as the file.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Bus == "" {
		c.Bus = BusSystem
	}
	if c.LVM.Binary == "" {
		c.LVM.Binary = lvm.DefaultBinary
	}
	if c.LVM.CommandTimeout.Duration == 0 {
		c.LVM.CommandTimeout.Duration = 60 * time.Second
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 1
	}
	if c.Engine.QueueSize == 0 {
		c.Engine.QueueSize = 64
	}
	if c.Daemon.IntrospectionCacheSize == 0 {
		c.Daemon.IntrospectionCacheSize = 32
	}
}

// LoadConfig loads configuration from a file. An empty path yields the
// defaults. Environment overrides are applied in both cases.
func LoadConfig(path string) (*Config, error) {
	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.setDefaults()
	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Bus != BusSystem && c.Bus != BusSession {
		return fmt.Errorf("bus must be %q or %q, got %q", BusSystem, BusSession, c.Bus)
	}

	if c.LVM.Binary == "" {
		return fmt.Errorf("lvm.lvm_binary is required")
	}
	if c.LVM.CommandTimeout.Duration < 0 {
		return fmt.Errorf("lvm.command_timeout must not be negative")
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if c.Engine.QueueSize < 0 {
		return fmt.Errorf("engine.queue_size must not be negative")
	}

	if c.Daemon.RefreshInterval.Duration < 0 {
		return fmt.Errorf("daemon.refresh_interval must not be negative")
	}
	if c.Daemon.IntrospectionCacheSize < 0 {
		return fmt.Errorf("daemon.introspection_cache_size must not be negative")
	}

	return nil
}
