// Package config centralises runtime configuration for busmux services.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where busmux operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Duration is a time.Duration that unmarshals from yaml scalars such as "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BrokerConfig configures the websocket broker connections. The daemon opens
// two: one for publishing, one for subscriptions. An empty URL selects the
// in-process loopback broker.
type BrokerConfig struct {
	URL          string   `yaml:"url"`
	DialTimeout  Duration `yaml:"dialTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
	ControlRate  float64  `yaml:"controlRatePerSec"`
}

// BusConfig sizes the actor queues.
type BusConfig struct {
	QueueCapacity int `yaml:"queueCapacity"`
	SinkBuffer    int `yaml:"sinkBuffer"`
}

// TelemetryConfig controls the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
}

// Config is the busmux configuration tree.
type Config struct {
	Environment Environment     `yaml:"environment"`
	Broker      BrokerConfig    `yaml:"broker"`
	Bus         BusConfig       `yaml:"bus"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	// Taps lists topics the daemon subscribes to and logs, mostly useful for
	// smoke-testing a deployment.
	Taps []string `yaml:"taps"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Default returns the default busmux configuration.
func Default() Config {
	return Config{
		Environment: EnvProd,
		Broker: BrokerConfig{
			URL:          "",
			DialTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(5 * time.Second),
			ControlRate:  4,
		},
		Bus: BusConfig{
			QueueCapacity: 128,
			SinkBuffer:    16,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4318",
			OTLPInsecure: true,
			ServiceName:  "busmux",
		},
		Taps:  nil,
		Debug: false,
	}
}

// LoadOrDefault reads the configuration file at path, overlaying it on the
// defaults and then applying environment overrides. A missing file is not an
// error; the second return value reports whether a file was loaded.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()

	loaded := false
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			loaded = true
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg = applyEnv(cfg)
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, loaded, err
	}
	return cfg, loaded, nil
}

func applyEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv("BUSMUX_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("BUSMUX_BROKER_URL")); v != "" {
		cfg.Broker.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("BUSMUX_QUEUE_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Bus.QueueCapacity = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BUSMUX_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("BUSMUX_DEBUG")); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	return cfg
}

func (c Config) normalize() Config {
	if c.Environment == "" {
		c.Environment = EnvProd
	}
	if c.Broker.DialTimeout <= 0 {
		c.Broker.DialTimeout = Duration(10 * time.Second)
	}
	if c.Broker.WriteTimeout <= 0 {
		c.Broker.WriteTimeout = Duration(5 * time.Second)
	}
	if c.Broker.ControlRate <= 0 {
		c.Broker.ControlRate = 4
	}
	if c.Bus.QueueCapacity <= 0 {
		c.Bus.QueueCapacity = 128
	}
	if c.Bus.SinkBuffer <= 0 {
		c.Bus.SinkBuffer = 16
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "busmux"
	}
	return c
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Broker.URL != "" && !strings.HasPrefix(c.Broker.URL, "ws://") && !strings.HasPrefix(c.Broker.URL, "wss://") {
		return fmt.Errorf("broker url must use ws:// or wss://, got %q", c.Broker.URL)
	}
	for _, tap := range c.Taps {
		if strings.TrimSpace(tap) == "" {
			return fmt.Errorf("tap topics must not be blank")
		}
	}
	return nil
}
