// Package config loads coordinator settings from YAML or JSON.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Format names a configuration encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Transport kinds.
const (
	TransportNone   = "none"
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportNATS   = "nats"
	TransportKafka  = "kafka"
)

var (
	ErrUnsupportedFormat = errors.New("config: unsupported format")
	ErrInvalid           = errors.New("config: invalid configuration")
)

// Config describes one coordinator.
type Config struct {
	// Name of the application; the default channel prefix.
	Name           string        `koanf:"name"`
	Prefix         string        `koanf:"prefix"`
	PublisherID    string        `koanf:"publisher_id"`
	PluginDebounce time.Duration `koanf:"plugin_debounce"`

	Transport Transport `koanf:"transport"`
	Lock      Lock      `koanf:"lock"`
}

// Transport selects and configures the pub/sub adapter.
type Transport struct {
	Kind    string  `koanf:"kind"`
	Redis   Redis   `koanf:"redis"`
	NATS    NATS    `koanf:"nats"`
	Kafka   Kafka   `koanf:"kafka"`
	Breaker Breaker `koanf:"breaker"`
}

type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type NATS struct {
	URL string `koanf:"url"`
}

type Kafka struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

// Breaker wraps the adapter in a circuit breaker when Threshold is positive.
type Breaker struct {
	Threshold int           `koanf:"threshold"`
	Timeout   time.Duration `koanf:"timeout"`
}

// Lock configures the lock manager.
type Lock struct {
	Shards     int `koanf:"shards"`
	MaxWaiters int `koanf:"max_waiters"`
}

// Default returns the configuration used for absent keys.
func Default() Config {
	return Config{
		Name:           "app",
		PluginDebounce: time.Second,
		Transport: Transport{
			Kind:    TransportMemory,
			Redis:   Redis{Addr: "localhost:6379"},
			NATS:    NATS{URL: "nats://localhost:4222"},
			Kafka:   Kafka{Brokers: []string{"localhost:9092"}},
			Breaker: Breaker{Timeout: 30 * time.Second},
		},
		Lock: Lock{Shards: 32},
	}
}

// Load reads the file at path. The format follows the extension: .yaml,
// .yml or .json.
func Load(path string) (Config, error) {
	format, err := detectFormat(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data, format)
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte, format Format) (Config, error) {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return Config{}, fmt.Errorf("config: parse: %w", err)
		}
	}
	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	switch c.Transport.Kind {
	case TransportNone, TransportMemory:
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			return fmt.Errorf("%w: transport.redis.addr is required", ErrInvalid)
		}
	case TransportNATS:
		if c.Transport.NATS.URL == "" {
			return fmt.Errorf("%w: transport.nats.url is required", ErrInvalid)
		}
	case TransportKafka:
		if len(c.Transport.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: transport.kafka.brokers is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport.Kind)
	}
	if c.Lock.Shards < 0 || c.Lock.MaxWaiters < 0 {
		return fmt.Errorf("%w: lock settings must not be negative", ErrInvalid)
	}
	if c.PluginDebounce < 0 {
		return fmt.Errorf("%w: plugin_debounce must not be negative", ErrInvalid)
	}
	return nil
}

func detectFormat(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: extension %q", ErrUnsupportedFormat, ext)
	}
}
