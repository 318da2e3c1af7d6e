// Package config carries the emulator's runtime settings: defaults,
// optional YAML file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// BrokerConfig holds invocation-broker settings.
type BrokerConfig struct {
	// ChannelCapacity bounds the transaction channel. Producers block
	// when it is full.
	ChannelCapacity int `yaml:"channel_capacity"`
}

// ServerConfig holds settings for the optional HTTP bridge.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the root configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			ChannelCapacity: 1024,
		},
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:9001",
			LogLevel: "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "lambdatest",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile reads a YAML config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LAMBDATEST_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("LAMBDATEST_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("LAMBDATEST_CHANNEL_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Broker.ChannelCapacity = n
		}
	}
	if v := os.Getenv("LAMBDATEST_OTEL_ENDPOINT"); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = v
	}
}
