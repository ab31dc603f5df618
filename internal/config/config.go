// Package config loads meshd's runtime configuration from environment
// variables and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the meshd daemon.
type Config struct {
	Net      NetConfig      `mapstructure:"net"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Resource ResourceConfig `mapstructure:"resource"`
}

// NetConfig identifies this process's mesh net and its default endpoint
// queue limits.
type NetConfig struct {
	Sid               uint64 `mapstructure:"sid"`
	EndpointQueueHint int    `mapstructure:"endpoint_queue_hint"`
}

// BridgeConfig controls the optional TCP bridge to another net.
type BridgeConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ConnectAddr  string        `mapstructure:"connect_addr"`
	DialRetry    time.Duration `mapstructure:"dial_retry"`
	IngestRateRPS float64      `mapstructure:"ingest_rate_rps"`
	IngestBurst  int           `mapstructure:"ingest_burst"`
}

// MetricsConfig controls the Prometheus diagnostics endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls the zerolog logger's level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ResourceConfig controls the host resource guard sampling cadence and
// thresholds.
type ResourceConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	MaxCPUPercent  float64       `mapstructure:"max_cpu_percent"`
	MaxMemPercent  float64       `mapstructure:"max_mem_percent"`
}

// Load reads configuration from environment variables (prefixed MESHD_) and
// an optional "meshd" config file, falling back to built-in defaults for
// anything unset.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("net.sid", 1)
	v.SetDefault("net.endpoint_queue_hint", 1024)

	v.SetDefault("bridge.listen_addr", "")
	v.SetDefault("bridge.connect_addr", "")
	v.SetDefault("bridge.dial_retry", time.Second)
	v.SetDefault("bridge.ingest_rate_rps", 50000.0)
	v.SetDefault("bridge.ingest_burst", 10000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("resource.sample_interval", 2*time.Second)
	v.SetDefault("resource.max_cpu_percent", 90.0)
	v.SetDefault("resource.max_mem_percent", 90.0)

	v.SetConfigName("meshd")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("MESHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Optional; a missing config file falls back entirely to defaults/env.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Net.EndpointQueueHint <= 0 {
		cfg.Net.EndpointQueueHint = 1024
	}
	if cfg.Bridge.IngestRateRPS <= 0 {
		cfg.Bridge.IngestRateRPS = 50000.0
	}
	if cfg.Bridge.IngestBurst <= 0 {
		cfg.Bridge.IngestBurst = 10000
	}

	return cfg, nil
}
