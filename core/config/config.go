// Package config holds the configuration structures shared by the bus
// client, the gateways and the bus-watch tool.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LokiConfig configures the optional Loki logging hook.
type LokiConfig struct {
	Address string            `mapstructure:"address" yaml:"address"`
	Labels  map[string]string `mapstructure:"labels" yaml:"labels"`
}

// LogConfig configures the process-wide logrus instance.
type LogConfig struct {
	Level     string     `mapstructure:"level" yaml:"level"`
	Formatter string     `mapstructure:"formatter" yaml:"formatter"`
	Loki      LokiConfig `mapstructure:"loki" yaml:"loki"`
}

// ServiceConfig identifies a bus-hosted service.
type ServiceConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
}

// BusConfig describes how to reach the message broker.
type BusConfig struct {
	// Address is the host:port of the Redis-style broker.
	Address string `mapstructure:"address" yaml:"address"`
	// Password, if the broker requires one.
	Password string `mapstructure:"password" yaml:"password"`
	// Domain is this process's routing domain, used to build router and
	// service addresses.
	Domain string `mapstructure:"domain" yaml:"domain"`
	// DB selects the broker logical database (Redis SELECT).
	DB int `mapstructure:"db" yaml:"db"`
}

// LogProtectConfig lists method-name prefixes whose params are redacted
// from the access log.
type LogProtectConfig struct {
	Prefixes []string `mapstructure:"prefixes" yaml:"prefixes"`
}

// Matches reports whether method falls under any configured log-protect
// prefix.
func (c LogProtectConfig) Matches(method string) bool {
	for _, p := range c.Prefixes {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}

// GatewayConfig configures an edge gateway (HTTP or WebSocket).
type GatewayConfig struct {
	Address        string           `mapstructure:"address" yaml:"address"`
	Port           int              `mapstructure:"port" yaml:"port"`
	MinWorkers     int              `mapstructure:"min_workers" yaml:"min_workers"`
	MaxWorkers     int              `mapstructure:"max_workers" yaml:"max_workers"`
	MaxRequests    int              `mapstructure:"max_requests" yaml:"max_requests"`
	RelayTimeout   time.Duration    `mapstructure:"relay_timeout" yaml:"relay_timeout"`
	MaxClients     int              `mapstructure:"max_clients" yaml:"max_clients"`
	MaxParallel    int              `mapstructure:"max_parallel" yaml:"max_parallel"`
	LogProtect     LogProtectConfig `mapstructure:"log_protect" yaml:"log_protect"`
	Bus            BusConfig        `mapstructure:"bus" yaml:"bus"`
	Log            LogConfig        `mapstructure:"log" yaml:"log"`
}

// Default gateway tunables.
const (
	DefaultHTTPPort       = 9682
	DefaultWSPort         = 7682
	DefaultMaxWSClients   = 256
	DefaultMaxParallel    = 8
	DefaultRelayTimeout   = 300 * time.Second
	DefaultBuswatchWait   = 60 * time.Second
	DefaultBuswatchTTL    = 1800 * time.Second
	// DefaultMetricsPort is the /metrics listen port for bus-side tools
	// (worker pools, buswatch) that have no edge-facing port of their
	// own but still reuse GatewayConfig.Port, which Load requires to be
	// non-zero.
	DefaultMetricsPort = 9090
)

// Load reads a GatewayConfig from an optional config file plus
// environment variables prefixed with envPrefix (e.g. "EG_HTTP_GATEWAY"
// or "OSRF_WS"). Missing values fall back to the given defaults.
func Load(envPrefix, configFile string, defaults GatewayConfig) (GatewayConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("address", defaults.Address)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("min_workers", defaults.MinWorkers)
	v.SetDefault("max_workers", defaults.MaxWorkers)
	v.SetDefault("max_requests", defaults.MaxRequests)
	v.SetDefault("relay_timeout", defaults.RelayTimeout)
	v.SetDefault("max_clients", defaults.MaxClients)
	v.SetDefault("max_parallel", defaults.MaxParallel)
	v.SetDefault("bus.address", defaults.Bus.Address)
	v.SetDefault("bus.domain", defaults.Bus.Domain)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.formatter", defaults.Log.Formatter)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return GatewayConfig{}, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return GatewayConfig{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.Port == 0 {
		return GatewayConfig{}, fmt.Errorf("%w: %s_PORT must be non-zero", ErrInvalidConfig, envPrefix)
	}

	return cfg, nil
}
