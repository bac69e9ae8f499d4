// Package config loads chanrpc settings from a TOML file. Keys missing from
// the file keep their Default values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"chanrpc/observability"
	"chanrpc/protocol"
	"chanrpc/transport"
)

type Config struct {
	Log       observability.LogConfig
	Limits    protocol.Limits
	Server    ServerConfig
	Client    ClientConfig
	RateLimit RateLimitConfig
	Registry  RegistryConfig
}

type ServerConfig struct {
	Network string
	Addr    string
	// Service is the name advertised in the registry.
	Service         string
	DispatchTimeout time.Duration
	ShutdownTimeout time.Duration
	// Lenient reports completer misuse as errors instead of panicking.
	Lenient bool
}

type ClientConfig struct {
	Heartbeat   time.Duration
	CallTimeout time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

// RateLimitConfig is disabled when Rate is zero.
type RateLimitConfig struct {
	Rate  float64
	Burst int
}

// RegistryConfig selects etcd when Endpoints is non-empty and the in-memory
// registry otherwise.
type RegistryConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	TTL         int64
	Balancer    string
}

func Default() Config {
	return Config{
		Log:    observability.LogConfig{Level: "info"},
		Limits: protocol.DefaultLimits(),
		Server: ServerConfig{
			Network:         transport.NetworkTCP,
			Addr:            "127.0.0.1:9090",
			Service:         "chanrpc.echo.Echo",
			DispatchTimeout: 5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			Heartbeat:   30 * time.Second,
			CallTimeout: 5 * time.Second,
			MaxRetries:  3,
			RetryDelay:  100 * time.Millisecond,
		},
		Registry: RegistryConfig{
			DialTimeout: 5 * time.Second,
			TTL:         10,
			Balancer:    "round_robin",
		},
	}
}

type fileConfig struct {
	Log       observability.LogConfig `toml:"log"`
	Limits    limitsSection           `toml:"limits"`
	Server    serverSection           `toml:"server"`
	Client    clientSection           `toml:"client"`
	RateLimit rateLimitSection        `toml:"ratelimit"`
	Registry  registrySection         `toml:"registry"`
}

type limitsSection struct {
	MaxBytes   uint32 `toml:"max_bytes"`
	MaxHandles uint32 `toml:"max_handles"`
}

type serverSection struct {
	Network         string `toml:"network"`
	Addr            string `toml:"addr"`
	Service         string `toml:"service"`
	DispatchTimeout string `toml:"dispatch_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	Lenient         bool   `toml:"lenient"`
}

type clientSection struct {
	Heartbeat   string `toml:"heartbeat"`
	CallTimeout string `toml:"call_timeout"`
	MaxRetries  int    `toml:"max_retries"`
	RetryDelay  string `toml:"retry_delay"`
}

type rateLimitSection struct {
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

type registrySection struct {
	Endpoints   []string `toml:"endpoints"`
	DialTimeout string   `toml:"dial_timeout"`
	TTL         int64    `toml:"ttl"`
	Balancer    string   `toml:"balancer"`
}

// Load reads path over Default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(raw, meta)
}

func apply(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	cfg := Default()

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}

	if meta.IsDefined("limits", "max_bytes") {
		cfg.Limits.MaxBytes = raw.Limits.MaxBytes
	}
	if meta.IsDefined("limits", "max_handles") {
		cfg.Limits.MaxHandles = raw.Limits.MaxHandles
	}
	if cfg.Limits.MaxBytes < protocol.HeaderSize {
		return Config{}, fmt.Errorf("limits.max_bytes %d is smaller than a message header", cfg.Limits.MaxBytes)
	}

	if meta.IsDefined("server", "network") {
		cfg.Server.Network = strings.TrimSpace(raw.Server.Network)
	}
	if meta.IsDefined("server", "addr") {
		cfg.Server.Addr = strings.TrimSpace(raw.Server.Addr)
	}
	if meta.IsDefined("server", "service") {
		cfg.Server.Service = strings.TrimSpace(raw.Server.Service)
	}
	if meta.IsDefined("server", "lenient") {
		cfg.Server.Lenient = raw.Server.Lenient
	}
	switch cfg.Server.Network {
	case transport.NetworkTCP, transport.NetworkUnix:
	default:
		return Config{}, fmt.Errorf("server.network %q: want %s or %s", cfg.Server.Network, transport.NetworkTCP, transport.NetworkUnix)
	}

	durations := []struct {
		keys []string
		raw  string
		dst  *time.Duration
	}{
		{[]string{"server", "dispatch_timeout"}, raw.Server.DispatchTimeout, &cfg.Server.DispatchTimeout},
		{[]string{"server", "shutdown_timeout"}, raw.Server.ShutdownTimeout, &cfg.Server.ShutdownTimeout},
		{[]string{"client", "heartbeat"}, raw.Client.Heartbeat, &cfg.Client.Heartbeat},
		{[]string{"client", "call_timeout"}, raw.Client.CallTimeout, &cfg.Client.CallTimeout},
		{[]string{"client", "retry_delay"}, raw.Client.RetryDelay, &cfg.Client.RetryDelay},
		{[]string{"registry", "dial_timeout"}, raw.Registry.DialTimeout, &cfg.Registry.DialTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.keys...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.keys, "."), err)
		}
		if v < 0 {
			return Config{}, fmt.Errorf("%s must not be negative", strings.Join(d.keys, "."))
		}
		*d.dst = v
	}

	if meta.IsDefined("client", "max_retries") {
		cfg.Client.MaxRetries = raw.Client.MaxRetries
	}

	if meta.IsDefined("ratelimit", "rate") {
		cfg.RateLimit.Rate = raw.RateLimit.Rate
	}
	if meta.IsDefined("ratelimit", "burst") {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}
	if cfg.RateLimit.Rate > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 1
	}

	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeEndpoints(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}
	if meta.IsDefined("registry", "balancer") {
		cfg.Registry.Balancer = strings.TrimSpace(raw.Registry.Balancer)
	}

	return cfg, nil
}

func normalizeEndpoints(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ep := range in {
		v := strings.TrimSpace(ep)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
