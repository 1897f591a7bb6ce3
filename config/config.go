// Package config loads recon settings from a YAML file, a .env file and the
// environment, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"recon/codec"
	"recon/logging"
	"recon/resolver"
	"recon/scanner"
	"recon/services"
)

// Config represents the top-level configuration structure.
type Config struct {
	Scan     ScanConfig `yaml:"scan"`
	DNS      DNSConfig  `yaml:"dns"`
	Log      LogConfig  `yaml:"log"`
	API      APIConfig  `yaml:"api"`
	Services string     `yaml:"services"` // nmap-services file, empty for the built-in table
}

// ScanConfig holds the probe engine settings.
type ScanConfig struct {
	Kinds          string   `yaml:"kinds"`           // e.g. "syn,icmp,arp"
	Ports          string   `yaml:"ports"`           // e.g. "22,80,8000-8100" or "top:100"
	Interface      string   `yaml:"interface"`       // capture interface
	MaxOutstanding int      `yaml:"max_outstanding"` // probes in flight
	MinInterval    Duration `yaml:"min_interval"`    // per-destination gap
	Rate           float64  `yaml:"rate"`            // global packets per second
	MaxAttempts    int      `yaml:"max_attempts"`
	Timeout        Duration `yaml:"timeout"` // first attempt deadline
	Backoff        float64  `yaml:"backoff"` // deadline growth factor
	SendRetries    int      `yaml:"send_retries"`
	SessionTimeout Duration `yaml:"session_timeout"`
	PoolSize       int      `yaml:"pool_size"`
	TTL            int      `yaml:"ttl"`
}

// DNSConfig configures the resolution client.
type DNSConfig struct {
	Servers     []string `yaml:"servers"`
	Timeout     Duration `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	Concurrency int      `yaml:"concurrency"`
	Reverse     bool     `yaml:"reverse"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text, auto
}

// APIConfig configures `recon serve`.
type APIConfig struct {
	Addr       string   `yaml:"addr"`
	RedisAddr  string   `yaml:"redis_addr"`
	APIKey     string   `yaml:"api_key"`
	Workers    int      `yaml:"workers"`
	RateLimit  int      `yaml:"rate_limit"` // requests per window per client
	RateWindow Duration `yaml:"rate_window"`
}

// Duration wraps time.Duration for YAML unmarshalling from strings like "5s", "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Kinds: "syn",
			Ports: "top:100",
		},
		Log: LogConfig{Level: "info", Format: "auto"},
		API: APIConfig{
			Addr:       ":8080",
			RedisAddr:  "localhost:6379",
			Workers:    5,
			RateLimit:  60,
			RateWindow: Duration{time.Minute},
		},
	}
}

// Load reads path (optional), then .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Log.Level = getenv("RECON_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("RECON_LOG_FORMAT", c.Log.Format)
	c.Scan.Interface = getenv("RECON_INTERFACE", c.Scan.Interface)
	c.Scan.Kinds = getenv("RECON_KINDS", c.Scan.Kinds)
	c.Scan.Ports = getenv("RECON_PORTS", c.Scan.Ports)
	c.Services = getenv("RECON_SERVICES", c.Services)
	if v := os.Getenv("RECON_DNS_SERVERS"); v != "" {
		c.DNS.Servers = splitList(v)
	}

	c.API.Addr = getenv("RECON_API_ADDR", c.API.Addr)
	c.API.RedisAddr = getenv("REDIS_ADDR", c.API.RedisAddr)
	c.API.APIKey = getenv("API_KEY", c.API.APIKey)
	if v := os.Getenv("RECON_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("RECON_WORKERS: invalid worker count %q", v)
		}
		c.API.Workers = n
	}
	if v := os.Getenv("RECON_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			return fmt.Errorf("RECON_RATE: invalid rate %q", v)
		}
		c.Scan.Rate = r
	}
	return nil
}

// Logging returns the logger options.
func (c *Config) Logging() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format}
}

// Registry loads the configured service table.
func (c *Config) Registry() (*services.Registry, error) {
	if c.Services == "" {
		return services.Default(), nil
	}
	return services.Load(c.Services)
}

// ResolverConfig converts the DNS section for a standalone resolver.
func (c *Config) ResolverConfig(logger *slog.Logger) resolver.Config {
	return resolver.Config{
		Servers:     c.DNS.Servers,
		Timeout:     c.DNS.Timeout.Duration,
		Retries:     c.DNS.Retries,
		Concurrency: int64(c.DNS.Concurrency),
		Logger:      logger,
	}
}

// ScanOptions converts the scan and DNS sections. Zero values are left for
// the engine's defaults.
func (c *Config) ScanOptions(reg *services.Registry) (scanner.Options, error) {
	s := c.Scan
	if s.TTL < 0 || s.TTL > 255 {
		return scanner.Options{}, fmt.Errorf("ttl %d outside 0..255", s.TTL)
	}
	opts := scanner.Options{
		Interface:      s.Interface,
		MaxOutstanding: s.MaxOutstanding,
		MinInterval:    s.MinInterval.Duration,
		Rate:           s.Rate,
		MaxAttempts:    s.MaxAttempts,
		BaseTimeout:    s.Timeout.Duration,
		BackoffFactor:  s.Backoff,
		MaxSendRetries: s.SendRetries,
		SessionTimeout: s.SessionTimeout.Duration,
		PoolSize:       s.PoolSize,
		TTL:            uint8(s.TTL),
		DNSServers:     c.DNS.Servers,
		DNSTimeout:     c.DNS.Timeout.Duration,
		DNSRetries:     c.DNS.Retries,
		DNSConcurrency: c.DNS.Concurrency,
		ReverseDNS:     c.DNS.Reverse,
	}
	if s.Kinds != "" {
		kinds, err := codec.ParseKinds(s.Kinds)
		if err != nil {
			return scanner.Options{}, err
		}
		opts.Kinds = kinds
	}
	if s.Ports != "" {
		ports, err := ParsePorts(s.Ports, reg)
		if err != nil {
			return scanner.Options{}, err
		}
		opts.Ports = ports
	}
	return opts, nil
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
