package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"recon/codec"
	"recon/services"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recon.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
scan:
  kinds: "syn,icmp"
  ports: "22,80"
  min_interval: "5ms"
  timeout: "750ms"
  backoff: 1.5
  max_attempts: 4
  session_timeout: "2m"
dns:
  servers: ["9.9.9.9"]
  timeout: "1s"
  reverse: true
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scan.Timeout.Duration != 750*time.Millisecond {
		t.Errorf("expected 750ms timeout, got %s", cfg.Scan.Timeout)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "auto" {
		t.Errorf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.API.Workers != 5 {
		t.Errorf("expected default workers kept, got %d", cfg.API.Workers)
	}

	opts, err := cfg.ScanOptions(nil)
	if err != nil {
		t.Fatalf("ScanOptions failed: %v", err)
	}
	if !reflect.DeepEqual(opts.Kinds, []codec.Kind{codec.KindSYN, codec.KindEcho}) {
		t.Errorf("unexpected kinds %v", opts.Kinds)
	}
	if !reflect.DeepEqual(opts.Ports, []uint16{22, 80}) {
		t.Errorf("unexpected ports %v", opts.Ports)
	}
	if opts.MaxAttempts != 4 || opts.BackoffFactor != 1.5 || opts.MinInterval != 5*time.Millisecond {
		t.Errorf("unexpected retry policy: %+v", opts)
	}
	if opts.SessionTimeout != 2*time.Minute || !opts.ReverseDNS || opts.DNSTimeout != time.Second {
		t.Errorf("unexpected session/dns options: %+v", opts)
	}
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := writeConfig(t, "scan:\n  timeout: \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("API_KEY", "secret")
	t.Setenv("RECON_PORTS", "443")
	t.Setenv("RECON_DNS_SERVERS", "1.1.1.1, 8.8.8.8")
	t.Setenv("RECON_WORKERS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.API.RedisAddr != "redis:6380" || cfg.API.APIKey != "secret" || cfg.API.Workers != 3 {
		t.Errorf("unexpected api config: %+v", cfg.API)
	}
	if cfg.Scan.Ports != "443" {
		t.Errorf("expected ports from env, got %q", cfg.Scan.Ports)
	}
	if !reflect.DeepEqual(cfg.DNS.Servers, []string{"1.1.1.1", "8.8.8.8"}) {
		t.Errorf("unexpected dns servers %v", cfg.DNS.Servers)
	}

	t.Setenv("RECON_WORKERS", "zero")
	if _, err := Load(""); err == nil {
		t.Error("expected error for bad worker count")
	}
}

func TestParsePortsValid(t *testing.T) {
	cases := map[string][]uint16{
		"22":              {22},
		"80,22":           {22, 80},
		"1-3":             {1, 2, 3},
		"22,80,8000-8002": {22, 80, 8000, 8001, 8002},
		"top:3":           {23, 80, 443},
		"top:2,22":        {22, 23, 80},
	}
	for spec, want := range cases {
		t.Run(spec, func(t *testing.T) {
			got, err := ParsePorts(spec, services.Default())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("got %v want %v", got, want)
			}
		})
	}
}

func TestParsePortsInvalid(t *testing.T) {
	cases := []string{
		"",
		"0",
		"65536",
		"10-1",
		"abc",
		"22,",
		"1-70000",
		"top:0",
		"top:x",
	}
	for _, spec := range cases {
		t.Run(spec, func(t *testing.T) {
			if _, err := ParsePorts(spec, nil); err == nil {
				t.Fatalf("expected error for spec %q", spec)
			}
		})
	}
}
