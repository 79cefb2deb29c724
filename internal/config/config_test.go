package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func hasError(r *ValidationResult, field string) bool {
	for _, e := range r.Errors {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestDefaultConfigIsValid(t *testing.T) {
	r := Validate(DefaultConfig())
	if !r.IsValid() {
		t.Errorf("default config invalid: %v", r.Errors)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero drain bound", func(c *Config) { c.ServerData.Tick.DrainBound = 0 }, "server_data.tick.drain_bound"},
		{"zero io threads", func(c *Config) { c.ServerData.Network.IOThreads = 0 }, "server_data.network.io_threads"},
		{"zero idle timeout", func(c *Config) { c.ServerData.Network.IdleTimeoutSec = 0 }, "server_data.network.idle_timeout_sec"},
		{"bad port", func(c *Config) { c.ServerData.Network.Port = 70000 }, "server_data.network.port"},
		{"tiny key", func(c *Config) { c.ServerData.Login.KeyBits = 256 }, "server_data.login.key_bits"},
		{"tos overflow", func(c *Config) { c.ServerData.Network.IPTOS = 300 }, "server_data.network.ip_tos"},
		{"api port clash", func(c *Config) { c.ApplicationData.API.Port = c.ServerData.Network.Port }, "application_data.api.port"},
		{"mqtt without broker", func(c *Config) {
			c.ApplicationData.MQTT.Enabled = true
			c.ApplicationData.MQTT.BrokerURL = ""
		}, "application_data.mqtt.broker_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			r := Validate(cfg)
			if !hasError(r, tt.field) {
				t.Errorf("no error for %s; got %v", tt.field, r.Errors)
			}
		})
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if cfg.ServerData.Tick.DrainBound != 1000 {
		t.Errorf("DrainBound = %d; want 1000", cfg.ServerData.Tick.DrainBound)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	body := `{"server_data":{"network":{"port":25570,"idle_timeout_sec":45}}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	n := cfg.GetServerData().Network
	if n.Port != 25570 {
		t.Errorf("Port = %d; want 25570", n.Port)
	}
	if n.IdleTimeout() != 45*time.Second {
		t.Errorf("IdleTimeout = %v; want 45s", n.IdleTimeout())
	}
	if n.IOThreads != 3 {
		t.Errorf("IOThreads = %d; want default 3", n.IOThreads)
	}
}

func TestTickInterval(t *testing.T) {
	tests := []struct {
		hz   int
		want time.Duration
	}{
		{20, 50 * time.Millisecond},
		{10, 100 * time.Millisecond},
		{0, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := (TickConfig{RateHz: tt.hz}).Interval(); got != tt.want {
			t.Errorf("Interval(%d) = %v; want %v", tt.hz, got, tt.want)
		}
	}
}
