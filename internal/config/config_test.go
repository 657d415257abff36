package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Signaling.Mode != "pubsub" {
		t.Fatalf("default mode = %q", cfg.Signaling.Mode)
	}
	if got := cfg.DisconnectGrace(); got != 3*time.Second {
		t.Fatalf("DisconnectGrace = %v", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"unknown mode", func(c *Config) { c.Signaling.Mode = "carrier-pigeon" }},
		{"websocket without url", func(c *Config) { c.Signaling.Mode = "websocket" }},
		{"port out of range", func(c *Config) { c.Signaling.ListenPort = 70000 }},
		{"ttl below heartbeat", func(c *Config) { c.Signaling.TTLSec = c.Signaling.HeartbeatSec }},
		{"no ice servers", func(c *Config) { c.ICE.Servers = nil }},
		{"ice server without urls", func(c *Config) { c.ICE.Servers = []ICEServer{{}} }},
		{"negative grace", func(c *Config) { c.Call.DisconnectGraceSec = -1 }},
		{"zero restart limit", func(c *Config) { c.Call.RestartLimit = 0 }},
	}
	for _, c := range cases {
		cfg := Default()
		c.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validation passed", c.name)
		}
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer", "huddle.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("first Ensure did not create the file")
	}
	if cfg.Signaling.Mode != "pubsub" {
		t.Fatalf("created config = %+v", cfg.Signaling)
	}

	cfg2, created2, err := Ensure(path)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if created2 {
		t.Fatal("second Ensure recreated the file")
	}
	if cfg2.Signaling.Mode != cfg.Signaling.Mode || cfg2.Profile.DisplayName != cfg.Profile.DisplayName {
		t.Fatalf("reload mismatch: %+v", cfg2)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.json")
	partial := `{"profile": {"display_name": "Nova"}, "call": {"disconnect_grace_sec": 7, "restart_limit": 2}}`
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Profile.DisplayName != "Nova" {
		t.Fatalf("override lost: %q", cfg.Profile.DisplayName)
	}
	if cfg.Call.DisconnectGraceSec != 7 || cfg.Call.RestartLimit != 2 {
		t.Fatalf("call overrides lost: %+v", cfg.Call)
	}
	// Everything the file does not mention keeps its default.
	if cfg.Signaling.HeartbeatSec != 5 || len(cfg.ICE.Servers) == 0 {
		t.Fatalf("defaults lost on partial load: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.json")
	if err := os.WriteFile(path, []byte(`{"call": {"restart_limit": 0}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("invalid config loaded")
	}
}
