package config

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SelfID = "alice"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := NewDefaultConfig()
		cfg.SelfID = "alice"
		return cfg
	}
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing self id", func(c *Config) { c.SelfID = "" }},
		{"no ICE servers", func(c *Config) { c.ICEServers = nil }},
		{"single ICE server", func(c *Config) { c.ICEServers = c.ICEServers[:1] }},
		{"ICE server without URLs", func(c *Config) { c.ICEServers[1].URLs = nil }},
		{"zero tick", func(c *Config) { c.Timeouts.Tick = 0 }},
		{"negative tick", func(c *Config) { c.Timeouts.Tick = -time.Second }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestDefaultTimeouts(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Timeouts.NoAnswer != 60*time.Second {
		t.Fatalf("NoAnswer = %v, want 60s", cfg.Timeouts.NoAnswer)
	}
	if cfg.Timeouts.Connect != 30*time.Second {
		t.Fatalf("Connect = %v, want 30s", cfg.Timeouts.Connect)
	}
	if cfg.Timeouts.Stale != 2*time.Minute {
		t.Fatalf("Stale = %v, want 2m", cfg.Timeouts.Stale)
	}
	if cfg.Timeouts.DisconnectGrace <= cfg.Timeouts.FailureGrace {
		t.Fatal("the disconnect grace should outlast the failure grace")
	}
}
