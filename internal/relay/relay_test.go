package relay

import (
	"testing"

	"github.com/enquira/voicecall/internal/config"
)

func TestNewServerValidation(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     config.RelayConfig
		wantErr bool
	}{
		{"valid", config.RelayConfig{PublicIP: "203.0.113.10", Port: 3478, Realm: "voicecall"}, false},
		{"missing ip", config.RelayConfig{Port: 3478}, true},
		{"bogus ip", config.RelayConfig{PublicIP: "not-an-ip", Port: 3478}, true},
		{"zero port", config.RelayConfig{PublicIP: "203.0.113.10"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewServer(tc.cfg, nil)
			if tc.wantErr && err == nil {
				t.Fatal("expected an error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("NewServer failed: %v", err)
			}
		})
	}
}

func TestURLs(t *testing.T) {
	srv, err := NewServer(config.RelayConfig{PublicIP: "203.0.113.10", Port: 3478, Realm: "voicecall"}, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	urls := srv.URLs()
	if len(urls) != 2 {
		t.Fatalf("got %d URLs, want a stun and a turn endpoint", len(urls))
	}
	if urls[0] != "stun:203.0.113.10:3478" {
		t.Fatalf("stun URL = %q", urls[0])
	}
	if urls[1] != "turn:203.0.113.10:3478" {
		t.Fatalf("turn URL = %q", urls[1])
	}
}

func TestStopBeforeStart(t *testing.T) {
	srv, err := NewServer(config.RelayConfig{PublicIP: "203.0.113.10", Port: 3478, Realm: "voicecall"}, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop before Start should be a no-op: %v", err)
	}
}
