package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration
type Config struct {
	// SelfID is the local participant's user id.
	SelfID string
	// DisplayName is shown to the remote party in the incoming-call notification.
	DisplayName string

	ICEServers []ICEServer
	Docstore   DocstoreConfig
	Notify     NotifyConfig
	History    HistoryConfig
	Relay      RelayConfig
	Timeouts   TimeoutConfig
	Capture    CaptureConfig
}

// ICEServer describes one STUN/TURN endpoint handed to the peer connection.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// DocstoreConfig selects the signaling document store backend. An empty
// Addr means the in-process memory store (single-host demos and tests).
type DocstoreConfig struct {
	// Addr is the WebSocket URL of the document-store server, e.g.
	// "ws://localhost:7000/docs".
	Addr string
	// DialTimeout bounds the initial WebSocket dial.
	DialTimeout time.Duration
}

type NotifyConfig struct {
	// WebhookURL receives fire-and-forget incoming-call notifications.
	// Empty disables outbound notifications.
	WebhookURL string
	Timeout    time.Duration
}

type HistoryConfig struct {
	// PostgresDSN enables call-history persistence when non-empty.
	PostgresDSN string
}

type RelayConfig struct {
	// Enabled starts the embedded STUN/TURN relay.
	Enabled  bool
	PublicIP string
	Port     int
	Realm    string
	// Users maps username to password for TURN long-term credentials.
	Users map[string]string
}

// TimeoutConfig collects every wall-clock threshold the call lifecycle uses.
type TimeoutConfig struct {
	// NoAnswer ends an unanswered outgoing or incoming call.
	NoAnswer time.Duration
	// Connect bounds the answer-side negotiation phase.
	Connect time.Duration
	// Stale is the age past which a persisted calling/ringing document is
	// rewritten to ended.
	Stale time.Duration
	// FailureGrace delays teardown after the transport reports failed.
	FailureGrace time.Duration
	// DisconnectGrace delays teardown after a transient disconnect during
	// an active call.
	DisconnectGrace time.Duration
	// Tick is the supervisor's polling interval while calling/ringing.
	Tick time.Duration
}

// CaptureConfig describes the local audio capture.
type CaptureConfig struct {
	SampleRate       int
	ChannelCount     int
	Latency          time.Duration
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
		Docstore: DocstoreConfig{
			DialTimeout: 10 * time.Second,
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			Port:  3478,
			Realm: "voicecall",
		},
		Timeouts: TimeoutConfig{
			NoAnswer:        60 * time.Second,
			Connect:         30 * time.Second,
			Stale:           2 * time.Minute,
			FailureGrace:    5 * time.Second,
			DisconnectGrace: 10 * time.Second,
			Tick:            time.Second,
		},
		Capture: CaptureConfig{
			SampleRate:       48000,
			ChannelCount:     1,
			Latency:          20 * time.Millisecond,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
}

// Validate checks the invariants the call stack depends on.
func (c *Config) Validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("config: SelfID is required")
	}
	if len(c.ICEServers) < 2 {
		return fmt.Errorf("config: at least two ICE servers are required, got %d", len(c.ICEServers))
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("config: ICE server %d has no URLs", i)
		}
	}
	if c.Timeouts.Tick <= 0 {
		return fmt.Errorf("config: supervisor tick must be positive")
	}
	return nil
}
