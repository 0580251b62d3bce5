// Package media owns the transport side of a call: microphone capture, the
// peer connection, track wiring, and candidate exchange. It reports
// connectivity as events; deciding what those events mean for the call is the
// state machine's job.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/prop"

	// Registers the microphone adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/enquira/voicecall/internal/config"
	"github.com/enquira/voicecall/internal/signaling"
)

// ErrPermissionDenied means the microphone could not be acquired, either
// because the user declined or the platform blocked access.
var ErrPermissionDenied = errors.New("media: microphone permission denied")

// EventKind classifies a connectivity signal from the transport layer.
type EventKind int

const (
	// RemoteMedia fires on the first remote audio track.
	RemoteMedia EventKind = iota
	// TransportConnected is the overall peer connection reaching connected.
	TransportConnected
	// TransportConnecting is the overall peer connection still negotiating.
	TransportConnecting
	// TransportDisconnected is a transient loss reported by the transport.
	TransportDisconnected
	// TransportFailed is a fatal transport failure (failed or closed).
	TransportFailed
	// ICEConnected is the network-traversal layer reaching connected.
	ICEConnected
	// ICEDisconnected is a transient loss on the network-traversal layer.
	ICEDisconnected
	// ICEFailed is a fatal network-traversal failure.
	ICEFailed
)

func (k EventKind) String() string {
	switch k {
	case RemoteMedia:
		return "remote-media"
	case TransportConnected:
		return "transport-connected"
	case TransportConnecting:
		return "transport-connecting"
	case TransportDisconnected:
		return "transport-disconnected"
	case TransportFailed:
		return "transport-failed"
	case ICEConnected:
		return "ice-connected"
	case ICEDisconnected:
		return "ice-disconnected"
	case ICEFailed:
		return "ice-failed"
	}
	return "unknown"
}

// Event is one connectivity signal.
type Event struct {
	Kind EventKind
}

// SessionConfig wires a Session to its owner.
type SessionConfig struct {
	ICEServers []config.ICEServer
	Capture    config.CaptureConfig

	// OnCandidate receives every local network candidate for publication.
	OnCandidate func(webrtc.ICECandidateInit)
	// OnEvent receives connectivity signals. Called from pion callback
	// goroutines; the receiver must consult its own current state, not
	// state captured at registration time.
	OnEvent func(Event)
}

// Session is one transport session for one call. Create, Capture, negotiate,
// Close; a Session is not reused across calls.
type Session struct {
	cfg SessionConfig
	log *zap.Logger

	pc *webrtc.PeerConnection

	mu        sync.Mutex
	capture   mediadevices.MediaStream
	remote    *webrtc.TrackRemote
	hasRemote bool // remote description set
	// pending holds candidates that arrived before the remote description.
	pending []webrtc.ICECandidateInit
	// processed guards against re-applying a redelivered candidate.
	processed map[string]struct{}
	closed    bool
}

// NewSession builds the peer connection. It validates that at least two
// independent traversal endpoints are configured before creating anything.
func NewSession(cfg SessionConfig, logger *zap.Logger) (*Session, error) {
	if len(cfg.ICEServers) < 2 {
		return nil, fmt.Errorf("at least two ICE servers are required, got %d", len(cfg.ICEServers))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		cfg:       cfg,
		log:       logger.Named("media"),
		processed: make(map[string]struct{}),
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, srv := range cfg.ICEServers {
		ice := webrtc.ICEServer{URLs: srv.URLs}
		if srv.Username != "" {
			ice.Username = srv.Username
			ice.Credential = srv.Credential
		}
		iceServers = append(iceServers, ice)
	}

	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	codecSelector(cfg.Capture).Populate(&mediaEngine)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	s.pc = pc
	s.setupCallbacks()
	return s, nil
}

func codecSelector(capture config.CaptureConfig) *mediadevices.CodecSelector {
	opusParams, err := opus.NewParams()
	if err == nil {
		opusParams.BitRate = 32_000
		opusParams.Latency = opus.Latency20ms
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)
}

// setupCallbacks registers all peer-connection callbacks in one place.
func (s *Session) setupCallbacks() {
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.log.Info("received remote track",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()))
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		s.mu.Lock()
		first := s.remote == nil
		s.remote = track
		s.mu.Unlock()
		if first {
			s.emit(Event{Kind: RemoteMedia})
		}
	})

	s.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			s.log.Debug("local candidate gathering complete")
			return
		}
		if s.cfg.OnCandidate != nil {
			s.cfg.OnCandidate(candidate.ToJSON())
		}
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info("connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.emit(Event{Kind: TransportConnected})
		case webrtc.PeerConnectionStateConnecting:
			s.emit(Event{Kind: TransportConnecting})
		case webrtc.PeerConnectionStateDisconnected:
			s.emit(Event{Kind: TransportDisconnected})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.emit(Event{Kind: TransportFailed})
		}
	})

	s.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.log.Info("ICE connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			s.emit(Event{Kind: ICEConnected})
		case webrtc.ICEConnectionStateDisconnected:
			s.emit(Event{Kind: ICEDisconnected})
		case webrtc.ICEConnectionStateFailed:
			s.emit(Event{Kind: ICEFailed})
		}
	})
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.cfg.OnEvent == nil {
		return
	}
	s.cfg.OnEvent(ev)
}

// Capture acquires the local audio-only stream and attaches its tracks to the
// peer connection. Must run before CreateOffer/CreateAnswer.
func (s *Session) Capture(ctx context.Context) error {
	capture := s.cfg.Capture
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if capture.SampleRate > 0 {
				c.SampleRate = prop.Int(capture.SampleRate)
			}
			if capture.ChannelCount > 0 {
				c.ChannelCount = prop.Int(capture.ChannelCount)
			}
			if capture.Latency > 0 {
				c.Latency = prop.Duration(capture.Latency)
			}
		},
		Codec: codecSelector(capture),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, track := range stream.GetTracks() {
			_ = track.Close()
		}
		return fmt.Errorf("session already closed")
	}
	s.capture = stream
	s.mu.Unlock()

	for _, track := range stream.GetAudioTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				s.log.Warn("local audio track ended", zap.Error(err))
			}
		})
		if _, err := s.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			return fmt.Errorf("failed to add audio track: %w", err)
		}
	}
	s.log.Info("local audio capture attached",
		zap.Int("tracks", len(stream.GetAudioTracks())),
		zap.Bool("echoCancellation", capture.EchoCancellation),
		zap.Bool("noiseSuppression", capture.NoiseSuppression),
		zap.Bool("autoGainControl", capture.AutoGainControl))
	return nil
}

// CreateOffer generates the local session description and returns it
// JSON-encoded for the signaling document.
func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return encodeDescription(offer)
}

// CreateAnswer generates the answering session description. The remote offer
// must already be set.
func (s *Session) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return encodeDescription(answer)
}

// SetRemoteDescription applies the remote offer or answer and flushes every
// candidate queued while it was missing.
func (s *Session) SetRemoteDescription(encoded string) error {
	desc, err := decodeDescription(encoded)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	s.mu.Lock()
	s.hasRemote = true
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, init := range queued {
		if err := s.pc.AddICECandidate(init); err != nil {
			s.log.Warn("failed to apply queued candidate", zap.Error(err))
		} else {
			s.log.Debug("applied queued candidate")
		}
	}
	return nil
}

// HasRemoteDescription reports whether the remote description has been set.
func (s *Session) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasRemote
}

// AddRemoteCandidate applies a candidate delivered by signaling. Duplicates
// are dropped via the processed set; candidates arriving before the remote
// description are queued and flushed later. Returns true when the candidate
// was applied or queued, false when it was a duplicate.
func (s *Session) AddRemoteCandidate(init webrtc.ICECandidateInit) (bool, error) {
	key := signaling.CandidateKey(init)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, nil
	}
	if _, seen := s.processed[key]; seen {
		s.mu.Unlock()
		return false, nil
	}
	s.processed[key] = struct{}{}
	if !s.hasRemote {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		s.log.Debug("queued candidate, remote description not set")
		return true, nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(init); err != nil {
		return false, fmt.Errorf("failed to add remote candidate: %w", err)
	}
	return true, nil
}

// PendingCandidates reports how many candidates are queued awaiting the
// remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LocalStream returns the captured audio stream, or nil before Capture.
func (s *Session) LocalStream() mediadevices.MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture
}

// RemoteStream returns the remote audio track once media has arrived.
func (s *Session) RemoteStream() *webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Close releases the capture device and the peer connection. Safe to call
// from multiple teardown paths; only the first call does the work.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	capture := s.capture
	s.capture = nil
	s.remote = nil
	s.pending = nil
	s.mu.Unlock()

	if capture != nil {
		for _, track := range capture.GetTracks() {
			if err := track.Close(); err != nil {
				s.log.Warn("failed to close capture track", zap.Error(err))
			}
		}
	}
	if err := s.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

func encodeDescription(desc webrtc.SessionDescription) (string, error) {
	payload, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("failed to encode session description: %w", err)
	}
	return string(payload), nil
}

func decodeDescription(encoded string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(encoded), &desc); err != nil {
		return desc, fmt.Errorf("failed to decode session description: %w", err)
	}
	return desc, nil
}
