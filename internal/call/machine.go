package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/enquira/voicecall/internal/config"
	"github.com/enquira/voicecall/internal/history"
	"github.com/enquira/voicecall/internal/media"
	"github.com/enquira/voicecall/internal/notify"
	"github.com/enquira/voicecall/internal/signaling"
	"github.com/enquira/voicecall/internal/timeout"
)

// MediaSession is what the machine needs from a transport session.
// *media.Session satisfies it; tests substitute fakes.
type MediaSession interface {
	Capture(ctx context.Context) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(encoded string) error
	HasRemoteDescription() bool
	AddRemoteCandidate(init webrtc.ICECandidateInit) (bool, error)
	LocalStream() mediadevices.MediaStream
	RemoteStream() *webrtc.TrackRemote
	Close() error
}

// SessionFactory creates the transport session for one call.
type SessionFactory func(cfg media.SessionConfig, logger *zap.Logger) (MediaSession, error)

// Ringer is the slice of the ringtone controller the machine drives.
type Ringer interface {
	Start()
	Stop()
}

// Options configure a Machine for one participant pair.
type Options struct {
	SelfID      string
	PeerID      string
	ContextID   string
	DisplayName string
	// SettingsPartyID is the participant component of the chat-settings
	// key; it must be the same value on both sides. Defaults to the
	// lexicographically smaller participant id.
	SettingsPartyID string

	Channel  *signaling.Channel
	Notifier notify.Notifier
	History  history.Recorder
	Ringer   Ringer

	// NewSession defaults to media.NewSession.
	NewSession SessionFactory
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Online defaults to timeout.DefaultOnlineCheck.
	Online func() bool

	ICEServers []config.ICEServer
	Capture    config.CaptureConfig
	Timeouts   config.TimeoutConfig

	Logger *zap.Logger
}

// Machine is the call session state machine. One Machine manages calls with
// one peer; it is safe for concurrent use by UI goroutines and the async
// callbacks of its collaborators.
type Machine struct {
	opt Options
	key string
	log *zap.Logger
	clk clock.Clock
	sup *timeout.Supervisor

	// status is the synchronously-readable snapshot of the authoritative
	// local state. Async callbacks read it at invocation time instead of
	// trusting whatever they captured at registration.
	status atomic.Value // Status

	// mu serializes every transition; handlers and operations take it for
	// their whole run, which gives the single-logical-thread model the
	// interleaving callbacks rely on.
	mu           sync.Mutex
	session      MediaSession
	isCaller     bool
	startedAt    time.Time
	connectedAt  time.Time
	watchCancel  func()
	listenCancel func()

	subMu      sync.Mutex
	nextSub    int
	statusSubs map[int]func(Status)
	endSubs    map[int]func(CallEnd)
}

// New validates options and builds an idle Machine.
func New(opt Options) (*Machine, error) {
	if opt.SelfID == "" || opt.PeerID == "" {
		return nil, fmt.Errorf("call: both participant ids are required")
	}
	if opt.SelfID == opt.PeerID {
		return nil, fmt.Errorf("call: cannot call yourself")
	}
	if opt.Channel == nil {
		return nil, fmt.Errorf("call: signaling channel is required")
	}
	if len(opt.ICEServers) < 2 {
		return nil, fmt.Errorf("call: at least two ICE servers are required")
	}
	if opt.SettingsPartyID == "" {
		if opt.SelfID < opt.PeerID {
			opt.SettingsPartyID = opt.SelfID
		} else {
			opt.SettingsPartyID = opt.PeerID
		}
	}
	if opt.Notifier == nil {
		opt.Notifier = notify.NopNotifier{}
	}
	if opt.History == nil {
		opt.History = history.NopRecorder{}
	}
	if opt.Ringer == nil {
		opt.Ringer = nopRinger{}
	}
	if opt.NewSession == nil {
		opt.NewSession = func(cfg media.SessionConfig, logger *zap.Logger) (MediaSession, error) {
			return media.NewSession(cfg, logger)
		}
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.Online == nil {
		opt.Online = timeout.DefaultOnlineCheck
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Timeouts == (config.TimeoutConfig{}) {
		opt.Timeouts = config.NewDefaultConfig().Timeouts
	}

	m := &Machine{
		opt:        opt,
		key:        signaling.SessionKey(opt.SelfID, opt.PeerID),
		log:        opt.Logger.Named("call"),
		clk:        opt.Clock,
		statusSubs: make(map[int]func(Status)),
		endSubs:    make(map[int]func(CallEnd)),
	}
	m.status.Store(StatusIdle)
	m.sup = timeout.New(opt.Clock, opt.Timeouts, timeout.Deps{
		Online:   opt.Online,
		OnExpire: m.onTimerExpired,
	}, opt.Logger)
	return m, nil
}

type nopRinger struct{}

func (nopRinger) Start() {}
func (nopRinger) Stop()  {}

// SessionKey returns the shared document key for this pair.
func (m *Machine) SessionKey() string { return m.key }

// Status returns the current local call status. Safe from any goroutine.
func (m *Machine) Status() Status {
	return m.status.Load().(Status)
}

// IsCaller reports whether the local side initiated the current call.
func (m *Machine) IsCaller() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCaller
}

// Duration returns how long the current call has been going, measured from
// call start (including ring time), zero when idle.
func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() {
		return 0
	}
	return m.clk.Now().Sub(m.startedAt)
}

// LocalStream returns the captured audio stream, nil outside a call.
func (m *Machine) LocalStream() mediadevices.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	return m.session.LocalStream()
}

// RemoteStream returns the remote audio track once media has arrived.
func (m *Machine) RemoteStream() *webrtc.TrackRemote {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	return m.session.RemoteStream()
}

// OnStatus registers a status observer for UI updates. Observers run on the
// machine's goroutines and must return quickly. The returned func
// unregisters, idempotently.
func (m *Machine) OnStatus(fn func(Status)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.statusSubs[id] = fn
	m.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.statusSubs, id)
			m.subMu.Unlock()
		})
	}
}

// OnEnd registers an observer for terminal call events.
func (m *Machine) OnEnd(fn func(CallEnd)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.endSubs[id] = fn
	m.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.endSubs, id)
			m.subMu.Unlock()
		})
	}
}

// setStatusLocked updates the authoritative status and fans it out.
// Caller holds m.mu.
func (m *Machine) setStatusLocked(st Status) {
	if m.Status() == st {
		return
	}
	m.status.Store(st)
	m.log.Info("status changed", zap.String("status", string(st)))

	m.subMu.Lock()
	fns := make([]func(Status), 0, len(m.statusSubs))
	for _, fn := range m.statusSubs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (m *Machine) emitEnd(end CallEnd) {
	m.subMu.Lock()
	fns := make([]func(CallEnd), 0, len(m.endSubs))
	for _, fn := range m.endSubs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(end)
	}
}
