package call

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/enquira/voicecall/internal/history"
	"github.com/enquira/voicecall/internal/media"
)

// StartCall begins an outgoing call: preflight checks, audio capture, offer
// creation, document publication, and the no-answer ticker. The incoming-call
// notification is fired and forgotten.
func (m *Machine) StartCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Status() != StatusIdle {
		return ErrBusy
	}

	enabled, err := m.opt.Channel.CallsEnabled(ctx, m.opt.ContextID, m.opt.SettingsPartyID)
	if err != nil {
		m.log.Warn("chat settings lookup failed, assuming calls enabled", zap.Error(err))
	} else if !enabled {
		return ErrCallsDisabled
	}

	if !m.opt.Online() {
		return ErrOffline
	}

	session, err := m.newSessionLocked()
	if err != nil {
		return err
	}
	if err := session.Capture(ctx); err != nil {
		_ = session.Close()
		return err
	}

	m.session = session
	m.isCaller = true
	m.startedAt = m.clk.Now()
	m.setStatusLocked(StatusCalling)

	offer, err := session.CreateOffer(ctx)
	if err != nil {
		m.resetLocked()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := m.opt.Channel.CreateOffer(ctx, m.key, m.opt.SelfID, m.opt.PeerID, m.opt.ContextID, offer); err != nil {
		m.resetLocked()
		return err
	}

	// Advisory; a failed notification must not block call setup.
	go m.notifyIncoming()
	go m.recordStarted()

	cancel, err := m.opt.Channel.Watch(context.Background(), m.key, m.onCallSnapshot)
	if err != nil {
		m.resetLocked()
		return err
	}
	m.watchCancel = cancel

	m.sup.StartRingTicker()
	m.log.Info("outgoing call started", zap.String("peer", m.opt.PeerID))
	return nil
}

// AnswerCall accepts the ringing incoming call. The ringtone keeps playing
// through the connecting phase; it stops only when media actually flows.
func (m *Machine) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Status() != StatusRinging {
		return ErrNotRinging
	}
	if !m.opt.Online() {
		// Stay ringing; the user may retry once connectivity returns.
		return ErrOffline
	}

	m.isCaller = false
	m.setStatusLocked(StatusConnecting)

	session, err := m.newSessionLocked()
	if err != nil {
		m.endLocked(ctx, ReasonTransportFailure, true)
		return err
	}
	if err := session.Capture(ctx); err != nil {
		m.session = session
		m.endLocked(ctx, ReasonPermissionDenied, true)
		return err
	}
	m.session = session

	doc, ok, err := m.opt.Channel.Load(ctx, m.key)
	if err != nil {
		m.endLocked(ctx, ReasonTransportFailure, true)
		return err
	}
	if !ok || doc.Offer == "" {
		m.endLocked(ctx, ReasonTransportFailure, true)
		return fmt.Errorf("cannot answer %s: no offer on call document", m.key)
	}
	if err := session.SetRemoteDescription(doc.Offer); err != nil {
		m.endLocked(ctx, ReasonTransportFailure, true)
		return err
	}

	// Answered; the no-answer ticker no longer applies.
	m.sup.StopRingTicker()

	answer, err := session.CreateAnswer(ctx)
	if err != nil {
		m.endLocked(ctx, ReasonTransportFailure, true)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := m.opt.Channel.PublishAnswer(ctx, m.key, m.opt.SelfID, answer); err != nil {
		m.endLocked(ctx, ReasonTransportFailure, true)
		return err
	}

	cancel, err := m.opt.Channel.Watch(context.Background(), m.key, m.onCallSnapshot)
	if err != nil {
		m.endLocked(ctx, ReasonTransportFailure, true)
		return err
	}
	m.watchCancel = cancel

	m.sup.StartConnectTimer()
	go m.recordStarted()
	m.log.Info("incoming call answered", zap.String("peer", m.opt.PeerID))
	return nil
}

// EndCall hangs up. It synchronously stops all timers, releases the audio
// device, closes the transport, and unsubscribes from signaling before
// returning. persist=false skips the shared-document update (used when the
// document is already terminal). Idempotent: ending an idle machine is a
// no-op.
func (m *Machine) EndCall(ctx context.Context, persist bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Status() == StatusIdle {
		return nil
	}
	reason := ReasonLocalHangup
	if m.Status() == StatusRinging && m.session == nil {
		reason = ReasonDeclined
	}
	m.endLocked(ctx, reason, persist)
	return nil
}

// Listen installs the ambient incoming-call listener for this pair. It heals
// any stale leftover document before ringing logic can see it. The returned
// func removes the listener.
func (m *Machine) Listen(ctx context.Context) (func(), error) {
	doc, ok, err := m.opt.Channel.Load(ctx, m.key)
	if err != nil {
		m.log.Warn("initial call document load failed", zap.Error(err))
	} else if ok {
		m.sup.HealStale(ctx, m.opt.Channel, m.key, doc)
	}

	cancel, err := m.opt.Channel.Watch(ctx, m.key, m.onAmbientSnapshot)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.listenCancel = cancel
	m.mu.Unlock()

	m.log.Info("listening for incoming calls", zap.String("key", m.key))
	return func() {
		m.mu.Lock()
		if m.listenCancel != nil {
			m.listenCancel()
			m.listenCancel = nil
		}
		m.mu.Unlock()
	}, nil
}

// SetCallsEnabled flips the conversation's call toggle. Disabling while a
// call is in flight ends it.
func (m *Machine) SetCallsEnabled(ctx context.Context, enabled bool) error {
	if err := m.opt.Channel.SetCallsEnabled(ctx, m.opt.ContextID, m.opt.SettingsPartyID, m.opt.SelfID, enabled); err != nil {
		return err
	}
	if !enabled {
		return m.EndCall(ctx, true)
	}
	return nil
}

// Close tears down any in-flight call and removes the listener.
func (m *Machine) Close(ctx context.Context) error {
	err := m.EndCall(ctx, true)
	m.mu.Lock()
	if m.listenCancel != nil {
		m.listenCancel()
		m.listenCancel = nil
	}
	m.mu.Unlock()
	return err
}

func (m *Machine) newSessionLocked() (MediaSession, error) {
	return m.opt.NewSession(media.SessionConfig{
		ICEServers:  m.opt.ICEServers,
		Capture:     m.opt.Capture,
		OnCandidate: m.onLocalCandidate,
		OnEvent:     m.onMediaEvent,
	}, m.opt.Logger)
}

func (m *Machine) notifyIncoming() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opt.Timeouts.Connect)
	defer cancel()
	if err := m.opt.Notifier.IncomingCall(ctx, m.opt.PeerID, m.opt.ContextID, m.opt.SelfID, m.opt.DisplayName); err != nil {
		m.log.Warn("incoming-call notification failed", zap.Error(err))
	}
}

func (m *Machine) recordStarted() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opt.Timeouts.Connect)
	defer cancel()
	rec := history.Record{
		SessionKey: m.key,
		CallerID:   m.opt.SelfID,
		ReceiverID: m.opt.PeerID,
		ContextID:  m.opt.ContextID,
		StartedAt:  m.clk.Now(),
	}
	if !m.IsCaller() {
		rec.CallerID, rec.ReceiverID = rec.ReceiverID, rec.CallerID
	}
	if err := m.opt.History.Started(ctx, rec); err != nil {
		m.log.Warn("failed to record call start", zap.Error(err))
	}
}

// Reject declines the ringing incoming call without answering it. The
// rejection is written to the shared document so the caller's side tears
// down too.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Status() != StatusRinging {
		return ErrNotRinging
	}
	m.endLocked(ctx, ReasonDeclined, true)
	return nil
}
