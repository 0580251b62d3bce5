package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/enquira/voicecall/internal/media"
	"github.com/enquira/voicecall/internal/signaling"
	"github.com/enquira/voicecall/internal/timeout"
)

// storeCtx bounds the store writes handlers issue from callback goroutines.
func (m *Machine) storeCtx() (context.Context, context.CancelFunc) {
	d := m.opt.Timeouts.Connect
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}

// onLocalCandidate publishes a gathered network candidate. Runs on a
// transport goroutine; the store write happens outside the machine lock.
func (m *Machine) onLocalCandidate(init webrtc.ICECandidateInit) {
	if m.Status() == StatusIdle {
		return
	}
	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.opt.Channel.PublishCandidate(ctx, m.key, m.opt.SelfID, init); err != nil {
		m.log.Warn("failed to publish candidate", zap.Error(err))
	}
}

// onCallSnapshot handles document versions during an in-flight call. It is
// installed by StartCall and AnswerCall and removed on teardown.
func (m *Machine) onCallSnapshot(snap signaling.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return
	}
	if !snap.Exists {
		// Deleted out from under us.
		m.resetLocked()
		return
	}
	doc := snap.Doc

	if m.isCaller && doc.Status == signaling.StatusAnswered && doc.Answer != "" && !m.session.HasRemoteDescription() {
		if !m.opt.Online() {
			m.endLocked(context.Background(), ReasonOffline, true)
			return
		}
		m.sup.StopRingTicker()
		if err := m.session.SetRemoteDescription(doc.Answer); err != nil {
			m.log.Error("failed to apply answer", zap.Error(err))
			m.endLocked(context.Background(), ReasonTransportFailure, true)
			return
		}
		m.setStatusLocked(StatusConnecting)
	}

	// The document holds only the peer's most recent candidate, so even the
	// initial snapshot after (re)subscribe must route it; dedup in the
	// session makes redelivery harmless.
	if cand := doc.Candidate(m.opt.PeerID); cand != nil {
		if applied, err := m.session.AddRemoteCandidate(*cand); err != nil {
			m.log.Warn("failed to add remote candidate", zap.Error(err))
		} else if applied {
			m.log.Debug("remote candidate applied")
		}
	}

	switch doc.Status {
	case signaling.StatusRejected:
		m.endLocked(context.Background(), ReasonRemoteRejected, false)
	case signaling.StatusEnded:
		if m.session.HasRemoteDescription() {
			m.endLocked(context.Background(), ReasonRemoteEnded, false)
		} else {
			// Ended before any answer was applied; release quietly.
			m.resetLocked()
		}
	}
}

// onAmbientSnapshot watches the pair's document while no call is in flight,
// deciding when to ring. Installed by Listen.
func (m *Machine) onAmbientSnapshot(snap signaling.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		// An in-flight call has its own watch.
		return
	}
	if !snap.Exists {
		if m.Status() == StatusRinging {
			m.resetLocked()
		}
		return
	}
	if snap.Initial && m.Status() != StatusIdle {
		// Echo of state we already acted on.
		return
	}
	doc := snap.Doc

	switch m.Status() {
	case StatusIdle:
		if doc.Status != signaling.StatusCalling || doc.CallerID == m.opt.SelfID {
			return
		}
		ctx, cancel := m.storeCtx()
		defer cancel()
		if m.sup.HealStale(ctx, m.opt.Channel, m.key, doc) {
			return
		}
		enabled, err := m.opt.Channel.CallsEnabled(ctx, m.opt.ContextID, m.opt.SettingsPartyID)
		if err != nil {
			m.log.Warn("chat settings lookup failed, assuming calls enabled", zap.Error(err))
		} else if !enabled {
			m.log.Info("ignoring incoming call, calls disabled", zap.String("caller", doc.CallerID))
			return
		}
		m.isCaller = false
		m.startedAt = m.clk.Now()
		m.setStatusLocked(StatusRinging)
		m.opt.Ringer.Start()
		m.sup.StartRingTicker()
		m.log.Info("incoming call ringing", zap.String("caller", doc.CallerID))

	case StatusRinging:
		switch doc.Status {
		case signaling.StatusCalling:
			// Still ringing.
		case signaling.StatusEnded:
			m.endLocked(context.Background(), ReasonRemoteEnded, false)
		case signaling.StatusRejected:
			m.endLocked(context.Background(), ReasonRemoteRejected, false)
		default:
			// Answered elsewhere or an unrecognized status; stop ringing.
			m.resetLocked()
		}
	}
}

// onMediaEvent translates transport connectivity signals into transitions.
// Runs on transport goroutines.
func (m *Machine) onMediaEvent(ev media.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return
	}
	switch ev.Kind {
	case media.RemoteMedia, media.TransportConnected, media.ICEConnected:
		// Either connectivity signal recovers a grace window and, first one
		// wins, promotes the call to active.
		m.sup.CancelFailureGrace()
		m.sup.CancelDisconnectGrace()
		m.promoteActiveLocked()

	case media.TransportConnecting:
		if m.Status() == StatusCalling {
			m.setStatusLocked(StatusConnecting)
		}

	case media.TransportFailed, media.ICEFailed:
		switch m.Status() {
		case StatusConnecting, StatusActive:
			m.sup.StartFailureGrace()
		}

	case media.TransportDisconnected, media.ICEDisconnected:
		if m.Status() == StatusActive {
			m.sup.StartDisconnectGrace()
		}
	}
}

// promoteActiveLocked moves the call to active on the first connectivity
// signal; later signals are no-ops. Caller holds m.mu.
func (m *Machine) promoteActiveLocked() {
	switch m.Status() {
	case StatusCalling, StatusConnecting:
	default:
		return
	}
	if m.session == nil {
		return
	}
	m.connectedAt = m.clk.Now()
	m.opt.Ringer.Stop()
	m.sup.StopRingTicker()
	m.sup.StopConnectTimer()
	m.setStatusLocked(StatusActive)
	go m.recordConnected()
	m.log.Info("call active", zap.String("peer", m.opt.PeerID))
}

// onTimerExpired handles threshold expirations from the supervisor. Each
// branch re-checks the current status: an expiry can race a transition that
// already made it moot.
func (m *Machine) onTimerExpired(ev timeout.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.Status()
	switch ev {
	case timeout.EventOffline:
		switch cur {
		case StatusCalling, StatusRinging, StatusConnecting, StatusActive:
			m.endLocked(context.Background(), ReasonOffline, true)
		}

	case timeout.EventNoAnswer:
		if m.isCaller && cur == StatusCalling {
			m.endLocked(context.Background(), ReasonNotAnswered, true)
		} else if !m.isCaller && cur == StatusRinging {
			m.endLocked(context.Background(), ReasonMissed, true)
		}

	case timeout.EventConnectTimeout:
		if cur == StatusConnecting {
			m.endLocked(context.Background(), ReasonConnectTimeout, true)
		}

	case timeout.EventFailureGrace:
		switch cur {
		case StatusConnecting, StatusActive:
			m.endLocked(context.Background(), ReasonTransportFailure, true)
		}

	case timeout.EventDisconnectGrace:
		if cur == StatusActive {
			m.endLocked(context.Background(), ReasonConnectionLost, true)
		}
	}
}

// endLocked is the single teardown path for every ended call. It releases
// local resources synchronously, surfaces the terminal status and end event,
// optionally persists the outcome to the shared document, and resets to
// idle. Caller holds m.mu. Calling it on an idle machine is a no-op.
func (m *Machine) endLocked(ctx context.Context, reason EndReason, persist bool) {
	cur := m.Status()
	if cur == StatusIdle {
		return
	}
	wasRingingOnly := cur == StatusRinging && m.session == nil

	m.setStatusLocked(terminalStatus(reason))
	m.emitEnd(CallEnd{Reason: reason, Message: message(reason)})

	if persist {
		m.persistEnd(ctx, reason, cur, wasRingingOnly)
	}
	go m.recordFinished(reason)

	m.resetLocked()
	m.log.Info("call ended", zap.String("reason", string(reason)))
}

// persistEnd writes the terminal outcome to the shared document. Declines
// and misses become rejections; everything else follows the should-end rule:
// only a side that is (or was about to be) party to a live session marks the
// document ended.
func (m *Machine) persistEnd(ctx context.Context, reason EndReason, cur Status, wasRingingOnly bool) {
	sctx, cancel := context.WithTimeout(ctx, m.opt.Timeouts.Connect)
	defer cancel()

	var err error
	switch {
	case reason == ReasonDeclined:
		err = m.opt.Channel.MarkRejected(sctx, m.key, m.opt.SelfID, "declined")
	case reason == ReasonMissed:
		err = m.opt.Channel.MarkRejected(sctx, m.key, m.opt.SelfID, "no_answer")
	case reason == ReasonOffline && wasRingingOnly:
		err = m.opt.Channel.MarkRejected(sctx, m.key, m.opt.SelfID, "network_offline")
	default:
		shouldEnd := cur == StatusActive || cur == StatusConnecting ||
			(cur == StatusCalling && m.isCaller)
		if !shouldEnd {
			// The local state alone does not justify ending the shared
			// document, but the peer may have answered already.
			if doc, ok, lerr := m.opt.Channel.Load(sctx, m.key); lerr == nil && ok {
				shouldEnd = doc.Status == signaling.StatusAnswered
			}
		}
		if !shouldEnd {
			return
		}
		err = m.opt.Channel.MarkEnded(sctx, m.key, m.opt.SelfID)
	}
	if err != nil {
		m.log.Warn("failed to persist call end", zap.Error(err))
	}
}

// resetLocked releases everything a call holds and returns to idle without
// emitting an end event or touching the shared document. Caller holds m.mu.
func (m *Machine) resetLocked() {
	m.sup.StopAll()
	m.opt.Ringer.Stop()
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	m.isCaller = false
	m.startedAt = time.Time{}
	m.connectedAt = time.Time{}
	m.setStatusLocked(StatusIdle)
}

func (m *Machine) recordConnected() {
	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.opt.History.Connected(ctx, m.key, m.clk.Now()); err != nil {
		m.log.Warn("failed to record call connect", zap.Error(err))
	}
}

func (m *Machine) recordFinished(reason EndReason) {
	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.opt.History.Finished(ctx, m.key, m.clk.Now(), m.opt.SelfID, string(reason)); err != nil {
		m.log.Warn("failed to record call end", zap.Error(err))
	}
}
