// Package timeout owns every wall-clock timer in the call lifecycle: the
// no-answer ticker, the connect deadline, the failure and disconnect grace
// windows, and stale-document healing. It only reports expirations; the state
// machine decides what they mean, consulting its own current state.
package timeout

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/enquira/voicecall/internal/config"
	"github.com/enquira/voicecall/internal/signaling"
)

// Event identifies which threshold expired.
type Event int

const (
	// EventOffline fires when the network-loss check trips during a tick.
	EventOffline Event = iota
	// EventNoAnswer fires when the call has been calling/ringing past the
	// no-answer threshold.
	EventNoAnswer
	// EventConnectTimeout fires when negotiation did not reach connected
	// within the connect window.
	EventConnectTimeout
	// EventFailureGrace fires when a transport failure did not recover
	// within its grace window.
	EventFailureGrace
	// EventDisconnectGrace fires when a transient disconnect did not
	// recover within its grace window.
	EventDisconnectGrace
)

func (e Event) String() string {
	switch e {
	case EventOffline:
		return "offline"
	case EventNoAnswer:
		return "no-answer"
	case EventConnectTimeout:
		return "connect-timeout"
	case EventFailureGrace:
		return "failure-grace"
	case EventDisconnectGrace:
		return "disconnect-grace"
	}
	return "unknown"
}

// Deps are the supervisor's collaborators.
type Deps struct {
	// Online reports current network connectivity.
	Online func() bool
	// OnExpire is invoked, off the supervisor's lock, when a threshold
	// expires. The receiver must re-check its own state: an expiry can
	// race a transition that already made it moot.
	OnExpire func(Event)
}

// Supervisor runs the timers for a single call session.
type Supervisor struct {
	clk clock.Clock
	cfg config.TimeoutConfig
	dep Deps
	log *zap.Logger

	mu              sync.Mutex
	ringStop        chan struct{}
	connectTimer    *clock.Timer
	failureTimer    *clock.Timer
	disconnectTimer *clock.Timer
}

// New builds a Supervisor. clk may be nil for the wall clock.
func New(clk clock.Clock, cfg config.TimeoutConfig, dep Deps, logger *zap.Logger) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{clk: clk, cfg: cfg, dep: dep, log: logger.Named("timeout")}
}

func (s *Supervisor) expire(ev Event) {
	s.log.Info("timer expired", zap.String("event", ev.String()))
	if s.dep.OnExpire != nil {
		s.dep.OnExpire(ev)
	}
}

// StartRingTicker begins the 1-second ticker that runs while the call is in
// calling or ringing. Each tick checks connectivity and the no-answer
// threshold. Starting again replaces a running ticker.
func (s *Supervisor) StartRingTicker() {
	s.mu.Lock()
	if s.ringStop != nil {
		close(s.ringStop)
	}
	stop := make(chan struct{})
	s.ringStop = stop
	s.mu.Unlock()

	started := s.clk.Now()
	ticker := s.clk.Ticker(s.cfg.Tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if s.dep.Online != nil && !s.dep.Online() {
					s.stopRing(stop)
					s.expire(EventOffline)
					return
				}
				if now.Sub(started) >= s.cfg.NoAnswer {
					s.stopRing(stop)
					s.expire(EventNoAnswer)
					return
				}
			}
		}
	}()
}

// stopRing clears the ticker only if it is still the one that fired, so a
// racing StartRingTicker is not torn down by its predecessor.
func (s *Supervisor) stopRing(stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringStop == stop {
		s.ringStop = nil
	}
}

// StopRingTicker halts the no-answer ticker. Idempotent.
func (s *Supervisor) StopRingTicker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringStop != nil {
		close(s.ringStop)
		s.ringStop = nil
	}
}

// StartConnectTimer arms the one-shot negotiation deadline (answer side).
func (s *Supervisor) StartConnectTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	s.connectTimer = s.clk.AfterFunc(s.cfg.Connect, func() {
		s.mu.Lock()
		s.connectTimer = nil
		s.mu.Unlock()
		s.expire(EventConnectTimeout)
	})
}

// StopConnectTimer cancels the negotiation deadline. Idempotent.
func (s *Supervisor) StopConnectTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

// StartFailureGrace arms the short grace window after a transport failure.
// Re-arming replaces the running window.
func (s *Supervisor) StartFailureGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failureTimer != nil {
		s.failureTimer.Stop()
	}
	s.failureTimer = s.clk.AfterFunc(s.cfg.FailureGrace, func() {
		s.mu.Lock()
		s.failureTimer = nil
		s.mu.Unlock()
		s.expire(EventFailureGrace)
	})
}

// CancelFailureGrace cancels the failure grace window, typically because the
// transport recovered. Idempotent.
func (s *Supervisor) CancelFailureGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failureTimer != nil {
		s.failureTimer.Stop()
		s.failureTimer = nil
	}
}

// StartDisconnectGrace arms the reconnect window after a transient
// disconnect during an active call.
func (s *Supervisor) StartDisconnectGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
	}
	s.disconnectTimer = s.clk.AfterFunc(s.cfg.DisconnectGrace, func() {
		s.mu.Lock()
		s.disconnectTimer = nil
		s.mu.Unlock()
		s.expire(EventDisconnectGrace)
	})
}

// CancelDisconnectGrace cancels the reconnect window. Idempotent.
func (s *Supervisor) CancelDisconnectGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}
}

// StopAll synchronously cancels every timer. Safe to call repeatedly and
// from racing teardown paths.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringStop != nil {
		close(s.ringStop)
		s.ringStop = nil
	}
	for _, t := range []**clock.Timer{&s.connectTimer, &s.failureTimer, &s.disconnectTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// HealStale rewrites a stale calling/ringing document to ended before any
// ringing logic can evaluate it, so a dead call never blocks future calls
// between the pair. Returns true when a rewrite happened.
func (s *Supervisor) HealStale(ctx context.Context, chn *signaling.Channel, key string, doc signaling.CallDocument) bool {
	if !doc.Stale(s.clk.Now(), s.cfg.Stale) {
		return false
	}
	s.log.Info("healing stale call document",
		zap.String("key", key),
		zap.Duration("age", doc.Age(s.clk.Now())))
	if err := chn.MarkAutoEnded(ctx, key); err != nil {
		s.log.Warn("failed to heal stale call document", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}
