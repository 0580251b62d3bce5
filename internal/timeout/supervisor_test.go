package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/enquira/voicecall/internal/config"
	"github.com/enquira/voicecall/internal/docstore"
	"github.com/enquira/voicecall/internal/signaling"
)

func testConfig() config.TimeoutConfig {
	return config.TimeoutConfig{
		NoAnswer:        60 * time.Second,
		Connect:         30 * time.Second,
		Stale:           2 * time.Minute,
		FailureGrace:    5 * time.Second,
		DisconnectGrace: 10 * time.Second,
		Tick:            time.Second,
	}
}

type harness struct {
	sup    *Supervisor
	mock   *clock.Mock
	events chan Event
	online bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mock:   clock.NewMock(),
		events: make(chan Event, 16),
		online: true,
	}
	h.sup = New(h.mock, testConfig(), Deps{
		Online:   func() bool { return h.online },
		OnExpire: func(ev Event) { h.events <- ev },
	}, nil)
	return h
}

func (h *harness) expectEvent(t *testing.T, want Event) {
	t.Helper()
	select {
	case got := <-h.events:
		if got != want {
			t.Fatalf("expired event = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %v", want)
	}
}

func (h *harness) expectNoEvent(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.events:
		t.Fatalf("unexpected expiration: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRingTickerNoAnswer(t *testing.T) {
	h := newHarness(t)
	h.sup.StartRingTicker()

	h.mock.Add(59 * time.Second)
	h.expectNoEvent(t)

	h.mock.Add(2 * time.Second)
	h.expectEvent(t, EventNoAnswer)

	// The ticker stops itself after firing.
	h.mock.Add(2 * time.Minute)
	h.expectNoEvent(t)
}

func TestRingTickerOffline(t *testing.T) {
	h := newHarness(t)
	h.sup.StartRingTicker()

	h.mock.Add(3 * time.Second)
	h.expectNoEvent(t)

	h.online = false
	h.mock.Add(time.Second)
	h.expectEvent(t, EventOffline)

	h.mock.Add(2 * time.Minute)
	h.expectNoEvent(t)
}

func TestRingTickerStop(t *testing.T) {
	h := newHarness(t)
	h.sup.StartRingTicker()
	h.sup.StopRingTicker()
	h.sup.StopRingTicker() // idempotent

	h.mock.Add(5 * time.Minute)
	h.expectNoEvent(t)
}

func TestRingTickerRestartReplacesPredecessor(t *testing.T) {
	h := newHarness(t)
	h.sup.StartRingTicker()
	h.mock.Add(50 * time.Second)
	h.expectNoEvent(t)

	// Restart resets the elapsed window; the old ticker must not fire.
	h.sup.StartRingTicker()
	h.mock.Add(30 * time.Second)
	h.expectNoEvent(t)

	h.mock.Add(31 * time.Second)
	h.expectEvent(t, EventNoAnswer)
	h.expectNoEvent(t)
}

func TestConnectTimer(t *testing.T) {
	h := newHarness(t)
	h.sup.StartConnectTimer()

	h.mock.Add(29 * time.Second)
	h.expectNoEvent(t)
	h.mock.Add(2 * time.Second)
	h.expectEvent(t, EventConnectTimeout)
}

func TestConnectTimerStop(t *testing.T) {
	h := newHarness(t)
	h.sup.StartConnectTimer()
	h.sup.StopConnectTimer()
	h.sup.StopConnectTimer() // idempotent

	h.mock.Add(time.Minute)
	h.expectNoEvent(t)
}

func TestGraceWindows(t *testing.T) {
	testCases := []struct {
		name   string
		start  func(*Supervisor)
		cancel func(*Supervisor)
		window time.Duration
		want   Event
	}{
		{"failure", (*Supervisor).StartFailureGrace, (*Supervisor).CancelFailureGrace, 5 * time.Second, EventFailureGrace},
		{"disconnect", (*Supervisor).StartDisconnectGrace, (*Supervisor).CancelDisconnectGrace, 10 * time.Second, EventDisconnectGrace},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.start(h.sup)
			h.mock.Add(tc.window + time.Second)
			h.expectEvent(t, tc.want)

			// A cancelled window never fires.
			tc.start(h.sup)
			h.mock.Add(tc.window / 2)
			tc.cancel(h.sup)
			h.mock.Add(tc.window)
			h.expectNoEvent(t)
		})
	}
}

func TestGraceRearmReplaces(t *testing.T) {
	h := newHarness(t)
	h.sup.StartFailureGrace()
	h.mock.Add(4 * time.Second)

	// Re-arming restarts the window from now.
	h.sup.StartFailureGrace()
	h.mock.Add(4 * time.Second)
	h.expectNoEvent(t)

	h.mock.Add(2 * time.Second)
	h.expectEvent(t, EventFailureGrace)
	h.expectNoEvent(t)
}

func TestStopAll(t *testing.T) {
	h := newHarness(t)
	h.sup.StartRingTicker()
	h.sup.StartConnectTimer()
	h.sup.StartFailureGrace()
	h.sup.StartDisconnectGrace()

	h.sup.StopAll()
	h.sup.StopAll() // idempotent

	h.mock.Add(10 * time.Minute)
	h.expectNoEvent(t)
}

func TestHealStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	chn := signaling.NewChannel(store, h.mock, nil)
	key := signaling.SessionKey("alice", "bob")

	if err := chn.CreateOffer(ctx, key, "alice", "bob", "ctx", "offer"); err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	doc, _, _ := chn.Load(ctx, key)
	if h.sup.HealStale(ctx, chn, key, doc) {
		t.Fatal("fresh document must not be healed")
	}

	h.mock.Add(125 * time.Second)
	doc, _, _ = chn.Load(ctx, key)
	if !h.sup.HealStale(ctx, chn, key, doc) {
		t.Fatal("stale calling document should be healed")
	}
	healed, _, _ := chn.Load(ctx, key)
	if healed.Status != signaling.StatusEnded || !healed.AutoEnded {
		t.Fatalf("healed document = %+v, want auto-ended", healed)
	}

	// Terminal documents are left alone regardless of age.
	h.mock.Add(time.Hour)
	if h.sup.HealStale(ctx, chn, key, healed) {
		t.Fatal("terminal document must not be healed again")
	}
}
