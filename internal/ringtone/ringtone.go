// Package ringtone produces the audible ring loop heard while a call is
// ringing or connecting. At most one loop runs at a time, and stopping is
// unconditional and idempotent so racing teardown paths cannot leave a
// phantom ring behind.
package ringtone

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

const (
	sampleRate = 48000
	channels   = 1

	// One cycle: a 0.8 s ring burst followed by silence up to the 2 s mark.
	cycleSeconds = 2.0
	burstSeconds = 0.8
	// The burst alternates between two tones every 200 ms, like a phone.
	toneLowHz  = 800.0
	toneHighHz = 1000.0
	toneStepS  = 0.2
	gain       = 0.3
	// Short linear fade at the end of the burst so it does not click.
	fadeSeconds = 0.05
)

// Player plays a PCM cycle (s16le, 48 kHz, mono) in a loop until stopped.
type Player interface {
	// Start begins looping playback of cycle. Calling Start while playing
	// replaces the loop.
	Start(cycle []byte) error
	// Stop halts playback. Safe to call when not playing.
	Stop()
	// Close releases the playback device.
	Close()
}

// Controller drives the ring loop.
type Controller struct {
	mu      sync.Mutex
	player  Player
	running bool
	log     *zap.Logger
}

// NewController builds a Controller around the given player. A nil player
// selects the platform audio output; if that cannot be initialized the
// controller stays silent rather than failing.
func NewController(player Player, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ringtone")
	if player == nil {
		var p Player
		p, err := NewOtoPlayer()
		if err != nil {
			logger.Warn("audio output unavailable, ringtone disabled", zap.Error(err))
			p = nopPlayer{}
		}
		player = p
	}
	return &Controller{player: player, log: logger}
}

// Start begins the ring loop, stopping any loop already running first so no
// two loops ever overlap. It never panics on playback errors; the worst case
// is a silent ring.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.player.Stop()
		c.running = false
	}

	if err := c.player.Start(ringCycle()); err != nil {
		c.log.Warn("primary ringtone failed, falling back to embedded tone", zap.Error(err))
		if err := c.player.Start(embeddedTone()); err != nil {
			c.log.Error("fallback ringtone failed, ringing silently", zap.Error(err))
			return
		}
	}
	c.running = true
	c.log.Debug("ringtone started")
}

// Stop halts the ring loop. Idempotent; called from every teardown path.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.player.Stop()
	c.running = false
	c.log.Debug("ringtone stopped")
}

// Running reports whether a loop is currently playing.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Close stops any loop and releases the playback device.
func (c *Controller) Close() {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.player.Close()
}

// ringCycle synthesizes one 2-second ring cycle as s16le PCM.
func ringCycle() []byte {
	total := int(cycleSeconds * sampleRate)
	burst := int(burstSeconds * sampleRate)
	fade := int(fadeSeconds * sampleRate)
	step := int(toneStepS * sampleRate)

	out := make([]byte, total*2*channels)
	for i := 0; i < burst; i++ {
		freq := toneLowHz
		if (i/step)%2 == 1 {
			freq = toneHighHz
		}
		amp := gain
		if i >= burst-fade {
			amp *= float64(burst-i) / float64(fade)
		}
		sample := amp * math.Sin(2*math.Pi*freq*float64(i)/sampleRate)
		v := int16(sample * math.MaxInt16)
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	// Remainder of the cycle stays zero: the pause between rings.
	return out
}

// embeddedTone is the minimal fallback: a plain 800 Hz beep with the same
// cycle length, synthesized without the alternating pattern.
func embeddedTone() []byte {
	total := int(cycleSeconds * sampleRate)
	burst := int(0.5 * sampleRate)

	out := make([]byte, total*2*channels)
	for i := 0; i < burst; i++ {
		sample := gain * math.Sin(2*math.Pi*toneLowHz*float64(i)/sampleRate)
		v := int16(sample * math.MaxInt16)
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

// nopPlayer is used when no audio output exists (headless hosts, CI).
type nopPlayer struct{}

func (nopPlayer) Start([]byte) error { return nil }
func (nopPlayer) Stop()              {}
func (nopPlayer) Close()             {}
