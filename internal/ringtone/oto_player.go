package ringtone

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// OtoPlayer plays PCM through the platform audio output via oto.
type OtoPlayer struct {
	ctx *oto.Context

	mu     sync.Mutex
	player *oto.Player
}

// NewOtoPlayer initializes the audio output device.
func NewOtoPlayer() (*OtoPlayer, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio output: %w", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("audio output did not become ready")
	}
	return &OtoPlayer{ctx: ctx}, nil
}

func (p *OtoPlayer) Start(cycle []byte) error {
	if len(cycle) == 0 {
		return fmt.Errorf("empty ring cycle")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player != nil {
		p.player.Pause()
		_ = p.player.Close()
		p.player = nil
	}
	p.player = p.ctx.NewPlayer(&loopReader{data: cycle})
	p.player.Play()
	return nil
}

func (p *OtoPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player == nil {
		return
	}
	p.player.Pause()
	_ = p.player.Close()
	p.player = nil
}

func (p *OtoPlayer) Close() {
	p.Stop()
	// oto contexts cannot be closed; suspending releases the device.
	_ = p.ctx.Suspend()
}

// loopReader repeats a PCM cycle forever.
type loopReader struct {
	data []byte
	pos  int
}

func (r *loopReader) Read(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		copied := copy(buf[n:], r.data[r.pos:])
		n += copied
		r.pos += copied
		if r.pos >= len(r.data) {
			r.pos = 0
		}
	}
	return n, nil
}
