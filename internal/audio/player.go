//go:build !nocgo

package audio

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
)

// pollInterval is how often playback completion is checked.
const pollInterval = 10 * time.Millisecond

// Player is a Sink on the system audio device. oto allows one context per
// process, so the first clip fixes the sample rate and channel count.
type Player struct {
	mu         sync.Mutex
	context    *oto.Context
	sampleRate int
	channels   int
	closed     bool

	log *log.Logger
}

// NewPlayer creates a player. The device is opened on the first Play.
func NewPlayer() *Player {
	return &Player{log: log.WithPrefix("audio")}
}

func (p *Player) contextFor(clip Clip) (*oto.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("player is closed")
	}
	channels := max(clip.Channels, 1)
	if p.context != nil {
		if clip.SampleRate != p.sampleRate || channels != p.channels {
			return nil, fmt.Errorf("clip is %d Hz/%d ch, device opened at %d Hz/%d ch",
				clip.SampleRate, channels, p.sampleRate, p.channels)
		}
		return p.context, nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   clip.SampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	p.context = ctx
	p.sampleRate = clip.SampleRate
	p.channels = channels
	p.log.Debug("audio device opened", "sample_rate", clip.SampleRate, "channels", channels)
	return ctx, nil
}

// Play plays clip to completion. Cancelling ctx stops playback.
func (p *Player) Play(ctx context.Context, clip Clip) error {
	if len(clip.PCM) == 0 {
		return nil
	}
	octx, err := p.contextFor(clip)
	if err != nil {
		return err
	}

	// The reader keeps clip.PCM alive until the player is closed.
	player := octx.NewPlayer(bytes.NewReader(clip.PCM))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return player.Err()
}

// Close suspends the device.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.context != nil {
		return p.context.Suspend()
	}
	return nil
}
