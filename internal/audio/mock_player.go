package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MockPlayer is a Sink that produces no sound. It waits for the clip's
// duration divided by Speedup so tests can run faster than real time.
type MockPlayer struct {
	Speedup float64

	mu     sync.Mutex
	played []Clip
	closed bool
}

// NewMockPlayer creates a mock sink playing speedup times faster than real
// time. A speedup of zero returns immediately.
func NewMockPlayer(speedup float64) *MockPlayer {
	return &MockPlayer{Speedup: speedup}
}

// Play records clip and waits out its scaled duration.
func (m *MockPlayer) Play(ctx context.Context, clip Clip) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("player is closed")
	}
	m.played = append(m.played, clip)
	m.mu.Unlock()

	if m.Speedup <= 0 {
		return ctx.Err()
	}
	wait := time.Duration(float64(clip.Duration()) / m.Speedup)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Played returns every clip played so far.
func (m *MockPlayer) Played() []Clip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Clip(nil), m.played...)
}

// Close marks the player closed.
func (m *MockPlayer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
