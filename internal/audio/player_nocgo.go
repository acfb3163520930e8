//go:build nocgo

package audio

import "context"

// Player is unavailable in nocgo builds.
type Player struct{}

// NewPlayer returns a player whose Play always fails.
func NewPlayer() *Player {
	return &Player{}
}

// Play returns ErrUnavailable.
func (p *Player) Play(context.Context, Clip) error {
	return ErrUnavailable
}

// Close does nothing.
func (p *Player) Close() error {
	return nil
}
