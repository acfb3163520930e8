package audio

import (
	"sync"
	"time"
)

// Cursor tracks the live playback position. It implements synth.Cursor.
type Cursor struct {
	mu      sync.Mutex
	index   int
	started time.Time
	rate    float64
	baked   bool

	clock func() time.Time
}

// NewCursor creates a cursor at segment 0 with the given playback rate.
func NewCursor(rate float64) *Cursor {
	if rate <= 0 {
		rate = 1.0
	}
	return &Cursor{rate: rate, clock: time.Now}
}

// Advance moves the cursor to the start of segment index. The position
// stays at zero until Start.
func (c *Cursor) Advance(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = index
	c.started = time.Time{}
}

// Start marks the current segment as audible from now.
func (c *Cursor) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = c.clock()
}

// SegmentIndex returns the segment being played.
func (c *Cursor) SegmentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// PositionInSegment returns how much audio of the current segment has
// been played, in audio time.
func (c *Cursor) PositionInSegment() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		return 0
	}
	elapsed := c.clock().Sub(c.started)
	if c.baked {
		return elapsed
	}
	return time.Duration(float64(elapsed) * c.rate)
}

// SetRateBaked records whether the audio being played was synthesized at
// the playback rate, so it plays at normal speed.
func (c *Cursor) SetRateBaked(baked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baked = baked
}

// Rate returns the playback rate.
func (c *Cursor) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// SetRate changes the playback rate.
func (c *Cursor) SetRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rate > 0 {
		c.rate = rate
	}
}
