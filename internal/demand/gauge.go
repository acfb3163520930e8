package demand

import (
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/speakahead/internal/synth"
)

// Segments reports the audio duration of segments that are ready to play.
type Segments interface {
	// ReadyDuration returns the duration of segment index and whether its
	// audio is synthesized and committed.
	ReadyDuration(index int) (time.Duration, bool)
}

// SegmentsFunc adapts a function to Segments.
type SegmentsFunc func(index int) (time.Duration, bool)

// ReadyDuration calls f.
func (f SegmentsFunc) ReadyDuration(index int) (time.Duration, bool) {
	return f(index)
}

// Gauge estimates buffered-ahead audio.
type Gauge struct {
	segments Segments
	baked    atomic.Bool
}

// NewGauge creates a gauge over segments. Durations are taken to be at
// normal speed, with the rate applied at playback.
func NewGauge(segments Segments) *Gauge {
	return &Gauge{segments: segments}
}

// SetRateBaked records whether segment audio was synthesized at the
// playback rate. Baked durations already are listening time and are not
// scaled again.
func (g *Gauge) SetRateBaked(baked bool) {
	g.baked.Store(baked)
}

// EstimateBufferedAheadMs sums the durations of consecutive ready segments
// starting at the cursor's segment, less the time already played of it,
// in listening time at the cursor's rate. Counting stops at the first
// segment that is not ready.
func (g *Gauge) EstimateBufferedAheadMs(cursor synth.Cursor) int {
	var total time.Duration
	for i := cursor.SegmentIndex(); ; i++ {
		d, ok := g.segments.ReadyDuration(i)
		if !ok {
			break
		}
		total += d
	}
	if total == 0 {
		return 0
	}

	total -= cursor.PositionInSegment()
	if total <= 0 {
		return 0
	}

	rate := cursor.Rate()
	if rate <= 0 || g.baked.Load() {
		rate = 1
	}
	return int(float64(total.Milliseconds()) / rate)
}
