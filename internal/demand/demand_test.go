package demand

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/speakahead/internal/queue"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

type fakeLimiter struct {
	mu       sync.Mutex
	limit    int
	baseline int
	max      int
	order    queue.Order
	sets     int
}

func (f *fakeLimiter) SetLimit(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = max(1, min(n, f.max))
	f.sets++
	return f.limit
}

func (f *fakeLimiter) Limit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

func (f *fakeLimiter) Baseline() int { return f.baseline }
func (f *fakeLimiter) Max() int      { return f.max }

func (f *fakeLimiter) SetOrder(o queue.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = o
}

// buffer is a run of ready segments of equal length starting at index 0.
func buffer(count int, each time.Duration) Segments {
	return SegmentsFunc(func(i int) (time.Duration, bool) {
		if i < 0 || i >= count {
			return 0, false
		}
		return each, true
	})
}

func TestZoneFor(t *testing.T) {
	tests := []struct {
		ms   int
		want Zone
	}{
		{60_000, ZoneCoast},
		{45_001, ZoneCoast},
		{45_000, ZoneCruise},
		{30_000, ZoneCruise},
		{29_999, ZoneAccelerate},
		{15_000, ZoneAccelerate},
		{14_999, ZoneEmergency},
		{5_000, ZoneEmergency},
		{4_999, ZoneCritical},
		{0, ZoneCritical},
	}
	for _, tt := range tests {
		if got := ZoneFor(tt.ms); got != tt.want {
			t.Errorf("ZoneFor(%d) = %s, want %s", tt.ms, got, tt.want)
		}
	}
}

func TestGauge_EstimateBufferedAheadMs(t *testing.T) {
	gaps := SegmentsFunc(func(i int) (time.Duration, bool) {
		switch i {
		case 3, 4:
			return 2 * time.Second, true
		case 6:
			return 10 * time.Second, true
		}
		return 0, false
	})
	g := NewGauge(gaps)

	tests := []struct {
		name   string
		cursor synth.StaticCursor
		want   int
	}{
		{"stops at first gap", synth.StaticCursor{Index: 3, Speed: 1}, 4000},
		{"subtracts position", synth.StaticCursor{Index: 3, Position: 500 * time.Millisecond, Speed: 1}, 3500},
		{"scales by rate", synth.StaticCursor{Index: 3, Speed: 2}, 2000},
		{"current not ready", synth.StaticCursor{Index: 5, Speed: 1}, 0},
		{"position past audio", synth.StaticCursor{Index: 4, Position: 3 * time.Second, Speed: 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.EstimateBufferedAheadMs(tt.cursor); got != tt.want {
				t.Errorf("EstimateBufferedAheadMs = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGauge_RateBakedIntoAudio(t *testing.T) {
	// 4s of audio synthesized at 2x already plays in 4s.
	g := NewGauge(SegmentsFunc(func(i int) (time.Duration, bool) {
		if i == 0 {
			return 4 * time.Second, true
		}
		return 0, false
	}))
	g.SetRateBaked(true)

	cursor := synth.StaticCursor{Index: 0, Position: time.Second, Speed: 2}
	if got := g.EstimateBufferedAheadMs(cursor); got != 3000 {
		t.Errorf("EstimateBufferedAheadMs = %d, want 3000", got)
	}

	g.SetRateBaked(false)
	if got := g.EstimateBufferedAheadMs(cursor); got != 1500 {
		t.Errorf("EstimateBufferedAheadMs = %d, want 1500 when the player applies the rate", got)
	}
}

func TestController_CriticalBypassesCooldown(t *testing.T) {
	lim := &fakeLimiter{limit: 2, baseline: 2, max: 4}
	segs := &switchable{}
	c := NewController(NewGauge(segs), lim, Config{Cooldown: time.Hour, PrefetchWindow: 4, MaxPrefetchWindow: 8})

	// A normal adjustment consumes the cooldown.
	segs.set(buffer(1, 60*time.Second))
	if d := c.Observe(synth.StaticCursor{Speed: 1}); d.Zone != ZoneCoast || d.Limit != 1 {
		t.Fatalf("Coast decision = %+v", d)
	}

	// 4000ms buffered at 1.0x is critical: straight to max.
	segs.set(buffer(1, 4*time.Second))
	d := c.Observe(synth.StaticCursor{Speed: 1})
	if d.Zone != ZoneCritical {
		t.Errorf("Zone = %s, want critical", d.Zone)
	}
	if d.Limit != 4 || lim.Limit() != 4 || !d.Bypassed {
		t.Errorf("Critical did not jump to max: %+v", d)
	}
	if lim.order != queue.OrderBySegment {
		t.Error("Critical zone did not reprioritize the queue")
	}
	if d.Window != 8 {
		t.Errorf("Window = %d, want 8", d.Window)
	}
}

func TestController_OneStepPerCooldown(t *testing.T) {
	lim := &fakeLimiter{limit: 4, baseline: 2, max: 4}
	segs := &switchable{}
	segs.set(buffer(1, 60*time.Second))
	c := NewController(NewGauge(segs), lim, Config{Cooldown: time.Hour, PrefetchWindow: 4})

	d := c.Observe(synth.StaticCursor{Speed: 1})
	if d.Limit != 3 {
		t.Errorf("First adjustment = %d, want one step to 3", d.Limit)
	}
	d = c.Observe(synth.StaticCursor{Speed: 1})
	if d.Limit != 3 {
		t.Errorf("Adjusted again within cooldown: %d", d.Limit)
	}
	if lim.order != queue.OrderBySubmission {
		t.Error("Coast zone should rank by submission")
	}
}

func TestController_StepsTowardTargetOverTime(t *testing.T) {
	lim := &fakeLimiter{limit: 1, baseline: 2, max: 4}
	segs := &switchable{}
	segs.set(buffer(1, 20*time.Second)) // accelerate: baseline+1
	c := NewController(NewGauge(segs), lim, Config{Cooldown: 10 * time.Millisecond, PrefetchWindow: 4})

	deadline := time.Now().Add(2 * time.Second)
	for lim.Limit() != 3 && time.Now().Before(deadline) {
		c.Observe(synth.StaticCursor{Speed: 1})
		time.Sleep(5 * time.Millisecond)
	}
	if lim.Limit() != 3 {
		t.Fatalf("Limit = %d, want 3", lim.Limit())
	}
	if lim.sets != 2 {
		t.Errorf("SetLimit called %d times, want 2 single steps", lim.sets)
	}
	if c.Last().Window != 6 {
		t.Errorf("Accelerate window = %d, want 6", c.Last().Window)
	}
}

func TestController_ManualModeLeavesLimit(t *testing.T) {
	lim := &fakeLimiter{limit: 2, baseline: 2, max: 4}
	c := NewController(NewGauge(buffer(0, 0)), lim, DefaultConfig())
	c.SetAuto(false)

	d := c.Observe(synth.StaticCursor{Speed: 1})
	if d.Zone != ZoneCritical {
		t.Errorf("Zone = %s, want critical", d.Zone)
	}
	if lim.Limit() != 2 || lim.sets != 0 {
		t.Errorf("Manual mode changed the limit to %d", lim.Limit())
	}
}

func TestController_Run(t *testing.T) {
	lim := &fakeLimiter{limit: 2, baseline: 2, max: 4}
	c := NewController(NewGauge(buffer(0, 0)), lim, Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, synth.StaticCursor{Speed: 1})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for lim.Limit() != 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if lim.Limit() != 4 {
		t.Errorf("Run never raised the limit: %d", lim.Limit())
	}
}

// switchable lets a test change the buffered segments between observations.
type switchable struct {
	mu   sync.Mutex
	segs Segments
}

func (s *switchable) set(segs Segments) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segs = segs
}

func (s *switchable) ReadyDuration(i int) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segs.ReadyDuration(i)
}
