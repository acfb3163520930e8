package demand

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/speakahead/internal/queue"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

// Limiter is the concurrency surface the controller drives.
type Limiter interface {
	SetLimit(n int) int
	Limit() int
	Baseline() int
	Max() int
	SetOrder(order queue.Order)
}

// Observer receives each decision.
type Observer interface {
	ObserveDemand(zone Zone, bufferedMs, limit, window int)
}

type nopObserver struct{}

func (nopObserver) ObserveDemand(Zone, int, int, int) {}

// Config holds controller settings.
type Config struct {
	// Cooldown is the minimum gap between normal adjustments.
	Cooldown time.Duration

	// Interval is how often Run samples the gauge.
	Interval time.Duration

	// PrefetchWindow is the cruise-zone prefetch window.
	PrefetchWindow int

	// MaxPrefetchWindow is used when the buffer is running dry.
	MaxPrefetchWindow int
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown:          5 * time.Second,
		Interval:          500 * time.Millisecond,
		PrefetchWindow:    4,
		MaxPrefetchWindow: 8,
	}
}

// Decision is the outcome of one observation.
type Decision struct {
	Zone       Zone
	BufferedMs int
	Target     int
	Limit      int
	Window     int
	Bypassed   bool
}

// Controller turns buffer measurements into concurrency changes.
type Controller struct {
	gauge   *Gauge
	limiter Limiter
	cfg     Config

	mu       sync.Mutex
	cooldown *rate.Limiter
	auto     bool
	last     Decision
	observer Observer

	log *log.Logger
}

// NewController creates a controller with automatic adjustment enabled.
func NewController(gauge *Gauge, limiter Limiter, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PrefetchWindow < 1 {
		cfg.PrefetchWindow = def.PrefetchWindow
	}
	if cfg.MaxPrefetchWindow < cfg.PrefetchWindow+2 {
		cfg.MaxPrefetchWindow = cfg.PrefetchWindow + 2
	}

	return &Controller{
		gauge:    gauge,
		limiter:  limiter,
		cfg:      cfg,
		cooldown: rate.NewLimiter(rate.Every(cfg.Cooldown), 1),
		auto:     true,
		observer: nopObserver{},
		log:      log.WithPrefix("demand"),
	}
}

// SetObserver installs a decision observer.
func (c *Controller) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// SetAuto enables or disables automatic concurrency adjustment. While
// disabled the controller still measures and reports but leaves the
// limit alone.
func (c *Controller) SetAuto(enabled bool) {
	c.mu.Lock()
	c.auto = enabled
	c.mu.Unlock()
	c.log.Info("auto concurrency", "enabled", enabled)
}

// Auto reports whether automatic adjustment is enabled.
func (c *Controller) Auto() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auto
}

// Last returns the most recent decision.
func (c *Controller) Last() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// TargetFor returns the concurrency the zone calls for.
func (c *Controller) TargetFor(zone Zone) int {
	switch zone {
	case ZoneCoast:
		return 1
	case ZoneCruise:
		return c.limiter.Baseline()
	case ZoneAccelerate:
		return min(c.limiter.Baseline()+1, c.limiter.Max())
	default:
		return c.limiter.Max()
	}
}

// WindowFor returns the prefetch window for the zone.
func (c *Controller) WindowFor(zone Zone) int {
	switch zone {
	case ZoneCoast:
		return min(2, c.cfg.PrefetchWindow)
	case ZoneCruise:
		return c.cfg.PrefetchWindow
	case ZoneAccelerate:
		return c.cfg.PrefetchWindow + 2
	default:
		return c.cfg.MaxPrefetchWindow
	}
}

// Window returns the prefetch window of the most recent decision, or the
// cruise window before the first observation.
func (c *Controller) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.Window == 0 {
		return c.cfg.PrefetchWindow
	}
	return c.last.Window
}

// Observe measures the buffer at cursor and adjusts concurrency. Urgent
// zones jump straight to their target; other changes move one step per
// cooldown.
func (c *Controller) Observe(cursor synth.Cursor) Decision {
	buffered := c.gauge.EstimateBufferedAheadMs(cursor)
	zone := ZoneFor(buffered)
	target := c.TargetFor(zone)

	c.mu.Lock()
	defer c.mu.Unlock()

	d := Decision{
		Zone:       zone,
		BufferedMs: buffered,
		Target:     target,
		Window:     c.WindowFor(zone),
	}

	if zone == ZoneCritical {
		c.limiter.SetOrder(queue.OrderBySegment)
	} else {
		c.limiter.SetOrder(queue.OrderBySubmission)
	}

	current := c.limiter.Limit()
	d.Limit = current
	if c.auto && target != current {
		switch {
		case zone.Urgent():
			d.Limit = c.limiter.SetLimit(target)
			d.Bypassed = true
			// Start a fresh cooldown so the way back down is gradual.
			c.cooldown.Allow()
		case c.cooldown.Allow():
			next := current + 1
			if target < current {
				next = current - 1
			}
			d.Limit = c.limiter.SetLimit(next)
		}
	}

	if d.Zone != c.last.Zone || d.Limit != c.last.Limit {
		c.log.Debug("demand", "zone", zone, "buffered_ms", buffered, "limit", d.Limit, "target", target, "window", d.Window)
	}
	c.last = d
	c.observer.ObserveDemand(zone, buffered, d.Limit, d.Window)
	return d
}

// Run observes cursor every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, cursor synth.Cursor) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.Observe(cursor)
	for {
		select {
		case <-ticker.C:
			c.Observe(cursor)
		case <-ctx.Done():
			return
		}
	}
}
