// Package pipeline is the surface the playback layer talks to. It wires
// the cache, router, scheduler, governor, demand controller and
// operation tracker together.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/speakahead/internal/backend"
	"github.com/dgnsrekt/speakahead/internal/cache"
	"github.com/dgnsrekt/speakahead/internal/demand"
	"github.com/dgnsrekt/speakahead/internal/governor"
	"github.com/dgnsrekt/speakahead/internal/operation"
	"github.com/dgnsrekt/speakahead/internal/router"
	"github.com/dgnsrekt/speakahead/internal/scheduler"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

// Config holds pipeline settings.
type Config struct {
	Scheduler   scheduler.Config
	Demand      demand.Config
	MaxResident int
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Scheduler:   scheduler.DefaultConfig(),
		Demand:      demand.DefaultConfig(),
		MaxResident: 1,
	}
}

// Observer receives events from every component, typically for metrics.
type Observer interface {
	cache.Observer
	scheduler.Observer
	demand.Observer
}

// Segment is one unit of text in reading order.
type Segment struct {
	ID      string
	Index   int
	Text    string
	VoiceID string
}

// Stats aggregates diagnostics from every component.
type Stats struct {
	Cache     cache.Stats
	Scheduler scheduler.Stats
	Governor  governor.Stats
	Demand    demand.Decision
	Auto      bool
	Operation uint64
}

// Pipeline schedules, caches and governs segment synthesis.
type Pipeline struct {
	store    *cache.Store
	registry *backend.Registry
	sched    *scheduler.Scheduler
	governor *governor.Governor
	router   *router.Router
	gauge    *demand.Gauge
	ctrl     *demand.Controller
	ops      *operation.Tracker

	mu       sync.Mutex
	segments map[int]cache.Key // index -> key for the current operation

	log *log.Logger
}

// New builds a pipeline over store and the backends in registry. The
// pipeline takes ownership of store.
func New(store *cache.Store, registry *backend.Registry, cfg Config) *Pipeline {
	sched := scheduler.New(cfg.Scheduler, nil)
	gov := governor.New(registry, cfg.MaxResident)

	p := &Pipeline{
		store:    store,
		registry: registry,
		sched:    sched,
		governor: gov,
		router:   router.New(store, registry, gov, sched),
		ops:      operation.NewTracker(),
		segments: make(map[int]cache.Key),
		log:      log.WithPrefix("pipeline"),
	}
	p.gauge = demand.NewGauge(p)
	p.gauge.SetRateBaked(store.RatePolicy() == cache.RatePolicySynthesis)
	p.ctrl = demand.NewController(p.gauge, sched, cfg.Demand)

	p.ops.OnSupersede(func(id uint64) {
		p.router.Cancel(id)
		p.mu.Lock()
		p.segments = make(map[int]cache.Key)
		p.mu.Unlock()
	})
	return p
}

// SetObserver installs o on every component.
func (p *Pipeline) SetObserver(o Observer) {
	p.store.SetObserver(o)
	p.sched.SetObserver(o)
	p.ctrl.SetObserver(o)
}

// Start runs the demand controller against cursor and the cache janitor
// until ctx is done.
func (p *Pipeline) Start(ctx context.Context, cursor synth.Cursor) {
	p.store.StartJanitor(ctx)
	go p.ctrl.Run(ctx, cursor)
}

// Begin starts a new playback operation, superseding the current one.
func (p *Pipeline) Begin(kind operation.Kind) operation.Operation {
	return p.ops.Begin(kind)
}

// ReadyDuration implements demand.Segments over the current operation's
// segments.
func (p *Pipeline) ReadyDuration(index int) (time.Duration, bool) {
	p.mu.Lock()
	key, ok := p.segments[index]
	p.mu.Unlock()
	if !ok {
		return 0, false
	}

	entry, ok := p.store.Lookup(key)
	if !ok {
		return 0, false
	}
	return entry.Duration(), true
}

// SynthesizeSegment returns audio for req. Requests belonging to an
// operation that is no longer current resolve as cancelled.
func (p *Pipeline) SynthesizeSegment(ctx context.Context, req *synth.Request) synth.Result {
	if req.OpID != 0 {
		tracked := p.ops.Apply(req.OpID, func() {
			p.mu.Lock()
			p.segments[req.SegmentIndex] = p.router.KeyFor(req)
			p.mu.Unlock()
		})
		if !tracked {
			return synth.Cancelled()
		}
	}

	res := p.router.Synthesize(ctx, req)
	if req.OpID != 0 && !p.ops.IsCurrent(req.OpID) {
		// Superseded while synthesizing. The audio stays cached.
		return synth.Cancelled()
	}
	return res
}

// RequestWindow synthesizes the segment at the cursor as immediate work
// and the following prefetch window as prefetch work. It returns once all
// of them resolve, or with the operation's error if it is superseded.
// Results are indexed like segments; segments outside the window are left
// zero.
func (p *Pipeline) RequestWindow(ctx context.Context, op operation.Operation, segments []Segment, cursor synth.Cursor) ([]synth.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(op.Ctx, cancel)
	defer stop()

	current := cursor.SegmentIndex()
	window := p.ctrl.Window()
	results := make([]synth.Result, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segments {
		if seg.Index < current || seg.Index > current+window {
			continue
		}
		priority := synth.PriorityPrefetch
		if seg.Index == current {
			priority = synth.PriorityImmediate
		}
		req := &synth.Request{
			OpID:         op.ID,
			SegmentID:    seg.ID,
			SegmentIndex: seg.Index,
			Text:         synth.NormalizeText(seg.Text),
			VoiceID:      seg.VoiceID,
			Rate:         cursor.Rate(),
			Priority:     priority,
		}

		g.Go(func() error {
			results[i] = p.SynthesizeSegment(gctx, req)
			if results[i].Outcome == synth.OutcomeCancelled && op.Ctx.Err() != nil {
				return fmt.Errorf("operation %d superseded: %w", op.ID, op.Ctx.Err())
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

// EstimateBufferedAheadMs returns how much ready audio lies ahead of cursor.
func (p *Pipeline) EstimateBufferedAheadMs(cursor synth.Cursor) int {
	return p.gauge.EstimateBufferedAheadMs(cursor)
}

// Observe runs one demand adjustment for cursor.
func (p *Pipeline) Observe(cursor synth.Cursor) demand.Decision {
	return p.ctrl.Observe(cursor)
}

// Cancel cancels every request of opID.
func (p *Pipeline) Cancel(opID uint64) {
	if !p.ops.Cancel(opID) {
		// Not current; still release anything it left behind.
		p.router.Cancel(opID)
	}
}

// SetConcurrency pins the concurrency limit and disables automatic
// adjustment.
func (p *Pipeline) SetConcurrency(n int) int {
	p.ctrl.SetAuto(false)
	return p.sched.SetLimit(n)
}

// SetAutoConcurrency enables or disables demand-driven concurrency.
func (p *Pipeline) SetAutoConcurrency(enabled bool) {
	p.ctrl.SetAuto(enabled)
}

// InvalidateVoice drops every cached segment of voiceID, for example after
// its model was replaced.
func (p *Pipeline) InvalidateVoice(ctx context.Context, voiceID string) (int, error) {
	return p.store.InvalidateVoice(ctx, voiceID)
}

// RatePolicy reports how the playback rate is applied to audio.
func (p *Pipeline) RatePolicy() cache.RatePolicy {
	return p.store.RatePolicy()
}

// Voices lists every voice the registered backends serve.
func (p *Pipeline) Voices() []string {
	var out []string
	for _, a := range p.registry.Adapters() {
		out = append(out, a.Voices()...)
	}
	return out
}

// Stats returns diagnostics from every component.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Cache:     p.store.Stats(),
		Scheduler: p.sched.Stats(),
		Governor:  p.governor.Stats(),
		Demand:    p.ctrl.Last(),
		Auto:      p.ctrl.Auto(),
		Operation: p.ops.Current(),
	}
}

// Close stops scheduling and closes the cache.
func (p *Pipeline) Close() error {
	p.sched.Close()
	if err := p.store.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	return nil
}
