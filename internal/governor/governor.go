// Package governor bounds how many heavy synthesis backends are resident
// at once and serializes the load/unload transitions between them.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/dgnsrekt/speakahead/internal/backend"
)

// ErrUnknownBackend is returned when asked to prepare a backend type that
// no adapter provides.
var ErrUnknownBackend = errors.New("unknown backend type")

// Backends provides the adapters a governor manages.
type Backends interface {
	Adapters() []backend.Adapter
}

// Stats holds governor diagnostics.
type Stats struct {
	Resident    []string
	MaxResident int
	Switches    int64
	Active      map[string]int
}

// Governor keeps at most MaxResident backends prepared. Preparation is
// serialized so two heavy models are never loaded concurrently.
type Governor struct {
	backends    Backends
	maxResident int
	sem         *semaphore.Weighted

	mu       sync.Mutex
	resident map[string]time.Time // type -> last prepared
	active   map[string]int       // outstanding leases per type
	released chan struct{}        // closed and replaced whenever a lease ends
	switches int64

	log *log.Logger
}

// New creates a governor. maxResident below one is treated as one.
func New(backends Backends, maxResident int) *Governor {
	if maxResident < 1 {
		maxResident = 1
	}
	return &Governor{
		backends:    backends,
		maxResident: maxResident,
		sem:         semaphore.NewWeighted(1),
		resident:    make(map[string]time.Time),
		active:      make(map[string]int),
		released:    make(chan struct{}),
		log:         log.WithPrefix("governor"),
	}
}

func (g *Governor) adapter(typ string) (backend.Adapter, bool) {
	for _, a := range g.backends.Adapters() {
		if a.Type() == typ {
			return a, true
		}
	}
	return nil, false
}

// PrepareForBackend makes typ resident, clearing other backends first when
// the resident set is full, then loads voiceID on it. An empty voiceID
// only claims residency. Preparation is serialized: a concurrent caller
// waits for the first to finish, so engines and voices of two backends
// are never loaded at the same time. The returned release func must be
// called once the caller's synthesis attempt is over; a backend is never
// cleared while it holds leases.
func (g *Governor) PrepareForBackend(ctx context.Context, typ, voiceID string) (func(), error) {
	a, ok := g.adapter(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, typ)
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	g.mu.Lock()
	_, resident := g.resident[typ]
	g.mu.Unlock()

	if !resident {
		if err := g.evictFor(ctx, typ); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	g.resident[typ] = time.Now()
	g.active[typ]++
	if !resident {
		g.switches++
	}
	g.mu.Unlock()
	release := g.leaseFor(typ)

	if voiceID != "" {
		start := time.Now()
		if err := a.EnsureCoreReady(ctx, voiceID); err != nil {
			release()
			return nil, err
		}
		if err := a.PrepareVoice(ctx, voiceID); err != nil {
			release()
			return nil, err
		}
		g.log.Debug("voice prepared", "backend", typ, "voice", voiceID, "took", time.Since(start))
	}
	if !resident {
		g.log.Info("backend prepared", "backend", typ)
	}
	return release, nil
}

// evictFor clears backends other than typ until the resident set has room.
// The caller holds the semaphore.
func (g *Governor) evictFor(ctx context.Context, typ string) error {
	for {
		victim, wait, full := g.pickVictim(typ)
		if !full {
			return nil
		}
		if victim == nil {
			// Every candidate is mid-synthesis; wait for one to finish.
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		start := time.Now()
		if err := victim.ClearAllModels(ctx); err != nil {
			g.log.Warn("failed to clear backend", "backend", victim.Type(), "error", err)
		}
		g.mu.Lock()
		delete(g.resident, victim.Type())
		g.mu.Unlock()
		g.log.Info("backend evicted", "backend", victim.Type(), "for", typ, "took", time.Since(start))
	}
}

func (g *Governor) leaseFor(typ string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.active[typ]--
			if g.active[typ] <= 0 {
				delete(g.active, typ)
			}
			close(g.released)
			g.released = make(chan struct{})
			g.mu.Unlock()
		})
	}
}

type candidate struct {
	adapter  backend.Adapter
	models   int
	prepared time.Time
	busy     bool
}

// candidates returns every backend other than exclude that holds memory:
// those the governor prepared and any that report loaded models.
func (g *Governor) candidates(exclude string) []candidate {
	var out []candidate
	for _, a := range g.backends.Adapters() {
		if a.Type() == exclude {
			continue
		}
		models := a.LoadedModelCount()

		g.mu.Lock()
		prepared, isResident := g.resident[a.Type()]
		busy := g.active[a.Type()] > 0
		g.mu.Unlock()

		if !isResident && models == 0 {
			continue
		}
		out = append(out, candidate{adapter: a, models: models, prepared: prepared, busy: busy})
	}

	// Highest resident-model count first, ties broken by least recent
	// preparation.
	sort.Slice(out, func(i, j int) bool {
		if out[i].models != out[j].models {
			return out[i].models > out[j].models
		}
		return out[i].prepared.Before(out[j].prepared)
	})
	return out
}

// pickVictim reports whether the resident set is full and, if so, which
// idle backend to clear. With no idle candidate it returns a channel that
// is closed when a lease is released.
func (g *Governor) pickVictim(typ string) (backend.Adapter, <-chan struct{}, bool) {
	cands := g.candidates(typ)
	if len(cands) < g.maxResident {
		return nil, nil, false
	}
	for _, c := range cands {
		if !c.busy {
			return c.adapter, nil, true
		}
	}
	g.mu.Lock()
	wait := g.released
	g.mu.Unlock()
	return nil, wait, true
}

// UnloadLeastUsed frees memory after an out-of-memory failure by unloading
// the least recently used model of the backend holding the most models.
// Idle backends are preferred.
func (g *Governor) UnloadLeastUsed(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	cands := g.candidates("")
	if len(cands) == 0 {
		return nil
	}
	victim := cands[0]
	for _, c := range cands {
		if !c.busy && c.models > 0 {
			victim = c
			break
		}
	}

	unloaded, err := victim.adapter.UnloadLeastUsedModel(ctx)
	if err != nil {
		return err
	}
	if victim.adapter.LoadedModelCount() == 0 {
		g.mu.Lock()
		delete(g.resident, victim.adapter.Type())
		g.mu.Unlock()
	}
	g.log.Info("unloaded least used model", "backend", victim.adapter.Type(), "model", unloaded)
	return nil
}

// Resident returns the prepared backend types in sorted order.
func (g *Governor) Resident() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.resident))
	for typ := range g.resident {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Stats returns governor diagnostics.
func (g *Governor) Stats() Stats {
	resident := g.Resident()

	g.mu.Lock()
	defer g.mu.Unlock()
	active := make(map[string]int, len(g.active))
	for typ, n := range g.active {
		active[typ] = n
	}
	return Stats{
		Resident:    resident,
		MaxResident: g.maxResident,
		Switches:    g.switches,
		Active:      active,
	}
}
