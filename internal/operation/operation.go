// Package operation tracks the current user-initiated playback operation.
// Starting a new operation supersedes the previous one, so work belonging
// to the old operation can recognise itself as stale and be dropped.
package operation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Kind names what started an operation.
type Kind int

const (
	KindLoadChapter Kind = iota
	KindSeek
	KindChangeVoice
	KindChangeRate
)

func (k Kind) String() string {
	switch k {
	case KindLoadChapter:
		return "loadChapter"
	case KindSeek:
		return "seek"
	case KindChangeVoice:
		return "changeVoice"
	case KindChangeRate:
		return "changeRate"
	default:
		return "unknown"
	}
}

// Operation is one user-initiated action. Its context is cancelled when
// it is superseded or cancelled.
type Operation struct {
	ID   uint64
	Kind Kind
	Ctx  context.Context
}

// SupersedeFunc is called with the id of an operation that was replaced
// or cancelled.
type SupersedeFunc func(id uint64)

// Tracker hands out monotonically increasing operation ids.
type Tracker struct {
	next atomic.Uint64

	mu      sync.Mutex
	current uint64
	kind    Kind
	cancel  context.CancelFunc
	hooks   []SupersedeFunc

	log *log.Logger
}

// NewTracker creates a tracker with no current operation.
func NewTracker() *Tracker {
	return &Tracker{log: log.WithPrefix("operation")}
}

// OnSupersede registers fn to run whenever an operation stops being
// current.
func (t *Tracker) OnSupersede(fn SupersedeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// Begin starts a new operation and supersedes the previous one.
func (t *Tracker) Begin(kind Kind) Operation {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	id := t.next.Add(1)
	prev, prevCancel := t.current, t.cancel
	t.current, t.kind, t.cancel = id, kind, cancel
	hooks := append([]SupersedeFunc(nil), t.hooks...)
	t.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		for _, fn := range hooks {
			fn(prev)
		}
	}
	t.log.Debug("operation started", "id", id, "kind", kind, "superseded", prev)
	return Operation{ID: id, Kind: kind, Ctx: ctx}
}

// Current returns the id of the current operation, zero if none.
func (t *Tracker) Current() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// IsCurrent reports whether id is the current operation.
func (t *Tracker) IsCurrent(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return id != 0 && id == t.current
}

// Cancel ends id if it is still current. It reports whether anything was
// cancelled.
func (t *Tracker) Cancel(id uint64) bool {
	t.mu.Lock()
	if id == 0 || id != t.current {
		t.mu.Unlock()
		return false
	}
	cancel := t.cancel
	t.current, t.cancel = 0, nil
	hooks := append([]SupersedeFunc(nil), t.hooks...)
	t.mu.Unlock()

	cancel()
	for _, fn := range hooks {
		fn(id)
	}
	t.log.Debug("operation cancelled", "id", id)
	return true
}

// Apply runs fn only if id is still current, holding the tracker lock so
// no newer operation can begin meanwhile. Results of stale operations are
// dropped silently.
func (t *Tracker) Apply(id uint64, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == 0 || id != t.current {
		return false
	}
	fn()
	return true
}
