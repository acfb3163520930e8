package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/speakahead/internal/queue"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

// ErrSchedulerClosed is returned when jobs are submitted after Close.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// ConcurrencyState is the current concurrency limit and usage.
type ConcurrencyState struct {
	Current  int
	Max      int
	InFlight int
}

// Stats holds scheduler diagnostics.
type Stats struct {
	Concurrency ConcurrencyState
	Queued      int
	Flights     int
	Order       queue.Order
	Submitted   int64
	Deduped     int64
	Succeeded   int64
	Failed      int64
	Cancelled   int64
	Retries     int64
}

// waiter is one caller blocked on a flight.
type waiter struct {
	opID uint64
	ch   chan synth.Result
}

// flight is a single underlying synthesis shared by every waiter asking
// for the same key.
type flight struct {
	key      string
	req      *synth.Request
	attempt  Attempt
	priority synth.Priority
	waiters  []*waiter
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler orders synthesis jobs and runs them under a concurrency limit.
type Scheduler struct {
	cfg       Config
	recoverer Recoverer
	observer  Observer
	log       *log.Logger

	mu       sync.Mutex
	queue    *queue.Queue[*flight]
	flights  map[string]*flight
	limit    int
	inFlight int
	closed   bool
	stats    Stats
	wg       sync.WaitGroup
}

// New creates a scheduler. recoverer may be nil, in which case
// out-of-memory and crash failures are retried without recovery.
func New(cfg Config, recoverer Recoverer) *Scheduler {
	cfg = cfg.normalized()
	return &Scheduler{
		cfg:       cfg,
		recoverer: recoverer,
		observer:  nopObserver{},
		log:       log.WithPrefix("scheduler"),
		queue:     queue.New[*flight](),
		flights:   make(map[string]*flight),
		limit:     cfg.Baseline,
	}
}

// SetObserver installs an event observer.
func (s *Scheduler) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// SetRecoverer installs the recovery hook used before retries.
func (s *Scheduler) SetRecoverer(r Recoverer) {
	s.mu.Lock()
	s.recoverer = r
	s.mu.Unlock()
}

// Submit schedules req under key and blocks until it reaches a terminal
// result. A request whose key is already queued or running joins that
// flight instead of starting another synthesis. If ctx ends first the
// caller is detached and receives a cancelled result.
func (s *Scheduler) Submit(ctx context.Context, key string, req *synth.Request, attempt Attempt) synth.Result {
	if req.Cancelled() || ctx.Err() != nil {
		return synth.Cancelled()
	}

	w := &waiter{opID: req.OpID, ch: make(chan synth.Result, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return synth.Failed(synth.NewError(synth.KindBusy, synth.StageInferencing,
			ErrSchedulerClosed.Error(), ErrSchedulerClosed))
	}
	s.stats.Submitted++

	// An aborted flight still running under key is never joined; it only
	// finishes off the cancelled work.
	if f, ok := s.flights[key]; ok && f.ctx.Err() == nil {
		f.waiters = append(f.waiters, w)
		s.stats.Deduped++
		if req.Priority > f.priority {
			f.priority = req.Priority
			if !f.running {
				s.queue.Promote(key, req.Priority)
			}
		}
		s.mu.Unlock()
		s.log.Debug("joined flight", "key", short(key), "op", req.OpID, "waiters", len(f.waiters))
		return s.await(ctx, f, w)
	}

	fctx, cancel := context.WithCancel(context.Background())
	f := &flight{
		key:      key,
		req:      cloneRequest(req),
		attempt:  attempt,
		priority: req.Priority,
		waiters:  []*waiter{w},
		ctx:      fctx,
		cancel:   cancel,
	}
	s.flights[key] = f
	if err := s.queue.Push(key, req.Priority, req.SegmentIndex, f); err != nil {
		delete(s.flights, key)
		s.mu.Unlock()
		cancel()
		return synth.Failed(err)
	}
	s.pumpLocked()
	s.mu.Unlock()

	s.log.Debug("queued", "key", short(key), "op", req.OpID, "segment", req.SegmentID, "priority", req.Priority)
	return s.await(ctx, f, w)
}

func (s *Scheduler) await(ctx context.Context, f *flight, w *waiter) synth.Result {
	select {
	case res := <-w.ch:
		return res
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.detachLocked(f, func(x *waiter) bool { return x == w })
	s.mu.Unlock()

	// Either the detach above or the finished flight delivers exactly one
	// result.
	return <-w.ch
}

// cloneRequest copies the fields of req a flight needs. The flight keeps
// its own request so one waiter's cancellation never leaks into another's.
func cloneRequest(req *synth.Request) *synth.Request {
	return &synth.Request{
		OpID:         req.OpID,
		SegmentID:    req.SegmentID,
		SegmentIndex: req.SegmentIndex,
		Text:         req.Text,
		VoiceID:      req.VoiceID,
		OutputPath:   req.OutputPath,
		Rate:         req.Rate,
		Priority:     req.Priority,
	}
}

// pumpLocked starts queued flights while slots are free.
func (s *Scheduler) pumpLocked() {
	for s.inFlight < s.limit {
		_, f, ok := s.queue.Pop()
		if !ok {
			break
		}
		f.running = true
		s.inFlight++
		s.wg.Add(1)
		go s.run(f)
	}
	s.observer.ObserveConcurrency(s.limit, s.inFlight)
}

func (s *Scheduler) run(f *flight) {
	defer s.wg.Done()

	res := s.execute(f)
	f.cancel()

	s.mu.Lock()
	s.forgetLocked(f)
	s.inFlight--
	waiters := f.waiters
	f.waiters = nil
	switch res.Outcome {
	case synth.OutcomeSuccess:
		s.stats.Succeeded++
	case synth.OutcomeCancelled:
		s.stats.Cancelled++
	default:
		s.stats.Failed++
	}
	observer := s.observer
	s.pumpLocked()
	s.mu.Unlock()

	observer.ObserveResult(res)
	for _, w := range waiters {
		w.ch <- res
	}

	if res.OK() {
		s.log.Debug("completed", "key", short(f.key), "waiters", len(waiters), "retries", res.Retries)
	} else if res.Outcome == synth.OutcomeFailure {
		s.log.Warn("synthesis failed", "key", short(f.key), "kind", res.Kind, "retries", res.Retries, "error", res.Err)
	}
}

// execute runs the bounded retry loop for one flight.
func (s *Scheduler) execute(f *flight) synth.Result {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryInitial
	bo.MaxInterval = s.cfg.RetryMax

	var recoveredOOM, recoveredCrash bool
	for {
		if f.ctx.Err() != nil {
			return withRetries(synth.Cancelled(), f.req.Retries)
		}

		res := s.attemptOnce(f)
		res.Retries = f.req.Retries
		if res.Outcome == synth.OutcomeCancelled && f.ctx.Err() == nil && f.req.Retries < s.cfg.MaxRetries {
			// The backend call was aborted for an operation that has left
			// the flight; the remaining waiters still want the audio.
			f.req.Retries++
			s.mu.Lock()
			s.stats.Retries++
			s.mu.Unlock()
			s.log.Info("restarting aborted attempt", "key", short(f.key), "attempt", f.req.Retries+1)
			continue
		}
		if res.Outcome != synth.OutcomeFailure {
			return res
		}
		if f.ctx.Err() != nil {
			return withRetries(synth.Cancelled(), f.req.Retries)
		}

		var delay time.Duration
		switch res.Kind {
		case synth.KindOutOfMemory:
			if recoveredOOM {
				return res
			}
			recoveredOOM = true
			s.recover(f, res.Kind)
			delay = s.cfg.RecoveryDelay
		case synth.KindRuntimeCrash:
			if recoveredCrash {
				return res
			}
			recoveredCrash = true
			s.recover(f, res.Kind)
		case synth.KindTimeout, synth.KindBusy:
			if f.req.Retries >= s.cfg.MaxRetries {
				return res
			}
			delay = bo.NextBackOff()
		default:
			return res
		}

		f.req.Retries++
		s.mu.Lock()
		s.stats.Retries++
		observer := s.observer
		s.mu.Unlock()
		observer.ObserveRetry(res.Kind)
		s.log.Info("retrying", "key", short(f.key), "kind", res.Kind, "attempt", f.req.Retries+1, "delay", delay)

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-f.ctx.Done():
				timer.Stop()
				return withRetries(synth.Cancelled(), f.req.Retries)
			}
		}
	}
}

func (s *Scheduler) attemptOnce(f *flight) synth.Result {
	ctx, cancel := context.WithTimeout(f.ctx, s.cfg.SynthTimeout)
	defer cancel()

	res := f.attempt(ctx, f.req)
	if res.Outcome == synth.OutcomeCancelled && f.ctx.Err() == nil &&
		errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return synth.Failed(synth.NewError(synth.KindTimeout, synth.StageInferencing,
			"synthesis attempt timed out", context.DeadlineExceeded))
	}
	return res
}

func (s *Scheduler) recover(f *flight, kind synth.ErrorKind) {
	s.mu.Lock()
	rec := s.recoverer
	s.mu.Unlock()
	if rec == nil {
		return
	}
	if err := rec.Recover(f.ctx, kind, f.req); err != nil {
		s.log.Warn("recovery failed", "kind", kind, "error", err)
	}
}

func withRetries(res synth.Result, retries int) synth.Result {
	res.Retries = retries
	return res
}

// detachLocked resolves every waiter of f matching fn as cancelled. A
// flight left without waiters is dropped from the queue, or aborted if it
// is already running. It returns the number of waiters detached.
func (s *Scheduler) detachLocked(f *flight, fn func(*waiter) bool) int {
	kept := f.waiters[:0]
	detached := 0
	for _, w := range f.waiters {
		if fn(w) {
			w.ch <- synth.Cancelled()
			detached++
			continue
		}
		kept = append(kept, w)
	}
	f.waiters = kept
	if detached == 0 || len(f.waiters) > 0 {
		return detached
	}

	// Either way the key is free for a new flight right away.
	s.forgetLocked(f)
	f.cancel()
	if !f.running {
		s.queue.Remove(f.key)
		s.stats.Cancelled++
	}
	return detached
}

// forgetLocked removes f from the flight map unless another flight has
// already taken its key.
func (s *Scheduler) forgetLocked(f *flight) {
	if cur, ok := s.flights[f.key]; ok && cur == f {
		delete(s.flights, f.key)
	}
}

// Cancel resolves every waiter belonging to opID as cancelled. Running
// synthesis nobody else is waiting for is aborted; its slot is released
// when the backend returns.
func (s *Scheduler) Cancel(opID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, f := range s.flights {
		total += s.detachLocked(f, func(w *waiter) bool { return w.opID == opID })
	}
	if total > 0 {
		s.log.Debug("cancelled operation", "op", opID, "waiters", total)
	}
	return total
}

// CancelOthers cancels every waiter not belonging to opID.
func (s *Scheduler) CancelOthers(opID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, f := range s.flights {
		total += s.detachLocked(f, func(w *waiter) bool { return w.opID != opID })
	}
	return total
}

// SetLimit changes the concurrency limit, clamped to [1, Max]. Lowering
// the limit never interrupts running jobs; new jobs wait until usage
// drops below it.
func (s *Scheduler) SetLimit(n int) int {
	if n < 1 {
		n = 1
	}
	if n > s.cfg.Max {
		n = s.cfg.Max
	}

	s.mu.Lock()
	prev := s.limit
	s.limit = n
	s.pumpLocked()
	s.mu.Unlock()

	if prev != n {
		s.log.Info("concurrency changed", "from", prev, "to", n)
	}
	return n
}

// Limit returns the current concurrency limit.
func (s *Scheduler) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Baseline returns the configured baseline concurrency.
func (s *Scheduler) Baseline() int {
	return s.cfg.Baseline
}

// Max returns the concurrency ceiling.
func (s *Scheduler) Max() int {
	return s.cfg.Max
}

// SetOrder changes how queued jobs of equal priority are ranked.
func (s *Scheduler) SetOrder(order queue.Order) {
	if s.queue.Order() == order {
		return
	}
	s.queue.SetOrder(order)
	s.log.Debug("queue order changed", "order", order)
}

// Stats returns scheduler diagnostics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Concurrency = ConcurrencyState{Current: s.limit, Max: s.cfg.Max, InFlight: s.inFlight}
	stats.Queued = s.queue.Size()
	stats.Flights = len(s.flights)
	stats.Order = s.queue.Order()
	return stats
}

// Close cancels everything queued or running and waits for running jobs
// to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, f := range s.flights {
		s.detachLocked(f, func(*waiter) bool { return true })
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
