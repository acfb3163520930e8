package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/speakahead/internal/synth"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RecoveryDelay = time.Millisecond
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 5 * time.Millisecond
	return cfg
}

func request(op uint64, segment int, pri synth.Priority) *synth.Request {
	return &synth.Request{
		OpID:         op,
		SegmentID:    fmt.Sprintf("seg-%d", segment),
		SegmentIndex: segment,
		Text:         "text",
		VoiceID:      "mock:v1",
		Rate:         1,
		Priority:     pri,
	}
}

func ok(context.Context, *synth.Request) synth.Result {
	return synth.Succeeded("/tmp/out.wav", time.Second, 22050)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

type recorder struct {
	mu    sync.Mutex
	kinds []synth.ErrorKind
}

func (r *recorder) Recover(_ context.Context, kind synth.ErrorKind, _ *synth.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return nil
}

func (r *recorder) calls() []synth.ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]synth.ErrorKind(nil), r.kinds...)
}

func TestSubmit_DedupSharesOneSynthesis(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	var calls atomic.Int32
	gate := make(chan struct{})
	attempt := func(ctx context.Context, req *synth.Request) synth.Result {
		calls.Add(1)
		<-gate
		return ok(ctx, req)
	}

	const n = 5
	results := make(chan synth.Result, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			results <- s.Submit(context.Background(), "same-key", request(uint64(i+1), 0, synth.PriorityPrefetch), attempt)
		}(i)
	}

	waitFor(t, "all waiters to attach", func() bool { return s.Stats().Submitted == n })
	close(gate)

	for i := 0; i < n; i++ {
		if res := <-results; !res.OK() {
			t.Errorf("Waiter %d got %+v", i, res)
		}
	}
	if c := calls.Load(); c != 1 {
		t.Errorf("Synthesis ran %d times, want 1", c)
	}
	if s.Stats().Deduped != n-1 {
		t.Errorf("Deduped = %d, want %d", s.Stats().Deduped, n-1)
	}
}

func TestSetLimit_BoundHoldsAfterLowering(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()
	s.SetLimit(4)

	var running, violations atomic.Int32
	var lowered atomic.Bool
	gate := make(chan struct{})
	attempt := func(ctx context.Context, req *synth.Request) synth.Result {
		n := running.Add(1)
		defer running.Add(-1)
		if lowered.Load() && n > 1 {
			violations.Add(1)
		}
		<-gate
		return ok(ctx, req)
	}

	var wg sync.WaitGroup
	submit := func(i int) {
		defer wg.Done()
		s.Submit(context.Background(), fmt.Sprintf("k%d", i), request(1, i, synth.PriorityPrefetch), attempt)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go submit(i)
	}
	waitFor(t, "four jobs running", func() bool { return running.Load() == 4 })

	lowered.Store(true)
	s.SetLimit(1)
	for i := 4; i < 8; i++ {
		wg.Add(1)
		go submit(i)
	}
	waitFor(t, "new jobs queued", func() bool { return s.Stats().Queued == 4 })

	if st := s.Stats().Concurrency; st.InFlight != 4 || st.Current != 1 {
		t.Errorf("Running jobs were interrupted: %+v", st)
	}

	close(gate)
	wg.Wait()

	if v := violations.Load(); v != 0 {
		t.Errorf("%d jobs started above the lowered limit", v)
	}
}

func TestSetLimit_Clamps(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	if got := s.SetLimit(0); got != 1 {
		t.Errorf("SetLimit(0) = %d, want 1", got)
	}
	if got := s.SetLimit(100); got != s.Max() {
		t.Errorf("SetLimit(100) = %d, want %d", got, s.Max())
	}
}

func TestSubmit_OutOfMemoryRecoversThenSucceeds(t *testing.T) {
	rec := &recorder{}
	s := New(testConfig(), rec)
	defer s.Close()

	var calls atomic.Int32
	attempt := func(ctx context.Context, req *synth.Request) synth.Result {
		if calls.Add(1) == 1 {
			return synth.Failed(synth.NewError(synth.KindOutOfMemory, synth.StageInferencing, "alloc failed", nil))
		}
		return ok(ctx, req)
	}

	res := s.Submit(context.Background(), "k", request(1, 0, synth.PriorityImmediate), attempt)
	if !res.OK() {
		t.Fatalf("Expected success after recovery, got %+v", res)
	}
	if res.Retries != 1 {
		t.Errorf("Retries = %d, want 1", res.Retries)
	}
	if kinds := rec.calls(); len(kinds) != 1 || kinds[0] != synth.KindOutOfMemory {
		t.Errorf("Recover calls = %v", kinds)
	}
}

func TestSubmit_RetryPolicy(t *testing.T) {
	failWith := func(kind synth.ErrorKind, times int32) (Attempt, *atomic.Int32) {
		var calls atomic.Int32
		return func(ctx context.Context, req *synth.Request) synth.Result {
			if calls.Add(1) <= times {
				return synth.Failed(synth.NewError(kind, synth.StageInferencing, "boom", nil))
			}
			return ok(ctx, req)
		}, &calls
	}

	tests := []struct {
		name       string
		kind       synth.ErrorKind
		failures   int32
		maxRetries int
		wantOK     bool
		wantCalls  int32
	}{
		{"oom twice surfaces", synth.KindOutOfMemory, 2, 1, false, 2},
		{"crash once recovers", synth.KindRuntimeCrash, 1, 1, true, 2},
		{"crash twice surfaces", synth.KindRuntimeCrash, 2, 1, false, 2},
		{"busy within budget", synth.KindBusy, 2, 2, true, 3},
		{"timeout beyond budget", synth.KindTimeout, 3, 2, false, 3},
		{"model missing never retried", synth.KindModelMissing, 1, 3, false, 1},
		{"invalid input never retried", synth.KindInvalidInput, 1, 3, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxRetries = tt.maxRetries
			s := New(cfg, &recorder{})
			defer s.Close()

			attempt, calls := failWith(tt.kind, tt.failures)
			res := s.Submit(context.Background(), "k", request(1, 0, synth.PriorityImmediate), attempt)
			if res.OK() != tt.wantOK {
				t.Errorf("OK = %v, want %v (%+v)", res.OK(), tt.wantOK, res)
			}
			if !tt.wantOK && res.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", res.Kind, tt.kind)
			}
			if c := calls.Load(); c != tt.wantCalls {
				t.Errorf("Attempts = %d, want %d", c, tt.wantCalls)
			}
		})
	}
}

func TestSubmit_AttemptTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SynthTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	s := New(cfg, nil)
	defer s.Close()

	attempt := func(ctx context.Context, _ *synth.Request) synth.Result {
		<-ctx.Done()
		return synth.Failed(ctx.Err())
	}

	res := s.Submit(context.Background(), "k", request(1, 0, synth.PriorityImmediate), attempt)
	if res.Kind != synth.KindTimeout {
		t.Errorf("Kind = %s, want timeout", res.Kind)
	}
	waitFor(t, "slot release", func() bool { return s.Stats().Concurrency.InFlight == 0 })
}

func TestCancel_AbortsRunningFlight(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	started := make(chan struct{})
	aborted := make(chan struct{})
	attempt := func(ctx context.Context, _ *synth.Request) synth.Result {
		close(started)
		<-ctx.Done()
		close(aborted)
		return synth.Cancelled()
	}

	done := make(chan synth.Result, 1)
	go func() {
		done <- s.Submit(context.Background(), "k", request(7, 0, synth.PriorityImmediate), attempt)
	}()
	<-started

	if n := s.Cancel(7); n != 1 {
		t.Errorf("Cancel detached %d waiters, want 1", n)
	}

	select {
	case res := <-done:
		if res.Outcome != synth.OutcomeCancelled || res.Err != nil {
			t.Errorf("Expected a clean cancelled result, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Waiter was not resolved")
	}

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("Running synthesis was not aborted")
	}
	waitFor(t, "slot release", func() bool { return s.Stats().Concurrency.InFlight == 0 })
}

func TestCancel_KeepsOtherOperationsWaiters(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	gate := make(chan struct{})
	attempt := func(ctx context.Context, req *synth.Request) synth.Result {
		select {
		case <-gate:
			return ok(ctx, req)
		case <-ctx.Done():
			return synth.Cancelled()
		}
	}

	first := make(chan synth.Result, 1)
	second := make(chan synth.Result, 1)
	go func() { first <- s.Submit(context.Background(), "k", request(1, 0, synth.PriorityPrefetch), attempt) }()
	waitFor(t, "first submit", func() bool { return s.Stats().Submitted == 1 })
	go func() { second <- s.Submit(context.Background(), "k", request(2, 0, synth.PriorityPrefetch), attempt) }()
	waitFor(t, "second submit", func() bool { return s.Stats().Submitted == 2 })

	s.Cancel(1)
	if res := <-first; res.Outcome != synth.OutcomeCancelled {
		t.Errorf("First waiter = %+v, want cancelled", res)
	}

	close(gate)
	if res := <-second; !res.OK() {
		t.Errorf("Second waiter = %+v, want success", res)
	}
}

func TestCancel_DropsQueuedFlight(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()
	s.SetLimit(1)

	gate := make(chan struct{})
	blocker := func(ctx context.Context, req *synth.Request) synth.Result {
		<-gate
		return ok(ctx, req)
	}
	var queuedRan atomic.Bool
	queued := func(ctx context.Context, req *synth.Request) synth.Result {
		queuedRan.Store(true)
		return ok(ctx, req)
	}

	go s.Submit(context.Background(), "busy", request(1, 0, synth.PriorityImmediate), blocker)
	waitFor(t, "blocker running", func() bool { return s.Stats().Concurrency.InFlight == 1 })

	done := make(chan synth.Result, 1)
	go func() { done <- s.Submit(context.Background(), "later", request(2, 1, synth.PriorityPrefetch), queued) }()
	waitFor(t, "job queued", func() bool { return s.Stats().Queued == 1 })

	s.Cancel(2)
	if res := <-done; res.Outcome != synth.OutcomeCancelled {
		t.Errorf("Queued waiter = %+v, want cancelled", res)
	}
	if s.Stats().Queued != 0 {
		t.Error("Cancelled flight still queued")
	}

	close(gate)
	waitFor(t, "blocker done", func() bool { return s.Stats().Concurrency.InFlight == 0 })
	if queuedRan.Load() {
		t.Error("Cancelled job ran anyway")
	}
}

func TestSubmit_ImmediateWaiterPromotesFlight(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()
	s.SetLimit(1)

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	attempt := func(ctx context.Context, req *synth.Request) synth.Result {
		mu.Lock()
		order = append(order, req.SegmentID)
		mu.Unlock()
		if req.SegmentID == "seg-0" {
			<-gate
		}
		return ok(ctx, req)
	}

	var wg sync.WaitGroup
	submit := func(key string, req *synth.Request) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Submit(context.Background(), key, req, attempt)
		}()
	}

	submit("k0", request(1, 0, synth.PriorityImmediate))
	waitFor(t, "first job running", func() bool { return s.Stats().Concurrency.InFlight == 1 })
	submit("k1", request(1, 1, synth.PriorityPrefetch))
	waitFor(t, "k1 queued", func() bool { return s.Stats().Queued == 1 })
	submit("k2", request(1, 2, synth.PriorityPrefetch))
	waitFor(t, "k2 queued", func() bool { return s.Stats().Queued == 2 })

	// The playback cursor jumped to segment 2.
	submit("k2", request(1, 2, synth.PriorityImmediate))
	waitFor(t, "promotion", func() bool { return s.Stats().Deduped == 1 })

	close(gate)
	wg.Wait()

	want := []string{"seg-0", "seg-2", "seg-1"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("Execution order = %v, want %v", order, want)
	}
}

func TestSubmit_ContextDetachesWaiter(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	attempt := func(ctx context.Context, _ *synth.Request) synth.Result {
		<-ctx.Done()
		return synth.Cancelled()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := s.Submit(ctx, "k", request(1, 0, synth.PriorityImmediate), attempt)
	if res.Outcome != synth.OutcomeCancelled {
		t.Errorf("Outcome = %s, want cancelled", res.Outcome)
	}
	waitFor(t, "slot release", func() bool { return s.Stats().Concurrency.InFlight == 0 })
}

func TestSubmit_DoesNotJoinAbortedFlight(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	// The first backend call ignores the abort until released, like a
	// native call that only notices cancellation between steps.
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context, *synth.Request) synth.Result {
		close(started)
		<-release
		return synth.Cancelled()
	}

	first := make(chan synth.Result, 1)
	go func() {
		first <- s.Submit(context.Background(), "k", request(1, 0, synth.PriorityImmediate), slow)
	}()
	<-started
	s.Cancel(1)
	if res := <-first; res.Outcome != synth.OutcomeCancelled {
		t.Fatalf("Op 1 outcome = %s, want cancelled", res.Outcome)
	}

	var calls atomic.Int32
	gate := make(chan struct{})
	fresh := func(ctx context.Context, req *synth.Request) synth.Result {
		calls.Add(1)
		<-gate
		return ok(ctx, req)
	}

	second := make(chan synth.Result, 1)
	go func() {
		second <- s.Submit(context.Background(), "k", request(2, 0, synth.PriorityImmediate), fresh)
	}()
	waitFor(t, "new flight start", func() bool { return calls.Load() == 1 })

	// The aborted flight finishing must not drop the new one from the map.
	close(release)
	waitFor(t, "aborted flight exit", func() bool { return s.Stats().Concurrency.InFlight == 1 })

	third := make(chan synth.Result, 1)
	go func() {
		third <- s.Submit(context.Background(), "k", request(2, 0, synth.PriorityPrefetch), fresh)
	}()
	waitFor(t, "join", func() bool { return s.Stats().Deduped == 1 })
	close(gate)

	for i, ch := range []chan synth.Result{second, third} {
		select {
		case res := <-ch:
			if !res.OK() {
				t.Errorf("Waiter %d of op 2 got %s, want success", i, res.Outcome)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Waiter %d of op 2 was not resolved", i)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Backend calls for op 2 = %d, want 1", calls.Load())
	}
}

func TestExecute_RestartsAttemptAbortedUnderLiveFlight(t *testing.T) {
	s := New(testConfig(), nil)
	defer s.Close()

	var calls atomic.Int32
	attempt := func(ctx context.Context, req *synth.Request) synth.Result {
		if calls.Add(1) == 1 {
			// Aborted on behalf of another operation while this flight
			// still has a waiter.
			return synth.Cancelled()
		}
		return ok(ctx, req)
	}

	res := s.Submit(context.Background(), "k", request(1, 0, synth.PriorityImmediate), attempt)
	if !res.OK() {
		t.Fatalf("Result = %+v, want success", res)
	}
	if res.Retries != 1 || calls.Load() != 2 {
		t.Errorf("Retries = %d, calls = %d, want 1 and 2", res.Retries, calls.Load())
	}
}
