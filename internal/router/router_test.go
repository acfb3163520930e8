package router_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/speakahead/internal/backend"
	"github.com/dgnsrekt/speakahead/internal/backend/mock"
	"github.com/dgnsrekt/speakahead/internal/cache"
	"github.com/dgnsrekt/speakahead/internal/governor"
	"github.com/dgnsrekt/speakahead/internal/router"
	"github.com/dgnsrekt/speakahead/internal/scheduler"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

type fixture struct {
	router *router.Router
	store  *cache.Store
	svc    *mock.Service
	sched  *scheduler.Scheduler
}

func newFixture(t *testing.T, policy cache.RatePolicy, opts ...mock.Option) *fixture {
	t.Helper()

	cfg := cache.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.CleanupInterval = 0
	cfg.RatePolicy = policy
	store, err := cache.Open(context.Background(), cfg, cache.NewMemoryIndex())
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	shell, svc := mock.Shell("mock", []string{"v1", "v2"}, opts...)
	reg, err := backend.NewRegistry(shell)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.RecoveryDelay = time.Millisecond
	sched := scheduler.New(schedCfg, nil)
	t.Cleanup(sched.Close)

	return &fixture{
		router: router.New(store, reg, governor.New(reg, 1), sched),
		store:  store,
		svc:    svc,
		sched:  sched,
	}
}

func request(text string, rate float64) *synth.Request {
	return &synth.Request{
		OpID:      1,
		SegmentID: "s1",
		Text:      text,
		VoiceID:   "mock:v1",
		Rate:      rate,
		Priority:  synth.PriorityImmediate,
	}
}

// files lists every regular file under dir.
func files(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func TestSynthesize_MissThenHit(t *testing.T) {
	f := newFixture(t, cache.RatePolicyPlayback, mock.WithScript(mock.Step{DurationMs: 900}))
	ctx := context.Background()
	req := request("Hello world.", 1.0)

	first := f.router.Synthesize(ctx, req)
	if !first.OK() {
		t.Fatalf("Synthesis failed: %+v", first)
	}
	if first.CacheHit {
		t.Error("First request reported a cache hit")
	}
	if first.Duration != 900*time.Millisecond {
		t.Errorf("Duration = %v, want 900ms", first.Duration)
	}

	key := f.router.KeyFor(req)
	if !f.store.IsReady(key) {
		t.Fatal("Cache not ready after synthesis")
	}
	entry, _ := f.store.Lookup(key)
	if entry.Size <= 0 {
		t.Errorf("Entry size = %d", entry.Size)
	}

	second := f.router.Synthesize(ctx, request("Hello world.", 1.0))
	if !second.CacheHit || second.Path != first.Path {
		t.Errorf("Second request = %+v, want a hit on %s", second, first.Path)
	}
	if calls := f.svc.Calls(); calls != 1 {
		t.Errorf("Backend invoked %d times, want 1", calls)
	}
}

func TestSynthesize_RatePolicy(t *testing.T) {
	tests := []struct {
		policy    cache.RatePolicy
		wantCalls int
	}{
		{cache.RatePolicyPlayback, 1},
		{cache.RatePolicySynthesis, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t, tt.policy)
			ctx := context.Background()

			if res := f.router.Synthesize(ctx, request("Rate check.", 1.0)); !res.OK() {
				t.Fatalf("First synthesis failed: %+v", res)
			}
			res := f.router.Synthesize(ctx, request("Rate check.", 1.5))
			if !res.OK() {
				t.Fatalf("Second synthesis failed: %+v", res)
			}
			if calls := f.svc.Calls(); calls != tt.wantCalls {
				t.Errorf("Backend invoked %d times, want %d", calls, tt.wantCalls)
			}
			if res.CacheHit != (tt.wantCalls == 1) {
				t.Errorf("CacheHit = %v", res.CacheHit)
			}
		})
	}
}

func TestSynthesize_OutOfMemoryRecovered(t *testing.T) {
	f := newFixture(t, cache.RatePolicyPlayback,
		mock.WithScript(mock.Step{ErrorCode: backend.CodeOutOfMemory, ErrorMessage: "alloc failed"}))

	res := f.router.Synthesize(context.Background(), request("Memory pressure.", 1.0))
	if !res.OK() {
		t.Fatalf("Caller observed a failure: %+v", res)
	}
	if res.Retries != 1 {
		t.Errorf("Retries = %d, want 1", res.Retries)
	}
	if f.svc.Unloads() == 0 {
		t.Error("Nothing was unloaded before the retry")
	}
}

func TestSynthesize_UnknownVoice(t *testing.T) {
	f := newFixture(t, cache.RatePolicyPlayback)
	req := request("Hi.", 1.0)
	req.VoiceID = "espeak:v1"

	res := f.router.Synthesize(context.Background(), req)
	if res.Kind != synth.KindModelMissing {
		t.Fatalf("Kind = %s, want modelMissing", res.Kind)
	}
	if msg := res.Err.(*synth.Error).UserMessage(); !strings.Contains(msg, "mock:v1") {
		t.Errorf("Expected a voice suggestion, got %q", msg)
	}
}

func TestSynthesize_CoreRequired(t *testing.T) {
	cfg := cache.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.CleanupInterval = 0
	store, err := cache.Open(context.Background(), cfg, cache.NewMemoryIndex())
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	defer store.Close()

	shell := backend.NewShell(backend.ShellConfig{
		Type:          "supertonic",
		CorePath:      t.TempDir(),
		RequiredFiles: backend.SupertonicCoreFiles,
		Voices:        []backend.Voice{{ID: "supertonic:f1"}},
	}, mock.New())
	reg, _ := backend.NewRegistry(shell)
	sched := scheduler.New(scheduler.DefaultConfig(), nil)
	defer sched.Close()
	r := router.New(store, reg, governor.New(reg, 1), sched)

	req := request("Hi.", 1.0)
	req.VoiceID = "supertonic:f1"
	res := r.Synthesize(context.Background(), req)
	if res.Kind != synth.KindModelMissing {
		t.Fatalf("Kind = %s, want modelMissing", res.Kind)
	}
	if msg := res.Err.(*synth.Error).UserMessage(); !strings.Contains(msg, "download required") {
		t.Errorf("UserMessage = %q", msg)
	}
}

func TestSynthesize_MaterializesOutputPath(t *testing.T) {
	f := newFixture(t, cache.RatePolicyPlayback)
	out := filepath.Join(t.TempDir(), "segment.wav")
	req := request("Write me out.", 1.0)
	req.OutputPath = out

	res := f.router.Synthesize(context.Background(), req)
	if !res.OK() || res.Path != out {
		t.Fatalf("Result = %+v, want path %s", res, out)
	}
	if _, _, err := backend.ReadWAVInfo(out); err != nil {
		t.Errorf("Output is not a readable WAV: %v", err)
	}
	if leftover := files(t, filepath.Dir(out)); len(leftover) != 1 {
		t.Errorf("Unexpected files next to output: %v", leftover)
	}
}

func TestSynthesize_CompressedHitIsPlayable(t *testing.T) {
	f := newFixture(t, cache.RatePolicyPlayback)
	ctx := context.Background()
	req := request("Squeeze me.", 1.0)

	if res := f.router.Synthesize(ctx, req); !res.OK() {
		t.Fatalf("Synthesis failed: %+v", res)
	}
	if err := f.store.Compress(ctx, f.router.KeyFor(req)); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	res := f.router.Synthesize(ctx, request("Squeeze me.", 1.0))
	if !res.OK() || !res.CacheHit {
		t.Fatalf("Expected a cache hit, got %+v", res)
	}
	if !strings.HasSuffix(res.Path, ".wav") {
		t.Errorf("Path = %s, want a decoded .wav", res.Path)
	}
	if _, _, err := backend.ReadWAVInfo(res.Path); err != nil {
		t.Errorf("Rehydrated file is not a readable WAV: %v", err)
	}
	if f.svc.Calls() != 1 {
		t.Errorf("Backend invoked %d times, want 1", f.svc.Calls())
	}
}

func TestSynthesize_CancelLeavesNoFiles(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, cache.RatePolicyPlayback, mock.WithGate(gate))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan synth.Result, 1)
	go func() { done <- f.router.Synthesize(ctx, request("Never mind.", 1.0)) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.svc.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	res := <-done
	if res.Outcome != synth.OutcomeCancelled {
		t.Fatalf("Outcome = %s, want cancelled", res.Outcome)
	}

	deadline = time.Now().Add(2 * time.Second)
	for f.sched.Stats().Concurrency.InFlight > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if leftover := files(t, f.store.Dir()); len(leftover) != 0 {
		t.Errorf("Files left after cancel: %v", leftover)
	}
	if _, err := os.Stat(f.store.Dir()); err != nil {
		t.Errorf("Cache dir missing: %v", err)
	}
}

func TestSynthesize_SecondBackendLoadsAfterLeaseEnds(t *testing.T) {
	cfg := cache.DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.CleanupInterval = 0
	store, err := cache.Open(context.Background(), cfg, cache.NewMemoryIndex())
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	defer store.Close()

	gate := make(chan struct{})
	shellA, svcA := mock.Shell("a", []string{"v1"}, mock.WithGate(gate))
	shellB, svcB := mock.Shell("b", []string{"v1"})
	reg, err := backend.NewRegistry(shellA, shellB)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	sched := scheduler.New(scheduler.DefaultConfig(), nil)
	defer sched.Close()
	r := router.New(store, reg, governor.New(reg, 1), sched)

	reqA := request("First backend.", 1.0)
	reqA.VoiceID = "a:v1"
	reqB := request("Second backend.", 1.0)
	reqB.VoiceID = "b:v1"

	doneA := make(chan synth.Result, 1)
	go func() { doneA <- r.Synthesize(context.Background(), reqA) }()
	deadline := time.Now().Add(2 * time.Second)
	for svcA.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	doneB := make(chan synth.Result, 1)
	go func() { doneB <- r.Synthesize(context.Background(), reqB) }()
	time.Sleep(50 * time.Millisecond)

	if svcB.EngineLoaded() || svcB.Loads() != 0 {
		t.Fatal("Second backend loaded while the first was mid-synthesis")
	}

	close(gate)
	for name, done := range map[string]chan synth.Result{"a": doneA, "b": doneB} {
		select {
		case res := <-done:
			if !res.OK() {
				t.Errorf("Backend %s: %+v", name, res)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Backend %s never finished", name)
		}
	}
	if svcA.EngineLoaded() {
		t.Error("First backend stayed loaded after the switch")
	}
	if !svcB.EngineLoaded() {
		t.Error("Second backend engine was never loaded")
	}
}
