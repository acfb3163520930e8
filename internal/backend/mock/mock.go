// Package mock provides a scripted native synthesis service for tests and
// demos. It writes silent WAV audio whose length follows the text.
package mock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/speakahead/internal/backend"
)

// Step scripts the outcome of one Synthesize call.
type Step struct {
	ErrorCode    string
	ErrorMessage string
	DurationMs   int64 // Overrides the text-derived duration when > 0
}

// Service implements backend.NativeService without doing inference.
type Service struct {
	// Configuration
	delay      time.Duration
	sampleRate int
	msPerRune  int64
	gate       chan struct{}
	ignoreCtx  bool

	mu           sync.Mutex
	script       []Step
	initErr      error
	loadErr      error
	engineLoaded bool
	voices       map[string]bool
	cancels      map[string]context.CancelFunc
	texts        []string

	// Metrics for testing
	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	loads       atomic.Int64
	unloads     atomic.Int64
	aborts      atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithDelay makes every synthesis take at least d.
func WithDelay(d time.Duration) Option {
	return func(s *Service) { s.delay = d }
}

// WithSampleRate sets the sample rate of produced audio.
func WithSampleRate(rate int) Option {
	return func(s *Service) { s.sampleRate = rate }
}

// WithGate blocks every synthesis until gate is closed or receives.
func WithGate(gate chan struct{}) Option {
	return func(s *Service) { s.gate = gate }
}

// IgnoringContext makes Synthesize ignore its context, like an engine
// that only stops through CancelSynthesis.
func IgnoringContext() Option {
	return func(s *Service) { s.ignoreCtx = true }
}

// WithScript queues scripted outcomes consumed one per call.
func WithScript(steps ...Step) Option {
	return func(s *Service) { s.script = append(s.script, steps...) }
}

// New creates a mock service.
func New(opts ...Option) *Service {
	s := &Service{
		sampleRate: 22050,
		msPerRune:  60,
		voices:     make(map[string]bool),
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Script appends scripted outcomes.
func (s *Service) Script(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, steps...)
}

// FailInit makes InitEngine return err.
func (s *Service) FailInit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initErr = err
}

// FailLoad makes LoadVoice return err.
func (s *Service) FailLoad(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// InitEngine marks the engine loaded.
func (s *Service) InitEngine(ctx context.Context, corePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return s.initErr
	}
	s.engineLoaded = true
	return nil
}

// LoadVoice marks voiceID loaded. The engine must be initialized first.
func (s *Service) LoadVoice(ctx context.Context, voiceID, modelPath string, speakerID *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return s.loadErr
	}
	if !s.engineLoaded {
		return errors.New("engine not initialized")
	}
	s.voices[voiceID] = true
	s.loads.Add(1)
	return nil
}

// Synthesize writes silent audio to req.OutputPath, or follows the next
// scripted step.
func (s *Service) Synthesize(ctx context.Context, req backend.NativeRequest) backend.NativeResponse {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if s.ignoreCtx {
		ctx = context.WithoutCancel(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	loaded := s.voices[req.VoiceID]
	var step Step
	if len(s.script) > 0 {
		step = s.script[0]
		s.script = s.script[1:]
	}
	s.cancels[req.RequestID] = cancel
	s.texts = append(s.texts, req.Text)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.cancels, req.RequestID)
		s.mu.Unlock()
	}()

	if !loaded {
		return backend.NativeResponse{ErrorCode: backend.CodeModelMissing, ErrorMessage: "voice not loaded"}
	}

	// Start writing so an abort leaves a partial file behind, as a real
	// engine would.
	_ = os.WriteFile(req.OutputPath, []byte("RIFF"), 0o644)

	if err := s.wait(ctx); err != nil {
		return backend.NativeResponse{ErrorCode: backend.CodeCancelled, ErrorMessage: err.Error()}
	}

	if step.ErrorCode != "" {
		return backend.NativeResponse{ErrorCode: step.ErrorCode, ErrorMessage: step.ErrorMessage}
	}

	durationMs := step.DurationMs
	if durationMs <= 0 {
		speed := req.Speed
		if speed <= 0 {
			speed = 1
		}
		durationMs = int64(float64(int64(len([]rune(req.Text)))*s.msPerRune) / speed)
		if durationMs < 100 {
			durationMs = 100
		}
	}

	if err := backend.WriteSilence(req.OutputPath, s.sampleRate, time.Duration(durationMs)*time.Millisecond); err != nil {
		return backend.NativeResponse{ErrorCode: backend.CodeFileWrite, ErrorMessage: err.Error()}
	}

	return backend.NativeResponse{
		Success:    true,
		DurationMs: durationMs,
		SampleRate: s.sampleRate,
	}
}

func (s *Service) wait(ctx context.Context) error {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// CancelSynthesis aborts the call with requestID, if it is running.
func (s *Service) CancelSynthesis(requestID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[requestID]
	s.mu.Unlock()
	if ok {
		s.aborts.Add(1)
		cancel()
	}
}

// UnloadVoice marks voiceID unloaded.
func (s *Service) UnloadVoice(voiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voices[voiceID] {
		delete(s.voices, voiceID)
		s.unloads.Add(1)
	}
	return nil
}

// UnloadEngine unloads the engine and every voice.
func (s *Service) UnloadEngine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engineLoaded = false
	s.voices = make(map[string]bool)
	return nil
}

// GetMemoryInfo reports system memory and the number of loaded voices.
func (s *Service) GetMemoryInfo() backend.MemoryInfo {
	available, total := backend.SystemMemory()
	s.mu.Lock()
	defer s.mu.Unlock()
	return backend.MemoryInfo{
		AvailableMB:      available,
		TotalMB:          total,
		LoadedModelCount: len(s.voices),
	}
}

// Calls returns the number of Synthesize calls.
func (s *Service) Calls() int {
	return int(s.calls.Load())
}

// MaxInFlight returns the highest number of concurrent Synthesize calls seen.
func (s *Service) MaxInFlight() int {
	return int(s.maxInFlight.Load())
}

// Aborts returns the number of running calls stopped by CancelSynthesis.
func (s *Service) Aborts() int {
	return int(s.aborts.Load())
}

// Loads returns the number of voice loads.
func (s *Service) Loads() int {
	return int(s.loads.Load())
}

// Unloads returns the number of voice unloads.
func (s *Service) Unloads() int {
	return int(s.unloads.Load())
}

// EngineLoaded reports whether InitEngine succeeded and was not undone.
func (s *Service) EngineLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineLoaded
}

// Texts returns the text of every Synthesize call, in call order.
func (s *Service) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// Shell returns a backend shell of typ over a fresh mock service, serving
// voices "<typ>:<name>" for each name. Rebinding creates another mock
// with the same options.
func Shell(typ string, names []string, opts ...Option) (*backend.Shell, *Service) {
	svc := New(opts...)
	cfg := backend.ShellConfig{
		Type: typ,
		NewNative: func() (backend.NativeService, error) {
			return New(opts...), nil
		},
	}
	for _, name := range names {
		cfg.Voices = append(cfg.Voices, backend.Voice{ID: typ + ":" + name, Name: name})
	}
	return backend.NewShell(cfg, svc), svc
}
