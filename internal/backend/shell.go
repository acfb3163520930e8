package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dgnsrekt/speakahead/internal/synth"
)

// SupertonicCoreFiles are the files a supertonic-layout core must contain.
var SupertonicCoreFiles = []string{
	"onnx/text_encoder.onnx",
	"onnx/duration_predictor.onnx",
	"onnx/vector_estimator.onnx",
	"onnx/vocoder.onnx",
	"onnx/unicode_indexer.json",
}

// Voice describes one voice served by a backend.
type Voice struct {
	ID        string
	Name      string
	ModelPath string // Relative paths resolve against the core path
	SpeakerID *int
}

// ShellConfig configures a Shell.
type ShellConfig struct {
	Type          string
	Prefix        string // Voice id namespace, defaults to Type
	CorePath      string
	RequiredFiles []string
	Voices        []Voice

	// NewNative creates a fresh native binding. It is used by Rebind after
	// the previous binding crashed; nil disables rebinding.
	NewNative func() (NativeService, error)
}

type voiceSlot struct {
	voice    Voice
	state    *StateMachine[VoiceState]
	loaded   bool
	lastUsed time.Time
}

// Shell is the generic Adapter over a NativeService. It drives the core
// and voice state machines and owns the temp-file-then-rename commit.
type Shell struct {
	cfg  ShellConfig
	core *StateMachine[CoreState]

	// mu guards native, voices and inflight; it is never held across a
	// native call.
	mu       sync.Mutex
	native   NativeService
	voices   map[string]*voiceSlot
	inflight map[uint64]map[string]context.CancelFunc

	// loadMu serializes engine and voice load/unload transitions.
	loadMu sync.Mutex

	log   *log.Logger
	clock func() time.Time
}

// NewShell creates an adapter for native.
func NewShell(cfg ShellConfig, native NativeService) *Shell {
	if cfg.Prefix == "" {
		cfg.Prefix = cfg.Type
	}

	s := &Shell{
		cfg:      cfg,
		core:     NewCoreStateMachine(),
		native:   native,
		voices:   make(map[string]*voiceSlot),
		inflight: make(map[uint64]map[string]context.CancelFunc),
		log:      log.WithPrefix(cfg.Type),
		clock:    time.Now,
	}
	for _, v := range cfg.Voices {
		s.voices[v.ID] = &voiceSlot{voice: v, state: NewVoiceStateMachine()}
	}
	s.core.OnEnter(CoreFailed, func() {
		s.log.Warn("core failed", "path", cfg.CorePath)
	})
	return s
}

// Type returns the backend type.
func (s *Shell) Type() string {
	return s.cfg.Type
}

// Owns reports whether voiceID is in this backend's namespace.
func (s *Shell) Owns(voiceID string) bool {
	return strings.HasPrefix(voiceID, s.cfg.Prefix+":")
}

// Voices returns the configured voice ids in sorted order.
func (s *Shell) Voices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.voices))
	for id := range s.voices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CoreState returns the current core readiness.
func (s *Shell) CoreState() CoreState {
	return s.core.Current()
}

// CorePath returns the directory holding the core assets.
func (s *Shell) CorePath() string {
	return s.cfg.CorePath
}

func (s *Shell) nativeService() NativeService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.native
}

// Probe reports whether the backend can currently serve requests.
func (s *Shell) Probe(ctx context.Context) Availability {
	av := Availability{
		Core:   s.core.Current(),
		Memory: s.nativeService().GetMemoryInfo(),
	}
	switch av.Core {
	case CoreReady, CoreLoaded:
		av.Available = true
	case CoreFailed:
		av.Reason = "core failed to load"
	case CoreDownloading, CoreExtracting:
		av.Reason = "core installation in progress"
	default:
		if missing := s.missingCoreFiles(); len(missing) > 0 {
			av.Reason = fmt.Sprintf("core files missing: %s", strings.Join(missing, ", "))
		} else {
			av.Available = true
		}
	}
	return av
}

func (s *Shell) missingCoreFiles() []string {
	var missing []string
	for _, name := range s.cfg.RequiredFiles {
		if _, err := os.Stat(filepath.Join(s.cfg.CorePath, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// ReportInstall records progress reported by an external installer.
func (s *Shell) ReportInstall(state CoreState) error {
	switch state {
	case CoreDownloading, CoreExtracting, CoreFailed:
		return s.core.Transition(state)
	default:
		return fmt.Errorf("%w: installers may only report downloading, extracting or failed", ErrInvalidTransition)
	}
}

// VerifyCore checks the required core files and moves the core to loaded
// or failed.
func (s *Shell) VerifyCore() error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.verifyLocked()
}

func (s *Shell) verifyLocked() error {
	if err := s.core.Transition(CoreVerifying); err != nil {
		return err
	}

	if missing := s.missingCoreFiles(); len(missing) > 0 {
		_ = s.core.Transition(CoreFailed)
		return synth.NewError(synth.KindModelMissing, synth.StageVoiceCheck,
			fmt.Sprintf("%s core files missing: %s", s.cfg.Type, strings.Join(missing, ", ")), nil)
	}

	s.log.Debug("core verified", "path", s.cfg.CorePath)
	return s.core.Transition(CoreLoaded)
}

// EnsureCoreReady verifies the core if needed and initializes the engine.
// The selector names a core variant; the shell serves a single core and
// only logs it.
func (s *Shell) EnsureCoreReady(ctx context.Context, selector string) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.ensureCoreLocked(ctx, selector)
}

func (s *Shell) ensureCoreLocked(ctx context.Context, selector string) error {
	switch s.core.Current() {
	case CoreReady:
		return nil
	case CoreDownloading, CoreExtracting:
		return synth.NewError(synth.KindModelMissing, synth.StageVoiceCheck,
			fmt.Sprintf("%s core is still being installed", s.cfg.Type), nil).
			WithRemedy("wait for the download to finish")
	case CoreNotStarted, CoreFailed:
		if err := s.verifyLocked(); err != nil {
			return err
		}
	}

	start := s.clock()
	if err := s.nativeService().InitEngine(ctx, s.cfg.CorePath); err != nil {
		_ = s.core.Transition(CoreFailed)
		var se *synth.Error
		if errors.As(err, &se) {
			return se
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return synth.NewError(synth.KindModelCorrupted, synth.StageVoiceCheck,
			fmt.Sprintf("%s core failed to initialize", s.cfg.Type), err)
	}

	if err := s.core.Transition(CoreReady); err != nil {
		return err
	}
	s.log.Info("core ready", "selector", selector, "took", s.clock().Sub(start))
	return nil
}

func setVoiceState(sm *StateMachine[VoiceState], to VoiceState) {
	if sm.Current() == to {
		return
	}
	if !sm.CanTransition(to) {
		_ = sm.Transition(VoiceChecking)
	}
	_ = sm.Transition(to)
}

func (s *Shell) slot(voiceID string) (*voiceSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.voices[voiceID]
	return slot, ok
}

func (s *Shell) modelPath(v Voice) string {
	if v.ModelPath == "" || filepath.IsAbs(v.ModelPath) {
		return v.ModelPath
	}
	return filepath.Join(s.cfg.CorePath, v.ModelPath)
}

// CheckVoiceReady reports whether voiceID may be dispatched to.
func (s *Shell) CheckVoiceReady(ctx context.Context, voiceID string) (VoiceState, error) {
	slot, ok := s.slot(voiceID)
	if !ok {
		return VoiceError, synth.NewError(synth.KindModelMissing, synth.StageVoiceCheck,
			fmt.Sprintf("voice %q is not installed", voiceID), nil)
	}
	setVoiceState(slot.state, VoiceChecking)

	if path := s.modelPath(slot.voice); path != "" {
		if _, err := os.Stat(path); err != nil {
			setVoiceState(slot.state, VoiceError)
			return VoiceError, synth.NewError(synth.KindModelMissing, synth.StageVoiceCheck,
				fmt.Sprintf("voice model for %q not found", voiceID), err)
		}
	}

	var next VoiceState
	switch s.core.Current() {
	case CoreReady:
		next = VoiceReady
	case CoreLoaded, CoreVerifying:
		next = VoiceCoreLoading
	case CoreNotStarted:
		if len(s.missingCoreFiles()) == 0 {
			next = VoiceCoreLoading
		} else {
			next = VoiceCoreRequired
		}
	default:
		next = VoiceCoreRequired
	}
	setVoiceState(slot.state, next)
	return next, nil
}

// PrepareVoice brings the engine up and loads voiceID so the next
// synthesis starts without a load.
func (s *Shell) PrepareVoice(ctx context.Context, voiceID string) error {
	slot, ok := s.slot(voiceID)
	if !ok {
		return synth.NewError(synth.KindModelMissing, synth.StageVoiceCheck,
			fmt.Sprintf("voice %q is not installed", voiceID), nil)
	}
	return s.ensureVoiceLoaded(ctx, slot)
}

func (s *Shell) ensureVoiceLoaded(ctx context.Context, slot *voiceSlot) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if err := s.ensureCoreLocked(ctx, ""); err != nil {
		return err
	}

	s.mu.Lock()
	loaded := slot.loaded
	s.mu.Unlock()
	if loaded {
		return nil
	}

	v := slot.voice
	if err := s.nativeService().LoadVoice(ctx, v.ID, s.modelPath(v), v.SpeakerID); err != nil {
		setVoiceState(slot.state, VoiceError)
		var se *synth.Error
		if errors.As(err, &se) {
			return se
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return synth.NewError(synth.KindModelCorrupted, synth.StageVoiceCheck,
			fmt.Sprintf("failed to load voice %q", v.ID), err)
	}

	s.mu.Lock()
	slot.loaded = true
	slot.lastUsed = s.clock()
	s.mu.Unlock()
	setVoiceState(slot.state, VoiceReady)
	s.log.Debug("voice loaded", "voice", v.ID)
	return nil
}

func (s *Shell) track(opID uint64, requestID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs, ok := s.inflight[opID]
	if !ok {
		reqs = make(map[string]context.CancelFunc)
		s.inflight[opID] = reqs
	}
	reqs[requestID] = cancel
}

func (s *Shell) untrack(opID uint64, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reqs, ok := s.inflight[opID]; ok {
		delete(reqs, requestID)
		if len(reqs) == 0 {
			delete(s.inflight, opID)
		}
	}
}

// SynthesizeSegment synthesizes req into req.OutputPath. The native
// service writes a request-scoped temp file which is renamed onto the
// final path only after it reports success.
func (s *Shell) SynthesizeSegment(ctx context.Context, req *synth.Request) synth.Result {
	if err := req.Validate(); err != nil {
		return synth.Failed(err)
	}
	if req.OutputPath == "" {
		return synth.Failed(synth.NewError(synth.KindInvalidInput, synth.StageFileWrite,
			"no output path", nil))
	}
	if req.Cancelled() || ctx.Err() != nil {
		return synth.Cancelled()
	}

	state, err := s.CheckVoiceReady(ctx, req.VoiceID)
	if err != nil {
		return synth.Failed(err)
	}
	if state == VoiceCoreRequired {
		return synth.Failed(synth.NewError(synth.KindModelMissing, synth.StageVoiceCheck,
			fmt.Sprintf("%s core is not installed", s.cfg.Type), nil))
	}

	slot, _ := s.slot(req.VoiceID)
	if err := s.ensureVoiceLoaded(ctx, slot); err != nil {
		return synth.Failed(err)
	}

	requestID := uuid.NewString()
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(req.OpID, requestID, cancel)
	defer s.untrack(req.OpID, requestID)

	// Native engines do not watch ctx; abort them explicitly.
	native := s.nativeService()
	stop := context.AfterFunc(callCtx, func() { native.CancelSynthesis(requestID) })
	defer stop()

	final := req.OutputPath
	tmp := fmt.Sprintf("%s.%s.tmp", final, requestID)
	discard := func() {
		_ = os.Remove(tmp)
		_ = os.Remove(final)
	}

	start := s.clock()
	resp := native.Synthesize(callCtx, NativeRequest{
		VoiceID:    req.VoiceID,
		Text:       req.Text,
		OutputPath: tmp,
		RequestID:  requestID,
		Speed:      req.Rate,
	})

	s.mu.Lock()
	slot.lastUsed = s.clock()
	s.mu.Unlock()

	if req.Cancelled() || callCtx.Err() != nil {
		discard()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return synth.Failed(synth.NewError(synth.KindTimeout, synth.StageInferencing,
				"synthesis timed out", ctx.Err()))
		}
		return synth.Cancelled()
	}

	if !resp.Success {
		discard()
		kind := KindForCode(resp.ErrorCode)
		if kind == synth.KindCancelled {
			return synth.Cancelled()
		}
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "native synthesis failed"
		}
		return synth.Failed(synth.NewError(kind, synth.StageInferencing, msg, nil))
	}

	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		discard()
		return synth.Failed(synth.NewError(synth.KindFileWrite, synth.StageFileWrite,
			"backend reported success but wrote no audio", err))
	}
	if err := os.Rename(tmp, final); err != nil {
		discard()
		return synth.Failed(synth.NewError(synth.KindFileWrite, synth.StageFileWrite,
			"failed to move audio into place", err))
	}

	s.log.Debug("synthesized",
		"voice", req.VoiceID,
		"segment", req.SegmentIndex,
		"duration_ms", resp.DurationMs,
		"took", s.clock().Sub(start))

	return synth.Succeeded(final, time.Duration(resp.DurationMs)*time.Millisecond, resp.SampleRate)
}

// Cancel aborts every in-flight native call made for opID.
func (s *Shell) Cancel(opID uint64) {
	s.mu.Lock()
	reqs := s.inflight[opID]
	cancels := make([]context.CancelFunc, 0, len(reqs))
	for _, cancel := range reqs {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		s.log.Debug("cancelled in-flight requests", "op", opID, "count", len(cancels))
	}
}

// LoadedModelCount returns the number of voices resident in memory, plus
// one for the engine when it is initialized.
func (s *Shell) LoadedModelCount() int {
	s.mu.Lock()
	n := 0
	for _, slot := range s.voices {
		if slot.loaded {
			n++
		}
	}
	s.mu.Unlock()

	if s.core.Current() == CoreReady {
		n++
	}
	return n
}

// UnloadLeastUsedModel unloads the least recently used voice. With no
// voice loaded it releases the engine instead. It returns the id of what
// was unloaded, or "" when nothing was resident.
func (s *Shell) UnloadLeastUsedModel(ctx context.Context) (string, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.Lock()
	var victim *voiceSlot
	for _, slot := range s.voices {
		if !slot.loaded {
			continue
		}
		if victim == nil || slot.lastUsed.Before(victim.lastUsed) {
			victim = slot
		}
	}
	s.mu.Unlock()

	if victim == nil {
		if s.core.Current() != CoreReady {
			return "", nil
		}
		if err := s.unloadEngineLocked(); err != nil {
			return "", err
		}
		return s.cfg.Type, nil
	}

	if err := s.unloadVoiceLocked(victim); err != nil {
		return "", err
	}
	s.log.Info("unloaded least used voice", "voice", victim.voice.ID)
	return victim.voice.ID, nil
}

func (s *Shell) unloadVoiceLocked(slot *voiceSlot) error {
	if err := s.nativeService().UnloadVoice(slot.voice.ID); err != nil {
		return fmt.Errorf("unload voice %s: %w", slot.voice.ID, err)
	}
	s.mu.Lock()
	slot.loaded = false
	s.mu.Unlock()
	setVoiceState(slot.state, VoiceChecking)
	return nil
}

func (s *Shell) unloadEngineLocked() error {
	if err := s.nativeService().UnloadEngine(); err != nil {
		return fmt.Errorf("unload %s engine: %w", s.cfg.Type, err)
	}
	if s.core.Current() == CoreReady {
		return s.core.Transition(CoreLoaded)
	}
	return nil
}

// ClearAllModels unloads every voice and the engine.
func (s *Shell) ClearAllModels(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.Lock()
	var loaded []*voiceSlot
	for _, slot := range s.voices {
		if slot.loaded {
			loaded = append(loaded, slot)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, slot := range loaded {
		if err := s.unloadVoiceLocked(slot); err != nil {
			errs = append(errs, err)
		}
	}
	if s.core.Current() == CoreReady {
		if err := s.unloadEngineLocked(); err != nil {
			errs = append(errs, err)
		}
	}

	s.log.Info("cleared all models", "voices", len(loaded))
	return errors.Join(errs...)
}

// Rebind replaces the native binding after a runtime crash. Every model
// is considered lost; they are reloaded lazily by the next synthesis.
func (s *Shell) Rebind(ctx context.Context) error {
	if s.cfg.NewNative == nil {
		return synth.NewError(synth.KindRuntimeCrash, synth.StageInferencing,
			fmt.Sprintf("%s backend cannot be rebound", s.cfg.Type), nil)
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	fresh, err := s.cfg.NewNative()
	if err != nil {
		return synth.NewError(synth.KindRuntimeCrash, synth.StageInferencing,
			fmt.Sprintf("failed to rebind %s backend", s.cfg.Type), err)
	}

	s.mu.Lock()
	old := s.native
	s.native = fresh
	for _, slot := range s.voices {
		slot.loaded = false
	}
	s.mu.Unlock()

	_ = old.UnloadEngine()
	if s.core.Current() == CoreReady {
		_ = s.core.Transition(CoreLoaded)
	}
	s.log.Warn("backend rebound after crash")
	return nil
}
