// Package piper runs the piper command line synthesizer as a native
// service. Each synthesis is a fresh process with its text pre-loaded on
// stdin.
package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/speakahead/internal/backend"
)

const maxTextSize = 5000

// Config holds configuration for the piper service.
type Config struct {
	// Binary is the piper executable, looked up in PATH when not absolute.
	Binary string

	// GracePeriod is how long piper gets to exit after SIGINT before it is
	// killed.
	GracePeriod time.Duration
}

type voice struct {
	modelPath  string
	configPath string
	speakerID  *int
}

// Service implements backend.NativeService over the piper binary.
type Service struct {
	cfg Config

	mu      sync.Mutex
	binary  string
	voices  map[string]voice
	cancels map[string]context.CancelFunc
}

// New creates a piper service.
func New(cfg Config) *Service {
	if cfg.Binary == "" {
		cfg.Binary = "piper"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 500 * time.Millisecond
	}
	return &Service{
		cfg:     cfg,
		voices:  make(map[string]voice),
		cancels: make(map[string]context.CancelFunc),
	}
}

// InitEngine resolves the piper binary.
func (s *Service) InitEngine(ctx context.Context, corePath string) error {
	path, err := exec.LookPath(s.cfg.Binary)
	if err != nil {
		return fmt.Errorf("piper not found in PATH: %w", err)
	}
	s.mu.Lock()
	s.binary = path
	s.mu.Unlock()
	return nil
}

// LoadVoice checks the voice model and its config exist. Piper loads the
// model per process, so nothing stays resident.
func (s *Service) LoadVoice(ctx context.Context, voiceID, modelPath string, speakerID *int) error {
	if modelPath == "" {
		return fmt.Errorf("voice %s has no model", voiceID)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model file not found: %w", err)
	}

	configPath := modelPath + ".json"
	if _, err := os.Stat(configPath); err != nil {
		configPath = strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.voices[voiceID] = voice{modelPath: modelPath, configPath: configPath, speakerID: speakerID}
	return nil
}

// Synthesize runs piper for one request.
func (s *Service) Synthesize(ctx context.Context, req backend.NativeRequest) backend.NativeResponse {
	s.mu.Lock()
	binary := s.binary
	v, ok := s.voices[req.VoiceID]
	s.mu.Unlock()

	switch {
	case binary == "":
		return backend.NativeResponse{ErrorCode: backend.CodeModelMissing, ErrorMessage: "piper engine not initialized"}
	case !ok:
		return backend.NativeResponse{ErrorCode: backend.CodeModelMissing, ErrorMessage: "voice not loaded"}
	case req.Text == "":
		return backend.NativeResponse{ErrorCode: backend.CodeInvalidInput, ErrorMessage: "text cannot be empty"}
	case len(req.Text) > maxTextSize:
		return backend.NativeResponse{ErrorCode: backend.CodeInvalidInput,
			ErrorMessage: fmt.Sprintf("text too long: %d characters (max %d)", len(req.Text), maxTextSize)}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancels[req.RequestID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, req.RequestID)
		s.mu.Unlock()
	}()

	// Speed: 0.5 = half speed (scale 2.0), 2.0 = double speed (scale 0.5)
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	args := []string{
		"--model", v.modelPath,
		"--config", v.configPath,
		"--output_file", req.OutputPath,
		"--length_scale", fmt.Sprintf("%.2f", 1.0/speed),
	}
	if v.speakerID != nil {
		args = append(args, "--speaker", fmt.Sprint(*v.speakerID))
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	// Pre-configure stdin with the text so piper never races the writer.
	cmd.Stdin = strings.NewReader(req.Text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Graceful shutdown: SIGINT first, SIGKILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = s.cfg.GracePeriod

	start := time.Now()
	err := cmd.Run()
	log.Debug("piper subprocess finished", "voice", req.VoiceID, "took", time.Since(start), "error", err)

	if ctx.Err() != nil {
		return backend.NativeResponse{ErrorCode: backend.CodeCancelled, ErrorMessage: ctx.Err().Error()}
	}
	if err != nil {
		code, msg := classify(err, stderr.String())
		return backend.NativeResponse{ErrorCode: code, ErrorMessage: msg}
	}

	d, rate, err := backend.ReadWAVInfo(req.OutputPath)
	if err != nil {
		return backend.NativeResponse{ErrorCode: backend.CodeFileWrite,
			ErrorMessage: fmt.Sprintf("piper produced no usable audio: %v", err)}
	}

	return backend.NativeResponse{
		Success:    true,
		DurationMs: d.Milliseconds(),
		SampleRate: rate,
	}
}

// classify maps a failed piper run to a native error code.
func classify(err error, stderr string) (string, string) {
	lower := strings.ToLower(stderr)
	msg := fmt.Sprintf("piper failed: %v, stderr: %s", err, strings.TrimSpace(stderr))

	switch {
	case strings.Contains(lower, "bad_alloc"), strings.Contains(lower, "out of memory"):
		return backend.CodeOutOfMemory, msg
	case strings.Contains(lower, "failed to load"), strings.Contains(lower, "invalid model"),
		strings.Contains(lower, "protobuf parsing failed"):
		return backend.CodeModelCorrupted, msg
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && !exitErr.Exited() {
		// Killed by a signal we did not send.
		return backend.CodeRuntimeCrash, msg
	}
	return backend.CodeInference, msg
}

// CancelSynthesis stops the piper process serving requestID.
func (s *Service) CancelSynthesis(requestID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[requestID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// UnloadVoice forgets voiceID.
func (s *Service) UnloadVoice(voiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.voices, voiceID)
	return nil
}

// UnloadEngine forgets the binary and every voice.
func (s *Service) UnloadEngine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binary = ""
	s.voices = make(map[string]voice)
	return nil
}

// GetMemoryInfo reports system memory. Piper keeps no models resident.
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
