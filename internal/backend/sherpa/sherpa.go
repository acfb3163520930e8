//go:build !nocgo

package sherpa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/dgnsrekt/speakahead/internal/backend"
)

type model struct {
	mu       sync.Mutex // Generate is not safe for concurrent use
	tts      *sherpa.OfflineTts
	generate func(text string, sid int, speed float32) *sherpa.GeneratedAudio
	refs     int
	active   sync.WaitGroup
}

type voice struct {
	modelPath string
	sid       int
}

// Service implements backend.NativeService over sherpa-onnx.
type Service struct {
	cfg Config

	mu       sync.Mutex
	corePath string
	models   map[string]*model
	voices   map[string]voice
	cancels  map[string]context.CancelFunc
}

// New creates a sherpa service.
func New(cfg Config) (backend.NativeService, error) {
	if cfg.ModelType != "vits" && cfg.ModelType != "kokoro" {
		return nil, fmt.Errorf("unsupported sherpa model type %q", cfg.ModelType)
	}
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = 1
	}
	if cfg.Provider == "" {
		cfg.Provider = "cpu"
	}
	return &Service{
		cfg:     cfg,
		models:  make(map[string]*model),
		voices:  make(map[string]voice),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// InitEngine records the core directory after checking its token table.
func (s *Service) InitEngine(ctx context.Context, corePath string) error {
	if _, err := os.Stat(filepath.Join(corePath, s.cfg.Tokens)); err != nil {
		return fmt.Errorf("sherpa tokens not found: %w", err)
	}
	s.mu.Lock()
	s.corePath = corePath
	s.mu.Unlock()
	return nil
}

func (s *Service) offlineConfig(modelPath string) *sherpa.OfflineTtsConfig {
	config := sherpa.OfflineTtsConfig{}
	tokens := filepath.Join(s.corePath, s.cfg.Tokens)
	dataDir := filepath.Join(s.corePath, s.cfg.DataDir)

	switch s.cfg.ModelType {
	case "kokoro":
		config.Model.Kokoro.Model = modelPath
		config.Model.Kokoro.Voices = filepath.Join(s.corePath, s.cfg.Voices)
		config.Model.Kokoro.Tokens = tokens
		config.Model.Kokoro.DataDir = dataDir
		config.Model.Kokoro.LengthScale = 1.0
	default:
		config.Model.Vits.Model = modelPath
		config.Model.Vits.Tokens = tokens
		config.Model.Vits.DataDir = dataDir
		config.Model.Vits.NoiseScale = 0.667
		config.Model.Vits.NoiseScaleW = 0.8
		config.Model.Vits.LengthScale = 1.0
	}

	config.Model.NumThreads = s.cfg.NumThreads
	config.Model.Provider = s.cfg.Provider
	config.MaxNumSentences = 1
	return &config
}

// LoadVoice loads the voice's model, sharing it with other voices (speaker
// ids) of the same model.
func (s *Service) LoadVoice(ctx context.Context, voiceID, modelPath string, speakerID *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corePath == "" {
		return fmt.Errorf("sherpa engine not initialized")
	}
	if modelPath == "" {
		modelPath = filepath.Join(s.corePath, s.cfg.Model)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model file not found: %w", err)
	}

	if prev, ok := s.voices[voiceID]; ok {
		s.releaseLocked(prev.modelPath)
	}

	m, ok := s.models[modelPath]
	if !ok {
		tts := sherpa.NewOfflineTts(s.offlineConfig(modelPath))
		if tts == nil {
			return fmt.Errorf("failed to create offline tts for %s", modelPath)
		}
		m = &model{tts: tts, generate: tts.Generate}
		s.models[modelPath] = m
	}
	m.refs++

	sid := 0
	if speakerID != nil {
		sid = *speakerID
	}
	s.voices[voiceID] = voice{modelPath: modelPath, sid: sid}
	return nil
}

func (s *Service) releaseLocked(modelPath string) {
	m, ok := s.models[modelPath]
	if !ok {
		return
	}
	m.refs--
	if m.refs > 0 {
		return
	}
	delete(s.models, modelPath)
	go func() {
		// Wait out any generation still running on the model.
		m.active.Wait()
		sherpa.DeleteOfflineTts(m.tts)
	}()
}

// Synthesize generates audio and saves it to req.OutputPath. Generation
// itself cannot be interrupted: a request cancelled mid-generation returns
// once generation finishes, and its audio is discarded. A request
// cancelled while waiting for the model never starts.
func (s *Service) Synthesize(ctx context.Context, req backend.NativeRequest) backend.NativeResponse {
	s.mu.Lock()
	v, ok := s.voices[req.VoiceID]
	var m *model
	if ok {
		m = s.models[v.modelPath]
		m.active.Add(1)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancels[req.RequestID] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.cancels, req.RequestID)
		s.mu.Unlock()
		cancel()
	}()

	if !ok {
		return backend.NativeResponse{ErrorCode: backend.CodeModelMissing, ErrorMessage: "voice not loaded"}
	}
	defer m.active.Done()

	cancelled := func() backend.NativeResponse {
		return backend.NativeResponse{ErrorCode: backend.CodeCancelled, ErrorMessage: ctx.Err().Error()}
	}

	speed := float32(req.Speed)
	if speed <= 0 {
		speed = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return cancelled()
	}

	audio := m.generate(req.Text, v.sid, speed)
	if ctx.Err() != nil {
		return cancelled()
	}
	if audio == nil || len(audio.Samples) == 0 {
		return backend.NativeResponse{ErrorCode: backend.CodeInference, ErrorMessage: "sherpa generated no audio"}
	}
	if !audio.Save(req.OutputPath) {
		return backend.NativeResponse{ErrorCode: backend.CodeFileWrite, ErrorMessage: "failed to save generated audio"}
	}
	return backend.NativeResponse{
		Success:    true,
		DurationMs: int64(len(audio.Samples)) * 1000 / int64(audio.SampleRate),
		SampleRate: audio.SampleRate,
	}
}

// CancelSynthesis abandons the request with requestID.
func (s *Service) CancelSynthesis(requestID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[requestID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// UnloadVoice releases the voice's model reference.
func (s *Service) UnloadVoice(voiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.voices[voiceID]; ok {
		delete(s.voices, voiceID)
		s.releaseLocked(v.modelPath)
	}
	return nil
}

// UnloadEngine releases every model.
func (s *Service) UnloadEngine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range s.voices {
		delete(s.voices, id)
		s.releaseLocked(v.modelPath)
	}
	s.corePath = ""
	return nil
}

// GetMemoryInfo reports system memory and the number of resident models.
func (s *Service) GetMemoryInfo() backend.MemoryInfo {
	available, total := backend.SystemMemory()
	s.mu.Lock()
	defer s.mu.Unlock()
	return backend.MemoryInfo{
		AvailableMB:      available,
		TotalMB:          total,
		LoadedModelCount: len(s.models),
	}
}
