// Package sherpa serves voices through sherpa-onnx offline TTS models
// (VITS, Kokoro and friends) loaded in-process.
package sherpa

import "errors"

// ErrUnavailable is returned when the binary was built without cgo.
var ErrUnavailable = errors.New("sherpa backend not available in nocgo build")

// Config holds configuration for the sherpa service.
type Config struct {
	// ModelType is "vits" or "kokoro".
	ModelType string

	NumThreads int
	Provider   string

	// File names inside the core directory.
	Tokens  string
	DataDir string
	Voices  string // Kokoro speaker embeddings
	Model   string // Default model when a voice names none
}

// DefaultConfig returns defaults for a Kokoro core laid out as published.
func DefaultConfig() Config {
	return Config{
		ModelType:  "kokoro",
		NumThreads: 2,
		Provider:   "cpu",
		Tokens:     "tokens.txt",
		DataDir:    "espeak-ng-data",
		Voices:     "voices.bin",
		Model:      "model.onnx",
	}
}

// FromOptions overlays manifest options onto the defaults.
func FromOptions(opts map[string]string) Config {
	cfg := DefaultConfig()
	if v := opts["model_type"]; v != "" {
		cfg.ModelType = v
	}
	if v := opts["provider"]; v != "" {
		cfg.Provider = v
	}
	if v := opts["tokens"]; v != "" {
		cfg.Tokens = v
	}
	if v := opts["data_dir"]; v != "" {
		cfg.DataDir = v
	}
	if v := opts["voices"]; v != "" {
		cfg.Voices = v
	}
	if v := opts["model"]; v != "" {
		cfg.Model = v
	}
	return cfg
}
