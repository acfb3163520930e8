package backend

import (
	"context"
	"strings"

	"github.com/dgnsrekt/speakahead/internal/synth"
)

// NativeRequest is a single synthesis call into a native service.
type NativeRequest struct {
	VoiceID    string
	Text       string
	OutputPath string
	RequestID  string
	Speed      float64
}

// NativeResponse is the by-value outcome of a native synthesis call.
type NativeResponse struct {
	Success      bool
	DurationMs   int64
	SampleRate   int
	ErrorCode    string
	ErrorMessage string
}

// MemoryInfo reports memory as seen by a native service.
type MemoryInfo struct {
	AvailableMB      uint64
	TotalMB          uint64
	LoadedModelCount int
}

// NativeService is the contract implemented by each native inference
// service. No mutable state crosses this boundary.
type NativeService interface {
	InitEngine(ctx context.Context, corePath string) error
	LoadVoice(ctx context.Context, voiceID, modelPath string, speakerID *int) error
	Synthesize(ctx context.Context, req NativeRequest) NativeResponse
	CancelSynthesis(requestID string)
	UnloadVoice(voiceID string) error
	UnloadEngine() error
	GetMemoryInfo() MemoryInfo
}

// Error codes native services report. Services may also report the
// synth.ErrorKind names directly.
const (
	CodeModelMissing   = "MODEL_MISSING"
	CodeModelCorrupted = "MODEL_CORRUPTED"
	CodeOutOfMemory    = "OUT_OF_MEMORY"
	CodeInference      = "INFERENCE_FAILED"
	CodeCancelled      = "CANCELLED"
	CodeRuntimeCrash   = "RUNTIME_CRASH"
	CodeInvalidInput   = "INVALID_INPUT"
	CodeFileWrite      = "FILE_WRITE_ERROR"
	CodeBusy           = "BUSY"
	CodeTimeout        = "TIMEOUT"
)

var kindsByCode = map[string]synth.ErrorKind{
	"modelmissing":    synth.KindModelMissing,
	"modelcorrupted":  synth.KindModelCorrupted,
	"outofmemory":     synth.KindOutOfMemory,
	"oom":             synth.KindOutOfMemory,
	"inferencefailed": synth.KindInference,
	"cancelled":       synth.KindCancelled,
	"canceled":        synth.KindCancelled,
	"runtimecrash":    synth.KindRuntimeCrash,
	"invalidinput":    synth.KindInvalidInput,
	"filewriteerror":  synth.KindFileWrite,
	"busy":            synth.KindBusy,
	"timeout":         synth.KindTimeout,
}

// KindForCode maps a native error code to an error kind. Matching ignores
// case, underscores and dashes. Unknown codes map to KindUnknown.
func KindForCode(code string) synth.ErrorKind {
	norm := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(code)))
	if kind, ok := kindsByCode[norm]; ok {
		return kind
	}
	return synth.KindUnknown
}
