package backend

import (
	"context"

	"github.com/dgnsrekt/speakahead/internal/synth"
)

// Availability is the result of probing a backend.
type Availability struct {
	Available bool
	Reason    string
	Core      CoreState
	Memory    MemoryInfo
}

// Adapter wraps one synthesis backend behind a uniform interface and owns
// that backend's loaded-model bookkeeping.
type Adapter interface {
	// Type names the backend, e.g. "piper".
	Type() string

	// Owns reports whether voiceID belongs to this backend's namespace.
	Owns(voiceID string) bool

	// Voices lists the voice ids this backend can serve.
	Voices() []string

	Probe(ctx context.Context) Availability
	EnsureCoreReady(ctx context.Context, selector string) error
	CheckVoiceReady(ctx context.Context, voiceID string) (VoiceState, error)

	// PrepareVoice initializes the engine if needed and loads voiceID.
	PrepareVoice(ctx context.Context, voiceID string) error

	// SynthesizeSegment writes audio for req to req.OutputPath. The final
	// path either holds complete audio or does not exist when it returns.
	SynthesizeSegment(ctx context.Context, req *synth.Request) synth.Result

	// Cancel aborts every in-flight call made on behalf of opID.
	Cancel(opID uint64)

	LoadedModelCount() int
	UnloadLeastUsedModel(ctx context.Context) (string, error)
	ClearAllModels(ctx context.Context) error

	// Rebind replaces a crashed native binding with a fresh one.
	Rebind(ctx context.Context) error
}
