// Package router decides how a segment request is served: from the audio
// cache when possible, otherwise by scheduling synthesis on the backend
// that owns the requested voice.
package router

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dgnsrekt/speakahead/internal/backend"
	"github.com/dgnsrekt/speakahead/internal/cache"
	"github.com/dgnsrekt/speakahead/internal/governor"
	"github.com/dgnsrekt/speakahead/internal/scheduler"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

// Router serves segment requests. It holds no backend specific state.
type Router struct {
	store    *cache.Store
	registry *backend.Registry
	governor *governor.Governor
	sched    *scheduler.Scheduler
	log      *log.Logger
}

// New creates a router and registers it as the scheduler's recoverer.
func New(store *cache.Store, registry *backend.Registry, gov *governor.Governor, sched *scheduler.Scheduler) *Router {
	r := &Router{
		store:    store,
		registry: registry,
		governor: gov,
		sched:    sched,
		log:      log.WithPrefix("router"),
	}
	sched.SetRecoverer(r)
	return r
}

// KeyFor returns the cache key a request resolves to.
func (r *Router) KeyFor(req *synth.Request) cache.Key {
	return r.store.KeyFor(req.VoiceID, req.Text, req.Rate)
}

// Synthesize returns audio for req, from the cache or by synthesis. When
// req.OutputPath is set the audio is also materialized there.
func (r *Router) Synthesize(ctx context.Context, req *synth.Request) synth.Result {
	if err := req.Validate(); err != nil {
		return synth.Failed(err)
	}
	if req.Cancelled() || ctx.Err() != nil {
		return synth.Cancelled()
	}

	key := r.KeyFor(req)
	if r.store.IsReady(key) {
		if entry, ok := r.store.Lookup(key); ok {
			r.store.MarkUsed(key)
			return r.serveCached(ctx, key, req, entry)
		}
	}

	adapter, err := r.registry.Resolve(req.VoiceID)
	if err != nil {
		return synth.Failed(err)
	}
	if err := r.ensureVoice(ctx, adapter, req.VoiceID); err != nil {
		return synth.Failed(err)
	}

	res := r.sched.Submit(ctx, key.String(), req, r.attempt(key, adapter))
	if !res.OK() {
		return res
	}
	if res.CacheHit {
		if entry, ok := r.store.Lookup(key); ok {
			return r.serveCached(ctx, key, req, entry)
		}
	}
	return r.materialize(ctx, key, req, res)
}

// Cancel detaches every waiter of opID from the scheduler and aborts the
// backend calls made on its behalf.
func (r *Router) Cancel(opID uint64) int {
	n := r.sched.Cancel(opID)
	for _, a := range r.registry.Adapters() {
		a.Cancel(opID)
	}
	return n
}

// ensureVoice checks that the voice can be served. Loading the engine and
// the voice is left to the governor, which serializes it against other
// backends.
func (r *Router) ensureVoice(ctx context.Context, adapter backend.Adapter, voiceID string) error {
	state, err := adapter.CheckVoiceReady(ctx, voiceID)
	if err != nil {
		return err
	}

	switch state {
	case backend.VoiceReady, backend.VoiceChecking, backend.VoiceCoreLoading:
		return nil
	case backend.VoiceCoreRequired:
		return synth.NewError(synth.KindModelMissing, synth.StageVoiceCheck,
			fmt.Sprintf("%s needs the %s core", voiceID, adapter.Type()), nil).
			WithRemedy(synth.DefaultRemedy(synth.KindModelMissing))
	default:
		return synth.NewError(synth.KindModelMissing, synth.StageVoiceCheck,
			fmt.Sprintf("%s is not available", voiceID), nil).
			WithRemedy(synth.DefaultRemedy(synth.KindModelMissing))
	}
}

// attempt builds the scheduler job for key. Each attempt leases the
// backend from the governor, which also loads the voice, synthesizes into a cache staging file and
// commits it.
func (r *Router) attempt(key cache.Key, adapter backend.Adapter) scheduler.Attempt {
	return func(ctx context.Context, req *synth.Request) synth.Result {
		// An earlier flight for key may have committed after the caller's
		// lookup.
		if entry, ok := r.store.Lookup(key); ok {
			if _, err := os.Stat(entry.Path); err == nil {
				res := synth.Succeeded(entry.Path, entry.Duration(), entry.SampleRate)
				res.CacheHit = true
				return res
			}
		}

		release, err := r.governor.PrepareForBackend(ctx, adapter.Type(), req.VoiceID)
		if err != nil {
			return synth.Failed(err)
		}
		defer release()

		tmp, err := r.store.TempFileFor(key)
		if err != nil {
			return synth.Failed(synth.NewError(synth.KindFileWrite, synth.StageFileWrite,
				"failed to stage audio", err))
		}

		res := adapter.SynthesizeSegment(ctx, &synth.Request{
			OpID:         req.OpID,
			SegmentID:    req.SegmentID,
			SegmentIndex: req.SegmentIndex,
			Text:         req.Text,
			VoiceID:      req.VoiceID,
			OutputPath:   tmp,
			Rate:         r.store.RatePolicy().SynthesisRate(req.Rate),
			Priority:     req.Priority,
			Retries:      req.Retries,
		})
		if !res.OK() {
			return res
		}

		// Finished audio is committed even if the caller gave up meanwhile.
		entry, err := r.store.Commit(context.WithoutCancel(ctx), key, cache.CommitMeta{
			VoiceID:    req.VoiceID,
			DurationMs: res.Duration.Milliseconds(),
			SampleRate: res.SampleRate,
		}, tmp)
		if err != nil {
			return synth.Failed(err)
		}
		return synth.Succeeded(entry.Path, entry.Duration(), entry.SampleRate)
	}
}

func (r *Router) serveCached(ctx context.Context, key cache.Key, req *synth.Request, entry cache.Entry) synth.Result {
	res := synth.Succeeded(entry.Path, entry.Duration(), entry.SampleRate)
	res.CacheHit = true

	if entry.Compressed && req.OutputPath == "" {
		path, err := r.rehydrate(ctx, key, entry)
		if err != nil {
			return synth.Failed(err)
		}
		res.Path = path
	}
	r.log.Debug("cache hit", "key", key, "segment", req.SegmentID)
	return r.materialize(ctx, key, req, res)
}

// rehydrate replaces a compressed entry with a decoded copy so callers
// always receive a playable file.
func (r *Router) rehydrate(ctx context.Context, key cache.Key, entry cache.Entry) (string, error) {
	tmp, err := r.store.TempFileFor(key)
	if err != nil {
		return "", err
	}
	if err := r.copyAudio(key, tmp); err != nil {
		return "", err
	}
	committed, err := r.store.Commit(ctx, key, cache.CommitMeta{
		VoiceID:    entry.VoiceID,
		DurationMs: entry.DurationMs,
		SampleRate: entry.SampleRate,
	}, tmp)
	if err != nil {
		return "", err
	}
	return committed.Path, nil
}

// materialize copies the committed audio to req.OutputPath when the caller
// asked for a specific destination.
func (r *Router) materialize(ctx context.Context, key cache.Key, req *synth.Request, res synth.Result) synth.Result {
	if req.OutputPath == "" || req.OutputPath == res.Path {
		return res
	}

	tmp := fmt.Sprintf("%s.%s.tmp", req.OutputPath, uuid.NewString())
	if err := r.copyAudio(key, tmp); err != nil {
		return synth.Failed(synth.NewError(synth.KindFileWrite, synth.StageFileWrite,
			"failed to write output file", err))
	}
	if err := os.Rename(tmp, req.OutputPath); err != nil {
		_ = os.Remove(tmp)
		return synth.Failed(synth.NewError(synth.KindFileWrite, synth.StageFileWrite,
			"failed to move output file into place", err))
	}
	res.Path = req.OutputPath
	return res
}

func (r *Router) copyAudio(key cache.Key, dst string) error {
	src, err := r.store.OpenAudio(key)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

// Recover implements scheduler.Recoverer. Out-of-memory failures unload
// the least used model across backends; crashes rebind the backend that
// owns the request's voice.
func (r *Router) Recover(ctx context.Context, kind synth.ErrorKind, req *synth.Request) error {
	switch kind {
	case synth.KindOutOfMemory:
		return r.governor.UnloadLeastUsed(ctx)
	case synth.KindRuntimeCrash:
		adapter, err := r.registry.Resolve(req.VoiceID)
		if err != nil {
			return err
		}
		r.log.Warn("rebinding crashed backend", "backend", adapter.Type())
		return adapter.Rebind(ctx)
	default:
		return nil
	}
}
