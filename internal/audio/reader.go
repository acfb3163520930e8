package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/speakahead/internal/cache"
	"github.com/dgnsrekt/speakahead/internal/operation"
	"github.com/dgnsrekt/speakahead/internal/pipeline"
	"github.com/dgnsrekt/speakahead/internal/synth"
)

// Synthesizer is the part of the pipeline a Reader drives.
type Synthesizer interface {
	Begin(kind operation.Kind) operation.Operation
	SynthesizeSegment(ctx context.Context, req *synth.Request) synth.Result
	RequestWindow(ctx context.Context, op operation.Operation, segments []pipeline.Segment, cursor synth.Cursor) ([]synth.Result, error)
	Cancel(opID uint64)
	RatePolicy() cache.RatePolicy
}

// Reader plays segments in order while the window ahead of the cursor is
// prefetched.
type Reader struct {
	synth  Synthesizer
	sink   Sink
	cursor *Cursor
	baked  bool

	log *log.Logger
}

// NewReader creates a reader playing at rate. Under the synthesis rate
// policy the backend already speaks at rate; otherwise the reader speeds
// up each clip itself.
func NewReader(s Synthesizer, sink Sink, rate float64) *Reader {
	baked := s.RatePolicy() == cache.RatePolicySynthesis
	cursor := NewCursor(rate)
	cursor.SetRateBaked(baked)
	return &Reader{
		synth:  s,
		sink:   sink,
		cursor: cursor,
		baked:  baked,
		log:    log.WithPrefix("reader"),
	}
}

// Cursor returns the live playback cursor, for the demand controller.
func (r *Reader) Cursor() *Cursor {
	return r.cursor
}

// Read plays segs from the first one. onSegment, when set, is called with
// each segment's result before it plays. Read stops at the first failed
// segment or when ctx is done.
func (r *Reader) Read(ctx context.Context, segs []pipeline.Segment, onSegment func(pipeline.Segment, synth.Result)) error {
	op := r.synth.Begin(operation.KindLoadChapter)

	var wg sync.WaitGroup
	defer func() {
		r.synth.Cancel(op.ID)
		wg.Wait()
	}()

	for i, seg := range segs {
		r.cursor.Advance(i)
		cursor := synth.StaticCursor{Index: i, Speed: r.cursor.Rate()}

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.synth.RequestWindow(ctx, op, segs, cursor)
		}()

		res := r.synth.SynthesizeSegment(ctx, &synth.Request{
			OpID:         op.ID,
			SegmentID:    seg.ID,
			SegmentIndex: seg.Index,
			Text:         synth.NormalizeText(seg.Text),
			VoiceID:      seg.VoiceID,
			Rate:         cursor.Speed,
			Priority:     synth.PriorityImmediate,
		})
		if onSegment != nil {
			onSegment(seg, res)
		}
		if !res.OK() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if res.Err != nil {
				return fmt.Errorf("segment %s: %w", seg.ID, res.Err)
			}
			return fmt.Errorf("segment %s: %s", seg.ID, res.Outcome)
		}

		clip, err := LoadClip(res.Path)
		if err != nil {
			return fmt.Errorf("segment %s: %w", seg.ID, err)
		}
		if !r.baked {
			clip = clip.AtRate(cursor.Speed)
		}
		r.log.Debug("playing", "segment", seg.ID, "duration", clip.Duration(), "cached", res.CacheHit)
		r.cursor.Start()
		if err := r.sink.Play(ctx, clip); err != nil {
			return err
		}
	}
	return nil
}
