package synth

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Rate bounds accepted for a segment request.
const (
	MinRate = 0.5
	MaxRate = 3.0
)

// Priority defines the scheduling class of a request.
type Priority int

const (
	// PriorityPrefetch is for segments ahead of the playback cursor.
	PriorityPrefetch Priority = iota

	// PriorityImmediate is for the segment the cursor is waiting on.
	PriorityImmediate
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityPrefetch:
		return "prefetch"
	case PriorityImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// Outcome is the terminal state of a request.
type Outcome int

const (
	// OutcomeNone marks a result that was never produced.
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeCancelled
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Stage identifies where in the synthesis path a failure happened.
type Stage int

const (
	StageNone Stage = iota
	StageVoiceCheck
	StageInferencing
	StageFileWrite
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	switch s {
	case StageVoiceCheck:
		return "voice-check"
	case StageInferencing:
		return "inferencing"
	case StageFileWrite:
		return "file-write"
	default:
		return "none"
	}
}

// Request is a single segment synthesis request. It is owned by the
// scheduler from submission until it reaches a terminal result.
type Request struct {
	// OpID is the playback operation this request belongs to.
	OpID uint64

	// SegmentID uniquely identifies the segment within its document.
	SegmentID string

	// SegmentIndex is the segment's position in reading order.
	SegmentIndex int

	// Text is the normalized segment text.
	Text string

	// VoiceID selects the voice, and through its namespace the backend.
	VoiceID string

	// OutputPath is the destination file. Empty means the cache decides.
	OutputPath string

	// Rate is the playback rate at the time of the request.
	Rate float64

	Priority Priority

	// Retries counts attempts made after the first one.
	Retries int

	cancelled atomic.Bool
}

// Cancel flags the request as cancelled.
func (r *Request) Cancel() {
	r.cancelled.Store(true)
}

// Cancelled reports whether the request was cancelled.
func (r *Request) Cancelled() bool {
	return r.cancelled.Load()
}

// Validate checks the request fields that do not depend on a backend.
func (r *Request) Validate() error {
	switch {
	case r.Text == "":
		return NewError(KindInvalidInput, StageVoiceCheck, "segment text is empty", nil)
	case r.VoiceID == "":
		return NewError(KindInvalidInput, StageVoiceCheck, "voice id is empty", nil)
	case r.Rate < MinRate || r.Rate > MaxRate:
		return NewError(KindInvalidInput, StageVoiceCheck,
			fmt.Sprintf("rate %.2f outside %.1f-%.1f", r.Rate, MinRate, MaxRate), nil)
	}
	return nil
}

// Result is the immutable outcome of a request.
type Result struct {
	Outcome    Outcome
	Path       string
	Duration   time.Duration
	SampleRate int
	Kind       ErrorKind
	Stage      Stage
	Retries    int
	CacheHit   bool
	Err        error
}

// OK reports whether the result carries playable audio.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Succeeded builds a success result.
func Succeeded(path string, duration time.Duration, sampleRate int) Result {
	return Result{
		Outcome:    OutcomeSuccess,
		Path:       path,
		Duration:   duration,
		SampleRate: sampleRate,
	}
}

// Cancelled builds a cancelled result. Cancellation is a normal terminal
// state, so no error is attached.
func Cancelled() Result {
	return Result{Outcome: OutcomeCancelled, Kind: KindCancelled}
}

// Failed builds a result from an error. Cancellation errors produce a
// cancelled result rather than a failure.
func Failed(err error) Result {
	kind := KindOf(err)
	if kind == KindCancelled {
		return Cancelled()
	}

	res := Result{Outcome: OutcomeFailure, Kind: kind, Err: err}
	var se *Error
	if errors.As(err, &se) {
		res.Stage = se.Stage
	}
	return res
}

// Cursor is the playback position supplied by the surrounding app.
type Cursor interface {
	// SegmentIndex returns the index of the segment being played.
	SegmentIndex() int

	// PositionInSegment returns how far playback is into that segment.
	PositionInSegment() time.Duration

	// Rate returns the current playback rate.
	Rate() float64
}

// StaticCursor is a fixed Cursor value.
type StaticCursor struct {
	Index    int
	Position time.Duration
	Speed    float64
}

// SegmentIndex returns the cursor's segment.
func (c StaticCursor) SegmentIndex() int {
	return c.Index
}

// PositionInSegment returns the cursor's offset into its segment.
func (c StaticCursor) PositionInSegment() time.Duration {
	return c.Position
}

// Rate returns the cursor's rate, treating zero as normal speed.
func (c StaticCursor) Rate() float64 {
	if c.Speed <= 0 {
		return 1.0
	}
	return c.Speed
}
