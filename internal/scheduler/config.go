package scheduler

import (
	"context"
	"time"

	"github.com/dgnsrekt/speakahead/internal/synth"
)

// Config holds scheduler settings.
type Config struct {
	// Baseline is the initial concurrency limit.
	Baseline int

	// Max is the ceiling SetLimit clamps to.
	Max int

	// MaxRetries bounds timeout and busy retries per request.
	MaxRetries int

	// SynthTimeout bounds a single synthesis attempt.
	SynthTimeout time.Duration

	// RecoveryDelay is the pause after out-of-memory recovery.
	RecoveryDelay time.Duration

	// RetryInitial and RetryMax shape the timeout/busy backoff.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Baseline:      2,
		Max:           4,
		MaxRetries:    1,
		SynthTimeout:  60 * time.Second,
		RecoveryDelay: 250 * time.Millisecond,
		RetryInitial:  200 * time.Millisecond,
		RetryMax:      2 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Max < 1 {
		c.Max = def.Max
	}
	if c.Baseline < 1 {
		c.Baseline = def.Baseline
	}
	if c.Baseline > c.Max {
		c.Baseline = c.Max
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.SynthTimeout <= 0 {
		c.SynthTimeout = def.SynthTimeout
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = def.RetryInitial
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = c.RetryInitial
	}
	return c
}

// Attempt performs one synthesis try for req. It must honour ctx.
type Attempt func(ctx context.Context, req *synth.Request) synth.Result

// Recoverer frees resources after a recoverable failure, before the
// scheduler retries. kind is outOfMemory or runtimeCrash.
type Recoverer interface {
	Recover(ctx context.Context, kind synth.ErrorKind, req *synth.Request) error
}

// Observer receives scheduler events.
type Observer interface {
	ObserveResult(res synth.Result)
	ObserveConcurrency(limit, inFlight int)
	ObserveRetry(kind synth.ErrorKind)
}

type nopObserver struct{}

func (nopObserver) ObserveResult(synth.Result)   {}
func (nopObserver) ObserveConcurrency(int, int)  {}
func (nopObserver) ObserveRetry(synth.ErrorKind) {}
