package cache

import (
	"errors"
	"time"
)

// Common errors for cache operations
var (
	// ErrCacheMiss is returned when a key has no committed entry
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheClosed is returned when the store has been closed
	ErrCacheClosed = errors.New("cache is closed")

	// ErrEntryChanged is returned when an entry was replaced while a
	// background operation was working on it
	ErrEntryChanged = errors.New("cache entry changed concurrently")
)

// Key is the content address of a synthesized segment.
type Key string

// String returns the key as a string.
func (k Key) String() string {
	return string(k)
}

// Entry is the index record for one committed audio file.
type Entry struct {
	Key        Key
	VoiceID    string
	Path       string // Absolute path in the store; relative in the index
	Size       int64  // Size on disk in bytes
	DurationMs int64
	SampleRate int
	Compressed bool
	Created    time.Time
	LastUsed   time.Time
}

// Duration returns the audio duration of the entry.
func (e Entry) Duration() time.Duration {
	return time.Duration(e.DurationMs) * time.Millisecond
}

// CommitMeta describes audio produced by a backend that is about to be
// committed into the cache.
type CommitMeta struct {
	VoiceID    string
	DurationMs int64
	SampleRate int
}

// Stats holds cache performance metrics
type Stats struct {
	// Current state
	Entries    int
	Bytes      int64
	Compressed int

	// Performance metrics
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64

	// Timing
	LastPrune time.Time
}

// Config holds configuration for the audio store
type Config struct {
	Dir string // Directory for audio files

	// Eviction
	Budget int64         // Byte budget enforced by the janitor, 0 disables
	MaxAge time.Duration // Entries created earlier than this are evicted first, 0 disables

	// Compression
	CompressAfter    time.Duration // Idle time before automatic compression, 0 disables
	CompressionLevel int           // Zstd compression level (1-22, default 3)

	// Janitor
	CleanupInterval time.Duration // How often to prune and compress, 0 disables

	RatePolicy RatePolicy
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		Budget:           512 * 1024 * 1024, // 512MB
		MaxAge:           30 * 24 * time.Hour,
		CompressAfter:    0,
		CompressionLevel: 3, // Balanced compression
		CleanupInterval:  10 * time.Minute,
		RatePolicy:       RatePolicyPlayback,
	}
}

// Observer receives cache events, typically for metrics.
type Observer interface {
	ObserveLookup(hit bool)
	ObserveEviction(n int)
	ObserveSize(bytes int64, entries int)
}

type nopObserver struct{}

func (nopObserver) ObserveLookup(bool)     {}
func (nopObserver) ObserveEviction(int)    {}
func (nopObserver) ObserveSize(int64, int) {}
