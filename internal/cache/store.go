package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dgnsrekt/speakahead/internal/synth"
)

const (
	audioExt      = ".wav"
	compressedExt = ".wav.zst"
	tempExt       = ".tmp"
)

// Store is the content-addressed audio cache. Lookups are served from an
// in-memory recency list that mirrors the persistent Index.
type Store struct {
	dir   string
	cfg   Config
	index Index

	mu     sync.Mutex
	lru    *recency
	closed bool

	// Metrics
	stats    Stats
	observer Observer

	// Janitor
	cleanupStop chan struct{}
	cleanupWg   sync.WaitGroup

	log   *log.Logger
	clock func() time.Time
}

// Open opens the store rooted at cfg.Dir. Leftover temp files are removed
// and the index is reconciled with the files on disk before the store is
// returned.
func Open(ctx context.Context, cfg Config, index Index) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if index == nil {
		index = NewMemoryIndex()
	}
	if cfg.RatePolicy == "" {
		cfg.RatePolicy = RatePolicyPlayback
	}
	if cfg.CompressionLevel <= 0 {
		cfg.CompressionLevel = 3
	}

	s := &Store{
		dir:         cfg.Dir,
		cfg:         cfg,
		index:       index,
		lru:         newRecency(),
		observer:    nopObserver{},
		cleanupStop: make(chan struct{}),
		log:         log.WithPrefix("cache"),
		clock:       time.Now,
	}

	if err := s.recover(ctx); err != nil {
		return nil, fmt.Errorf("recover cache: %w", err)
	}

	return s, nil
}

// SetObserver installs an observer for cache events.
func (s *Store) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
	s.observer.ObserveSize(s.lru.size, s.lru.len())
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// RatePolicy returns the policy the store's keys are minted under.
func (s *Store) RatePolicy() RatePolicy {
	return s.cfg.RatePolicy
}

// KeyFor returns the key for a segment under the store's rate policy.
func (s *Store) KeyFor(voiceID, text string, rate float64) Key {
	return KeyFor(s.cfg.RatePolicy, voiceID, text, rate)
}

// recover removes temp files, drops index entries whose file is gone and
// deletes audio files the index does not know about.
func (s *Store) recover(ctx context.Context) error {
	entries, err := s.index.Load(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(entries))
	var missing []Key

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastUsed.Before(entries[j].LastUsed)
	})
	for i := range entries {
		e := entries[i]
		e.Path = s.absPath(e.Path)
		info, err := os.Stat(e.Path)
		if err != nil {
			missing = append(missing, e.Key)
			continue
		}
		e.Size = info.Size()
		known[e.Path] = struct{}{}
		s.lru.put(&e)
	}

	if len(missing) > 0 {
		err := s.index.Apply(ctx, func(tx Tx) error {
			for _, key := range missing {
				if err := tx.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.log.Warn("dropped index entries without files", "count", len(missing))
	}

	var swept, orphans int
	err = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.dir && !isShardDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Dir(path) == s.dir {
			return nil
		}

		name := d.Name()
		switch {
		case strings.HasSuffix(name, tempExt):
			swept++
			return removeIfExists(path)
		case strings.HasSuffix(name, audioExt), strings.HasSuffix(name, compressedExt):
			if _, ok := known[path]; !ok {
				orphans++
				return removeIfExists(path)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if swept > 0 || orphans > 0 {
		s.log.Info("cache recovered", "temp_files", swept, "orphans", orphans)
	}
	s.log.Debug("cache opened", "dir", s.dir, "entries", s.lru.len(), "bytes", s.lru.size)
	return nil
}

func isShardDir(name string) bool {
	if len(name) != 2 {
		return false
	}
	for _, c := range name {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) shardDir(key Key) string {
	k := string(key)
	if len(k) < 2 {
		return filepath.Join(s.dir, "00")
	}
	return filepath.Join(s.dir, k[:2])
}

func (s *Store) pathFor(key Key, compressed bool) string {
	ext := audioExt
	if compressed {
		ext = compressedExt
	}
	return filepath.Join(s.shardDir(key), string(key)+ext)
}

func (s *Store) relPath(path string) string {
	if rel, err := filepath.Rel(s.dir, path); err == nil {
		return rel
	}
	return path
}

func (s *Store) absPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.dir, path)
}

// IsReady reports whether a committed file exists for key. An entry whose
// file has vanished underneath the store is dropped.
func (s *Store) IsReady(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.get(key)
	if !ok {
		s.stats.Misses++
		s.observer.ObserveLookup(false)
		return false
	}

	if _, err := os.Stat(e.Path); err != nil {
		s.log.Warn("cached file missing, dropping entry", "key", key, "path", e.Path)
		err := s.index.Apply(context.Background(), func(tx Tx) error {
			return tx.Delete(key)
		})
		if err != nil {
			// The row is dropped again by recovery on the next open.
			s.log.Warn("failed to drop index entry", "key", key, "error", err)
		}
		s.lru.remove(key)
		s.stats.Misses++
		s.observer.ObserveLookup(false)
		s.observer.ObserveSize(s.lru.size, s.lru.len())
		return false
	}

	s.stats.Hits++
	s.observer.ObserveLookup(true)
	return true
}

// Lookup returns a copy of the committed entry for key.
func (s *Store) Lookup(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.get(key)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// FileFor returns the path of the committed file for key, or the
// deterministic path it will be committed to. The shard directory is
// created on demand.
func (s *Store) FileFor(key Key) (string, error) {
	s.mu.Lock()
	var path string
	if e, ok := s.lru.get(key); ok {
		path = e.Path
	}
	s.mu.Unlock()
	if path != "" {
		return path, nil
	}

	if err := os.MkdirAll(s.shardDir(key), 0o755); err != nil {
		return "", fmt.Errorf("failed to create shard directory: %w", err)
	}
	return s.pathFor(key, false), nil
}

// TempFileFor returns a unique staging path for key on the same file
// system as the final path. Nothing is visible to lookups until Commit.
func (s *Store) TempFileFor(key Key) (string, error) {
	if err := os.MkdirAll(s.shardDir(key), 0o755); err != nil {
		return "", fmt.Errorf("failed to create shard directory: %w", err)
	}
	name := fmt.Sprintf("%s.%s%s", key, uuid.NewString(), tempExt)
	return filepath.Join(s.shardDir(key), name), nil
}

// Commit moves a fully written staging file into place and records it in
// the index. The rename happens inside the index transaction: if either
// fails neither is applied and the staging file is removed.
func (s *Store) Commit(ctx context.Context, key Key, meta CommitMeta, tmpPath string) (Entry, error) {
	info, err := os.Stat(tmpPath)
	if err != nil {
		return Entry{}, synth.NewError(synth.KindFileWrite, synth.StageFileWrite,
			"staged audio file is missing", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		_ = removeIfExists(tmpPath)
		return Entry{}, ErrCacheClosed
	}

	now := s.clock()
	final := s.pathFor(key, false)
	entry := Entry{
		Key:        key,
		VoiceID:    meta.VoiceID,
		Path:       final,
		Size:       info.Size(),
		DurationMs: meta.DurationMs,
		SampleRate: meta.SampleRate,
		Created:    now,
		LastUsed:   now,
	}

	var stale string
	if old, ok := s.lru.get(key); ok && old.Path != final {
		stale = old.Path
	}

	record := entry
	record.Path = s.relPath(final)
	err = s.index.Apply(ctx, func(tx Tx) error {
		if err := tx.Put(record); err != nil {
			return err
		}
		if err := os.Rename(tmpPath, final); err != nil {
			return err
		}
		if stale != "" {
			return removeIfExists(stale)
		}
		return nil
	})
	if err != nil {
		_ = removeIfExists(tmpPath)
		if _, statErr := os.Stat(final); statErr == nil {
			if _, ok := s.lru.get(key); !ok || stale != "" {
				// The rename landed but the index did not; take the file back out.
				_ = removeIfExists(final)
			}
		}
		return Entry{}, synth.NewError(synth.KindFileWrite, synth.StageFileWrite,
			"failed to commit audio to cache", err)
	}

	s.lru.put(&entry)
	s.observer.ObserveSize(s.lru.size, s.lru.len())
	s.log.Debug("committed", "key", key, "voice", meta.VoiceID, "bytes", entry.Size)
	return entry, nil
}

// MarkUsed refreshes the recency of key.
func (s *Store) MarkUsed(key Key) {
	s.mu.Lock()
	e, ok := s.lru.get(key)
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.clock()
	e.LastUsed = now
	s.lru.touch(key)
	s.mu.Unlock()

	if err := s.index.Touch(context.Background(), key, now); err != nil {
		s.log.Debug("failed to persist last-used time", "key", key, "error", err)
	}
}

// PruneToFit evicts entries until the cache holds at most budget bytes.
// Entries older than the configured maximum age go first regardless of
// budget, then entries in least-recently-used order. It returns the number
// of entries evicted.
func (s *Store) PruneToFit(ctx context.Context, budget int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrCacheClosed
	}

	now := s.clock()
	var victims []*Entry
	chosen := make(map[Key]struct{})
	remaining := s.lru.size

	candidates := s.lru.oldestFirst()
	if s.cfg.MaxAge > 0 {
		for _, e := range candidates {
			if now.Sub(e.Created) > s.cfg.MaxAge {
				victims = append(victims, e)
				chosen[e.Key] = struct{}{}
				remaining -= e.Size
			}
		}
	}
	if budget >= 0 {
		for _, e := range candidates {
			if remaining <= budget {
				break
			}
			if _, ok := chosen[e.Key]; ok {
				continue
			}
			victims = append(victims, e)
			chosen[e.Key] = struct{}{}
			remaining -= e.Size
		}
	}

	evicted := 0
	for _, e := range victims {
		if err := ctx.Err(); err != nil {
			s.finishPrune(evicted)
			return evicted, err
		}
		if err := s.dropLocked(ctx, e); err != nil {
			s.finishPrune(evicted)
			return evicted, fmt.Errorf("evict %s: %w", e.Key, err)
		}
		evicted++
	}

	s.finishPrune(evicted)
	if evicted > 0 {
		s.log.Info("pruned cache", "evicted", evicted, "bytes", s.lru.size, "budget", budget)
	}
	return evicted, nil
}

func (s *Store) finishPrune(evicted int) {
	s.stats.Evictions += int64(evicted)
	s.stats.LastPrune = s.clock()
	s.observer.ObserveEviction(evicted)
	s.observer.ObserveSize(s.lru.size, s.lru.len())
}

// dropLocked removes one entry's file and index row in a single
// transaction. s.mu must be held.
func (s *Store) dropLocked(ctx context.Context, e *Entry) error {
	err := s.index.Apply(ctx, func(tx Tx) error {
		if err := tx.Delete(e.Key); err != nil {
			return err
		}
		return removeIfExists(e.Path)
	})
	if err != nil {
		if _, statErr := os.Stat(e.Path); !errors.Is(statErr, fs.ErrNotExist) {
			return err
		}
		// File is gone even though the index write failed; reconciliation
		// on the next open removes the stale row.
	}
	s.lru.remove(e.Key)
	return nil
}

// Invalidate removes the entry for key, if any.
func (s *Store) Invalidate(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.get(key)
	if !ok {
		return nil
	}
	if err := s.dropLocked(ctx, e); err != nil {
		return err
	}
	s.observer.ObserveSize(s.lru.size, s.lru.len())
	return nil
}

// InvalidateVoice removes every entry synthesized with voiceID.
func (s *Store) InvalidateVoice(ctx context.Context, voiceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.lru.oldestFirst() {
		if e.VoiceID != voiceID {
			continue
		}
		if err := s.dropLocked(ctx, e); err != nil {
			s.observer.ObserveSize(s.lru.size, s.lru.len())
			return n, err
		}
		n++
	}
	s.observer.ObserveSize(s.lru.size, s.lru.len())
	if n > 0 {
		s.log.Info("invalidated voice", "voice", voiceID, "entries", n)
	}
	return n, nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.lru.oldestFirst() {
		if err := s.dropLocked(ctx, e); err != nil {
			s.observer.ObserveSize(s.lru.size, s.lru.len())
			return err
		}
	}
	s.observer.ObserveSize(0, 0)
	return nil
}

// Stats returns current cache statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Entries = s.lru.len()
	stats.Bytes = s.lru.size
	for _, e := range s.lru.items {
		if e.Value.(*Entry).Compressed {
			stats.Compressed++
		}
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close stops the janitor and closes the index.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.cleanupStop)
	s.cleanupWg.Wait()

	return s.index.Close()
}
