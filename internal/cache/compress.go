package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Compress replaces the audio file for key with a zstd-compressed copy.
// The encoded file is written to a staging path first; swapping it in,
// removing the original and updating the index happen in one transaction,
// so exactly one representation of the entry exists at any time.
func (s *Store) Compress(ctx context.Context, key Key) error {
	s.mu.Lock()
	e, ok := s.lru.get(key)
	if !ok {
		s.mu.Unlock()
		return ErrCacheMiss
	}
	if e.Compressed {
		s.mu.Unlock()
		return nil
	}
	snapshot := *e
	s.mu.Unlock()

	tmpPath, err := s.TempFileFor(key)
	if err != nil {
		return err
	}
	size, err := s.encodeFile(snapshot.Path, tmpPath)
	if err != nil {
		_ = removeIfExists(tmpPath)
		return fmt.Errorf("compress %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.lru.get(key)
	if !ok || current.Path != snapshot.Path || !current.Created.Equal(snapshot.Created) {
		_ = removeIfExists(tmpPath)
		return ErrEntryChanged
	}

	final := s.pathFor(key, true)
	updated := *current
	updated.Path = final
	updated.Size = size
	updated.Compressed = true

	record := updated
	record.Path = s.relPath(final)
	err = s.index.Apply(ctx, func(tx Tx) error {
		if err := tx.Put(record); err != nil {
			return err
		}
		if err := os.Rename(tmpPath, final); err != nil {
			return err
		}
		return removeIfExists(snapshot.Path)
	})
	if err != nil {
		_ = removeIfExists(tmpPath)
		if _, statErr := os.Stat(snapshot.Path); statErr == nil {
			// Original still in place; the compressed copy must not survive.
			_ = removeIfExists(final)
		}
		return fmt.Errorf("compress %s: %w", key, err)
	}

	s.lru.put(&updated)
	s.lru.touch(key)
	s.observer.ObserveSize(s.lru.size, s.lru.len())
	s.log.Debug("compressed", "key", key, "from", snapshot.Size, "to", size)
	return nil
}

// CompressIdle compresses every uncompressed entry that has not been used
// for at least idle. It returns the number of entries compressed.
func (s *Store) CompressIdle(ctx context.Context, idle time.Duration) (int, error) {
	s.mu.Lock()
	now := s.clock()
	var keys []Key
	for _, e := range s.lru.oldestFirst() {
		if !e.Compressed && now.Sub(e.LastUsed) >= idle {
			keys = append(keys, e.Key)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		err := s.Compress(ctx, key)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrEntryChanged), errors.Is(err, ErrCacheMiss):
			// Replaced or evicted while we were encoding.
		default:
			return n, err
		}
	}
	if n > 0 {
		s.log.Info("compressed idle entries", "count", n)
	}
	return n, nil
}

func (s *Store) encodeFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	enc, err := zstd.NewWriter(out,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(s.cfg.CompressionLevel)))
	if err != nil {
		out.Close()
		return 0, err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, err
	}
	info, err := out.Stat()
	if err != nil {
		out.Close()
		return 0, err
	}
	return info.Size(), out.Close()
}

// OpenAudio returns a reader over the uncompressed audio for key, decoding
// compressed entries transparently.
func (s *Store) OpenAudio(key Key) (io.ReadCloser, error) {
	s.mu.Lock()
	e, ok := s.lru.get(key)
	var path string
	var compressed bool
	if ok {
		path, compressed = e.Path, e.Compressed
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrCacheMiss
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !compressed {
		return f, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &decodedFile{Decoder: dec, file: f}, nil
}

type decodedFile struct {
	*zstd.Decoder
	file *os.File
}

func (d *decodedFile) Close() error {
	d.Decoder.Close()
	return d.file.Close()
}
