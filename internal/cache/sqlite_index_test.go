package cache

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteIndex_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")
	ctx := context.Background()

	index, err := OpenSQLiteIndex(ctx, dbPath)
	if err != nil {
		t.Fatalf("OpenSQLiteIndex failed: %v", err)
	}
	s, err := Open(ctx, Config{Dir: dir}, index)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	key := s.KeyFor("piper:amy", "persist me", 1)
	commit(t, s, key, "piper:amy", 42)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	index, err = OpenSQLiteIndex(ctx, dbPath)
	if err != nil {
		t.Fatalf("Reopen index failed: %v", err)
	}
	s, err = Open(ctx, Config{Dir: dir}, index)
	if err != nil {
		t.Fatalf("Reopen store failed: %v", err)
	}
	defer s.Close()

	e, ok := s.Lookup(key)
	if !ok {
		t.Fatal("Entry lost across reopen")
	}
	if e.VoiceID != "piper:amy" || e.Size != 42 || e.SampleRate != 22050 {
		t.Errorf("Unexpected entry after reopen: %+v", e)
	}
	if !s.IsReady(key) {
		t.Error("Entry not ready after reopen")
	}
}

func TestSQLiteIndex_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	index, err := OpenSQLiteIndex(ctx, filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteIndex failed: %v", err)
	}
	defer index.Close()

	err = index.Apply(ctx, func(tx Tx) error {
		if err := tx.Put(Entry{Key: "k", VoiceID: "v", Path: "k.wav"}); err != nil {
			return err
		}
		return context.Canceled
	})
	if err == nil {
		t.Fatal("Expected Apply to return the callback error")
	}

	entries, err := index.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Rolled back transaction left %d entries", len(entries))
	}
}

func TestMemoryIndex_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()

	_ = index.Apply(ctx, func(tx Tx) error {
		tx.Put(Entry{Key: "k"})
		return context.Canceled
	})
	entries, _ := index.Load(ctx)
	if len(entries) != 0 {
		t.Errorf("Rolled back transaction left %d entries", len(entries))
	}
}
