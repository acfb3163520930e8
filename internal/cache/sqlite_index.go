package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex persists cache entries in a SQLite database.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLiteIndex opens (or creates) the index database at path.
func OpenSQLiteIndex(ctx context.Context, path string) (*SQLiteIndex, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes transactions and keeps WAL readers simple.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	idx := &SQLiteIndex{db: db}
	if err := idx.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return idx, nil
}

func (s *SQLiteIndex) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS cache_entries (
    key TEXT PRIMARY KEY,
    voice_id TEXT NOT NULL,
    path TEXT NOT NULL,
    size INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    sample_rate INTEGER NOT NULL,
    compressed INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    last_used INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_last_used ON cache_entries(last_used);
CREATE INDEX IF NOT EXISTS idx_cache_entries_voice ON cache_entries(voice_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Load returns every entry in the index.
func (s *SQLiteIndex) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, voice_id, path, size, duration_ms, sample_rate, compressed, created_at, last_used
FROM cache_entries
ORDER BY last_used ASC`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			key               string
			compressed        int
			created, lastUsed int64
		)
		if err := rows.Scan(&key, &e.VoiceID, &e.Path, &e.Size, &e.DurationMs,
			&e.SampleRate, &compressed, &created, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Key = Key(key)
		e.Compressed = compressed != 0
		e.Created = time.Unix(0, created)
		e.LastUsed = time.Unix(0, lastUsed)
		out = append(out, e)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Put(e Entry) error {
	compressed := 0
	if e.Compressed {
		compressed = 1
	}
	_, err := t.tx.ExecContext(t.ctx, `
INSERT INTO cache_entries (key, voice_id, path, size, duration_ms, sample_rate, compressed, created_at, last_used)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    voice_id = excluded.voice_id,
    path = excluded.path,
    size = excluded.size,
    duration_ms = excluded.duration_ms,
    sample_rate = excluded.sample_rate,
    compressed = excluded.compressed,
    created_at = excluded.created_at,
    last_used = excluded.last_used`,
		string(e.Key), e.VoiceID, e.Path, e.Size, e.DurationMs, e.SampleRate,
		compressed, e.Created.UnixNano(), e.LastUsed.UnixNano())
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

func (t *sqliteTx) Delete(key Key) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM cache_entries WHERE key = ?`, string(key)); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Apply runs fn inside a database transaction.
func (s *SQLiteIndex) Apply(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Touch updates the last-used time of key.
func (s *SQLiteIndex) Touch(ctx context.Context, key Key, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET last_used = ? WHERE key = ?`,
		at.UnixNano(), string(key))
	return err
}

// Close releases the database handle.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
