package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pipeline-runtime/internal/cachekey"
)

// sqliteTier is the persistent L2 tier. Every row carries a SHA-256 checksum
// of its value; a mismatch on read is corruption and is reported to the
// caller, never returned as data.
type sqliteTier struct {
	db *sql.DB
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key           TEXT PRIMARY KEY,
	value         BLOB NOT NULL,
	checksum      TEXT NOT NULL,
	size          INTEGER NOT NULL,
	created_at    DATETIME NOT NULL,
	last_accessed DATETIME NOT NULL,
	written_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_last_accessed ON cache_entries(last_accessed);
`

func openSQLiteTier(ctx context.Context, dsn string) (*sqliteTier, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "cache: open l2")
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers; sqlite is single-writer anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "cache: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteMigration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "cache: migrate l2")
	}
	return &sqliteTier{db: db}, nil
}

// Get fetches the value for key. The second return distinguishes a clean
// miss from a hit; corrupt reports a checksum mismatch, in which case the
// offending row has been deleted and the result is a miss.
func (t *sqliteTier) Get(ctx context.Context, key string, now time.Time) (value []byte, ok bool, corrupt bool, err error) {
	var checksum string
	err = t.db.QueryRowContext(ctx,
		`SELECT value, checksum FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &checksum)
	if err == sql.ErrNoRows {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, eris.Wrap(err, "cache: l2 get")
	}

	if cachekey.HashBytes(value) != checksum {
		// Corrupt row: drop it so the next write starts clean.
		if _, delErr := t.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); delErr != nil {
			return nil, false, true, eris.Wrap(delErr, "cache: delete corrupt entry")
		}
		return nil, false, true, nil
	}

	_, err = t.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_accessed = ? WHERE key = ?`, now.UTC(), key)
	if err != nil {
		return nil, false, false, eris.Wrap(err, "cache: touch entry")
	}
	return value, true, false, nil
}

// Put upserts key with a monotonic write stamp. Last writer wins: the row is
// only replaced when the incoming stamp is not older than the stored one, so
// two concurrent writers settle deterministically by stamp.
func (t *sqliteTier) Put(ctx context.Context, key string, value []byte, now time.Time, writeStamp int64) error {
	checksum := cachekey.HashBytes(value)
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, checksum, size, created_at, last_accessed, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			checksum = excluded.checksum,
			size = excluded.size,
			last_accessed = excluded.last_accessed,
			written_at = excluded.written_at
		WHERE excluded.written_at >= cache_entries.written_at`,
		key, value, checksum, len(value), now.UTC(), now.UTC(), writeStamp,
	)
	return eris.Wrap(err, "cache: l2 put")
}

// Len returns the number of persisted entries.
func (t *sqliteTier) Len(ctx context.Context) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	return n, eris.Wrap(err, "cache: l2 count")
}

// Flush forces the WAL into the main database file.
func (t *sqliteTier) Flush(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return eris.Wrap(err, "cache: flush l2")
}

func (t *sqliteTier) Close() error {
	return eris.Wrap(t.db.Close(), "cache: close l2")
}

// corruptRow overwrites the stored value without updating the checksum.
// Test hook for exercising corruption recovery.
func (t *sqliteTier) corruptRow(ctx context.Context, key string, garbage []byte) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE cache_entries SET value = ? WHERE key = ?`, garbage, key)
	return eris.Wrap(err, "cache: corrupt row")
}
