// Package checkpoint keeps a run's progress ledger in SQLite: the remote
// sync cursor and the set of completed uploads. The ledger lets a
// restarted run skip work that already reached remote storage.
//
// The ledger is an accelerator, not a source of truth. Losing it costs a
// re-sync from the remote cursor and re-hashing of files; it never loses
// data, because the persistent log is authoritative.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoCursor is returned when no sync cursor was recorded for the run.
var ErrNoCursor = errors.New("no sync cursor recorded")

// Store manages the ledger database in WAL mode.
type Store struct {
	db *sql.DB
}

// Upload is one completed file transfer.
type Upload struct {
	RunID       string
	Digest      string
	Destination string
	Size        int64
	UploadedAt  time.Time
}

// Open opens (or creates) the ledger at path and initializes the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_cursors (
		run_id     TEXT PRIMARY KEY,
		end_offset INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS uploads (
		run_id      TEXT NOT NULL,
		digest      TEXT NOT NULL,
		destination TEXT NOT NULL,
		size        INTEGER NOT NULL,
		uploaded_at TEXT NOT NULL,
		PRIMARY KEY (run_id, digest)
	);
	CREATE INDEX IF NOT EXISTS idx_uploads_destination ON uploads(run_id, destination);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SyncCursor returns the recorded sync cursor of runID.
func (s *Store) SyncCursor(ctx context.Context, runID string) (int64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx,
		`SELECT end_offset FROM sync_cursors WHERE run_id = ?`, runID,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoCursor
	}
	if err != nil {
		return 0, fmt.Errorf("read sync cursor: %w", err)
	}
	return offset, nil
}

// SetSyncCursor records the sync cursor of runID. The stored cursor never
// moves backwards.
func (s *Store) SetSyncCursor(ctx context.Context, runID string, offset int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sync_cursors (run_id, end_offset, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(run_id) DO UPDATE SET
			   end_offset = MAX(end_offset, excluded.end_offset),
			   updated_at = excluded.updated_at`,
			runID, offset, now,
		)
		return err
	})
}

// Uploaded reports whether content with digest was already uploaded for runID.
func (s *Store) Uploaded(ctx context.Context, runID, digest string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM uploads WHERE run_id = ? AND digest = ?`, runID, digest,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query upload: %w", err)
	}
	return n > 0, nil
}

// RecordUpload marks an upload complete. Recording the same digest twice
// keeps the first destination.
func (s *Store) RecordUpload(ctx context.Context, u Upload) error {
	if u.UploadedAt.IsZero() {
		u.UploadedAt = time.Now()
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO uploads (run_id, digest, destination, size, uploaded_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, digest) DO NOTHING`,
			u.RunID, u.Digest, u.Destination, u.Size, u.UploadedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// Uploads lists the completed uploads of runID ordered by destination.
func (s *Store) Uploads(ctx context.Context, runID string) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, digest, destination, size, uploaded_at FROM uploads
		 WHERE run_id = ? ORDER BY destination`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		var u Upload
		var ts string
		if err := rows.Scan(&u.RunID, &u.Digest, &u.Destination, &u.Size, &ts); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		u.UploadedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, u)
	}
	return out, rows.Err()
}

// ForRun binds the ledger to one run.
func (s *Store) ForRun(runID string) *RunLedger {
	return &RunLedger{store: s, runID: runID}
}

// RunLedger is the ledger of a single run.
type RunLedger struct {
	store *Store
	runID string
}

// SyncCursor returns the run's recorded sync cursor.
func (l *RunLedger) SyncCursor(ctx context.Context) (int64, error) {
	return l.store.SyncCursor(ctx, l.runID)
}

// SetSyncCursor records the run's sync cursor.
func (l *RunLedger) SetSyncCursor(ctx context.Context, offset int64) error {
	return l.store.SetSyncCursor(ctx, l.runID, offset)
}

// Uploaded reports whether digest was uploaded for the run.
func (l *RunLedger) Uploaded(ctx context.Context, digest string) (bool, error) {
	return l.store.Uploaded(ctx, l.runID, digest)
}

// RecordUpload marks digest uploaded to destination.
func (l *RunLedger) RecordUpload(ctx context.Context, digest, destination string, size int64) error {
	return l.store.RecordUpload(ctx, Upload{RunID: l.runID, Digest: digest, Destination: destination, Size: size})
}
