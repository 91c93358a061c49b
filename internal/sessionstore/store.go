// Package sessionstore keeps a durable ledger of in-progress resumable
// uploads so an interrupted upload can continue after a restart. Session
// URLs are bearer capabilities; the database file is created owner-only.
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// ErrNotFound is returned when no session is recorded for a key.
var ErrNotFound = errors.New("sessionstore: session not found")

const (
	sqlUpsertSession = `INSERT INTO upload_sessions
		(local_path, object_name, session_url, total_size, offset_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_path, object_name) DO UPDATE SET
		 session_url = excluded.session_url,
		 total_size = excluded.total_size,
		 offset_bytes = excluded.offset_bytes,
		 updated_at = excluded.updated_at`

	sqlGetSession = `SELECT local_path, object_name, session_url, total_size, offset_bytes, created_at, updated_at
		FROM upload_sessions WHERE local_path = ? AND object_name = ?`

	sqlListSessions = `SELECT local_path, object_name, session_url, total_size, offset_bytes, created_at, updated_at
		FROM upload_sessions ORDER BY updated_at DESC`

	sqlUpdateOffset = `UPDATE upload_sessions SET offset_bytes = ?, updated_at = ?
		WHERE local_path = ? AND object_name = ?`

	sqlDeleteSession = `DELETE FROM upload_sessions WHERE local_path = ? AND object_name = ?`

	sqlPurgeBefore = `DELETE FROM upload_sessions WHERE updated_at < ?`
)

// Session is one recorded resumable upload.
type Session struct {
	LocalPath  string
	ObjectName string
	URL        string
	Total      int64
	Offset     int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is the sole writer to the session database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if needed) the SQLite database at dbPath and runs
// migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("sessionstore: creating directory for %s: %w", dbPath, err)
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(dbPath, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionstore: restricting permissions on %s: %w", dbPath, err)
	}

	logger.Debug("session store opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records or replaces the session for (LocalPath, ObjectName).
func (s *Store) Save(ctx context.Context, sess Session) error {
	now := s.nowFunc().UnixNano()

	_, err := s.db.ExecContext(ctx, sqlUpsertSession,
		sess.LocalPath, sess.ObjectName, sess.URL, sess.Total, sess.Offset, now, now)
	if err != nil {
		return fmt.Errorf("sessionstore: saving session for %s: %w", sess.LocalPath, err)
	}

	return nil
}

// Get returns the session for a local file and object name.
func (s *Store) Get(ctx context.Context, localPath, objectName string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sqlGetSession, localPath, objectName)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sessionstore: loading session for %s: %w", localPath, err)
	}

	return sess, nil
}

// List returns all sessions, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, sqlListSessions)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sessionstore: scanning session: %w", err)
		}

		out = append(out, *sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: iterating sessions: %w", err)
	}

	return out, nil
}

// UpdateOffset records upload progress.
func (s *Store) UpdateOffset(ctx context.Context, localPath, objectName string, offset int64) error {
	res, err := s.db.ExecContext(ctx, sqlUpdateOffset, offset, s.nowFunc().UnixNano(), localPath, objectName)
	if err != nil {
		return fmt.Errorf("sessionstore: updating offset for %s: %w", localPath, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessionstore: updating offset for %s: %w", localPath, err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, localPath, objectName string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteSession, localPath, objectName); err != nil {
		return fmt.Errorf("sessionstore: deleting session for %s: %w", localPath, err)
	}

	return nil
}

// PurgeOlderThan deletes sessions not updated within age and returns how
// many were removed. Servers expire idle sessions, so old rows are dead.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.nowFunc().Add(-age).UnixNano()

	res, err := s.db.ExecContext(ctx, sqlPurgeBefore, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sessionstore: purging sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sessionstore: purging sessions: %w", err)
	}

	if n > 0 {
		s.logger.Info("purged stale upload sessions", slog.Int64("count", n))
	}

	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess             Session
		created, updated int64
	)

	if err := sc.Scan(&sess.LocalPath, &sess.ObjectName, &sess.URL, &sess.Total, &sess.Offset,
		&created, &updated); err != nil {
		return nil, err
	}

	sess.CreatedAt = time.Unix(0, created)
	sess.UpdatedAt = time.Unix(0, updated)

	return &sess, nil
}
