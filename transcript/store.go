package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bt-bridge/voicechat/shared"
	_ "modernc.org/sqlite"
)

// Entry is one surfaced caption.
type Entry struct {
	ID       int64
	WebRTCID string
	Kind     string
	Text     string
	// Offset is the caption timestamp inside its turn, in seconds.
	Offset    float64
	CreatedAt time.Time
}

// Session is one negotiated connection.
type Session struct {
	WebRTCID  string
	StartedAt time.Time
	EndedAt   time.Time
}

// Store keeps transcripts in SQLite.
type Store struct {
	db     *sql.DB
	logger shared.LoggerAdapter
	clock  func() time.Time
}

func Open(ctx context.Context, path string, logger shared.LoggerAdapter) (*Store, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, logger: logger, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    webrtc_id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    webrtc_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    text TEXT NOT NULL,
    offset_seconds REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(webrtc_id, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StartSession records a connection. Starting a known session is a no-op.
func (s *Store) StartSession(ctx context.Context, webrtcID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(webrtc_id, started_at) VALUES(?, ?)
		 ON CONFLICT(webrtc_id) DO NOTHING`,
		webrtcID, s.clock().UnixNano())
	return err
}

func (s *Store) EndSession(ctx context.Context, webrtcID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE webrtc_id = ? AND ended_at IS NULL`,
		s.clock().UnixNano(), webrtcID)
	return err
}

func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(webrtc_id, kind, text, offset_seconds, created_at) VALUES(?, ?, ?, ?, ?)`,
		e.WebRTCID, e.Kind, e.Text, e.Offset, e.CreatedAt.UnixNano())
	return err
}

// List returns up to limit entries of a session in arrival order.
func (s *Store) List(ctx context.Context, webrtcID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, webrtc_id, kind, text, offset_seconds, created_at
		 FROM entries WHERE webrtc_id = ? ORDER BY id ASC LIMIT ?`, webrtcID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.WebRTCID, &e.Kind, &e.Text, &e.Offset, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sessions lists recorded sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT webrtc_id, started_at, ended_at FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess    Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sess.WebRTCID, &started, &ended); err != nil {
			return nil, err
		}
		sess.StartedAt = time.Unix(0, started)
		if ended.Valid {
			sess.EndedAt = time.Unix(0, ended.Int64)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
