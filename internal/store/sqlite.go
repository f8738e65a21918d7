// Package store is the sqlite persistence owned by the database worker.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"workerbus/internal/domain"
	"workerbus/internal/rpc"
)

var ErrNotFound = rpc.NewCodedError("not_found", "not found")

// Open opens the sqlite file at path and creates the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS notes (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL,
  body TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id, created_at);
CREATE TABLE IF NOT EXISTS notifications (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL,
  body TEXT NOT NULL DEFAULT '',
  read INTEGER NOT NULL DEFAULT 0,
  expires_at INTEGER,
  created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, read);
CREATE INDEX IF NOT EXISTS idx_notifications_expiry ON notifications(expires_at) WHERE expires_at IS NOT NULL;
CREATE TABLE IF NOT EXISTS exports (
  job_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('pending','running','done','failed','cancelled')),
  path TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  notes INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exports_user ON exports(user_id, created_at);
`
	_, err := db.Exec(schema)
	return err
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateNote(ctx context.Context, userID, title, body string) (domain.Note, error) {
	now := s.now()
	n := domain.Note{
		ID:        "note_" + uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notes (id,user_id,title,body,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Title, n.Body, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return domain.Note{}, err
	}
	return n, nil
}

func (s *Store) GetNote(ctx context.Context, userID, id string) (domain.Note, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,user_id,title,body,created_at,updated_at FROM notes WHERE id=? AND user_id=?`, id, userID)
	var n domain.Note
	if err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.CreatedAt, &n.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Note{}, fmt.Errorf("note %s: %w", id, ErrNotFound)
		}
		return domain.Note{}, err
	}
	return n, nil
}

func (s *Store) ListNotes(ctx context.Context, userID string) ([]domain.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,user_id,title,body,created_at,updated_at FROM notes WHERE user_id=? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := []domain.Note{}
	for rows.Next() {
		var n domain.Note
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// ListNoteIDs returns the ids of a user's notes in creation order.
func (s *Store) ListNoteIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM notes WHERE user_id=? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteNote(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notes WHERE id=? AND user_id=?", id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	n.ID = "ntf_" + uuid.NewString()
	n.CreatedAt = s.now()
	n.Read = false
	var expires sql.NullInt64
	if n.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: n.ExpiresAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notifications (id,user_id,title,body,read,expires_at,created_at) VALUES (?,?,?,?,0,?,?)`,
		n.ID, n.UserID, n.Title, n.Body, expires, n.CreatedAt)
	if err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

// ListNotifications returns a user's live notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]domain.Notification, error) {
	q := `
SELECT id,user_id,title,body,read,expires_at,created_at FROM notifications
WHERE user_id=? AND (expires_at IS NULL OR expires_at > ?)`
	if unreadOnly {
		q += " AND read=0"
	}
	q += " ORDER BY created_at DESC, id"

	rows, err := s.db.QueryContext(ctx, q, userID, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Notification{}
	for rows.Next() {
		var (
			n       domain.Notification
			read    int
			expires sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &read, &expires, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Read = read != 0
		if expires.Valid {
			t := time.UnixMilli(expires.Int64).UTC()
			n.ExpiresAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET read=1 WHERE id=? AND user_id=?", id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// PurgeExpiredNotifications deletes notifications past their expiry and
// reports how many were removed.
func (s *Store) PurgeExpiredNotifications(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecordExport inserts or updates the trace of one export job.
func (s *Store) RecordExport(ctx context.Context, rec domain.ExportRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exports (job_id,user_id,state,path,message,notes,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET state=excluded.state, path=excluded.path, message=excluded.message, notes=excluded.notes`,
		rec.JobID, rec.UserID, rec.State, rec.Path, rec.Message, rec.Notes, rec.CreatedAt)
	return err
}

func (s *Store) ListExports(ctx context.Context, userID string, limit int) ([]domain.ExportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id,user_id,state,path,message,notes,created_at FROM exports
WHERE user_id=? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ExportRecord{}
	for rows.Next() {
		var r domain.ExportRecord
		if err := rows.Scan(&r.JobID, &r.UserID, &r.State, &r.Path, &r.Message, &r.Notes, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
