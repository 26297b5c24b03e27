package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the transcript in a sqlite table. Message indexes are
// zero-based positions ordered by row id.
type SQLiteStore struct {
	db *sql.DB
	*Broadcaster
}

// OpenSQLite opens (and migrates) a sqlite transcript. Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection, so a ":memory:" database is shared by every query.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, Broadcaster: NewBroadcaster()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			author TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			is_user INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Messages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT author, body, is_user, created_at FROM messages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			isUser  int
			created string
		)
		if err := rows.Scan(&m.Author, &m.Body, &isUser, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsUser = isUser != 0
		m.Time, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Append(ctx context.Context, msg Message) (int, error) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	isUser := 0
	if msg.IsUser {
		isUser = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (author, body, is_user, created_at) VALUES (?, ?, ?, ?)`,
		msg.Author, msg.Body, isUser, msg.Time.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	var idx int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) - 1 FROM messages WHERE id <= ?`, id).Scan(&idx); err != nil {
		return 0, fmt.Errorf("locate message: %w", err)
	}
	s.Publish(Change{Op: OpAppend, Index: idx, Len: idx + 1})
	return idx, nil
}

func (s *SQLiteStore) Replace(ctx context.Context, index int, body string) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = ? WHERE id = (SELECT id FROM messages ORDER BY id LIMIT 1 OFFSET ?)`,
		body, index)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	n, err := s.Len(ctx)
	if err != nil {
		return err
	}
	s.Publish(Change{Op: OpReplace, Index: index, Len: n})
	return nil
}
