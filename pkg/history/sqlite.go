package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed history backend. Rows hold the same
// rendered lines as the flat-file store, keyed by conversation, so
// retrieval is format-identical across backends.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Conversation scopes stored in the scope column.
const (
	scopePrivate = "private"
	scopeGroup   = "group"
)

// NewSQLiteStore opens (or creates) the history database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set busy_timeout: %w", err)
	}

	s := &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now() },
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		scope      TEXT    NOT NULL CHECK(scope IN ('private', 'group')),
		conv_key   TEXT    NOT NULL,
		line       TEXT    NOT NULL,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(scope, conv_key, id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// SavePrivateMessage stores a rendered private message line.
func (s *SQLiteStore) SavePrivateMessage(from, to, content string) error {
	line := PrivateLine(s.now(), from, to, content)
	return s.insert(scopePrivate, conversationKey(from, to), line)
}

// PrivateHistory returns the stored lines for a private conversation,
// oldest first.
func (s *SQLiteStore) PrivateHistory(user1, user2 string) ([]string, error) {
	return s.selectLines(scopePrivate, conversationKey(user1, user2))
}

// SaveGroupMessage stores a rendered group message line.
func (s *SQLiteStore) SaveGroupMessage(from, group, content string) error {
	line := GroupLine(s.now(), from, group, content)
	return s.insert(scopeGroup, group, line)
}

// GroupHistory returns the stored lines for a group, oldest first.
func (s *SQLiteStore) GroupHistory(group string) ([]string, error) {
	return s.selectLines(scopeGroup, group)
}

// SaveAudioMessage records a private voice note as a reference line.
func (s *SQLiteStore) SaveAudioMessage(from, to, audioID string) error {
	return s.SavePrivateMessage(from, to, AudioRef(audioID))
}

// SaveGroupAudioMessage records a group voice note as a reference line.
func (s *SQLiteStore) SaveGroupAudioMessage(from, group, audioID string) error {
	return s.SaveGroupMessage(from, group, AudioRef(audioID))
}

func (s *SQLiteStore) insert(scope, convKey, line string) error {
	_, err := s.db.Exec(
		"INSERT INTO messages (scope, conv_key, line) VALUES (?, ?, ?)",
		scope, convKey, line,
	)
	if err != nil {
		return fmt.Errorf("history: insert %s line: %w", scope, err)
	}
	return nil
}

func (s *SQLiteStore) selectLines(scope, convKey string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT line FROM messages WHERE scope = ? AND conv_key = ? ORDER BY id",
		scope, convKey,
	)
	if err != nil {
		return nil, fmt.Errorf("history: select %s lines: %w", scope, err)
	}
	defer func() { _ = rows.Close() }()

	lines := []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("history: scan line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate lines: %w", err)
	}
	return lines, nil
}
