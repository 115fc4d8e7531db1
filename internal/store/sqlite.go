package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chatrelay/internal/protocol"
)

// migrations holds the ordered schema statements. Index i is version i+1.
// Append new entries; never edit or reorder existing ones.
var migrations = []string{
	// v1 messages
	`CREATE TABLE IF NOT EXISTS messages (
		id                 TEXT PRIMARY KEY,
		room_id            TEXT NOT NULL DEFAULT '',
		sender_id          TEXT NOT NULL DEFAULT '',
		sender_name        TEXT NOT NULL DEFAULT '',
		text               TEXT NOT NULL,
		created_at_unix_ms INTEGER NOT NULL
	)`,
	// v2 history indexes
	`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at_unix_ms DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at_unix_ms)`,
}

// SQLite is the embedded default backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations. ":memory:" gives a private in-process database.
func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			slog.Warn("sqlite WAL mode unavailable", "err", err)
		}
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("sqlite busy_timeout not applied", "err", err)
	}

	st := &SQLite{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// migrate creates schema_migrations if absent and applies every migration
// above the recorded version.
func (s *SQLite) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("sqlite migration applied", "version", v)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// Insert persists one message.
func (s *SQLite) Insert(ctx context.Context, msg protocol.StoredMessage) error {
	const q = `
INSERT INTO messages (id, room_id, sender_id, sender_name, text, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, q,
		msg.ID,
		msg.RoomID,
		msg.SenderID,
		msg.SenderName,
		msg.Text,
		msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FindRecent returns the newest messages, newest first.
func (s *SQLite) FindRecent(ctx context.Context, roomID string, limit int) ([]protocol.StoredMessage, error) {
	const cols = `SELECT id, room_id, sender_id, sender_name, text, created_at_unix_ms FROM messages`
	const order = ` ORDER BY created_at_unix_ms DESC, id DESC LIMIT ?`

	var (
		rows *sql.Rows
		err  error
	)
	if roomID == "" {
		rows, err = s.db.QueryContext(ctx, cols+order, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, cols+` WHERE room_id = ?`+order, roomID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]protocol.StoredMessage, 0, min(limit, DefaultLimit))
	for rows.Next() {
		var (
			m       protocol.StoredMessage
			unixMil int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Text, &unixMil); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(unixMil).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	slog.Debug("messages loaded", "room_id", roomID, "count", len(msgs))
	return msgs, nil
}

// Count returns the number of stored messages.
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLite) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
