// Package sqlite persists the client state that must survive process
// restarts: per-room identity and the ledger of already-applied action
// ids.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adwski/headtag/model"

	_ "modernc.org/sqlite"
)

var ErrNoIdentity = errors.New("no identity stored for this room")

const schema = `
CREATE TABLE IF NOT EXISTS identity (
	room_code   TEXT PRIMARY KEY,
	player_id   TEXT NOT NULL,
	player_name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS actions (
	action_id TEXT PRIMARY KEY
);`

// Store is a SQLite-backed key/value set. The actions table is
// append-only: entries are never deleted within or across sessions.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err = sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}
	if _, err = sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveIdentity records the player identity for a room, replacing any
// previous one.
func (s *Store) SaveIdentity(ctx context.Context, id model.Identity) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO identity (room_code, player_id, player_name) VALUES (?, ?, ?)
		 ON CONFLICT(room_code) DO UPDATE SET player_id = excluded.player_id, player_name = excluded.player_name`,
		id.RoomCode, id.PlayerID, id.PlayerName)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// Identity returns the stored identity for roomCode, or ErrNoIdentity.
func (s *Store) Identity(ctx context.Context, roomCode string) (model.Identity, error) {
	id := model.Identity{RoomCode: roomCode}
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT player_id, player_name FROM identity WHERE room_code = ?`, roomCode).
		Scan(&id.PlayerID, &id.PlayerName)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Identity{}, ErrNoIdentity
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	return id, nil
}

// ClearIdentity forgets the identity for roomCode. Clearing an unknown
// room is not an error.
func (s *Store) ClearIdentity(ctx context.Context, roomCode string) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM identity WHERE room_code = ?`, roomCode); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	return nil
}

// RecordAction appends an action id to the ledger. Recording the same
// id again is a no-op.
func (s *Store) RecordAction(ctx context.Context, actionID string) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO actions (action_id) VALUES (?) ON CONFLICT(action_id) DO NOTHING`,
		actionID); err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// HasAction reports whether an action id is already in the ledger.
func (s *Store) HasAction(ctx context.Context, actionID string) (bool, error) {
	var one int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM actions WHERE action_id = ?`, actionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check action: %w", err)
	}
	return true, nil
}
