// Package sqlite provides a SQLite-backed [store.Store] for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/MrWong99/chatrelay/pkg/store"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                TEXT PRIMARY KEY,
	platform          TEXT NOT NULL DEFAULT '',
	chat_id           TEXT NOT NULL DEFAULT '',
	username          TEXT NOT NULL DEFAULT '',
	first_name        TEXT NOT NULL DEFAULT '',
	last_name         TEXT NOT NULL DEFAULT '',
	first_seen        INTEGER NOT NULL,
	last_interaction  INTEGER NOT NULL,
	current_dialog_id TEXT NOT NULL DEFAULT '',
	current_chat_mode TEXT NOT NULL DEFAULT 'assistant',
	n_used_tokens     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dialogs (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	chat_mode  TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	messages   TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_dialogs_user_id ON dialogs(user_id);
`

// Store is the SQLite-backed [store.Store].
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, ensuring the parent directory
// exists, and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// UserExists implements [store.Store].
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, userID).Scan(&n); err != nil {
		return false, fmt.Errorf("sqlite store: user exists: %w", err)
	}
	return n > 0, nil
}

// AddUser implements [store.Store].
func (s *Store) AddUser(ctx context.Context, u store.NewUser) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users
			(id, platform, chat_id, username, first_name, last_name, first_seen, last_interaction, current_chat_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Platform, u.ChatID, u.Username, u.FirstName, u.LastName, now, now, u.ChatMode)
	if err != nil {
		return fmt.Errorf("sqlite store: add user: %w", err)
	}
	return nil
}

// GetUser implements [store.Store].
func (s *Store) GetUser(ctx context.Context, userID string) (store.User, error) {
	var (
		u                    store.User
		firstSeen, lastInter int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, platform, chat_id, username, first_name, last_name,
		       first_seen, last_interaction, current_dialog_id, current_chat_mode, n_used_tokens
		FROM users WHERE id = ?`, userID).Scan(
		&u.ID, &u.Platform, &u.ChatID, &u.Username, &u.FirstName, &u.LastName,
		&firstSeen, &lastInter, &u.CurrentDialogID, &u.CurrentChatMode, &u.UsedTokens,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("sqlite store: get user %q: %w", userID, store.ErrUserNotFound)
	}
	if err != nil {
		return store.User{}, fmt.Errorf("sqlite store: get user: %w", err)
	}
	u.FirstSeen = time.Unix(0, firstSeen)
	u.LastInteraction = time.Unix(0, lastInter)
	return u, nil
}

// SetLastInteraction implements [store.Store].
func (s *Store) SetLastInteraction(ctx context.Context, userID string, t time.Time) error {
	return s.execUser(ctx, "set last interaction", `UPDATE users SET last_interaction = ? WHERE id = ?`, t.UnixNano(), userID)
}

// SetCurrentChatMode implements [store.Store].
func (s *Store) SetCurrentChatMode(ctx context.Context, userID, mode string) error {
	return s.execUser(ctx, "set chat mode", `UPDATE users SET current_chat_mode = ? WHERE id = ?`, mode, userID)
}

// AddUsedTokens implements [store.Store].
func (s *Store) AddUsedTokens(ctx context.Context, userID string, n int64) error {
	return s.execUser(ctx, "add used tokens", `UPDATE users SET n_used_tokens = n_used_tokens + ? WHERE id = ?`, n, userID)
}

// StartNewDialog implements [store.Store].
func (s *Store) StartNewDialog(ctx context.Context, userID string) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dialogs (id, user_id, chat_mode, start_time)
		SELECT ?, id, current_chat_mode, ? FROM users WHERE id = ?`,
		id, time.Now().UnixNano(), userID)
	if err != nil {
		return "", fmt.Errorf("sqlite store: insert dialog: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("sqlite store: start dialog for %q: %w", userID, store.ErrUserNotFound)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET current_dialog_id = ? WHERE id = ?`, id, userID); err != nil {
		return "", fmt.Errorf("sqlite store: set current dialog: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite store: commit: %w", err)
	}
	return id, nil
}

// DialogMessages implements [store.Store].
func (s *Store) DialogMessages(ctx context.Context, userID, dialogID string) ([]store.Turn, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT d.messages
		FROM dialogs d JOIN users u ON u.id = d.user_id
		WHERE u.id = ? AND d.id = COALESCE(NULLIF(?, ''), u.current_dialog_id)`,
		userID, dialogID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite store: dialog %q of %q: %w", dialogID, userID, store.ErrDialogNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: dialog messages: %w", err)
	}

	turns := []store.Turn{}
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("sqlite store: decode dialog messages: %w", err)
	}
	return turns, nil
}

// SetDialogMessages implements [store.Store].
func (s *Store) SetDialogMessages(ctx context.Context, userID, dialogID string, turns []store.Turn) error {
	if turns == nil {
		turns = []store.Turn{}
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("sqlite store: encode dialog messages: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE dialogs SET messages = ?
		WHERE user_id = ?
		  AND id = COALESCE(NULLIF(?, ''), (SELECT current_dialog_id FROM users WHERE id = ?))`,
		string(raw), userID, dialogID, userID)
	if err != nil {
		return fmt.Errorf("sqlite store: set dialog messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: dialog %q of %q: %w", dialogID, userID, store.ErrDialogNotFound)
	}
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) execUser(ctx context.Context, action, q string, arg any, userID string) error {
	res, err := s.db.ExecContext(ctx, q, arg, userID)
	if err != nil {
		return fmt.Errorf("sqlite store: %s: %w", action, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: %s %q: %w", action, userID, store.ErrUserNotFound)
	}
	return nil
}
