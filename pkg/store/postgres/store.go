package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/chatrelay/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [store.Store]. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// UserExists implements [store.Store].
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres store: user exists: %w", err)
	}
	return exists, nil
}

// AddUser implements [store.Store].
func (s *Store) AddUser(ctx context.Context, u store.NewUser) error {
	const q = `
		INSERT INTO users (id, platform, chat_id, username, first_name, last_name, current_chat_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, u.ID, u.Platform, u.ChatID, u.Username, u.FirstName, u.LastName, u.ChatMode); err != nil {
		return fmt.Errorf("postgres store: add user: %w", err)
	}
	return nil
}

// GetUser implements [store.Store].
func (s *Store) GetUser(ctx context.Context, userID string) (store.User, error) {
	const q = `
		SELECT id, platform, chat_id, username, first_name, last_name,
		       first_seen, last_interaction, current_dialog_id, current_chat_mode, n_used_tokens
		FROM   users
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return store.User{}, fmt.Errorf("postgres store: get user: %w", err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (store.User, error) {
		var u store.User
		err := row.Scan(
			&u.ID,
			&u.Platform,
			&u.ChatID,
			&u.Username,
			&u.FirstName,
			&u.LastName,
			&u.FirstSeen,
			&u.LastInteraction,
			&u.CurrentDialogID,
			&u.CurrentChatMode,
			&u.UsedTokens,
		)
		return u, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return store.User{}, fmt.Errorf("postgres store: get user %q: %w", userID, store.ErrUserNotFound)
	}
	if err != nil {
		return store.User{}, fmt.Errorf("postgres store: scan user: %w", err)
	}
	return u, nil
}

// SetLastInteraction implements [store.Store].
func (s *Store) SetLastInteraction(ctx context.Context, userID string, t time.Time) error {
	return s.execUser(ctx, "set last interaction", `UPDATE users SET last_interaction = $2 WHERE id = $1`, userID, t)
}

// SetCurrentChatMode implements [store.Store].
func (s *Store) SetCurrentChatMode(ctx context.Context, userID, mode string) error {
	return s.execUser(ctx, "set chat mode", `UPDATE users SET current_chat_mode = $2 WHERE id = $1`, userID, mode)
}

// AddUsedTokens implements [store.Store]. The increment happens in SQL so
// concurrent callers never lose an update.
func (s *Store) AddUsedTokens(ctx context.Context, userID string, n int64) error {
	return s.execUser(ctx, "add used tokens", `UPDATE users SET n_used_tokens = n_used_tokens + $2 WHERE id = $1`, userID, n)
}

// StartNewDialog implements [store.Store].
func (s *Store) StartNewDialog(ctx context.Context, userID string) (string, error) {
	id := uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO dialogs (id, user_id, chat_mode)
		SELECT $1, id, current_chat_mode FROM users WHERE id = $2`, id, userID)
	if err != nil {
		return "", fmt.Errorf("postgres store: insert dialog: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("postgres store: start dialog for %q: %w", userID, store.ErrUserNotFound)
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET current_dialog_id = $2 WHERE id = $1`, userID, id); err != nil {
		return "", fmt.Errorf("postgres store: set current dialog: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres store: commit: %w", err)
	}
	return id, nil
}

// DialogMessages implements [store.Store].
func (s *Store) DialogMessages(ctx context.Context, userID, dialogID string) ([]store.Turn, error) {
	const q = `
		SELECT d.messages
		FROM   dialogs d
		JOIN   users u ON u.id = d.user_id
		WHERE  u.id = $1
		  AND  d.id::text = COALESCE(NULLIF($2, ''), u.current_dialog_id)`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, userID, dialogID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: dialog %q of %q: %w", dialogID, userID, store.ErrDialogNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: dialog messages: %w", err)
	}

	turns := []store.Turn{}
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("postgres store: decode dialog messages: %w", err)
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
		return fmt.Errorf("postgres store: encode dialog messages: %w", err)
	}

	const q = `
		UPDATE dialogs d
		SET    messages = $3
		FROM   users u
		WHERE  u.id = d.user_id
		  AND  u.id = $1
		  AND  d.id::text = COALESCE(NULLIF($2, ''), u.current_dialog_id)`

	tag, err := s.pool.Exec(ctx, q, userID, dialogID, raw)
	if err != nil {
		return fmt.Errorf("postgres store: set dialog messages: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: dialog %q of %q: %w", dialogID, userID, store.ErrDialogNotFound)
	}
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) execUser(ctx context.Context, action, q string, userID string, arg any) error {
	tag, err := s.pool.Exec(ctx, q, userID, arg)
	if err != nil {
		return fmt.Errorf("postgres store: %s: %w", action, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: %s %q: %w", action, userID, store.ErrUserNotFound)
	}
	return nil
}
