// Package postgres provides a PostgreSQL-backed [store.Store].
//
// Users and dialogs live in two tables sharing a single [pgxpool.Pool]. Dialog
// turns are stored as a JSONB array so a dialog round-trips in one row.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id                 TEXT         PRIMARY KEY,
    platform           TEXT         NOT NULL DEFAULT '',
    chat_id            TEXT         NOT NULL DEFAULT '',
    username           TEXT         NOT NULL DEFAULT '',
    first_name         TEXT         NOT NULL DEFAULT '',
    last_name          TEXT         NOT NULL DEFAULT '',
    first_seen         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_interaction   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    current_dialog_id  TEXT         NOT NULL DEFAULT '',
    current_chat_mode  TEXT         NOT NULL DEFAULT 'assistant',
    n_used_tokens      BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_users_username ON users (username);
`

const ddlDialogs = `
CREATE TABLE IF NOT EXISTS dialogs (
    id          UUID         PRIMARY KEY,
    user_id     TEXT         NOT NULL REFERENCES users (id) ON DELETE CASCADE,
    chat_mode   TEXT         NOT NULL,
    start_time  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    messages    JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_dialogs_user_id ON dialogs (user_id);
`

// Migrate creates the users and dialogs tables if they do not exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlUsers, ddlDialogs} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
