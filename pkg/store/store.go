// Package store defines the persistence layer for chatrelay users and their
// dialogs.
//
// A user is keyed by a platform-qualified ID (see [UserKey]) so that the same
// backend can serve several messaging platforms at once. Each user points at
// exactly one current dialog; a dialog is an ordered list of [Turn] values.
//
// Backends live in sub-packages (postgres, sqlite, memory) and every
// implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUserNotFound is returned when an operation references a user that has not
// been added yet.
var ErrUserNotFound = errors.New("store: user not found")

// ErrDialogNotFound is returned when a dialog ID does not belong to the user.
var ErrDialogNotFound = errors.New("store: dialog not found")

// Turn is one user message and the assistant answer it produced.
type Turn struct {
	User string    `json:"user"`
	Bot  string    `json:"bot"`
	Date time.Time `json:"date"`
}

// User is the persisted state of a single chat participant.
type User struct {
	// ID is the platform-qualified key, e.g. "telegram:12345".
	ID string

	// Platform is the messaging platform the user talks through.
	Platform string

	// ChatID identifies the chat replies are delivered to.
	ChatID string

	Username  string
	FirstName string
	LastName  string

	FirstSeen       time.Time
	LastInteraction time.Time

	// CurrentDialogID is empty until the first dialog is started.
	CurrentDialogID string

	// CurrentChatMode is the key of the active chat mode.
	CurrentChatMode string

	// UsedTokens is the lifetime token counter used for billing.
	UsedTokens int64
}

// NewUser carries the fields needed to register a user.
type NewUser struct {
	ID        string
	Platform  string
	ChatID    string
	Username  string
	FirstName string
	LastName  string

	// ChatMode is the initial chat mode key.
	ChatMode string
}

// Dialog is one conversation session.
type Dialog struct {
	ID        string
	UserID    string
	ChatMode  string
	StartTime time.Time
	Messages  []Turn
}

// Store is the persistence contract consumed by the dialog service.
type Store interface {
	// UserExists reports whether userID has been added.
	UserExists(ctx context.Context, userID string) (bool, error)

	// AddUser registers u. Adding an existing user is a no-op.
	AddUser(ctx context.Context, u NewUser) error

	// GetUser returns the user or [ErrUserNotFound].
	GetUser(ctx context.Context, userID string) (User, error)

	// SetLastInteraction records the time of the user's latest message.
	SetLastInteraction(ctx context.Context, userID string, t time.Time) error

	// SetCurrentChatMode changes the user's active chat mode.
	SetCurrentChatMode(ctx context.Context, userID, mode string) error

	// AddUsedTokens atomically increments the user's token counter.
	AddUsedTokens(ctx context.Context, userID string, n int64) error

	// StartNewDialog creates an empty dialog bound to the user's current chat
	// mode, makes it the current dialog and returns its ID.
	StartNewDialog(ctx context.Context, userID string) (string, error)

	// DialogMessages returns the turns of dialogID. An empty dialogID selects
	// the user's current dialog.
	DialogMessages(ctx context.Context, userID, dialogID string) ([]Turn, error)

	// SetDialogMessages replaces the turns of dialogID. An empty dialogID
	// selects the user's current dialog.
	SetDialogMessages(ctx context.Context, userID, dialogID string, turns []Turn) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// UserKey builds the platform-qualified user ID.
func UserKey(platform, platformUserID string) string {
	return platform + ":" + platformUserID
}

// SplitUserKey is the inverse of [UserKey]. ok is false when key carries no
// platform prefix.
func SplitUserKey(key string) (platform, platformUserID string, ok bool) {
	return strings.Cut(key, ":")
}
