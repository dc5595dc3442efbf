// Package memory provides an in-process [store.Store] backed by maps.
//
// State is lost on restart. It is used when no storage DSN is configured and
// as a fast backend in tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/chatrelay/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is a map-backed [store.Store]. The zero value is not usable; call [New].
type Store struct {
	mu      sync.RWMutex
	users   map[string]*store.User
	dialogs map[string]*store.Dialog
	now     func() time.Time
}

// Option configures a [Store].
type Option func(*Store)

// WithClock overrides the time source used for FirstSeen and StartTime.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		users:   make(map[string]*store.User),
		dialogs: make(map[string]*store.Dialog),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// UserExists implements [store.Store].
func (s *Store) UserExists(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok, nil
}

// AddUser implements [store.Store].
func (s *Store) AddUser(_ context.Context, u store.NewUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return nil
	}
	now := s.now()
	s.users[u.ID] = &store.User{
		ID:              u.ID,
		Platform:        u.Platform,
		ChatID:          u.ChatID,
		Username:        u.Username,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		FirstSeen:       now,
		LastInteraction: now,
		CurrentChatMode: u.ChatMode,
	}
	return nil
}

// GetUser implements [store.Store].
func (s *Store) GetUser(_ context.Context, userID string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return store.User{}, fmt.Errorf("memory store: get user %q: %w", userID, store.ErrUserNotFound)
	}
	return *u, nil
}

// SetLastInteraction implements [store.Store].
func (s *Store) SetLastInteraction(_ context.Context, userID string, t time.Time) error {
	return s.updateUser(userID, func(u *store.User) { u.LastInteraction = t })
}

// SetCurrentChatMode implements [store.Store].
func (s *Store) SetCurrentChatMode(_ context.Context, userID, mode string) error {
	return s.updateUser(userID, func(u *store.User) { u.CurrentChatMode = mode })
}

// AddUsedTokens implements [store.Store].
func (s *Store) AddUsedTokens(_ context.Context, userID string, n int64) error {
	return s.updateUser(userID, func(u *store.User) { u.UsedTokens += n })
}

// StartNewDialog implements [store.Store].
func (s *Store) StartNewDialog(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return "", fmt.Errorf("memory store: start dialog for %q: %w", userID, store.ErrUserNotFound)
	}
	d := &store.Dialog{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChatMode:  u.CurrentChatMode,
		StartTime: s.now(),
	}
	s.dialogs[d.ID] = d
	u.CurrentDialogID = d.ID
	return d.ID, nil
}

// DialogMessages implements [store.Store].
func (s *Store) DialogMessages(_ context.Context, userID, dialogID string) ([]store.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.dialogLocked(userID, dialogID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(d.Messages), nil
}

// SetDialogMessages implements [store.Store].
func (s *Store) SetDialogMessages(_ context.Context, userID, dialogID string, turns []store.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.dialogLocked(userID, dialogID)
	if err != nil {
		return err
	}
	d.Messages = slices.Clone(turns)
	return nil
}

// Dialog returns a copy of a stored dialog. It exists for tests and the
// admin CLI; the dialog service only uses the [store.Store] methods.
func (s *Store) Dialog(dialogID string) (store.Dialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dialogs[dialogID]
	if !ok {
		return store.Dialog{}, false
	}
	out := *d
	out.Messages = slices.Clone(d.Messages)
	return out, true
}

// Ping implements [store.Store].
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store].
func (s *Store) Close() error { return nil }

func (s *Store) updateUser(userID string, fn func(*store.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("memory store: update %q: %w", userID, store.ErrUserNotFound)
	}
	fn(u)
	return nil
}

// dialogLocked resolves dialogID for userID. s.mu must be held.
func (s *Store) dialogLocked(userID, dialogID string) (*store.Dialog, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("memory store: dialog of %q: %w", userID, store.ErrUserNotFound)
	}
	if dialogID == "" {
		dialogID = u.CurrentDialogID
	}
	d, ok := s.dialogs[dialogID]
	if !ok || d.UserID != userID {
		return nil, fmt.Errorf("memory store: dialog %q: %w", dialogID, store.ErrDialogNotFound)
	}
	return d, nil
}
