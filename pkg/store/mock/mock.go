// Package mock provides a call-recording test double for [store.Store].
//
// The mock delegates to an in-memory store so that state behaves realistically,
// records every method call for assertion, and lets tests inject errors per
// method. It is safe for concurrent use.
//
// Typical usage:
//
//	s := mock.New()
//	s.AddUsedTokensErr = errors.New("db down")
//
//	// inject s into the system under test …
//
//	if got := s.CallCount("StartNewDialog"); got != 1 {
//	    t.Errorf("expected 1 StartNewDialog call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/chatrelay/pkg/store"
	"github.com/MrWong99/chatrelay/pkg/store/memory"
)

var _ store.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [store.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call
	inner *memory.Store

	// Error injection. A non-nil value is returned instead of delegating.
	GetUserErr           error
	AddUsedTokensErr     error
	StartNewDialogErr    error
	DialogMessagesErr    error
	SetDialogMessagesErr error
	PingErr              error
}

// New returns an empty mock. opts are passed to the backing memory store.
func New(opts ...memory.Option) *Store {
	return &Store{inner: memory.New(opts...)}
}

func (s *Store) record(method string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

func (s *Store) err(e *error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *e
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Dialog exposes the backing store's dialog lookup.
func (s *Store) Dialog(dialogID string) (store.Dialog, bool) {
	return s.inner.Dialog(dialogID)
}

// UserExists implements [store.Store].
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	s.record("UserExists", userID)
	return s.inner.UserExists(ctx, userID)
}

// AddUser implements [store.Store].
func (s *Store) AddUser(ctx context.Context, u store.NewUser) error {
	s.record("AddUser", u)
	return s.inner.AddUser(ctx, u)
}

// GetUser implements [store.Store].
func (s *Store) GetUser(ctx context.Context, userID string) (store.User, error) {
	s.record("GetUser", userID)
	if err := s.err(&s.GetUserErr); err != nil {
		return store.User{}, err
	}
	return s.inner.GetUser(ctx, userID)
}

// SetLastInteraction implements [store.Store].
func (s *Store) SetLastInteraction(ctx context.Context, userID string, t time.Time) error {
	s.record("SetLastInteraction", userID, t)
	return s.inner.SetLastInteraction(ctx, userID, t)
}

// SetCurrentChatMode implements [store.Store].
func (s *Store) SetCurrentChatMode(ctx context.Context, userID, mode string) error {
	s.record("SetCurrentChatMode", userID, mode)
	return s.inner.SetCurrentChatMode(ctx, userID, mode)
}

// AddUsedTokens implements [store.Store].
func (s *Store) AddUsedTokens(ctx context.Context, userID string, n int64) error {
	s.record("AddUsedTokens", userID, n)
	if err := s.err(&s.AddUsedTokensErr); err != nil {
		return err
	}
	return s.inner.AddUsedTokens(ctx, userID, n)
}

// StartNewDialog implements [store.Store].
func (s *Store) StartNewDialog(ctx context.Context, userID string) (string, error) {
	s.record("StartNewDialog", userID)
	if err := s.err(&s.StartNewDialogErr); err != nil {
		return "", err
	}
	return s.inner.StartNewDialog(ctx, userID)
}

// DialogMessages implements [store.Store].
func (s *Store) DialogMessages(ctx context.Context, userID, dialogID string) ([]store.Turn, error) {
	s.record("DialogMessages", userID, dialogID)
	if err := s.err(&s.DialogMessagesErr); err != nil {
		return nil, err
	}
	return s.inner.DialogMessages(ctx, userID, dialogID)
}

// SetDialogMessages implements [store.Store].
func (s *Store) SetDialogMessages(ctx context.Context, userID, dialogID string, turns []store.Turn) error {
	s.record("SetDialogMessages", userID, dialogID, turns)
	if err := s.err(&s.SetDialogMessagesErr); err != nil {
		return err
	}
	return s.inner.SetDialogMessages(ctx, userID, dialogID, turns)
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	s.record("Ping")
	if err := s.err(&s.PingErr); err != nil {
		return err
	}
	return s.inner.Ping(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	s.record("Close")
	return s.inner.Close()
}
