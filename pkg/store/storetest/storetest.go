// Package storetest holds a behavioural test suite shared by every
// [store.Store] backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/chatrelay/pkg/store"
)

// Run exercises s against the [store.Store] contract. newStore must return a
// fresh, empty store for every call.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("AddUserIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u := store.NewUser{ID: "telegram:1", Platform: "telegram", ChatID: "1", Username: "alice", ChatMode: "assistant"}
		if err := s.AddUser(ctx, u); err != nil {
			t.Fatalf("AddUser: %v", err)
		}
		u.Username = "mallory"
		if err := s.AddUser(ctx, u); err != nil {
			t.Fatalf("AddUser again: %v", err)
		}

		got, err := s.GetUser(ctx, "telegram:1")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if got.Username != "alice" {
			t.Errorf("Username = %q, want %q", got.Username, "alice")
		}
		if got.CurrentChatMode != "assistant" {
			t.Errorf("CurrentChatMode = %q, want %q", got.CurrentChatMode, "assistant")
		}
		if got.FirstSeen.IsZero() {
			t.Error("FirstSeen is zero")
		}

		ok, err := s.UserExists(ctx, "telegram:1")
		if err != nil || !ok {
			t.Errorf("UserExists = %v, %v; want true, nil", ok, err)
		}
		ok, err = s.UserExists(ctx, "telegram:2")
		if err != nil || ok {
			t.Errorf("UserExists(unknown) = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, store.ErrUserNotFound) {
			t.Errorf("GetUser err = %v, want ErrUserNotFound", err)
		}
		if err := s.SetCurrentChatMode(ctx, "nobody", "x"); !errors.Is(err, store.ErrUserNotFound) {
			t.Errorf("SetCurrentChatMode err = %v, want ErrUserNotFound", err)
		}
		if _, err := s.StartNewDialog(ctx, "nobody"); !errors.Is(err, store.ErrUserNotFound) {
			t.Errorf("StartNewDialog err = %v, want ErrUserNotFound", err)
		}
	})

	t.Run("DialogLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustAdd(t, s, "discord:7", "english_tutor")

		first, err := s.StartNewDialog(ctx, "discord:7")
		if err != nil {
			t.Fatalf("StartNewDialog: %v", err)
		}
		u, err := s.GetUser(ctx, "discord:7")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.CurrentDialogID != first {
			t.Errorf("CurrentDialogID = %q, want %q", u.CurrentDialogID, first)
		}

		msgs, err := s.DialogMessages(ctx, "discord:7", "")
		if err != nil {
			t.Fatalf("DialogMessages: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("new dialog has %d messages, want 0", len(msgs))
		}

		date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		turns := []store.Turn{
			{User: "hi", Bot: "hello", Date: date},
			{User: "how are you?", Bot: "fine", Date: date.Add(time.Minute)},
		}
		if err := s.SetDialogMessages(ctx, "discord:7", "", turns); err != nil {
			t.Fatalf("SetDialogMessages: %v", err)
		}

		second, err := s.StartNewDialog(ctx, "discord:7")
		if err != nil {
			t.Fatalf("StartNewDialog second: %v", err)
		}
		if second == first {
			t.Fatal("StartNewDialog returned the same ID twice")
		}

		cur, err := s.DialogMessages(ctx, "discord:7", "")
		if err != nil {
			t.Fatalf("DialogMessages current: %v", err)
		}
		if len(cur) != 0 {
			t.Errorf("current dialog has %d messages, want 0", len(cur))
		}

		old, err := s.DialogMessages(ctx, "discord:7", first)
		if err != nil {
			t.Fatalf("DialogMessages first: %v", err)
		}
		if len(old) != 2 {
			t.Fatalf("first dialog has %d messages, want 2", len(old))
		}
		if old[1].User != "how are you?" || old[1].Bot != "fine" || !old[1].Date.Equal(turns[1].Date) {
			t.Errorf("turn round-trip mismatch: %+v", old[1])
		}
	})

	t.Run("ForeignDialog", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustAdd(t, s, "telegram:1", "assistant")
		mustAdd(t, s, "telegram:2", "assistant")

		id, err := s.StartNewDialog(ctx, "telegram:1")
		if err != nil {
			t.Fatalf("StartNewDialog: %v", err)
		}
		if _, err := s.DialogMessages(ctx, "telegram:2", id); !errors.Is(err, store.ErrDialogNotFound) {
			t.Errorf("DialogMessages(foreign) err = %v, want ErrDialogNotFound", err)
		}
	})

	t.Run("ChatModeAndInteraction", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustAdd(t, s, "telegram:3", "assistant")

		when := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		if err := s.SetLastInteraction(ctx, "telegram:3", when); err != nil {
			t.Fatalf("SetLastInteraction: %v", err)
		}
		if err := s.SetCurrentChatMode(ctx, "telegram:3", "movie_expert"); err != nil {
			t.Fatalf("SetCurrentChatMode: %v", err)
		}
		u, err := s.GetUser(ctx, "telegram:3")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if !u.LastInteraction.Equal(when) {
			t.Errorf("LastInteraction = %v, want %v", u.LastInteraction, when)
		}
		if u.CurrentChatMode != "movie_expert" {
			t.Errorf("CurrentChatMode = %q, want movie_expert", u.CurrentChatMode)
		}
	})

	t.Run("ConcurrentTokenIncrements", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustAdd(t, s, "telegram:4", "assistant")

		const workers, each = 8, 25
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range each {
					if err := s.AddUsedTokens(ctx, "telegram:4", 2); err != nil {
						t.Errorf("AddUsedTokens: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		u, err := s.GetUser(ctx, "telegram:4")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if want := int64(workers * each * 2); u.UsedTokens != want {
			t.Errorf("UsedTokens = %d, want %d", u.UsedTokens, want)
		}
	})
}

func mustAdd(t *testing.T, s store.Store, id, mode string) {
	t.Helper()
	platform, chatID, _ := store.SplitUserKey(id)
	if err := s.AddUser(context.Background(), store.NewUser{ID: id, Platform: platform, ChatID: chatID, ChatMode: mode}); err != nil {
		t.Fatalf("AddUser(%s): %v", id, err)
	}
}
