// Package dialog implements the per-user conversation state machine.
//
// A [Service] owns the rules for when a dialog starts, how a message is turned
// into a completion and appended to the dialog, how the last turn is retried,
// and how usage is billed. Platform adapters never touch the store directly;
// they go through the bot handlers, which go through the Service.
//
// Calls for the same user are serialised, so a user who sends two messages in
// quick succession gets both answered in order against a consistent history.
// The number of completion requests in flight across all users is capped.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/chatrelay/internal/billing"
	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/completion"
	"github.com/MrWong99/chatrelay/internal/observe"
	"github.com/MrWong99/chatrelay/pkg/store"
)

var (
	// ErrNothingToRetry is returned by [Service.Retry] when the current dialog
	// has no turns.
	ErrNothingToRetry = errors.New("dialog: nothing to retry")

	// ErrUnknownChatMode is returned by [Service.SetChatMode] for a key that is
	// not in the catalog.
	ErrUnknownChatMode = errors.New("dialog: unknown chat mode")
)

// Dialog start reasons used in metrics.
const (
	reasonFirst    = "first"
	reasonCommand  = "command"
	reasonTimeout  = "timeout"
	reasonModeSwap = "mode_change"
)

const (
	defaultNewDialogTimeout         = 600 * time.Second
	defaultMaxConcurrentCompletions = 16
)

// Identity describes the sender of an update.
type Identity struct {
	// Platform is the adapter name, e.g. "telegram".
	Platform string

	// UserID is the platform's user identifier.
	UserID string

	// ChatID is where replies go.
	ChatID string

	Username  string
	FirstName string
	LastName  string
}

// Key returns the platform-qualified store key.
func (id Identity) Key() string {
	return store.UserKey(id.Platform, id.UserID)
}

// Options tunes a single [Service.HandleMessage] call.
type Options struct {
	// UseNewDialogTimeout starts a fresh dialog when the user has been idle
	// longer than the configured timeout.
	UseNewDialogTimeout bool
}

// Reply is the outcome of handling a message.
type Reply struct {
	// Answer is the assistant's reply.
	Answer string

	// RemovedMessages is how many leading turns did not fit the context
	// window and were left out of the prompt.
	RemovedMessages int

	// TimedOut is set when a new dialog was started because of inactivity.
	TimedOut bool

	// Mode is the chat mode the message was answered in.
	Mode chatmode.Mode

	// UsedTokens is what this message cost.
	UsedTokens int
}

// Option is a functional option for Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNewDialogTimeout sets the inactivity period after which the next
// message opens a new dialog. Zero disables the timeout.
func WithNewDialogTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout.Store(int64(d)) }
}

// WithMaxConcurrentCompletions caps completion requests in flight.
func WithMaxConcurrentCompletions(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithPricing sets the billing rates.
func WithPricing(p billing.Pricing) Option {
	return func(s *Service) { s.pricing = p }
}

// WithMetrics records dialog and token metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the dialog state machine. It is safe for concurrent use.
type Service struct {
	store     store.Store
	completer completion.Completer
	modes     *chatmode.Catalog
	pricing   billing.Pricing
	metrics   *observe.Metrics
	now       func() time.Time

	timeout atomic.Int64
	sem     *semaphore.Weighted
	locks   keyedMutex
}

// New creates a Service.
func New(st store.Store, c completion.Completer, modes *chatmode.Catalog, opts ...Option) *Service {
	s := &Service{
		store:     st,
		completer: c,
		modes:     modes,
		pricing:   billing.DefaultPricing,
		now:       time.Now,
		sem:       semaphore.NewWeighted(defaultMaxConcurrentCompletions),
	}
	s.timeout.Store(int64(defaultNewDialogTimeout))
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetNewDialogTimeout changes the inactivity timeout at runtime.
func (s *Service) SetNewDialogTimeout(d time.Duration) {
	s.timeout.Store(int64(d))
}

// NewDialogTimeout returns the current inactivity timeout.
func (s *Service) NewDialogTimeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// Modes returns the chat mode catalog.
func (s *Service) Modes() *chatmode.Catalog { return s.modes }

// Pricing returns the billing rates.
func (s *Service) Pricing() billing.Pricing { return s.pricing }

// EnsureUser registers the sender on first contact and makes sure a current
// dialog exists.
func (s *Service) EnsureUser(ctx context.Context, id Identity) (store.User, error) {
	key := id.Key()
	unlock := s.locks.lock(key)
	defer unlock()

	exists, err := s.store.UserExists(ctx, key)
	if err != nil {
		return store.User{}, fmt.Errorf("dialog: ensure user: %w", err)
	}
	if !exists {
		err := s.store.AddUser(ctx, store.NewUser{
			ID:        key,
			Platform:  id.Platform,
			ChatID:    id.ChatID,
			Username:  id.Username,
			FirstName: id.FirstName,
			LastName:  id.LastName,
			ChatMode:  s.modes.Default().Key,
		})
		if err != nil {
			return store.User{}, fmt.Errorf("dialog: add user: %w", err)
		}
		observe.Logger(ctx).Info("dialog: new user", "user", key, "username", id.Username)
	}

	u, err := s.store.GetUser(ctx, key)
	if err != nil {
		return store.User{}, fmt.Errorf("dialog: ensure user: %w", err)
	}
	if u.CurrentDialogID == "" {
		if u.CurrentDialogID, err = s.startDialog(ctx, key, reasonFirst); err != nil {
			return store.User{}, err
		}
	}
	return u, nil
}

// Touch records now as the user's last interaction.
func (s *Service) Touch(ctx context.Context, userID string) error {
	if err := s.store.SetLastInteraction(ctx, userID, s.now()); err != nil {
		return fmt.Errorf("dialog: touch: %w", err)
	}
	return nil
}

// StartNewDialog discards the current dialog and returns the active mode.
func (s *Service) StartNewDialog(ctx context.Context, userID string) (chatmode.Mode, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	if _, err := s.startDialog(ctx, userID, reasonCommand); err != nil {
		return chatmode.Mode{}, err
	}
	return s.currentMode(ctx, userID)
}

// CurrentMode returns the user's active chat mode. A stored key that is no
// longer in the catalog resolves to the default mode.
func (s *Service) CurrentMode(ctx context.Context, userID string) (chatmode.Mode, error) {
	return s.currentMode(ctx, userID)
}

// SetChatMode switches the user to the mode named key and starts a new
// dialog in it.
func (s *Service) SetChatMode(ctx context.Context, userID, key string) (chatmode.Mode, error) {
	mode, ok := s.modes.Get(key)
	if !ok {
		return chatmode.Mode{}, fmt.Errorf("%w: %q", ErrUnknownChatMode, key)
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	if err := s.store.SetCurrentChatMode(ctx, userID, mode.Key); err != nil {
		return chatmode.Mode{}, fmt.Errorf("dialog: set chat mode: %w", err)
	}
	if _, err := s.startDialog(ctx, userID, reasonModeSwap); err != nil {
		return chatmode.Mode{}, err
	}
	return mode, nil
}

// HandleMessage answers text within the user's current dialog and records the
// new turn.
func (s *Service) HandleMessage(ctx context.Context, userID, text string, opts Options) (Reply, error) {
	unlock := s.locks.lock(userID)
	defer unlock()
	return s.handleMessage(ctx, userID, text, opts)
}

// Retry removes the last turn of the current dialog and answers its user
// message again. The removed turn is restored if the new answer fails.
func (s *Service) Retry(ctx context.Context, userID string) (Reply, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	turns, err := s.store.DialogMessages(ctx, userID, "")
	if err != nil {
		return Reply{}, fmt.Errorf("dialog: retry: %w", err)
	}
	if len(turns) == 0 {
		return Reply{}, ErrNothingToRetry
	}
	last := turns[len(turns)-1]
	if err := s.store.SetDialogMessages(ctx, userID, "", turns[:len(turns)-1]); err != nil {
		return Reply{}, fmt.Errorf("dialog: retry: %w", err)
	}

	reply, err := s.handleMessage(ctx, userID, last.User, Options{UseNewDialogTimeout: false})
	if err != nil {
		if restoreErr := s.store.SetDialogMessages(ctx, userID, "", turns); restoreErr != nil {
			observe.Logger(ctx).Error("dialog: restore turn after failed retry", "user", userID, "err", restoreErr)
		}
		return reply, err
	}
	return reply, nil
}

// AddVoiceUsage bills a transcription of length d and returns the tokens
// charged.
func (s *Service) AddVoiceUsage(ctx context.Context, userID string, d time.Duration) (int64, error) {
	tokens := s.pricing.VoiceTokens(d)
	if tokens == 0 {
		return 0, nil
	}
	if err := s.store.AddUsedTokens(ctx, userID, tokens); err != nil {
		return 0, fmt.Errorf("dialog: add voice usage: %w", err)
	}
	if s.metrics != nil {
		mode, _ := s.currentMode(ctx, userID)
		s.metrics.RecordTokens(ctx, "voice", mode.Key, tokens)
	}
	return tokens, nil
}

// Balance returns the user's accumulated spend.
func (s *Service) Balance(ctx context.Context, userID string) (billing.Balance, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return billing.Balance{}, fmt.Errorf("dialog: balance: %w", err)
	}
	return s.pricing.BalanceFor(u.UsedTokens), nil
}

// ── internals (caller holds the user lock) ───────────────────────────────────

func (s *Service) handleMessage(ctx context.Context, userID, text string, opts Options) (Reply, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("dialog: handle message: %w", err)
	}
	mode := s.modes.Resolve(u.CurrentChatMode)
	reply := Reply{Mode: mode}
	now := s.now()

	if u.CurrentDialogID == "" {
		if _, err := s.startDialog(ctx, userID, reasonFirst); err != nil {
			return reply, err
		}
	} else if timeout := s.NewDialogTimeout(); opts.UseNewDialogTimeout && timeout > 0 && now.Sub(u.LastInteraction) > timeout {
		turns, err := s.store.DialogMessages(ctx, userID, "")
		if err != nil {
			return reply, fmt.Errorf("dialog: handle message: %w", err)
		}
		if len(turns) > 0 {
			if _, err := s.startDialog(ctx, userID, reasonTimeout); err != nil {
				return reply, err
			}
			reply.TimedOut = true
		}
	}

	if err := s.store.SetLastInteraction(ctx, userID, now); err != nil {
		return reply, fmt.Errorf("dialog: touch: %w", err)
	}

	history, err := s.store.DialogMessages(ctx, userID, "")
	if err != nil {
		return reply, fmt.Errorf("dialog: handle message: %w", err)
	}

	res, err := s.complete(ctx, text, history, mode)
	if err != nil {
		return reply, err
	}

	history = append(history, store.Turn{User: text, Bot: res.Answer, Date: now})
	if err := s.store.SetDialogMessages(ctx, userID, "", history); err != nil {
		return reply, fmt.Errorf("dialog: save turn: %w", err)
	}
	if err := s.store.AddUsedTokens(ctx, userID, int64(res.UsedTokens)); err != nil {
		return reply, fmt.Errorf("dialog: add used tokens: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordTokens(ctx, "completion", mode.Key, int64(res.UsedTokens))
	}

	reply.Answer = res.Answer
	reply.RemovedMessages = res.RemovedMessages
	reply.UsedTokens = res.UsedTokens
	return reply, nil
}

func (s *Service) complete(ctx context.Context, text string, history []store.Turn, mode chatmode.Mode) (completion.Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return completion.Result{}, fmt.Errorf("dialog: wait for completion slot: %w", err)
	}
	defer s.sem.Release(1)

	if s.metrics != nil {
		s.metrics.ActiveCompletions.Add(ctx, 1)
		defer s.metrics.ActiveCompletions.Add(ctx, -1)
	}
	return s.completer.Complete(ctx, text, history, mode)
}

func (s *Service) startDialog(ctx context.Context, userID, reason string) (string, error) {
	id, err := s.store.StartNewDialog(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("dialog: start new dialog: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordDialogStarted(ctx, reason)
	}
	observe.Logger(ctx).Debug("dialog: started", "user", userID, "dialog", id, "reason", reason)
	return id, nil
}

func (s *Service) currentMode(ctx context.Context, userID string) (chatmode.Mode, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return chatmode.Mode{}, fmt.Errorf("dialog: current mode: %w", err)
	}
	return s.modes.Resolve(u.CurrentChatMode), nil
}
