// Package mock provides a test double for completion.Completer.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/completion"
	"github.com/MrWong99/chatrelay/pkg/store"
)

// Call records one invocation of Complete.
type Call struct {
	Message string
	History []store.Turn
	Mode    chatmode.Mode
}

// Completer is a mock implementation of completion.Completer. By default it
// echoes the message back as "echo: <message>" and reports 10 used tokens.
type Completer struct {
	mu sync.Mutex

	// Func, if set, replaces the default echo behaviour. It receives the
	// zero-based call index.
	Func func(call int, message string, history []store.Turn, mode chatmode.Mode) (completion.Result, error)

	// Err, if non-nil, is returned from every call.
	Err error

	calls []Call
}

var _ completion.Completer = (*Completer)(nil)

// Complete records the call and returns the configured result.
func (c *Completer) Complete(_ context.Context, message string, history []store.Turn, mode chatmode.Mode) (completion.Result, error) {
	hist := make([]store.Turn, len(history))
	copy(hist, history)

	c.mu.Lock()
	idx := len(c.calls)
	c.calls = append(c.calls, Call{Message: message, History: hist, Mode: mode})
	err, fn := c.Err, c.Func
	c.mu.Unlock()

	if err != nil {
		return completion.Result{}, err
	}
	if fn != nil {
		// Called without the lock so tests can block inside it.
		return fn(idx, message, hist, mode)
	}
	return completion.Result{Answer: "echo: " + message, UsedTokens: 10}, nil
}

// Calls returns a snapshot of all recorded calls.
func (c *Completer) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}
