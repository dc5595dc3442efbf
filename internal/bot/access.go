package bot

import (
	"strings"
	"sync/atomic"
)

// Access is a username allow-list. An empty list admits everyone. It can be
// replaced at runtime.
type Access struct {
	allowed atomic.Pointer[map[string]struct{}]
}

// NewAccess creates an Access admitting usernames.
func NewAccess(usernames []string) *Access {
	a := &Access{}
	a.Set(usernames)
	return a
}

// Set replaces the allow-list.
func (a *Access) Set(usernames []string) {
	m := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		if u = normaliseUsername(u); u != "" {
			m[u] = struct{}{}
		}
	}
	a.allowed.Store(&m)
}

// Allowed reports whether username may use the bot. Matching ignores case and
// a leading '@'.
func (a *Access) Allowed(username string) bool {
	if a == nil {
		return true
	}
	m := a.allowed.Load()
	if m == nil || len(*m) == 0 {
		return true
	}
	_, ok := (*m)[normaliseUsername(username)]
	return ok
}

func normaliseUsername(u string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
}
