// Package health serves the /healthz liveness and /readyz readiness probes.
// Both answer with {"status": "ok"|"fail"}; /readyz adds a "checks" map with
// one entry per [Checker].
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chatrelay/internal/resilience"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is one named readiness check. Check returns nil while the
// dependency is usable.
type Checker struct {
	// Name keys the check in the response, e.g. "store".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is implemented by dependencies that can verify their connection,
// such as the dialog store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck returns a [Checker] that pings p.
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// BreakerCheck returns a [Checker] that fails once every backend behind a
// fallback group has an open circuit breaker. A single healthy backend is
// enough to keep serving.
func BreakerCheck(name string, states func() map[string]resilience.State) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		var open []string
		all := states()
		for backend, st := range all {
			if st == resilience.StateOpen {
				open = append(open, backend)
			}
		}
		if len(all) > 0 && len(open) == len(all) {
			slices.Sort(open)
			return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
		}
		return nil
	}}
}

// report is the JSON body of both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the liveness and readiness probes of the operational
// listener. Its checkers are fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a Handler whose /readyz runs checkers in parallel.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz answers 200 whenever the process can serve HTTP.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers 200 when every checker passes and 503 otherwise. Each
// checker gets [checkTimeout] on top of the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := h.run(r.Context())

	rep := report{Status: "ok", Checks: make(map[string]string, len(outcomes))}
	code := http.StatusOK
	for name, err := range outcomes {
		if err == nil {
			rep.Checks[name] = "ok"
			continue
		}
		rep.Checks[name] = "fail: " + err.Error()
		rep.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// run evaluates every checker and returns the errors keyed by name.
func (h *Handler) run(ctx context.Context) map[string]error {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]error, len(h.checkers))
	for i, c := range h.checkers {
		out[c.Name] = errs[i]
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
