package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream 503")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, maxFailures int) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "openai/gpt-4o-mini",
		MaxFailures:  maxFailures,
		ResetTimeout: time.Minute,
		Now:          clock.Now,
	})
}

func fail() error { return errUpstream }
func ok() error   { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.ProbeSuccesses != 1 {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	t.Parallel()

	type step struct {
		advance time.Duration
		call    func() error
		wantErr error
		want    State
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "opens after consecutive failures",
			steps: []step{
				{call: fail, wantErr: errUpstream, want: StateClosed},
				{call: fail, wantErr: errUpstream, want: StateClosed},
				{call: fail, wantErr: errUpstream, want: StateOpen},
				{call: ok, wantErr: ErrCircuitOpen, want: StateOpen},
			},
		},
		{
			name: "success resets the failure streak",
			steps: []step{
				{call: fail, wantErr: errUpstream, want: StateClosed},
				{call: fail, wantErr: errUpstream, want: StateClosed},
				{call: ok, want: StateClosed},
				{call: fail, wantErr: errUpstream, want: StateClosed},
				{call: fail, wantErr: errUpstream, want: StateClosed},
			},
		},
		{
			name: "successful probe closes",
			steps: []step{
				{call: fail, wantErr: errUpstream},
				{call: fail, wantErr: errUpstream},
				{call: fail, wantErr: errUpstream, want: StateOpen},
				{advance: time.Minute, want: StateHalfOpen},
				{call: ok, want: StateClosed},
				{call: ok, want: StateClosed},
			},
		},
		{
			name: "failed probe re-opens",
			steps: []step{
				{call: fail, wantErr: errUpstream},
				{call: fail, wantErr: errUpstream},
				{call: fail, wantErr: errUpstream, want: StateOpen},
				{advance: time.Minute, call: fail, wantErr: errUpstream, want: StateOpen},
				{advance: 30 * time.Second, call: ok, wantErr: ErrCircuitOpen, want: StateOpen},
				{advance: 30 * time.Second, call: ok, want: StateClosed},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clock := newFakeClock()
			cb := newTestBreaker(clock, 3)
			for n, s := range tc.steps {
				clock.Advance(s.advance)
				if s.call != nil {
					if err := cb.Execute(s.call); !errors.Is(err, s.wantErr) {
						t.Fatalf("step %d: err = %v, want %v", n, err, s.wantErr)
					}
				}
				if s.want != StateClosed || s.call != nil {
					if got := cb.State(); got != s.want {
						t.Fatalf("step %d: state = %v, want %v", n, got, s.want)
					}
				}
			}
		})
	}
}

func TestCircuitBreaker_OneProbeAtATime(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := newTestBreaker(clock, 1)
	_ = cb.Execute(fail)
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent call during probe: err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after the probe", cb.State())
	}
}

func TestCircuitBreaker_CallerErrorsDoNotCount(t *testing.T) {
	t.Parallel()

	errTooLong := errors.New("context length exceeded")
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:   1,
		ResetTimeout:  time.Minute,
		IsCallerError: func(err error) bool { return errors.Is(err, errTooLong) },
		Now:           clock.Now,
	})

	for range 5 {
		if err := cb.Execute(func() error { return errTooLong }); !errors.Is(err, errTooLong) {
			t.Fatalf("err = %v, want the caller error unchanged", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, caller errors must not open the breaker", cb.State())
	}

	// A caller error during a probe frees the probe slot without deciding.
	_ = cb.Execute(fail)
	clock.Advance(time.Minute)
	_ = cb.Execute(func() error { return errTooLong })
	if err := cb.Execute(ok); err != nil {
		t.Fatalf("next probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	type change struct {
		name     string
		from, to State
	}
	var got []change
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "whisper/base",
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		Now:          clock.Now,
		OnStateChange: func(name string, from, to State) {
			got = append(got, change{name, from, to})
		},
	})

	_ = cb.Execute(fail)
	clock.Advance(time.Minute)
	_ = cb.Execute(ok)

	want := []change{
		{"whisper/base", StateClosed, StateOpen},
		{"whisper/base", StateOpen, StateHalfOpen},
		{"whisper/base", StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
