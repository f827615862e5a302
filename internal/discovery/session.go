package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is a discovery session's lifecycle position.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// ErrNotRetryable is returned by Retry outside the error state.
var ErrNotRetryable = errors.New("discovery can only be retried after a failure")

// Discoverer runs one discovery attempt. *Client implements it.
type Discoverer interface {
	Discover(ctx context.Context) (Result, error)
}

// Snapshot is a point-in-time view of a Session.
type Snapshot struct {
	Status    State     `json:"status"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session drives Idle -> Loading -> Ready | Error, with Retry re-entering
// Loading from Error. Attempts run in the background.
type Session struct {
	discoverer Discoverer
	onReady    func(Result)

	mu   sync.Mutex
	snap Snapshot
	done chan struct{} // closed when the current attempt ends
}

// NewSession returns an idle session. onReady, if non-nil, is called with the
// result of every successful attempt before the state becomes Ready.
func NewSession(d Discoverer, onReady func(Result)) *Session {
	done := make(chan struct{})
	close(done)
	return &Session{
		discoverer: d,
		onReady:    onReady,
		snap:       Snapshot{Status: StateIdle, UpdatedAt: time.Now()},
		done:       done,
	}
}

// Start begins the first attempt. It reports false if the session has
// already left Idle.
func (s *Session) Start(ctx context.Context) bool {
	return s.begin(ctx, StateIdle)
}

// Retry begins a new attempt after a failure.
func (s *Session) Retry(ctx context.Context) error {
	if !s.begin(ctx, StateError) {
		return ErrNotRetryable
	}
	return nil
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	if snap.Result != nil {
		r := *snap.Result
		snap.Result = &r
	}
	return snap
}

// Wait blocks until no attempt is running or ctx is done, then returns the
// current state.
func (s *Session) Wait(ctx context.Context) Snapshot {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return s.Snapshot()
}

func (s *Session) begin(ctx context.Context, from State) bool {
	s.mu.Lock()
	if s.snap.Status != from {
		s.mu.Unlock()
		return false
	}
	s.snap = Snapshot{Status: StateLoading, Attempts: s.snap.Attempts + 1, UpdatedAt: time.Now()}
	done := make(chan struct{})
	s.done = done
	attempt := s.snap.Attempts
	s.mu.Unlock()

	go s.run(ctx, attempt, done)
	return true
}

func (s *Session) run(ctx context.Context, attempt int, done chan struct{}) {
	defer close(done)

	slog.Info("discovery started", "attempt", attempt)
	res, err := s.discoverer.Discover(ctx)
	if err == nil && s.onReady != nil {
		s.onReady(res)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.UpdatedAt = time.Now()
	if err != nil {
		slog.Warn("discovery failed", "attempt", attempt, "err", err)
		s.snap.Status = StateError
		s.snap.Error = err.Error()
		return
	}
	slog.Info("discovery ready", "attempt", attempt, "config", res.ConfigURL, "auth", res.AuthURL)
	s.snap.Status = StateReady
	s.snap.Result = &res
}
