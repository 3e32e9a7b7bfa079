// Package coordinator carries the single State value between the actors of a
// running daemon. The value lives in a channel of capacity one: taking it is
// entering the critical section, putting it back is leaving it.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/maestro/internal/job"
	"github.com/loykin/maestro/internal/metrics"
)

// DefaultAcquireTimeout bounds one take attempt before it is retried.
const DefaultAcquireTimeout = 10 * time.Second

// Slot is a single-slot exclusive conveyance for *job.State.
type Slot struct {
	ch      chan *job.State
	timeout time.Duration
	logger  *slog.Logger
}

// Option customises a Slot.
type Option func(*Slot)

// WithAcquireTimeout sets the bound of a single take attempt.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Slot) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Slot) {
		if l != nil {
			s.logger = l
		}
	}
}

// New places initial in a fresh slot. A nil initial starts with an empty state.
func New(initial *job.State, opts ...Option) *Slot {
	if initial == nil {
		initial = job.NewState()
	}
	s := &Slot{
		ch:      make(chan *job.State, 1),
		timeout: DefaultAcquireTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.ch <- initial
	return s
}

// Lease is exclusive ownership of the state until Release.
type Lease struct {
	slot  *Slot
	state *job.State
	once  sync.Once
}

// State returns the leased value; nil once released.
func (l *Lease) State() *job.State { return l.state }

// Release puts the state back. It is idempotent so it can be deferred and also
// called early.
func (l *Lease) Release() {
	l.once.Do(func() {
		st := l.state
		l.state = nil
		l.slot.ch <- st
	})
}

// Take removes the state from the slot, waiting in bounded attempts that are
// retried until the value arrives or ctx is done. Timeouts are never surfaced.
func (s *Slot) Take(ctx context.Context) (*Lease, error) {
	start := time.Now()
	for {
		t := time.NewTimer(s.timeout)
		select {
		case st := <-s.ch:
			t.Stop()
			metrics.ObserveAcquireWait(time.Since(start).Seconds())
			return &Lease{slot: s, state: st}, nil
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
			metrics.IncAcquireTimeout()
			s.logger.Debug("state take timed out, retrying", "waited", time.Since(start).Round(time.Millisecond))
		}
	}
}

// With runs fn while holding the state. The state is put back on every exit path,
// including an error or a panic in fn.
func (s *Slot) With(ctx context.Context, fn func(*job.State) error) error {
	lease, err := s.Take(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.State())
}

// View returns a deep copy of the state, holding it only long enough to clone.
func (s *Slot) View(ctx context.Context) (*job.State, error) {
	var out *job.State
	err := s.With(ctx, func(st *job.State) error {
		out = st.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("view state: %w", err)
	}
	return out, nil
}
