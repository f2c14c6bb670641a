package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spacemeshos/go-spacedb/timeframe"
)

// ErrStalledReplication is returned by waits that made no progress for the stall timeout.
var ErrStalledReplication = errors.New("pipeline: replication stalled")

// State is the progress of a pipeline: the consumed timeframe and the target
// timeframe it is expected to reach, usually advertised by peers.
type State struct {
	clock        clockwork.Clock
	stallTimeout time.Duration

	mu        sync.Mutex
	timeframe timeframe.Timeframe
	target    timeframe.Timeframe
	changed   chan struct{}
	// last change of the consumed timeframe
	progressed time.Time
}

func newState(clock clockwork.Clock, stallTimeout time.Duration, initial timeframe.Timeframe) *State {
	if initial == nil {
		initial = timeframe.New()
	}
	return &State{
		clock:        clock,
		stallTimeout: stallTimeout,
		timeframe:    initial.Clone(),
		target:       timeframe.New(),
		changed:      make(chan struct{}),
	}
}

// Timeframe returns the consumed timeframe.
func (s *State) Timeframe() timeframe.Timeframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeframe.Clone()
}

// TargetTimeframe returns the timeframe the pipeline is expected to reach.
func (s *State) TargetTimeframe() timeframe.Timeframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target.Clone()
}

// SetTargetTimeframe merges tf into the target. Waiters are woken only if the
// target moved.
func (s *State) SetTargetTimeframe(tf timeframe.Timeframe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := timeframe.Merge(s.target, tf)
	if merged.Equal(s.target) {
		return
	}
	s.target = merged
	s.notify()
}

// Reached returns true if the consumed timeframe reached the target.
func (s *State) Reached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return timeframe.IsTargetReached(s.timeframe, s.target)
}

func (s *State) update(tf timeframe.Timeframe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeframe.Equal(tf) {
		return
	}
	s.timeframe = tf.Clone()
	s.progressed = s.clock.Now()
	s.notify()
}

// notify must be called with mu held.
func (s *State) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// stallIn returns how long the wait started at start may continue without progress.
// Must be called with mu held.
func (s *State) stallIn(start time.Time) time.Duration {
	since := start
	if s.progressed.After(since) {
		since = s.progressed
	}
	return since.Add(s.stallTimeout).Sub(s.clock.Now())
}

func (s *State) wait(ctx context.Context, reached func() bool, breakOnStall bool) error {
	start := s.clock.Now()
	for {
		s.mu.Lock()
		if reached() {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		remaining := s.stallIn(start)
		s.mu.Unlock()

		if breakOnStall && remaining <= 0 {
			return ErrStalledReplication
		}
		if err := s.waitChange(ctx, changed, remaining, breakOnStall); err != nil {
			return err
		}
	}
}

// waitChange returns when changed is closed or the stall timer fires. A fired timer
// is rechecked by the caller since it may predate the last progress.
func (s *State) waitChange(ctx context.Context, changed <-chan struct{}, remaining time.Duration, breakOnStall bool) error {
	var stalled <-chan time.Time
	if breakOnStall {
		timer := s.clock.NewTimer(remaining)
		defer timer.Stop()
		stalled = timer.Chan()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stalled:
	case <-changed:
	}
	return nil
}

// WaitUntilTimeframe blocks until the consumed timeframe reaches tf.
func (s *State) WaitUntilTimeframe(ctx context.Context, tf timeframe.Timeframe) error {
	return s.wait(ctx, func() bool {
		return timeframe.IsTargetReached(s.timeframe, tf)
	}, false)
}

// WaitUntilReachedTargetTimeframe blocks until the consumed timeframe reaches the
// target. With breakOnStall it fails with ErrStalledReplication once the stall timeout
// passes without a change of the consumed timeframe. Cancelling ctx only stops the wait.
func (s *State) WaitUntilReachedTargetTimeframe(ctx context.Context, breakOnStall bool) error {
	return s.wait(ctx, func() bool {
		return timeframe.IsTargetReached(s.timeframe, s.target)
	}, breakOnStall)
}
