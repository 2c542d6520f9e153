package lifecycle

import (
	"context"
	"time"
)

// Clock abstracts time for the polling loops so tests run without real
// delays.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until the context is done, returning the
	// context error in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock is the production Clock.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewClock returns the real clock.
func NewClock() Clock { return realClock{} }

// PollPolicy bounds one polling loop. MaxAttempts of 0 means retry
// forever, which is the historic teardown behavior; it is an explicit
// configuration choice here rather than an implicit hang.
type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// pollState is the explicit loop state for a polling loop with a stepped
// side action (for example "re-issue the stop request every Nth
// iteration").
type pollState struct {
	iteration int
	stepEvery int
}

// step returns true when the stepped side action should run on this
// iteration. The first iteration always steps.
func (s *pollState) step() bool {
	return s.stepEvery > 0 && s.iteration%s.stepEvery == 0
}

// next advances the loop and reports whether the policy allows another
// iteration.
func (s *pollState) next(policy PollPolicy) bool {
	s.iteration++
	return policy.MaxAttempts == 0 || s.iteration < policy.MaxAttempts
}
