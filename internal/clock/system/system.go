// Package system is the wall clock the worker budgets and throttles against.
package system

import (
	"context"
	"time"
)

// Clock reads UTC wall time and pauses between worker batches.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now is the current UTC time. Run deadlines and check timestamps use it.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep rests for d, returning early with ctx's error once ctx is done. A
// non-positive d returns at once, even on a canceled ctx.
func (Clock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	rest := time.NewTimer(d)
	defer rest.Stop()
	select {
	case <-rest.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
