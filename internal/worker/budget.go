package worker

import (
	"context"
	"time"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// Budget bounds one run by wall-clock time and server load. It is checked
// between units of work, so a unit already in flight may overrun it.
type Budget struct {
	deadline  time.Time
	loadLimit float64
	load      linkcheck.LoadSensor
	now       func() time.Time
}

// NewBudget starts a budget of maxExecution from start. A loadLimit of zero
// or less, or a sensor that cannot report, disables load shedding.
func NewBudget(start time.Time, maxExecution time.Duration, loadLimit float64, load linkcheck.LoadSensor, now func() time.Time) Budget {
	return Budget{
		deadline:  start.Add(maxExecution),
		loadLimit: loadLimit,
		load:      load,
		now:       now,
	}
}

// Check returns the outcome that must end the run, or "" to keep going.
func (b Budget) Check(ctx context.Context) Outcome {
	if ctx.Err() != nil || !b.now().Before(b.deadline) {
		return OutcomeTimeBudgetExceeded
	}
	if b.Overloaded() {
		return OutcomeLoadTooHigh
	}
	return ""
}

// Overloaded reports whether the server load is above the limit.
func (b Budget) Overloaded() bool {
	if b.loadLimit <= 0 || b.load == nil {
		return false
	}
	load, ok := b.load.Load()
	return ok && load > b.loadLimit
}

// Remaining is the time left before the deadline.
func (b Budget) Remaining() time.Duration {
	return max(b.deadline.Sub(b.now()), 0)
}

// DutyCycleSleep returns how long to rest after working for worked so busy
// time stays at fraction of wall time.
func DutyCycleSleep(worked time.Duration, fraction float64) time.Duration {
	if worked <= 0 || fraction <= 0 || fraction >= 1 {
		return 0
	}
	return time.Duration(float64(worked) * (1/fraction - 1))
}
