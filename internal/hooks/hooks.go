// Package hooks observes a training session at fixed points of its
// lifecycle: before the first step, after the session is created, around
// every step and at the end.
package hooks

import (
	"time"

	"pointnet-trainer/internal/model"
	"pointnet-trainer/internal/objective"
)

// State is the part of a session hooks may read and update.
type State interface {
	GlobalStep() int64
	SetGlobalStep(step int64)
	Params() []*model.Param
}

// RunValues are the results of one step.
type RunValues struct {
	// Step is the global step after the update.
	Step     int64
	Loss     float64
	Accuracy float64
	Terms    []objective.Term
	Examples int
	Points   int
	Data     time.Duration
	Compute  time.Duration
}

// Hook is called by the session. A non-nil error stops training.
type Hook interface {
	Begin() error
	AfterCreateSession(s State) error
	// BeforeRun receives the global step the coming run will produce.
	BeforeRun(next int64) error
	AfterRun(s State, v RunValues) error
	// End runs when the session closes after successful steps.
	End(s State) error
	// Abort replaces End when a step failed. It releases resources and
	// must not persist session state.
	Abort(cause error) error
}

// Base implements Hook with no-ops.
type Base struct{}

func (Base) Begin() error { return nil }
func (Base) AfterCreateSession(State) error { return nil }
func (Base) BeforeRun(int64) error { return nil }
func (Base) AfterRun(State, RunValues) error { return nil }
func (Base) End(State) error { return nil }
func (Base) Abort(error) error { return nil }

// timer triggers on the first step and then every n steps. n ≤ 0 disables it.
type timer struct {
	every int64
	last  int64
	fired bool
}

func newTimer(every int) timer { return timer{every: int64(every)} }

func (t *timer) due(step int64) bool {
	if t.every <= 0 {
		return false
	}
	return !t.fired || step-t.last >= t.every
}

func (t *timer) mark(step int64) {
	t.fired = true
	t.last = step
}
