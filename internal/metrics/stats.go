// Package metrics aggregates per-step throughput and loss between log lines.
package metrics

import "time"

// Step is the measurement of one training step.
type Step struct {
	Examples int
	Points   int
	Data     time.Duration
	Compute  time.Duration
	Loss     float64
	Accuracy float64
}

// Window accumulates step measurements until the next Snapshot.
type Window struct {
	examples int
	points   int
	data     time.Duration
	compute  time.Duration
	steps    int
	accuracy float64
	last     Step
}

// Record adds a step to the window.
func (w *Window) Record(s Step) {
	w.examples += s.Examples
	w.points += s.Points
	w.data += s.Data
	w.compute += s.Compute
	w.accuracy += s.Accuracy
	w.steps++
	w.last = s
}

// Steps returns the number of steps recorded since the last Snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, LastLoss: w.last.Loss}
	total := w.data + w.compute
	if total > 0 {
		snap.ExamplesPerSec = float64(w.examples) / total.Seconds()
		snap.PointsPerSec = float64(w.points) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.MeanAccuracy = w.accuracy / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps          int
	ExamplesPerSec float64
	PointsPerSec   float64
	AvgDataMS      float64
	AvgComputeMS   float64
	MeanAccuracy   float64
	LastLoss       float64
}
