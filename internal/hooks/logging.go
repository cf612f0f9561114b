package hooks

import (
	"k8s.io/klog/v2"

	"pointnet-trainer/internal/metrics"
)

// Logging reports the global step, accuracy and loss on the first step and
// every n steps after, with throughput averaged since the previous report.
type Logging struct {
	Base
	timer  timer
	window metrics.Window
}

// NewLogging returns a Logging hook.
func NewLogging(n int) *Logging {
	return &Logging{timer: newTimer(n)}
}

// AfterRun implements Hook.
func (l *Logging) AfterRun(_ State, v RunValues) error {
	l.window.Record(metrics.Step{
		Examples: v.Examples,
		Points:   v.Points,
		Data:     v.Data,
		Compute:  v.Compute,
		Loss:     v.Loss,
		Accuracy: v.Accuracy,
	})
	if !l.timer.due(v.Step) {
		return nil
	}
	l.timer.mark(v.Step)
	snap := l.window.Snapshot()
	klog.Infof("global_step = %d, accuracy = %.4f, loss = %.4f (%.1f examples/sec, %.0f points/sec, data %.2fms, compute %.2fms)",
		v.Step, v.Accuracy, v.Loss,
		snap.ExamplesPerSec, snap.PointsPerSec, snap.AvgDataMS, snap.AvgComputeMS)
	return nil
}
