package trainer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"pointnet-trainer/internal/dataio"
)

// StepResult is what one training step exposes to the caller.
type StepResult struct {
	Step     int64
	Loss     float64
	Accuracy float64
	Logits   *mat.Dense
}

// BatchProcess runs ITERATIONS training steps. When the strategy enforces
// the ceiling and TRAINING is set, it stops early once the driver has run
// ITERATIONS steps in total.
func (d *Driver) BatchProcess(ctx context.Context) error {
	if d.state != SessionReady && d.state != Running {
		return errors.Errorf("trainer: batch process in state %s", d.state)
	}
	d.state = Running
	for i := 0; i < d.cfg.Iterations; i++ {
		if d.strategy.ChecksCeiling() && d.cfg.Training && d.iteration >= d.cfg.Iterations {
			klog.Infof("Finished training (iteration %d)", d.iteration)
			break
		}
		if _, err := d.TrainStep(ctx); err != nil {
			return err
		}
	}
	d.state = Terminal
	return nil
}

// TrainStep fetches one TRAIN minibatch, reshapes it to its declared
// dimensions, applies the strategy's preprocessing and runs one optimizer
// step.
func (d *Driver) TrainStep(ctx context.Context) (StepResult, error) {
	if d.state != SessionReady && d.state != Running {
		return StepResult{}, errors.Errorf("trainer: train step in state %s", d.state)
	}
	d.state = Running
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}

	start := time.Now()
	mb, dims, err := d.source.Fetch(ctx, dataio.Train)
	if err != nil {
		return StepResult{}, errors.Wrap(err, "trainer: fetch TRAIN minibatch")
	}
	for field, t := range mb {
		shape, ok := dims[field]
		if !ok {
			continue
		}
		if err := t.Reshape(shape...); err != nil {
			return StepResult{}, errors.Wrapf(err, "trainer: reshape %s", field)
		}
	}
	feed, err := d.strategy.Preprocess(mb)
	if err != nil {
		return StepResult{}, err
	}
	feed.Data = time.Since(start)

	res, err := d.sess.Run(feed)
	if err != nil {
		return StepResult{}, err
	}
	d.iteration++
	klog.V(2).Infof("step %d loss %.5f accuracy %.3f", res.Step, res.Loss, res.Accuracy)
	return StepResult{Step: res.Step, Loss: res.Loss, Accuracy: res.Accuracy, Logits: res.Logits}, nil
}
