package hooks

import (
	"math"

	"github.com/pkg/errors"
)

// ErrNaNLoss reports that the loss diverged.
var ErrNaNLoss = errors.New("model diverged with loss = NaN")

// NaN fails the run as soon as the loss is NaN.
type NaN struct{ Base }

// NewNaN returns a NaN hook.
func NewNaN() *NaN { return &NaN{} }

// AfterRun implements Hook.
func (*NaN) AfterRun(_ State, v RunValues) error {
	if math.IsNaN(v.Loss) {
		return errors.WithMessagef(ErrNaNLoss, "step %d", v.Step)
	}
	return nil
}
