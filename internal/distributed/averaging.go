package distributed

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"pointnet-trainer/internal/model"
	"pointnet-trainer/internal/optim"
)

// AveragingOptimizer averages gradients over the group before handing them
// to the wrapped optimizer.
type AveragingOptimizer struct {
	inner optim.Optimizer
	comm  Communicator
}

// NewAveragingOptimizer wraps inner.
func NewAveragingOptimizer(inner optim.Optimizer, comm Communicator) *AveragingOptimizer {
	return &AveragingOptimizer{inner: inner, comm: comm}
}

// Name implements optim.Optimizer.
func (a *AveragingOptimizer) Name() string { return "averaged-" + a.inner.Name() }

// Apply implements optim.Optimizer.
func (a *AveragingOptimizer) Apply(params []*model.Param) error {
	grads := model.FlattenGrads(params)
	if err := a.comm.AllreduceSum(grads); err != nil {
		return errors.Wrap(err, "distributed: average gradients")
	}
	floats.Scale(1/float64(a.comm.Size()), grads)
	model.UnflattenGrads(params, grads)
	return a.inner.Apply(params)
}

// BroadcastParams copies root's parameter values to every rank.
func BroadcastParams(comm Communicator, root int, params []*model.Param) error {
	values := model.Flatten(params)
	if err := comm.Broadcast(root, values); err != nil {
		return errors.Wrap(err, "distributed: broadcast parameters")
	}
	model.Unflatten(params, values)
	return nil
}
