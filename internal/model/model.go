package model

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"pointnet-trainer/internal/config"
	"pointnet-trainer/internal/pointcloud"
)

// Transform holds one learned square matrix per example.
type Transform []*mat.Dense

// Output is the raw network output for a minibatch.
type Output struct {
	Logits     *mat.Dense // batch × classes
	Transforms []Transform
}

// Gradients are the loss derivatives with respect to an Output.
type Gradients struct {
	Logits     *mat.Dense
	Transforms []Transform
}

// Network is a trainable point-cloud classifier.
//
// Forward keeps what Backward needs; Backward accumulates into the Grad of
// every Param and must follow the Forward it differentiates.
type Network interface {
	Name() string
	Build(channels int) error
	Forward(cloud *pointcloud.Cloud) (Output, error)
	Backward(grads Gradients) error
	Params() []*Param
	RegularizationLosses() []float64
	RegularizationGrad(scale float64)
}

// New constructs the network named in cfg.
func New(cfg config.Network, threads int) (Network, error) {
	hidden := cfg.Hidden
	if hidden <= 0 {
		hidden = 64
	}
	var reg *float64
	if cfg.Regularized() {
		v := *cfg.Regularize
		if v <= 0 {
			v = defaultWeightDecay
		}
		reg = &v
	}
	switch cfg.Name {
	case "pointnet", "":
		return NewPointNet(cfg.NumClasses, hidden, reg, cfg.MaskPadding, threads, cfg.Seed), nil
	case "linear":
		return NewLinear(cfg.NumClasses, reg, cfg.MaskPadding, cfg.Seed), nil
	}
	return nil, &config.Error{Key: "NETWORK.NAME", Reason: "unknown network " + cfg.Name}
}

const defaultWeightDecay = 1e-4

// ZeroGrad clears the gradients of every parameter.
func ZeroGrad(n Network) {
	for _, p := range n.Params() {
		p.ZeroGrad()
	}
}

var errNotBuilt = errors.New("model: network used before Build")
