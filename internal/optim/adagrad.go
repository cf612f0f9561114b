package optim

import (
	"math"

	"pointnet-trainer/internal/model"
)

// Adagrad defaults.
const (
	DefaultAdagradRate = 0.01
	adagradInitial     = 0.1
)

// Adagrad scales each step by the root of the accumulated squared gradient.
type Adagrad struct {
	rate float64
	acc  slots
}

// NewAdagrad returns an Adagrad optimizer; rate ≤ 0 selects
// DefaultAdagradRate.
func NewAdagrad(rate float64) *Adagrad {
	if rate <= 0 {
		rate = DefaultAdagradRate
	}
	return &Adagrad{rate: rate, acc: newSlots(adagradInitial)}
}

// Name implements Optimizer.
func (a *Adagrad) Name() string { return "adagrad" }

// Rate returns the learning rate.
func (a *Adagrad) Rate() float64 { return a.rate }

// Apply implements Optimizer.
func (a *Adagrad) Apply(params []*model.Param) error {
	for _, p := range params {
		acc := a.acc.get(p)
		for j, g := range p.Grad {
			acc[j] += g * g
			p.Value[j] -= a.rate * g / math.Sqrt(acc[j])
		}
	}
	return nil
}
