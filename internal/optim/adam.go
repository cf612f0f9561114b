package optim

import (
	"math"

	"pointnet-trainer/internal/model"
)

// Adam defaults.
const (
	DefaultAdamRate = 0.001
	adamBeta1       = 0.9
	adamBeta2       = 0.999
	adamEpsilon     = 1e-8
)

// Adam implements the Adam update rule:
//
//	m = β1·m + (1 − β1)·g
//	v = β2·v + (1 − β2)·g²
//	w -= lr · m̂ / (√v̂ + ε)
type Adam struct {
	rate    float64
	beta1   float64
	beta2   float64
	epsilon float64

	m, v slots
	t    int
}

// NewAdam returns an Adam optimizer; rate ≤ 0 selects DefaultAdamRate.
func NewAdam(rate float64) *Adam {
	if rate <= 0 {
		rate = DefaultAdamRate
	}
	return &Adam{
		rate:    rate,
		beta1:   adamBeta1,
		beta2:   adamBeta2,
		epsilon: adamEpsilon,
		m:       newSlots(0),
		v:       newSlots(0),
	}
}

// Name implements Optimizer.
func (a *Adam) Name() string { return "adam" }

// Rate returns the learning rate.
func (a *Adam) Rate() float64 { return a.rate }

// Apply implements Optimizer.
func (a *Adam) Apply(params []*model.Param) error {
	a.t++
	bias1 := 1 - math.Pow(a.beta1, float64(a.t))
	bias2 := 1 - math.Pow(a.beta2, float64(a.t))
	for _, p := range params {
		m, v := a.m.get(p), a.v.get(p)
		for j, g := range p.Grad {
			m[j] = a.beta1*m[j] + (1-a.beta1)*g
			v[j] = a.beta2*v[j] + (1-a.beta2)*g*g
			p.Value[j] -= a.rate * (m[j] / bias1) / (math.Sqrt(v[j]/bias2) + a.epsilon)
		}
	}
	return nil
}
