package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a trainable matrix and its accumulated gradient.
type Param struct {
	Name  string
	Rows  int
	Cols  int
	Value []float64
	Grad  []float64
}

func newParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Rows:  rows,
		Cols:  cols,
		Value: make([]float64, rows*cols),
		Grad:  make([]float64, rows*cols),
	}
}

// glorot fills the parameter with uniform Glorot initialization.
func (p *Param) glorot(rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(p.Rows+p.Cols))
	for i := range p.Value {
		p.Value[i] = (rng.Float64()*2 - 1) * limit
	}
}

// Matrix views Value as a Rows × Cols matrix.
func (p *Param) Matrix() *mat.Dense { return mat.NewDense(p.Rows, p.Cols, p.Value) }

// ZeroGrad clears the gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// l2 returns 0.5·λ·‖W‖².
func (p *Param) l2(lambda float64) float64 {
	return 0.5 * lambda * floats.Dot(p.Value, p.Value)
}

// Flatten concatenates values of params in order.
func Flatten(params []*Param) []float64 {
	n := 0
	for _, p := range params {
		n += len(p.Value)
	}
	out := make([]float64, 0, n)
	for _, p := range params {
		out = append(out, p.Value...)
	}
	return out
}

// FlattenGrads concatenates gradients of params in order.
func FlattenGrads(params []*Param) []float64 {
	n := 0
	for _, p := range params {
		n += len(p.Grad)
	}
	out := make([]float64, 0, n)
	for _, p := range params {
		out = append(out, p.Grad...)
	}
	return out
}

// Unflatten copies flat back into the values of params.
func Unflatten(params []*Param, flat []float64) {
	off := 0
	for _, p := range params {
		off += copy(p.Value, flat[off:])
	}
}

// UnflattenGrads copies flat back into the gradients of params.
func UnflattenGrads(params []*Param, flat []float64) {
	off := 0
	for _, p := range params {
		off += copy(p.Grad, flat[off:])
	}
}
