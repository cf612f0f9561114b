package optim

import (
	"math"
	"testing"

	"gotest.tools/assert"

	"pointnet-trainer/internal/model"
)

func param(value, grad float64) *model.Param {
	return &model.Param{Name: "w", Rows: 1, Cols: 1, Value: []float64{value}, Grad: []float64{grad}}
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, NewAdam(0).Rate(), DefaultAdamRate)
	assert.Equal(t, NewAdagrad(-1).Rate(), DefaultAdagradRate)
	assert.Equal(t, NewAdagrad(0.5).Rate(), 0.5)
}

func TestAdamFirstStepMovesByRate(t *testing.T) {
	p := param(1, 3)
	assert.NilError(t, NewAdam(0.01).Apply([]*model.Param{p}))
	// bias corrected first step is lr·g/(|g|+ε)
	assert.Assert(t, math.Abs(p.Value[0]-(1-0.01)) < 1e-6, "got %g", p.Value[0])
}

func TestAdagradAccumulates(t *testing.T) {
	p := param(0, 1)
	opt := NewAdagrad(1)
	assert.NilError(t, opt.Apply([]*model.Param{p}))
	want := -1 / math.Sqrt(1.1)
	assert.Assert(t, math.Abs(p.Value[0]-want) < 1e-12)

	assert.NilError(t, opt.Apply([]*model.Param{p}))
	want -= 1 / math.Sqrt(2.1)
	assert.Assert(t, math.Abs(p.Value[0]-want) < 1e-12)
}

func TestOptimizersDescendQuadratic(t *testing.T) {
	for _, opt := range []Optimizer{NewAdam(0.1), NewAdagrad(0.5)} {
		p := param(4, 0)
		for i := 0; i < 500; i++ {
			p.Grad[0] = 2 * p.Value[0]
			assert.NilError(t, opt.Apply([]*model.Param{p}))
		}
		if math.Abs(p.Value[0]) > 0.1 {
			t.Fatalf("%s: expected convergence towards 0, got %g", opt.Name(), p.Value[0])
		}
	}
}
