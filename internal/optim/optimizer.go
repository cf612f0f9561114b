// Package optim updates network parameters from their accumulated gradients.
package optim

import "pointnet-trainer/internal/model"

// Optimizer applies one update to params using their Grad.
type Optimizer interface {
	Name() string
	Apply(params []*model.Param) error
}

// slots holds one per-element state vector per parameter, created lazily.
type slots struct {
	init float64
	vals map[*model.Param][]float64
}

func newSlots(init float64) slots {
	return slots{init: init, vals: make(map[*model.Param][]float64)}
}

func (s slots) get(p *model.Param) []float64 {
	v, ok := s.vals[p]
	if !ok {
		v = make([]float64, len(p.Value))
		if s.init != 0 {
			for i := range v {
				v[i] = s.init
			}
		}
		s.vals[p] = v
	}
	return v
}
