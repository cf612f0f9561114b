package objective

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"pointnet-trainer/internal/tensor"
)

// ComputeWeights returns inverse frequency weights shaped like labels.
//
// For every example (leading axis) and every label value c occurring in it,
// elements equal to c get (n − count(c)) / n, times boost[c] when present.
// Each example's weights are then rescaled to sum to one. An example made of
// a single value has all-zero raw weights and gets the uniform 1/n instead.
func ComputeWeights(labels *tensor.Dense, boost map[int]float64) (*tensor.Dense, error) {
	if labels.Rank() < 1 || labels.Dim(0) == 0 {
		return nil, errors.Errorf("objective: labels need a batch axis, got shape %v", labels.Shape())
	}
	out := tensor.New(labels.Shape()...)
	for b := 0; b < labels.Dim(0); b++ {
		values := labels.Slice(b).Data()
		weights := out.Slice(b).Data()
		n := float64(len(values))
		if n == 0 {
			continue
		}

		counts := make(map[float64]int)
		for _, v := range values {
			counts[v]++
		}
		classWeight := make(map[float64]float64, len(counts))
		for _, v := range sortedKeys(counts) {
			w := (n - float64(counts[v])) / n
			if f, ok := boost[int(v)]; ok && v == math.Trunc(v) {
				w *= f
			}
			classWeight[v] = w
		}
		for i, v := range values {
			weights[i] = classWeight[v]
		}

		total := floats.Sum(weights)
		if total == 0 {
			for i := range weights {
				weights[i] = 1 / n
			}
			continue
		}
		floats.Scale(1/total, weights)
	}
	return out, nil
}

func sortedKeys(m map[float64]int) []float64 {
	keys := make([]float64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	return keys
}
