package objective

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gotest.tools/assert"

	"pointnet-trainer/internal/model"
	"pointnet-trainer/internal/tensor"
)

func oneHot(classes int, idx ...int) *mat.Dense {
	m := mat.NewDense(len(idx), classes, nil)
	for i, k := range idx {
		m.Set(i, k, 1)
	}
	return m
}

func TestAccuracyExtremes(t *testing.T) {
	labels := oneHot(3, 0, 2, 1)
	logits := mat.NewDense(3, 3, []float64{
		5, 1, 0,
		0, 1, 9,
		0, 4, 1,
	})
	assert.Equal(t, Accuracy(labels, Argmax(logits)), 1.0)

	wrong := mat.NewDense(3, 3, []float64{
		0, 5, 1,
		9, 1, 0,
		4, 0, 1,
	})
	assert.Equal(t, Accuracy(labels, Argmax(wrong)), 0.0)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	sm := Softmax(mat.NewDense(2, 3, []float64{1000, 1001, 999, -5, 0, 5}))
	for i := 0; i < 2; i++ {
		assert.Assert(t, math.Abs(floats.Sum(sm.RawRowView(i))-1) < 1e-12)
	}
}

func TestLossWithoutTransformsOmitsTerm(t *testing.T) {
	labels := oneHot(2, 0, 1)
	logits := mat.NewDense(2, 2, []float64{0.3, -0.2, 0.1, 0.4})
	g, err := Build(labels, model.Output{Logits: logits}, nil, Settings{TransformationLoss: 10})
	assert.NilError(t, err)

	ce, _ := CrossEntropy(labels, Softmax(logits))
	assert.Equal(t, g.Loss, ce)
	_, ok := g.Term(TagTransformation)
	assert.Assert(t, !ok)
	assert.Equal(t, len(g.DTransforms), 0)
}

func TestRegularizationTermOnlyWhenRequested(t *testing.T) {
	labels := oneHot(2, 0)
	logits := mat.NewDense(1, 2, []float64{1, 0})
	reg := []float64{0.2, 0.4}

	off, err := Build(labels, model.Output{Logits: logits}, reg, Settings{})
	assert.NilError(t, err)
	on, err := Build(labels, model.Output{Logits: logits}, reg, Settings{Regularize: true})
	assert.NilError(t, err)

	assert.Assert(t, math.Abs(on.Loss-off.Loss-0.3) < 1e-12)
	assert.Equal(t, on.RegularizationScale, 0.5)
	assert.Equal(t, off.RegularizationScale, 0.0)
}

func TestTransformLossAccumulatesAcrossTransforms(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	labels := oneHot(2, 0, 1)
	logits := mat.NewDense(2, 2, nil)
	tr := func() model.Transform { return model.Transform{randMat(rng, 3), randMat(rng, 3)} }
	a, b := tr(), tr()

	one, err := Build(labels, model.Output{Logits: logits, Transforms: []model.Transform{a}}, nil, Settings{TransformationLoss: 0.5})
	assert.NilError(t, err)
	two, err := Build(labels, model.Output{Logits: logits, Transforms: []model.Transform{a, b}}, nil, Settings{TransformationLoss: 0.5})
	assert.NilError(t, err)

	vb, _, err := TransformationLoss(b, 0.5)
	assert.NilError(t, err)
	assert.Assert(t, math.Abs(two.Loss-one.Loss-vb) < 1e-12)
	assert.Equal(t, len(two.DTransforms), 2)
}

func TestOrthogonalTransformHasZeroPenalty(t *testing.T) {
	rot := mat.NewDense(2, 2, []float64{0, -1, 1, 0})
	v, _, err := TransformationLoss(model.Transform{rot, rot}, 1)
	assert.NilError(t, err)
	assert.Equal(t, v, 0.0)
}

func TestTransformationLossGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	ts := model.Transform{randMat(rng, 3), randMat(rng, 3)}
	_, grads, err := TransformationLoss(ts, 0.7)
	assert.NilError(t, err)

	for b, m := range ts {
		raw := m.RawMatrix().Data
		orig := append([]float64(nil), raw...)
		numeric := fd.Gradient(nil, func(x []float64) float64 {
			copy(raw, x)
			v, _, _ := TransformationLoss(ts, 0.7)
			return v
		}, orig, &fd.Settings{Formula: fd.Central, Step: 1e-6})
		copy(raw, orig)
		for i, want := range numeric {
			got := grads[b].RawMatrix().Data[i]
			assert.Assert(t, math.Abs(got-want) < 1e-6, "T[%d][%d]: analytic %g numeric %g", b, i, got, want)
		}
	}
}

func TestCrossEntropyGradient(t *testing.T) {
	labels := oneHot(3, 2, 0)
	logits := []float64{0.5, -1, 2, 0.1, 0.2, 0.3}
	_, grad := CrossEntropy(labels, Softmax(mat.NewDense(2, 3, logits)))
	numeric := fd.Gradient(nil, func(x []float64) float64 {
		v, _ := CrossEntropy(labels, Softmax(mat.NewDense(2, 3, x)))
		return v
	}, logits, nil)
	for i, want := range numeric {
		assert.Assert(t, math.Abs(grad.RawMatrix().Data[i]-want) < 1e-6)
	}
}

func TestComputeWeightsNormalizePerExample(t *testing.T) {
	labels, err := tensor.FromSlice([]float64{
		0, 0, 0, 1, 1, 2,
		3, 3, 3, 3, 3, 3,
		1, 0, 1, 0, 1, 0,
	}, 3, 6)
	assert.NilError(t, err)

	w, err := ComputeWeights(labels, map[int]float64{2: 4})
	assert.NilError(t, err)
	assert.DeepEqual(t, w.Shape(), []int{3, 6})
	for b := 0; b < 3; b++ {
		assert.Assert(t, math.Abs(floats.Sum(w.Slice(b).Data())-1) < 1e-12)
	}

	// raw weights for example 0: class0 3/6, class1 4/6, class2 5/6·4
	first := w.Slice(0).Data()
	total := 3*(3.0/6) + 2*(4.0/6) + 20.0/6
	assert.Assert(t, math.Abs(first[0]-(3.0/6)/total) < 1e-12)
	assert.Assert(t, math.Abs(first[5]-(20.0/6)/total) < 1e-12)

	for _, v := range w.Slice(1).Data() {
		assert.Assert(t, math.Abs(v-1.0/6) < 1e-12)
	}
}

func randMat(rng *rand.Rand, n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}
