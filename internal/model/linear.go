package model

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"pointnet-trainer/internal/pointcloud"
)

// Linear is a softmax-ready linear classifier over the mean point of each
// cloud. It learns no transformation matrices.
type Linear struct {
	numClasses  int
	weightDecay *float64
	maskPadding bool
	seed        int64

	channels int
	weights  *Param
	bias     *Param

	pooled [][]float64
}

// NewLinear returns an unbuilt Linear network.
func NewLinear(numClasses int, weightDecay *float64, maskPadding bool, seed int64) *Linear {
	return &Linear{numClasses: numClasses, weightDecay: weightDecay, maskPadding: maskPadding, seed: seed}
}

// Name implements Network.
func (m *Linear) Name() string { return "linear" }

// Build implements Network.
func (m *Linear) Build(channels int) error {
	if channels <= 0 {
		return errors.Errorf("model: invalid channel count %d", channels)
	}
	m.channels = channels
	m.weights = newParam("linear/kernel", channels, m.numClasses)
	m.bias = newParam("linear/bias", 1, m.numClasses)
	rng := rand.New(rand.NewSource(m.seed))
	for i := range m.weights.Value {
		m.weights.Value[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return nil
}

// Params implements Network.
func (m *Linear) Params() []*Param {
	if m.channels == 0 {
		return nil
	}
	return []*Param{m.weights, m.bias}
}

// RegularizationLosses implements Network.
func (m *Linear) RegularizationLosses() []float64 {
	if m.weightDecay == nil || m.channels == 0 {
		return nil
	}
	return []float64{m.weights.l2(*m.weightDecay)}
}

// RegularizationGrad implements Network.
func (m *Linear) RegularizationGrad(scale float64) {
	if m.weightDecay == nil || m.channels == 0 {
		return
	}
	floats.AddScaled(m.weights.Grad, scale*(*m.weightDecay), m.weights.Value)
}

// Forward implements Network.
func (m *Linear) Forward(cloud *pointcloud.Cloud) (Output, error) {
	if m.channels == 0 {
		return Output{}, errNotBuilt
	}
	if cloud.Channels() != m.channels {
		return Output{}, errors.Errorf("model: cloud has %d channels, network built for %d", cloud.Channels(), m.channels)
	}
	batch := cloud.Batch()
	logits := mat.NewDense(batch, m.numClasses, nil)
	m.pooled = make([][]float64, batch)
	w := m.weights.Matrix()
	for b := 0; b < batch; b++ {
		n := cloud.MaxPoints()
		if m.maskPadding {
			n = cloud.Counts[b]
		}
		mean := make([]float64, m.channels)
		ex := cloud.Example(b)
		for i := 0; i < n; i++ {
			floats.Add(mean, ex[i*m.channels:(i+1)*m.channels])
		}
		if n > 0 {
			floats.Scale(1/float64(n), mean)
		}
		m.pooled[b] = mean

		var lv mat.VecDense
		lv.MulVec(w.T(), mat.NewVecDense(m.channels, mean))
		row := logits.RawRowView(b)
		for k := range row {
			row[k] = lv.AtVec(k) + m.bias.Value[k]
		}
	}
	return Output{Logits: logits}, nil
}

// Backward implements Network.
func (m *Linear) Backward(grads Gradients) error {
	if m.channels == 0 {
		return errNotBuilt
	}
	if grads.Logits == nil {
		return errors.New("model: missing logits gradient")
	}
	if r, _ := grads.Logits.Dims(); r != len(m.pooled) {
		return errors.Errorf("model: logits gradient has %d rows, forward saw %d examples", r, len(m.pooled))
	}
	for b, mean := range m.pooled {
		dl := grads.Logits.RawRowView(b)
		for c, v := range mean {
			floats.AddScaled(m.weights.Grad[c*m.numClasses:(c+1)*m.numClasses], v, dl)
		}
		floats.Add(m.bias.Grad, dl)
	}
	return nil
}
