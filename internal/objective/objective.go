// Package objective assembles predictions, accuracy and the training loss
// from a network output, together with the loss gradients.
package objective

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"pointnet-trainer/internal/model"
)

// Summary tags for the loss terms and accuracy.
const (
	TagClassification = "Classification_Loss"
	TagRegularization = "Weight_Regularization"
	TagTransformation = "Transformation_Loss"
	TagTotal          = "Total_Loss"
	TagAccuracy       = "Accuracy"
)

// l2Epsilon matches the clamp used by l2 normalization of the whole tensor.
const l2Epsilon = 1e-12

// Settings selects the optional loss terms.
type Settings struct {
	Regularize         bool
	TransformationLoss float64
}

// Term is one named scalar contributing to the summaries.
type Term struct {
	Tag   string
	Value float64
}

// Graph is the evaluated objective for one minibatch.
type Graph struct {
	Softmax    *mat.Dense
	Prediction []int
	Accuracy   float64
	Loss       float64
	Terms      []Term

	DLogits     *mat.Dense
	DTransforms []model.Transform
	// RegularizationScale is the factor to pass to Network.RegularizationGrad;
	// zero when the regularization term is absent.
	RegularizationScale float64
}

// Term returns the value of tag and whether it is part of the loss.
func (g *Graph) Term(tag string) (float64, bool) {
	for _, t := range g.Terms {
		if t.Tag == tag {
			return t.Value, true
		}
	}
	return 0, false
}

// Build evaluates softmax, prediction, accuracy and the composite loss.
// labels is batch × classes (one-hot or soft), regLosses are the network's
// weight regularization losses.
func Build(labels *mat.Dense, out model.Output, regLosses []float64, s Settings) (*Graph, error) {
	lr, lc := labels.Dims()
	or, oc := out.Logits.Dims()
	if lr != or || lc != oc {
		return nil, errors.Errorf("objective: labels are %dx%d, logits are %dx%d", lr, lc, or, oc)
	}
	g := &Graph{}
	g.Softmax = Softmax(out.Logits)
	g.Prediction = Argmax(out.Logits)
	g.Accuracy = Accuracy(labels, g.Prediction)

	ce, dLogits := CrossEntropy(labels, g.Softmax)
	g.DLogits = dLogits
	g.Loss = ce
	g.Terms = append(g.Terms, Term{TagClassification, ce})

	if s.Regularize && len(regLosses) > 0 {
		reg := floats.Sum(regLosses) / float64(len(regLosses))
		g.RegularizationScale = 1 / float64(len(regLosses))
		g.Loss += reg
		g.Terms = append(g.Terms, Term{TagRegularization, reg})
	}

	var tLoss float64
	for _, tr := range out.Transforms {
		v, d, err := TransformationLoss(tr, s.TransformationLoss)
		if err != nil {
			return nil, err
		}
		tLoss += v
		g.DTransforms = append(g.DTransforms, d)
	}
	if len(out.Transforms) > 0 {
		g.Loss += tLoss
		g.Terms = append(g.Terms, Term{TagTransformation, tLoss})
	}

	g.Terms = append(g.Terms, Term{TagTotal, g.Loss}, Term{TagAccuracy, g.Accuracy})
	return g, nil
}

// Softmax applies a numerically stable row-wise softmax.
func Softmax(logits mat.Matrix) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		mat.Row(row, i, logits)
		maxLogit := floats.Max(row)
		sum := 0.0
		for k, v := range row {
			row[k] = math.Exp(v - maxLogit)
			sum += row[k]
		}
		floats.Scale(1/sum, row)
	}
	return out
}

// Argmax returns the column index of the largest value per row.
func Argmax(m mat.Matrix) []int {
	r, c := m.Dims()
	out := make([]int, r)
	row := make([]float64, c)
	for i := range out {
		mat.Row(row, i, m)
		out[i] = floats.MaxIdx(row)
	}
	return out
}

// Accuracy is the fraction of rows where argmax(labels) equals prediction.
func Accuracy(labels mat.Matrix, prediction []int) float64 {
	if len(prediction) == 0 {
		return 0
	}
	truth := Argmax(labels)
	correct := 0
	for i, p := range prediction {
		if truth[i] == p {
			correct++
		}
	}
	return float64(correct) / float64(len(prediction))
}

// CrossEntropy returns the mean softmax cross entropy and its gradient with
// respect to the logits, given the softmax probabilities.
func CrossEntropy(labels, probs *mat.Dense) (float64, *mat.Dense) {
	r, c := probs.Dims()
	grad := mat.NewDense(r, c, nil)
	total := 0.0
	for i := 0; i < r; i++ {
		y := labels.RawRowView(i)
		p := probs.RawRowView(i)
		d := grad.RawRowView(i)
		mass := floats.Sum(y)
		for k := range p {
			if y[k] != 0 {
				total -= y[k] * math.Log(math.Max(p[k], math.SmallestNonzeroFloat64))
			}
			d[k] = (p[k]*mass - y[k]) / float64(r)
		}
	}
	return total / float64(r), grad
}

// TransformationLoss evaluates coef·mean(l2_normalize(I − T·Tᵀ)) over the
// whole batch of matrices and returns the gradient for each T.
func TransformationLoss(ts model.Transform, coef float64) (float64, model.Transform, error) {
	if len(ts) == 0 {
		return 0, nil, errors.New("objective: empty transformation batch")
	}
	dim, c := ts[0].Dims()
	if dim != c {
		return 0, nil, errors.Errorf("objective: transformation is %dx%d, want square", dim, c)
	}

	diffs := make([]*mat.Dense, len(ts))
	var sum, sumSq float64
	for b, t := range ts {
		if r, c := t.Dims(); r != dim || c != dim {
			return 0, nil, errors.Errorf("objective: transformation %d is %dx%d, want %dx%d", b, r, c, dim, dim)
		}
		a := mat.NewDense(dim, dim, nil)
		a.Mul(t, t.T())
		a.Scale(-1, a)
		for i := 0; i < dim; i++ {
			a.Set(i, i, a.At(i, i)+1)
		}
		diffs[b] = a
		sum += mat.Sum(a)
		raw := a.RawMatrix().Data
		sumSq += floats.Dot(raw, raw)
	}

	count := float64(len(ts) * dim * dim)
	clamped := sumSq <= l2Epsilon
	inv := 1 / math.Sqrt(math.Max(sumSq, l2Epsilon))
	value := coef * sum * inv / count

	grads := make(model.Transform, len(ts))
	for b, a := range diffs {
		// dL/dA
		gA := mat.NewDense(dim, dim, nil)
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				v := inv
				if !clamped {
					v -= sum * a.At(i, j) * inv * inv * inv
				}
				gA.Set(i, j, coef*v/count)
			}
		}
		// A = I − T·Tᵀ  =>  dL/dT = −(G + Gᵀ)·T
		var sym mat.Dense
		sym.Add(gA, gA.T())
		d := mat.NewDense(dim, dim, nil)
		d.Mul(&sym, ts[b])
		d.Scale(-1, d)
		grads[b] = d
	}
	return value, grads, nil
}
