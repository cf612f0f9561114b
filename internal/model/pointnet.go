package model

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"pointnet-trainer/internal/pointcloud"
)

// PointNet is a single block PointNet classifier:
//
//	T   = I + reshape(mean(X)·Wt + bt)    input transform, C×C
//	A   = relu(X·T·W1 + b1)               shared per-point layer
//	p   = max over points of A            symmetric pooling
//	out = p·W2 + b2
//
// Wt and bt start at zero so the transform starts as the identity.
type PointNet struct {
	numClasses  int
	hidden      int
	weightDecay *float64
	maskPadding bool
	threads     int
	seed        int64

	channels int
	tW, tB   *Param
	w1, b1   *Param
	w2, b2   *Param

	cache []pointNetCache
}

type pointNetCache struct {
	x      *mat.Dense // n × C, nil when the example has no rows
	g      []float64  // mean input row
	t      *mat.Dense
	y      *mat.Dense // x·t
	z      *mat.Dense // y·W1 + b1
	pooled []float64
	argmax []int
}

// NewPointNet returns an unbuilt PointNet. A nil weightDecay disables the
// regularization losses.
func NewPointNet(numClasses, hidden int, weightDecay *float64, maskPadding bool, threads int, seed int64) *PointNet {
	if threads <= 0 {
		threads = 1
	}
	return &PointNet{
		numClasses:  numClasses,
		hidden:      hidden,
		weightDecay: weightDecay,
		maskPadding: maskPadding,
		threads:     threads,
		seed:        seed,
	}
}

// Name implements Network.
func (p *PointNet) Name() string { return "pointnet" }

// Build allocates parameters for inputs with the given channel count.
func (p *PointNet) Build(channels int) error {
	if channels <= 0 {
		return errors.Errorf("model: invalid channel count %d", channels)
	}
	rng := rand.New(rand.NewSource(p.seed))
	p.channels = channels
	p.tW = newParam("transform/kernel", channels, channels*channels)
	p.tB = newParam("transform/bias", 1, channels*channels)
	p.w1 = newParam("point/kernel", channels, p.hidden)
	p.b1 = newParam("point/bias", 1, p.hidden)
	p.w2 = newParam("classifier/kernel", p.hidden, p.numClasses)
	p.b2 = newParam("classifier/bias", 1, p.numClasses)
	p.w1.glorot(rng)
	p.w2.glorot(rng)
	return nil
}

// Params implements Network.
func (p *PointNet) Params() []*Param {
	if p.channels == 0 {
		return nil
	}
	return []*Param{p.tW, p.tB, p.w1, p.b1, p.w2, p.b2}
}

// RegularizationLosses implements Network.
func (p *PointNet) RegularizationLosses() []float64 {
	if p.weightDecay == nil || p.channels == 0 {
		return nil
	}
	return []float64{p.w1.l2(*p.weightDecay), p.w2.l2(*p.weightDecay)}
}

// RegularizationGrad adds scale·d(loss_i)/dW for every regularization loss.
func (p *PointNet) RegularizationGrad(scale float64) {
	if p.weightDecay == nil || p.channels == 0 {
		return
	}
	for _, w := range []*Param{p.w1, p.w2} {
		floats.AddScaled(w.Grad, scale*(*p.weightDecay), w.Value)
	}
}

// Forward implements Network.
func (p *PointNet) Forward(cloud *pointcloud.Cloud) (Output, error) {
	if p.channels == 0 {
		return Output{}, errNotBuilt
	}
	if cloud.Channels() != p.channels {
		return Output{}, errors.Errorf("model: cloud has %d channels, network built for %d", cloud.Channels(), p.channels)
	}
	batch := cloud.Batch()
	c := p.channels
	logits := mat.NewDense(batch, p.numClasses, nil)
	transforms := make(Transform, batch)
	caches := make([]pointNetCache, batch)
	tW, w1, w2 := p.tW.Matrix(), p.w1.Matrix(), p.w2.Matrix()

	forEach(batch, p.threads, func(b int) {
		n := cloud.MaxPoints()
		if p.maskPadding {
			n = cloud.Counts[b]
		}
		ca := &caches[b]
		ca.g = make([]float64, c)
		if n > 0 {
			ca.x = mat.NewDense(n, c, cloud.Example(b)[:n*c])
			for i := 0; i < n; i++ {
				floats.Add(ca.g, ca.x.RawRowView(i))
			}
			floats.Scale(1/float64(n), ca.g)
		}

		var tv mat.VecDense
		tv.MulVec(tW.T(), mat.NewVecDense(c, ca.g))
		flat := make([]float64, c*c)
		for i := range flat {
			flat[i] = tv.AtVec(i) + p.tB.Value[i]
		}
		for i := 0; i < c; i++ {
			flat[i*c+i]++
		}
		ca.t = mat.NewDense(c, c, flat)
		transforms[b] = ca.t

		ca.pooled = make([]float64, p.hidden)
		ca.argmax = make([]int, p.hidden)
		for h := range ca.argmax {
			ca.argmax[h] = -1
		}
		if n > 0 {
			ca.y = mat.NewDense(n, c, nil)
			ca.y.Mul(ca.x, ca.t)
			ca.z = mat.NewDense(n, p.hidden, nil)
			ca.z.Mul(ca.y, w1)
			for i := 0; i < n; i++ {
				floats.Add(ca.z.RawRowView(i), p.b1.Value)
			}
			for h := 0; h < p.hidden; h++ {
				for i := 0; i < n; i++ {
					a := ca.z.At(i, h)
					if a < 0 {
						a = 0
					}
					if ca.argmax[h] < 0 || a > ca.pooled[h] {
						ca.pooled[h] = a
						ca.argmax[h] = i
					}
				}
			}
		}

		var lv mat.VecDense
		lv.MulVec(w2.T(), mat.NewVecDense(p.hidden, ca.pooled))
		row := logits.RawRowView(b)
		for k := range row {
			row[k] = lv.AtVec(k) + p.b2.Value[k]
		}
	})

	p.cache = caches
	return Output{Logits: logits, Transforms: []Transform{transforms}}, nil
}

type pointNetGrads struct {
	tW, tB, w1, b1, w2, b2 []float64
}

// Backward implements Network.
func (p *PointNet) Backward(grads Gradients) error {
	if p.channels == 0 {
		return errNotBuilt
	}
	batch := len(p.cache)
	if grads.Logits == nil {
		return errors.New("model: missing logits gradient")
	}
	if r, _ := grads.Logits.Dims(); r != batch {
		return errors.Errorf("model: logits gradient has %d rows, forward saw %d examples", r, batch)
	}
	var dTs Transform
	if len(grads.Transforms) > 0 {
		dTs = grads.Transforms[0]
	}
	c := p.channels
	w1, w2 := p.w1.Matrix(), p.w2.Matrix()
	per := make([]pointNetGrads, batch)

	forEach(batch, p.threads, func(b int) {
		ca := &p.cache[b]
		g := pointNetGrads{
			tW: make([]float64, len(p.tW.Value)),
			w1: make([]float64, len(p.w1.Value)),
			b1: make([]float64, len(p.b1.Value)),
			w2: make([]float64, len(p.w2.Value)),
		}
		dl := grads.Logits.RawRowView(b)
		for h, v := range ca.pooled {
			floats.AddScaled(g.w2[h*p.numClasses:(h+1)*p.numClasses], v, dl)
		}
		g.b2 = append([]float64(nil), dl...)

		var dp mat.VecDense
		dp.MulVec(w2, mat.NewVecDense(p.numClasses, append([]float64(nil), dl...)))

		dT := make([]float64, c*c)
		if ca.z != nil {
			n, _ := ca.z.Dims()
			dZ := mat.NewDense(n, p.hidden, nil)
			for h, i := range ca.argmax {
				if i >= 0 && ca.z.At(i, h) > 0 {
					dZ.Set(i, h, dp.AtVec(h))
				}
			}
			var dW1 mat.Dense
			dW1.Mul(ca.y.T(), dZ)
			copy(g.w1, dW1.RawMatrix().Data)
			for i := 0; i < n; i++ {
				floats.Add(g.b1, dZ.RawRowView(i))
			}
			var dY, dTm mat.Dense
			dY.Mul(dZ, w1.T())
			dTm.Mul(ca.x.T(), &dY)
			copy(dT, dTm.RawMatrix().Data)
		}
		if dTs != nil && dTs[b] != nil {
			for i := 0; i < c; i++ {
				floats.Add(dT[i*c:(i+1)*c], dTs[b].RawRowView(i))
			}
		}
		for i, gi := range ca.g {
			floats.AddScaled(g.tW[i*c*c:(i+1)*c*c], gi, dT)
		}
		g.tB = dT
		per[b] = g
	})

	for _, g := range per {
		floats.Add(p.tW.Grad, g.tW)
		floats.Add(p.tB.Grad, g.tB)
		floats.Add(p.w1.Grad, g.w1)
		floats.Add(p.b1.Grad, g.b1)
		floats.Add(p.w2.Grad, g.w2)
		floats.Add(p.b2.Grad, g.b2)
	}
	return nil
}
