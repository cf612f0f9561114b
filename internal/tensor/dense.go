// Package tensor provides the dense row-major arrays exchanged between the
// data pipeline, the densifier and the network.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
	gt "gorgonia.org/tensor"
)

// Dense is an N-dimensional row-major float64 array over a gorgonia dense
// tensor. The backing slice is always owned by the caller or by New, never
// allocated by the gorgonia engine.
type Dense struct {
	d *gt.Dense
}

// New allocates a zero tensor with the given shape.
func New(shape ...int) *Dense {
	return wrap(make([]float64, Volume(shape)), shape)
}

// FromSlice wraps data with shape. The slice is not copied.
func FromSlice(data []float64, shape ...int) (*Dense, error) {
	if Volume(shape) != len(data) {
		return nil, errors.Errorf("tensor: shape %v needs %d values, got %d", shape, Volume(shape), len(data))
	}
	return wrap(data, shape), nil
}

func wrap(data []float64, shape []int) *Dense {
	return &Dense{d: gt.New(gt.WithBacking(data), gt.WithShape(append([]int(nil), shape...)...))}
}

// Volume returns the element count of shape.
func Volume(shape []int) int {
	if len(shape) == 0 {
		return 1
	}
	return gt.Shape(shape).TotalSize()
}

// Shape returns a copy of the dimensions.
func (t *Dense) Shape() []int { return append([]int(nil), t.d.Shape()...) }

// Rank returns the number of dimensions.
func (t *Dense) Rank() int { return t.d.Dims() }

// Dim returns the size of axis i.
func (t *Dense) Dim(i int) int { return t.d.Shape()[i] }

// Len returns the element count.
func (t *Dense) Len() int { return len(t.Data()) }

// Data exposes the backing slice.
func (t *Dense) Data() []float64 { return t.d.Float64s() }

// Reshape changes the shape in place. A single -1 is inferred.
func (t *Dense) Reshape(dims ...int) error {
	shape := append([]int(nil), dims...)
	n := t.Len()
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1:
			if infer >= 0 {
				return errors.New("tensor: only one dimension may be inferred")
			}
			infer = i
		case d < 0:
			return errors.Errorf("tensor: invalid dimension %d", d)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || n%known != 0 {
			return errors.Errorf("tensor: cannot reshape %d values into %v", n, dims)
		}
		shape[infer] = n / known
	}
	if Volume(shape) != n {
		return errors.Errorf("tensor: cannot reshape %v into %v", t.Shape(), dims)
	}
	return errors.Wrapf(t.d.Reshape(shape...), "tensor: reshape %v into %v", t.Shape(), dims)
}

// Squeeze drops every size-1 axis after the leading batch axis.
func (t *Dense) Squeeze() {
	old := t.Shape()
	if len(old) == 0 {
		return
	}
	shape := []int{old[0]}
	for _, d := range old[1:] {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	if len(shape) != len(old) {
		// same element count, cannot fail
		_ = t.d.Reshape(shape...)
	}
}

// Slice returns a view of the i-th element along the leading axis.
func (t *Dense) Slice(i int) *Dense {
	shape := t.Shape()
	if len(shape) == 0 || i < 0 || i >= shape[0] {
		panic(fmt.Sprintf("tensor: slice %d out of range for shape %v", i, shape))
	}
	inner := shape[1:]
	n := Volume(inner)
	return wrap(t.Data()[i*n:(i+1)*n:(i+1)*n], inner)
}

// Unravel converts a flat row-major index into coordinates, written to dst.
func (t *Dense) Unravel(index int, dst []int) []int {
	shape := t.d.Shape()
	if cap(dst) < len(shape) {
		dst = make([]int, len(shape))
	}
	dst = dst[:len(shape)]
	for axis := len(shape) - 1; axis >= 0; axis-- {
		d := shape[axis]
		dst[axis] = index % d
		index /= d
	}
	return dst
}
