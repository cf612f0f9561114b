// Package pointcloud converts dense, mostly empty images into zero padded
// point sets.
package pointcloud

import (
	"github.com/pkg/errors"

	"pointnet-trainer/internal/tensor"
)

// Cloud is a batch of point sets padded to the largest set in the batch.
// Points has shape (batch, maxPoints, D+1); each row is the coordinates of a
// non-zero pixel followed by its value. Rows at or beyond Counts[b] are zero.
type Cloud struct {
	Points *tensor.Dense
	Counts []int
}

// Batch returns the number of examples.
func (c *Cloud) Batch() int { return c.Points.Dim(0) }

// MaxPoints returns the padded point count.
func (c *Cloud) MaxPoints() int { return c.Points.Dim(1) }

// Channels returns D+1.
func (c *Cloud) Channels() int { return c.Points.Dim(2) }

// Example returns the padded (maxPoints × channels) rows of example b.
func (c *Cloud) Example(b int) []float64 {
	n := c.MaxPoints() * c.Channels()
	return c.Points.Data()[b*n : (b+1)*n]
}

// Mask returns a (batch, maxPoints) tensor with 1 for real points and 0 for
// padding.
func (c *Cloud) Mask() *tensor.Dense {
	m := tensor.New(c.Batch(), c.MaxPoints())
	data := m.Data()
	for b, n := range c.Counts {
		row := data[b*c.MaxPoints() : (b+1)*c.MaxPoints()]
		for i := 0; i < n; i++ {
			row[i] = 1
		}
	}
	return m
}

// Densify converts a batch of images shaped (batch, spatial...) into a Cloud.
// Points within an image are ordered by a row-major scan.
func Densify(images *tensor.Dense) (*Cloud, error) {
	if images.Rank() < 2 {
		return nil, errors.Errorf("pointcloud: need (batch, spatial...) images, got shape %v", images.Shape())
	}
	parts := make([]*tensor.Dense, images.Dim(0))
	for b := range parts {
		parts[b] = images.Slice(b)
	}
	return FromImages(parts)
}

// FromImages converts individually supplied images of equal rank.
func FromImages(images []*tensor.Dense) (*Cloud, error) {
	if len(images) == 0 {
		return nil, errors.New("pointcloud: empty batch")
	}
	dim := images[0].Rank()
	if dim == 0 {
		return nil, errors.New("pointcloud: images need at least one spatial dimension")
	}
	channels := dim + 1

	rows := make([][]float64, len(images))
	counts := make([]int, len(images))
	maxPoints := 0
	coords := make([]int, dim)
	for b, img := range images {
		if img.Rank() != dim {
			return nil, errors.Errorf("pointcloud: image %d has rank %d, want %d", b, img.Rank(), dim)
		}
		var pts []float64
		for idx, v := range img.Data() {
			if v == 0 {
				continue
			}
			coords = img.Unravel(idx, coords)
			for _, x := range coords {
				pts = append(pts, float64(x))
			}
			pts = append(pts, v)
		}
		rows[b] = pts
		counts[b] = len(pts) / channels
		if counts[b] > maxPoints {
			maxPoints = counts[b]
		}
	}

	out := tensor.New(len(images), maxPoints, channels)
	stride := maxPoints * channels
	for b, pts := range rows {
		copy(out.Data()[b*stride:], pts)
	}
	return &Cloud{Points: out, Counts: counts}, nil
}
