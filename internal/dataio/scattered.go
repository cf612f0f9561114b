package dataio

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"pointnet-trainer/internal/distributed"
	"pointnet-trainer/internal/tensor"
)

// maxHeaderRank bounds the rank of a scattered field shape.
const maxHeaderRank = 8

// scatterFields is the fixed field order of the scattered header.
var scatterFields = []string{FieldImage, FieldLabel}

// Scattered reads minibatches on one I/O rank and hands every rank its own
// minibatch through the communicator. All ranks must call Fetch and
// FetchDims in lockstep.
type Scattered struct {
	inner  Source
	comm   distributed.Communicator
	ioRank int
	dims   map[Mode]Dims
}

// NewScattered wraps inner, which is only used on ioRank.
func NewScattered(inner Source, comm distributed.Communicator, ioRank int) *Scattered {
	return &Scattered{inner: inner, comm: comm, ioRank: ioRank, dims: make(map[Mode]Dims)}
}

func (s *Scattered) isRoot() bool { return s.comm.Rank() == s.ioRank }

// Prepare implements Source. Only the I/O rank opens the stream.
func (s *Scattered) Prepare(ctx context.Context, mode string, cfg IOConfig, batchSize int, keys FieldKeys) error {
	if _, err := ParseMode(mode); err != nil {
		return err
	}
	if !s.isRoot() {
		return nil
	}
	klog.V(1).Infof("dataio: rank %d reads %s for %d ranks", s.comm.Rank(), mode, s.comm.Size())
	return s.inner.Prepare(ctx, mode, cfg, batchSize, keys)
}

// FetchDims implements Source.
func (s *Scattered) FetchDims(ctx context.Context, mode Mode) (Dims, error) {
	if d, ok := s.dims[mode]; ok {
		return d, nil
	}
	var header []float64
	var err error
	if s.isRoot() {
		var d Dims
		if d, err = s.inner.FetchDims(ctx, mode); err == nil {
			header, err = encodeHeader(d)
		}
	}
	d, err := s.shareHeader(header, err)
	if err != nil {
		return nil, err
	}
	s.dims[mode] = d
	return d, nil
}

// Fetch implements Source. The I/O rank reads Size minibatches and rank r
// receives the r-th.
func (s *Scattered) Fetch(ctx context.Context, mode Mode) (Minibatch, Dims, error) {
	size := s.comm.Size()
	var batches []Minibatch
	var header []float64
	var err error
	if s.isRoot() {
		batches, header, err = s.readAll(ctx, mode, size)
	}
	dims, err := s.shareHeader(header, err)
	if err != nil {
		return nil, nil, err
	}
	s.dims[mode] = dims

	out := make(Minibatch, len(scatterFields))
	for _, field := range scatterFields {
		shape := dims[field]
		vol := tensor.Volume(shape)
		var src []float64
		if s.isRoot() {
			src = make([]float64, 0, vol*size)
			for _, b := range batches {
				src = append(src, b[field].Data()...)
			}
		}
		dst := make([]float64, vol)
		if err := s.comm.Scatter(s.ioRank, dst, src); err != nil {
			return nil, nil, errors.Wrapf(err, "dataio: scatter %s", field)
		}
		t, err := tensor.FromSlice(dst, shape[0], vol/shape[0])
		if err != nil {
			return nil, nil, err
		}
		out[field] = t
	}
	return out, dims, nil
}

// Close implements Source.
func (s *Scattered) Close() error {
	if !s.isRoot() {
		return nil
	}
	return s.inner.Close()
}

func (s *Scattered) readAll(ctx context.Context, mode Mode, size int) ([]Minibatch, []float64, error) {
	batches := make([]Minibatch, size)
	var first Dims
	for r := range batches {
		b, d, err := s.inner.Fetch(ctx, mode)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "dataio: read minibatch for rank %d", r)
		}
		if first == nil {
			first = d
		} else {
			for _, field := range scatterFields {
				if !equalShape(first[field], d[field]) {
					return nil, nil, errors.Errorf("dataio: %s shape %v for rank %d differs from %v", field, d[field], r, first[field])
				}
			}
		}
		batches[r] = b
	}
	header, err := encodeHeader(first)
	return batches, header, err
}

// shareHeader broadcasts the I/O rank's header, or its failure, to every
// rank so that no rank is left waiting in a collective.
func (s *Scattered) shareHeader(header []float64, rootErr error) (Dims, error) {
	buf := make([]float64, headerLen())
	if s.isRoot() && rootErr == nil {
		copy(buf, header)
	} else if s.isRoot() {
		buf[0] = -1
	}
	if err := s.comm.Broadcast(s.ioRank, buf); err != nil {
		return nil, errors.Wrap(err, "dataio: broadcast dims")
	}
	if rootErr != nil {
		return nil, rootErr
	}
	if buf[0] < 0 {
		return nil, errors.Errorf("dataio: reading failed on rank %d", s.ioRank)
	}
	return decodeHeader(buf)
}

func headerLen() int { return len(scatterFields) * (1 + maxHeaderRank) }

func encodeHeader(d Dims) ([]float64, error) {
	buf := make([]float64, headerLen())
	for i, field := range scatterFields {
		shape, ok := d[field]
		if !ok {
			return nil, errors.Errorf("dataio: minibatch has no %s field", field)
		}
		if len(shape) == 0 || len(shape) > maxHeaderRank {
			return nil, errors.Errorf("dataio: %s rank %d outside [1,%d]", field, len(shape), maxHeaderRank)
		}
		off := i * (1 + maxHeaderRank)
		buf[off] = float64(len(shape))
		for j, v := range shape {
			buf[off+1+j] = float64(v)
		}
	}
	return buf, nil
}

func decodeHeader(buf []float64) (Dims, error) {
	d := make(Dims, len(scatterFields))
	for i, field := range scatterFields {
		off := i * (1 + maxHeaderRank)
		rank := int(buf[off])
		if rank <= 0 || rank > maxHeaderRank {
			return nil, errors.Errorf("dataio: bad %s rank %d in header", field, rank)
		}
		shape := make([]int, rank)
		for j := range shape {
			shape[j] = int(buf[off+1+j])
		}
		d[field] = shape
	}
	return d, nil
}
