// Package dataio turns configured data streams into minibatches keyed by
// field name, one stream per mode.
package dataio

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"pointnet-trainer/internal/config"
	"pointnet-trainer/internal/tensor"
)

// Mode selects a data stream.
type Mode string

// Supported modes.
const (
	Train Mode = "TRAIN"
	Test  Mode = "TEST"
	Ana   Mode = "ANA"
)

// ParseMode validates a mode name.
func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case Train, Test, Ana:
		return Mode(name), nil
	}
	return "", &config.Error{
		Key:    "IO." + name,
		Reason: "unknown mode " + name + " requested, must be in [TRAIN TEST ANA]",
	}
}

// Field names in a minibatch.
const (
	FieldImage  = "image"
	FieldLabel  = "label"
	FieldWeight = "weight"
)

// Minibatch maps a field name to its values. Fetched fields are flat per
// example; Dims carries the declared shape to reshape into.
type Minibatch map[string]*tensor.Dense

// Dims maps a field name to its declared shape, batch axis first.
type Dims map[string][]int

// IOConfig is the filler call signature derived from one IO block.
type IOConfig struct {
	FillerName   string
	FillerConfig string
	Verbosity    int
	Seed         int64
	NumWorkers   int
	// SinglePass reads the stream once in order. Prepare sets it for ANA.
	SinglePass bool
}

// FieldKeys maps the minibatch fields to the filler's record keys.
type FieldKeys struct {
	Image string
	Label string
}

// Source is what the training driver pulls minibatches from.
type Source interface {
	Prepare(ctx context.Context, mode string, cfg IOConfig, batchSize int, keys FieldKeys) error
	Fetch(ctx context.Context, mode Mode) (Minibatch, Dims, error)
	FetchDims(ctx context.Context, mode Mode) (Dims, error)
	Close() error
}

// FromConfig builds the IOConfig and FieldKeys for one IO block.
func FromConfig(io config.IOConfig, fallbackWorkers int) (IOConfig, FieldKeys) {
	workers := io.NumWorkers
	if workers <= 0 {
		workers = fallbackWorkers
	}
	return IOConfig{
			FillerName:   io.Filler,
			FillerConfig: io.File,
			Verbosity:    io.Verbosity,
			Seed:         io.Seed,
			NumWorkers:   workers,
		}, FieldKeys{
			Image: io.KeywordData,
			Label: io.KeywordLabel,
		}
}

// Interface reads minibatches from registered fillers.
type Interface struct {
	numClasses int

	mu      sync.Mutex
	streams map[Mode]*stream
}

type stream struct {
	filler    Filler
	batchSize int
	verbosity int
	peeked    *fetched
	last      Dims
}

type fetched struct {
	batch Minibatch
	dims  Dims
}

// New returns an Interface that one-hot encodes labels over numClasses.
func New(numClasses int) *Interface {
	return &Interface{numClasses: numClasses, streams: make(map[Mode]*stream)}
}

// Prepare registers a named data stream.
func (i *Interface) Prepare(ctx context.Context, mode string, cfg IOConfig, batchSize int, keys FieldKeys) error {
	m, err := ParseMode(mode)
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		return &config.Error{Key: "MINIBATCH_SIZE", Reason: "must be > 0"}
	}
	cfg.SinglePass = m == Ana
	factory, err := lookupFiller(cfg.FillerName)
	if err != nil {
		return err
	}
	filler, err := factory(ctx, cfg, keys)
	if err != nil {
		return errors.Wrapf(err, "dataio: prepare %s", m)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if old, ok := i.streams[m]; ok {
		old.filler.Close()
	}
	i.streams[m] = &stream{filler: filler, batchSize: batchSize, verbosity: cfg.Verbosity}
	klog.V(klog.Level(cfg.Verbosity)).Infof("dataio: prepared %s filler=%s file=%s batch=%d", m, cfg.FillerName, cfg.FillerConfig, batchSize)
	return nil
}

// Modes lists prepared modes in order.
func (i *Interface) Modes() []Mode {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Mode, 0, len(i.streams))
	for m := range i.streams {
		out = append(out, m)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Fetch returns the next minibatch for mode, blocking until it is complete.
func (i *Interface) Fetch(ctx context.Context, mode Mode) (Minibatch, Dims, error) {
	s, err := i.stream(mode)
	if err != nil {
		return nil, nil, err
	}
	if s.peeked != nil {
		f := s.peeked
		s.peeked = nil
		return f.batch, f.dims, nil
	}
	batch, dims, err := i.read(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	s.last = dims
	return batch, dims, nil
}

// FetchDims returns the shape of the most recent minibatch, reading one
// ahead when nothing was fetched yet.
func (i *Interface) FetchDims(ctx context.Context, mode Mode) (Dims, error) {
	s, err := i.stream(mode)
	if err != nil {
		return nil, err
	}
	if s.last != nil {
		return s.last, nil
	}
	batch, dims, err := i.read(ctx, s)
	if err != nil {
		return nil, err
	}
	s.peeked = &fetched{batch: batch, dims: dims}
	s.last = dims
	return dims, nil
}

// Close stops every stream.
func (i *Interface) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	var first error
	for m, s := range i.streams {
		if err := s.filler.Close(); err != nil && first == nil {
			first = err
		}
		delete(i.streams, m)
	}
	return first
}

func (i *Interface) stream(mode Mode) (*stream, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.streams[mode]
	if !ok {
		return nil, errors.Errorf("dataio: mode %s was not prepared", mode)
	}
	return s, nil
}

func (i *Interface) read(ctx context.Context, s *stream) (Minibatch, Dims, error) {
	var imageShape []int
	images := make([]float64, 0)
	labels := tensor.New(s.batchSize, i.numClasses)
	for n := 0; n < s.batchSize; n++ {
		ex, err := s.filler.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		shape := ex.Image.Shape()
		if imageShape == nil {
			imageShape = shape
		} else if !equalShape(imageShape, shape) {
			return nil, nil, errors.Errorf("dataio: image shape %v differs from batch shape %v", shape, imageShape)
		}
		if ex.Label < 0 || ex.Label >= i.numClasses {
			return nil, nil, errors.Errorf("dataio: label %d outside [0,%d)", ex.Label, i.numClasses)
		}
		images = append(images, ex.Image.Data()...)
		labels.Data()[n*i.numClasses+ex.Label] = 1
	}
	imageT, err := tensor.FromSlice(images, s.batchSize, tensor.Volume(imageShape))
	if err != nil {
		return nil, nil, err
	}
	klog.V(klog.Level(s.verbosity)+1).Infof("dataio: read minibatch of %d images shaped %v", s.batchSize, imageShape)
	return Minibatch{FieldImage: imageT, FieldLabel: labels}, Dims{
		FieldImage: append([]int{s.batchSize, 1}, imageShape...),
		FieldLabel: []int{s.batchSize, i.numClasses},
	}, nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
