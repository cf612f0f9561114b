package dataio

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"pointnet-trainer/internal/config"
	"pointnet-trainer/internal/dataset"
	"pointnet-trainer/internal/tensor"
)

// Example is one labelled image produced by a filler.
type Example struct {
	Image *tensor.Dense
	Label int
}

// Filler yields examples for a single stream. Next blocks until an example
// is available and returns io.EOF once a single pass stream is exhausted.
type Filler interface {
	Next(ctx context.Context) (Example, error)
	Close() error
}

// FillerFactory opens a filler for one IO block.
type FillerFactory func(ctx context.Context, cfg IOConfig, keys FieldKeys) (Filler, error)

var (
	fillersMu sync.RWMutex
	fillers   = map[string]FillerFactory{
		"webdataset": openWebDataset,
	}
)

// RegisterFiller makes a filler available under name.
func RegisterFiller(name string, f FillerFactory) {
	fillersMu.Lock()
	defer fillersMu.Unlock()
	fillers[name] = f
}

func lookupFiller(name string) (FillerFactory, error) {
	fillersMu.RLock()
	defer fillersMu.RUnlock()
	f, ok := fillers[name]
	if !ok {
		return nil, &config.Error{Key: "IO.FILLER", Reason: "unknown filler " + name}
	}
	return f, nil
}

type webDataset struct {
	cancel     context.CancelFunc
	singlePass bool
	samples <-chan dataset.Sample
	errs    <-chan error
}

func openWebDataset(ctx context.Context, cfg IOConfig, keys FieldKeys) (Filler, error) {
	roots, err := dataset.Resolve(cfg.FillerConfig)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	samples, errs, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Roots:      roots,
		Members:    dataset.Members{Data: keys.Image, Label: keys.Label},
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
		SinglePass: cfg.SinglePass,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &webDataset{cancel: cancel, singlePass: cfg.SinglePass, samples: samples, errs: errs}, nil
}

func (w *webDataset) Next(ctx context.Context) (Example, error) {
	for {
		select {
		case <-ctx.Done():
			return Example{}, ctx.Err()
		case err, ok := <-w.errs:
			if ok && err != nil {
				return Example{}, err
			}
			if !ok {
				w.errs = nil
			}
		case sample, ok := <-w.samples:
			if !ok {
				if w.singlePass {
					return Example{}, io.EOF
				}
				return Example{}, errors.New("dataio: sampler closed")
			}
			img, err := dataset.DecodeImage(sample.DataExt, sample.Data)
			if err != nil {
				return Example{}, errors.Wrapf(err, "sample %s", sample.Key)
			}
			return Example{Image: img, Label: sample.Label}, nil
		}
	}
}

func (w *webDataset) Close() error {
	w.cancel()
	return nil
}
