package dataio

import (
	"context"
	"fmt"
	stdio "io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
	"gotest.tools/assert/cmp"

	"pointnet-trainer/internal/config"
	"pointnet-trainer/internal/dataset"
	"pointnet-trainer/internal/distributed"
	"pointnet-trainer/internal/tensor"
)

// counting yields 2×3 images filled with a running counter and labels
// counter mod 3.
type counting struct {
	mu   sync.Mutex
	next int
}

func (c *counting) Next(ctx context.Context) (Example, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img := tensor.New(2, 3)
	for i := range img.Data() {
		img.Data()[i] = float64(c.next)
	}
	ex := Example{Image: img, Label: c.next % 3}
	c.next++
	return ex, nil
}

func (c *counting) Close() error { return nil }

func init() {
	RegisterFiller("counting", func(ctx context.Context, cfg IOConfig, keys FieldKeys) (Filler, error) {
		return &counting{}, nil
	})
}

func prepared(t *testing.T, batch int) *Interface {
	t.Helper()
	io := New(3)
	assert.NilError(t, io.Prepare(context.Background(), "TRAIN", IOConfig{FillerName: "counting"}, batch, FieldKeys{}))
	return io
}

func TestPrepareRejectsUnknownMode(t *testing.T) {
	err := New(3).Prepare(context.Background(), "VALIDATE", IOConfig{FillerName: "counting"}, 2, FieldKeys{})
	assert.Assert(t, errors.Is(err, config.ErrConfiguration))
	assert.ErrorContains(t, err, "unknown mode VALIDATE")
}

func TestPrepareRejectsUnknownFiller(t *testing.T) {
	err := New(3).Prepare(context.Background(), "TEST", IOConfig{FillerName: "larcv"}, 2, FieldKeys{})
	assert.Assert(t, errors.Is(err, config.ErrConfiguration))
}

func TestFetchBuildsFlatImagesAndOneHotLabels(t *testing.T) {
	io := prepared(t, 2)
	defer io.Close()

	mb, dims, err := io.Fetch(context.Background(), Train)
	assert.NilError(t, err)
	assert.DeepEqual(t, dims[FieldImage], []int{2, 1, 2, 3})
	assert.DeepEqual(t, dims[FieldLabel], []int{2, 3})
	assert.DeepEqual(t, mb[FieldImage].Shape(), []int{2, 6})
	assert.DeepEqual(t, mb[FieldLabel].Data(), []float64{1, 0, 0, 0, 1, 0})
	assert.Equal(t, mb[FieldImage].Data()[6], 1.0)
}

func TestFetchDimsPeeksWithoutSkipping(t *testing.T) {
	io := prepared(t, 2)
	defer io.Close()

	dims, err := io.FetchDims(context.Background(), Train)
	assert.NilError(t, err)
	assert.DeepEqual(t, dims[FieldImage], []int{2, 1, 2, 3})

	mb, _, err := io.Fetch(context.Background(), Train)
	assert.NilError(t, err)
	assert.Equal(t, mb[FieldImage].Data()[0], 0.0)

	mb, _, err = io.Fetch(context.Background(), Train)
	assert.NilError(t, err)
	assert.Equal(t, mb[FieldImage].Data()[0], 2.0)
}

func TestFetchUnpreparedMode(t *testing.T) {
	_, _, err := prepared(t, 1).Fetch(context.Background(), Ana)
	assert.ErrorContains(t, err, "not prepared")
}

func TestModesAreSorted(t *testing.T) {
	io := prepared(t, 1)
	assert.NilError(t, io.Prepare(context.Background(), "ANA", IOConfig{FillerName: "counting"}, 1, FieldKeys{}))
	assert.DeepEqual(t, io.Modes(), []Mode{Ana, Train})
	assert.NilError(t, io.Close())
	assert.Equal(t, len(io.Modes()), 0)
}

// writeEvents writes a shard of four 3×3 events; event i has its single
// non-zero pixel at flat index i and label i mod 2.
func writeEvents(t *testing.T) (IOConfig, FieldKeys) {
	t.Helper()
	dir := t.TempDir()
	var samples []dataset.Sample
	for i := 0; i < 4; i++ {
		img := tensor.New(3, 3)
		img.Data()[i] = 1
		samples = append(samples, dataset.Sample{
			Key:     fmt.Sprintf("ev%02d", i),
			DataExt: ".dense",
			Data:    dataset.EncodeDense(img),
			Label:   i % 2,
		})
	}
	assert.NilError(t, dataset.WriteShardFile(filepath.Join(dir, dataset.ShardName(0)), samples))
	return FromConfig(config.IOConfig{
		Filler:       "webdataset",
		File:         dir,
		KeywordData:  "dense",
		KeywordLabel: "cls",
		Seed:         1,
	}, 1)
}

func TestWebDatasetFiller(t *testing.T) {
	cfg, keys := writeEvents(t)
	io := New(2)
	assert.NilError(t, io.Prepare(context.Background(), "TRAIN", cfg, 4, keys))
	defer io.Close()

	mb, dims, err := io.Fetch(context.Background(), Train)
	assert.NilError(t, err)
	assert.DeepEqual(t, dims[FieldImage], []int{4, 1, 3, 3})
	// every image holds a single non-zero pixel
	for b := 0; b < 4; b++ {
		sum := 0.0
		for _, v := range mb[FieldImage].Slice(b).Data() {
			sum += v
		}
		assert.Equal(t, sum, 1.0)
	}
}

func TestAnaStreamIsOneOrderedPass(t *testing.T) {
	cfg, keys := writeEvents(t)
	src := New(2)
	assert.NilError(t, src.Prepare(context.Background(), "ANA", cfg, 2, keys))
	defer src.Close()

	for b := 0; b < 2; b++ {
		mb, _, err := src.Fetch(context.Background(), Ana)
		assert.NilError(t, err)
		for i := 0; i < 2; i++ {
			event := 2*b + i
			assert.Equal(t, mb[FieldImage].Slice(i).Data()[event], 1.0)
			assert.Equal(t, mb[FieldLabel].Slice(i).Data()[event%2], 1.0)
		}
	}
	_, _, err := src.Fetch(context.Background(), Ana)
	assert.Assert(t, errors.Is(err, stdio.EOF), "got %v", err)
}

func TestScatteredHandsEachRankItsOwnBatch(t *testing.T) {
	const size = 3
	members := distributed.LocalGroup(size)
	ioRank := distributed.IORank(size)
	firsts := make([]float64, size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	for _, c := range members {
		wg.Add(1)
		go func(c distributed.Communicator) {
			defer wg.Done()
			s := NewScattered(New(3), c, ioRank)
			defer s.Close()
			ctx := context.Background()
			if err := s.Prepare(ctx, "TRAIN", IOConfig{FillerName: "counting"}, 2, FieldKeys{}); err != nil {
				errs[c.Rank()] = err
				return
			}
			dims, err := s.FetchDims(ctx, Train)
			if err != nil {
				errs[c.Rank()] = err
				return
			}
			assert.Check(t, cmp.DeepEqual(dims[FieldImage], []int{2, 1, 2, 3}))

			mb, _, err := s.Fetch(ctx, Train)
			if err != nil {
				errs[c.Rank()] = err
				return
			}
			assert.Check(t, cmp.DeepEqual(mb[FieldImage].Shape(), []int{2, 6}))
			assert.Check(t, cmp.DeepEqual(mb[FieldLabel].Shape(), []int{2, 3}))
			firsts[c.Rank()] = mb[FieldImage].Data()[0]
		}(c)
	}
	wg.Wait()
	for r, err := range errs {
		assert.NilError(t, err, "rank %d", r)
	}
	// the I/O rank read 3 batches of 2 in order
	assert.DeepEqual(t, firsts, []float64{0, 2, 4})
}

func TestScatteredPropagatesReadFailure(t *testing.T) {
	members := distributed.LocalGroup(2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for _, c := range members {
		wg.Add(1)
		go func(c distributed.Communicator) {
			defer wg.Done()
			// nothing prepared: the I/O rank fails to read
			_, _, errs[c.Rank()] = NewScattered(New(3), c, 1).Fetch(context.Background(), Test)
		}(c)
	}
	wg.Wait()
	assert.ErrorContains(t, errs[1], "not prepared")
	assert.ErrorContains(t, errs[0], "reading failed on rank 1")
}
