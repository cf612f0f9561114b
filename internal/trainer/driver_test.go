package trainer

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
	"gotest.tools/assert/cmp"

	"pointnet-trainer/internal/config"
	"pointnet-trainer/internal/dataio"
	"pointnet-trainer/internal/distributed"
	"pointnet-trainer/internal/hooks"
	"pointnet-trainer/internal/model"
	"pointnet-trainer/internal/tensor"
)

// sparse yields 5×5 images with a few hits: class 0 in the upper left,
// class 1 in the lower right.
type sparse struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *sparse) Next(context.Context) (dataio.Example, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	label := s.rng.Intn(2)
	img := tensor.New(5, 5)
	hits := 1 + s.rng.Intn(4)
	for i := 0; i < hits; i++ {
		r, c := s.rng.Intn(3), s.rng.Intn(3)
		if label == 1 {
			r, c = r+2, c+2
		}
		img.Data()[r*5+c] = 0.5 + s.rng.Float64()
	}
	return dataio.Example{Image: img, Label: label}, nil
}

func (s *sparse) Close() error { return nil }

func init() {
	dataio.RegisterFiller("sparse", func(_ context.Context, cfg dataio.IOConfig, _ dataio.FieldKeys) (dataio.Filler, error) {
		return &sparse{rng: rand.New(rand.NewSource(cfg.Seed))}, nil
	})
}

func testConfig(t *testing.T, iterations int, extra string) *config.Config {
	t.Helper()
	raw := fmt.Sprintf(`
IO:
  TRAIN:
    FILLER: sparse
    FILE: unused
    VERBOSITY: 0
    KEYWORD_DATA: image
    KEYWORD_LABEL: label
    SEED: 4
MINIBATCH_SIZE: 4
ITERATIONS: %d
BASE_LEARNING_RATE: 0.01
SAVE_ITERATION: 3
SUMMARY_ITERATION: 1
PROFILE_ITERATION: 0
LOGGING_ITERATION: 2
LOGDIR: %s
MODE: CPU
NETWORK:
  NUM_CLASSES: 2
  HIDDEN: 8
  SEED: 1
TRANSFORMATION_LOSS: 0.001
TRAINING: true
INTER_OP_PARALLELISM_THREADS: 1
INTRA_OP_PARALLELISM_THREADS: 2
%s`, iterations, t.TempDir(), extra)
	cfg, err := config.Parse([]byte(raw))
	assert.NilError(t, err)
	assert.NilError(t, cfg.Validate())
	return cfg
}

func newNetwork(t *testing.T, cfg *config.Config) model.Network {
	t.Helper()
	net, err := model.New(cfg.Network, cfg.IntraOpThreads)
	assert.NilError(t, err)
	return net
}

func TestInitializeWithoutNetwork(t *testing.T) {
	d := New(testConfig(t, 1, ""), NewSingle())
	err := d.Initialize(context.Background())
	assert.Assert(t, errors.Is(err, config.ErrConfiguration))
	assert.Equal(t, d.State(), Uninitialized)
}

func TestInitializeRejectsUnknownMode(t *testing.T) {
	cfg := testConfig(t, 1, "")
	cfg.IO["VALIDATE"] = cfg.IO["TRAIN"]
	d := New(cfg, NewSingle())
	d.SetNetwork(newNetwork(t, cfg))
	err := d.Initialize(context.Background())
	assert.Assert(t, errors.Is(err, config.ErrConfiguration))
	d.Close()
}

func TestSingleRunsExactlyIterations(t *testing.T) {
	cfg := testConfig(t, 7, "")
	d := New(cfg, NewSingle())
	d.SetNetwork(newNetwork(t, cfg))
	assert.NilError(t, d.Initialize(context.Background()))
	assert.Equal(t, d.State(), SessionReady)

	assert.NilError(t, d.BatchProcess(context.Background()))
	assert.Equal(t, d.State(), Terminal)
	assert.Equal(t, d.Iteration(), 7)
	assert.Equal(t, d.Session().GlobalStep(), int64(7))
	assert.NilError(t, d.Close())

	rows, err := hooks.ReadScalars(filepath.Join(cfg.LogDir, hooks.SummaryFile), "Total_Loss")
	assert.NilError(t, err)
	assert.Equal(t, len(rows), 7)
	latest, err := hooks.LatestCheckpoint(cfg.LogDir)
	assert.NilError(t, err)
	assert.Equal(t, filepath.Base(latest), "model.ckpt-7.xz")

	err = d.BatchProcess(context.Background())
	assert.ErrorContains(t, err, "TERMINAL")
}

func TestCeilingCountsManualSteps(t *testing.T) {
	cfg := testConfig(t, 5, "")
	d := New(cfg, NewSingle())
	d.SetNetwork(newNetwork(t, cfg))
	assert.NilError(t, d.Initialize(context.Background()))
	defer d.Close()
	for i := 0; i < 2; i++ {
		res, err := d.TrainStep(context.Background())
		assert.NilError(t, err)
		assert.Equal(t, res.Step, int64(i+1))
		r, c := res.Logits.Dims()
		assert.Equal(t, r, 4)
		assert.Equal(t, c, 2)
	}
	assert.NilError(t, d.BatchProcess(context.Background()))
	assert.Equal(t, d.Iteration(), 5)
}

func TestResumeFromLogDir(t *testing.T) {
	cfg := testConfig(t, 3, "")
	d := New(cfg, NewSingle())
	d.SetNetwork(newNetwork(t, cfg))
	assert.NilError(t, d.Initialize(context.Background()))
	assert.NilError(t, d.BatchProcess(context.Background()))
	assert.NilError(t, d.Close())

	again := New(cfg, NewSingle())
	again.SetNetwork(newNetwork(t, cfg))
	assert.NilError(t, again.Initialize(context.Background()))
	defer again.Close()
	assert.Equal(t, again.Session().GlobalStep(), int64(3))
}

func TestSingleComputesWeightsOnRequest(t *testing.T) {
	cfg := testConfig(t, 1, "COMPUTE_WEIGHTS: true\n")
	mb := dataio.Minibatch{}
	img := tensor.New(2, 1, 2, 2)
	img.Data()[1] = 1
	mb[dataio.FieldImage] = img
	label, err := tensor.FromSlice([]float64{1, 0, 0, 1}, 2, 2)
	assert.NilError(t, err)
	mb[dataio.FieldLabel] = label

	s := NewSingle()
	assert.NilError(t, s.Prepare(cfg))
	feed, err := s.Preprocess(mb)
	assert.NilError(t, err)
	assert.Assert(t, feed.Weights != nil)
	assert.DeepEqual(t, feed.Cloud.Points.Shape(), []int{2, 1, 3})
	assert.DeepEqual(t, feed.Cloud.Counts, []int{1, 0})
	_, ok := mb[dataio.FieldWeight]
	assert.Assert(t, ok)
}

func TestSqueezedRank(t *testing.T) {
	assert.Equal(t, squeezedRank([]int{8, 1, 28, 28}), 3)
	assert.Equal(t, squeezedRank([]int{8, 1, 16, 16, 16}), 4)
	assert.Equal(t, squeezedRank([]int{1, 1, 5, 1}), 2)
}

func TestDistributedReplicasStayInSync(t *testing.T) {
	const size = 3
	logdir := t.TempDir()
	members := distributed.LocalGroup(size)
	params := make([][]float64, size)
	hookCounts := make([]int, size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	for _, c := range members {
		cfg := testConfig(t, 4, "DISTRIBUTED: true\n")
		cfg.LogDir = logdir
		// replicas start from different weights; the broadcast aligns them
		cfg.Network.Seed = int64(c.Rank() + 1)
		net := newNetwork(t, cfg)
		wg.Add(1)
		go func(c distributed.Communicator, cfg *config.Config, net model.Network) {
			defer wg.Done()
			strategy := NewDistributed(c)
			d := New(cfg, strategy)
			d.SetNetwork(net)
			if errs[c.Rank()] = d.Initialize(context.Background()); errs[c.Rank()] != nil {
				return
			}
			hookCounts[c.Rank()] = len(strategy.Hooks())
			if errs[c.Rank()] = d.BatchProcess(context.Background()); errs[c.Rank()] != nil {
				return
			}
			assert.Check(t, cmp.Equal(d.Iteration(), 4))
			params[c.Rank()] = model.Flatten(net.Params())
			errs[c.Rank()] = d.Close()
		}(c, cfg, net)
	}
	wg.Wait()
	for r, err := range errs {
		assert.NilError(t, err, "rank %d", r)
	}
	assert.DeepEqual(t, hookCounts, []int{6, 1, 1})
	for r := 1; r < size; r++ {
		assert.DeepEqual(t, params[r], params[0])
	}
	_, err := os.Stat(filepath.Join(logdir, hooks.SummaryFile))
	assert.NilError(t, err)
}

func TestDistributedRequiresThreadKeys(t *testing.T) {
	cfg, err := config.Parse([]byte(`
IO: {TRAIN: {FILLER: sparse}}
MINIBATCH_SIZE: 2
ITERATIONS: 1
SAVE_ITERATION: 1
LOGDIR: /tmp/unused
NETWORK: {NUM_CLASSES: 2}
`))
	assert.NilError(t, err)
	err = NewDistributed(distributed.LocalGroup(1)[0]).Prepare(cfg)
	assert.Assert(t, errors.Is(err, config.ErrConfiguration))
	assert.ErrorContains(t, err, "INTER_OP_PARALLELISM_THREADS")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, SessionReady.String(), "SESSION_READY")
	assert.Equal(t, State(42).String(), "State(42)")
}
