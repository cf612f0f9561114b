package trainer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"pointnet-trainer/internal/config"
	"pointnet-trainer/internal/dataio"
	"pointnet-trainer/internal/distributed"
	"pointnet-trainer/internal/hooks"
	"pointnet-trainer/internal/objective"
	"pointnet-trainer/internal/optim"
	"pointnet-trainer/internal/pointcloud"
	"pointnet-trainer/internal/session"
)

// Strategy supplies what differs between single-process and data-parallel
// training.
type Strategy interface {
	// Prepare validates cfg for this strategy and keeps it.
	Prepare(cfg *config.Config) error
	// Adapter returns the minibatch source.
	Adapter(numClasses int) dataio.Source
	NewOptimizer(rate float64) optim.Optimizer
	Hooks() []hooks.Hook
	// CheckpointDir is where the session restores from; "" skips restore.
	CheckpointDir() string
	// Preprocess turns a reshaped minibatch into a session feed.
	Preprocess(mb dataio.Minibatch) (session.Feed, error)
	// ChecksCeiling reports whether BatchProcess stops at ITERATIONS total
	// steps.
	ChecksCeiling() bool
}

// Single trains in one process with Adam.
type Single struct {
	cfg *config.Config
}

// NewSingle returns the single-process strategy.
func NewSingle() *Single { return &Single{} }

// Prepare implements Strategy.
func (s *Single) Prepare(cfg *config.Config) error {
	s.cfg = cfg
	return cfg.CheckParams(false)
}

// Adapter implements Strategy.
func (s *Single) Adapter(numClasses int) dataio.Source { return dataio.New(numClasses) }

// NewOptimizer implements Strategy.
func (s *Single) NewOptimizer(rate float64) optim.Optimizer { return optim.NewAdam(rate) }

// Hooks implements Strategy.
func (s *Single) Hooks() []hooks.Hook { return standardHooks(s.cfg) }

// CheckpointDir implements Strategy.
func (s *Single) CheckpointDir() string { return s.cfg.LogDir }

// Preprocess implements Strategy.
func (s *Single) Preprocess(mb dataio.Minibatch) (session.Feed, error) {
	return preprocess(mb, computeWeights(s.cfg, false), s.cfg.BoostLabels)
}

// ChecksCeiling implements Strategy.
func (s *Single) ChecksCeiling() bool { return true }

// Distributed trains one replica per rank, averaging gradients over the
// communicator. Rank 0 owns every side effect; the last rank reads data.
type Distributed struct {
	comm distributed.Communicator
	cfg  *config.Config
}

// NewDistributed returns the data-parallel strategy for this rank.
func NewDistributed(comm distributed.Communicator) *Distributed {
	return &Distributed{comm: comm}
}

func (s *Distributed) leader() bool { return s.comm.Rank() == distributed.CheckpointRank }

// Prepare implements Strategy.
func (s *Distributed) Prepare(cfg *config.Config) error {
	s.cfg = cfg
	klog.Infof("Distributed rank %d of %d (I/O rank %d, checkpoint rank %d)",
		s.comm.Rank(), s.comm.Size(), distributed.IORank(s.comm.Size()), distributed.CheckpointRank)
	return cfg.CheckParams(true)
}

// Adapter implements Strategy.
func (s *Distributed) Adapter(numClasses int) dataio.Source {
	return dataio.NewScattered(dataio.New(numClasses), s.comm, distributed.IORank(s.comm.Size()))
}

// NewOptimizer implements Strategy. A positive rate is scaled by the group
// size; otherwise Adagrad's default rate is used as is.
func (s *Distributed) NewOptimizer(rate float64) optim.Optimizer {
	if rate > 0 {
		rate *= float64(s.comm.Size())
	}
	return distributed.NewAveragingOptimizer(optim.NewAdagrad(rate), s.comm)
}

// Hooks implements Strategy.
func (s *Distributed) Hooks() []hooks.Hook {
	out := []hooks.Hook{hooks.NewBroadcast(s.comm, distributed.CheckpointRank)}
	if s.leader() {
		out = append(out, standardHooks(s.cfg)...)
	}
	return out
}

// CheckpointDir implements Strategy.
func (s *Distributed) CheckpointDir() string {
	if !s.leader() {
		return ""
	}
	return s.cfg.LogDir
}

// Preprocess implements Strategy.
func (s *Distributed) Preprocess(mb dataio.Minibatch) (session.Feed, error) {
	return preprocess(mb, computeWeights(s.cfg, true), s.cfg.BoostLabels)
}

// ChecksCeiling implements Strategy.
func (s *Distributed) ChecksCeiling() bool { return false }

func standardHooks(cfg *config.Config) []hooks.Hook {
	return []hooks.Hook{
		hooks.NewNaN(),
		hooks.NewCheckpoint(cfg.LogDir, cfg.SaveIteration),
		hooks.NewSummary(cfg.LogDir, cfg.SummaryIteration),
		hooks.NewProfile(cfg.LogDir, cfg.ProfileIteration),
		hooks.NewLogging(cfg.LoggingIteration),
	}
}

func computeWeights(cfg *config.Config, def bool) bool {
	if cfg.ComputeWeights != nil {
		return *cfg.ComputeWeights
	}
	return def
}

// preprocess squeezes the image to (batch, spatial...), densifies it into a
// point cloud and optionally attaches per-label weights.
func preprocess(mb dataio.Minibatch, weights bool, boost map[int]float64) (session.Feed, error) {
	image, ok := mb[dataio.FieldImage]
	if !ok {
		return session.Feed{}, errors.New("trainer: minibatch has no image")
	}
	label, ok := mb[dataio.FieldLabel]
	if !ok || label.Rank() != 2 {
		return session.Feed{}, errors.New("trainer: minibatch needs a (batch, classes) label")
	}
	image.Squeeze()
	cloud, err := pointcloud.Densify(image)
	if err != nil {
		return session.Feed{}, err
	}
	feed := session.Feed{
		Cloud:  cloud,
		Labels: mat.NewDense(label.Dim(0), label.Dim(1), label.Data()),
	}
	if weights {
		w, err := objective.ComputeWeights(label, boost)
		if err != nil {
			return session.Feed{}, err
		}
		mb[dataio.FieldWeight] = w
		feed.Weights = w
	}
	return feed, nil
}
