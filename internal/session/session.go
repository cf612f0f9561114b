// Package session runs training steps on a network and notifies hooks
// around each of them. It owns the global step.
package session

import (
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"pointnet-trainer/internal/hooks"
	"pointnet-trainer/internal/model"
	"pointnet-trainer/internal/objective"
	"pointnet-trainer/internal/optim"
	"pointnet-trainer/internal/pointcloud"
	"pointnet-trainer/internal/tensor"
)

// Config assembles a session.
type Config struct {
	Network   model.Network
	Optimizer optim.Optimizer
	Objective objective.Settings
	Hooks     []hooks.Hook
	// CheckpointDir, when set, is searched for a checkpoint to restore
	// before the hooks see the session.
	CheckpointDir string
}

// Feed is the input of one step.
type Feed struct {
	Cloud  *pointcloud.Cloud
	Labels *mat.Dense
	// Weights are optional per-label weights; they are carried with the
	// step but do not enter the loss.
	Weights *tensor.Dense
	// Data is the time spent producing the feed.
	Data time.Duration
}

// Result is what a step returns to the caller.
type Result struct {
	Step     int64
	Loss     float64
	Accuracy float64
	Logits   *mat.Dense
	Terms    []objective.Term
}

// Session is a monitored training session.
type Session struct {
	cfg    Config
	step   int64
	closed bool
	// failed is the first error returned by Run. Parameters may hold a
	// partial or diverged update once it is set.
	failed error
}

// New runs Begin on every hook, restores the newest checkpoint if one is
// configured and present, then runs AfterCreateSession.
func New(cfg Config) (*Session, error) {
	if cfg.Network == nil || cfg.Optimizer == nil {
		return nil, errors.New("session: network and optimizer are required")
	}
	s := &Session{cfg: cfg}
	for _, h := range cfg.Hooks {
		if err := h.Begin(); err != nil {
			return nil, err
		}
	}
	if cfg.CheckpointDir != "" {
		step, found, err := hooks.Restore(cfg.CheckpointDir, cfg.Network.Params())
		if err != nil {
			return nil, err
		}
		if found {
			klog.Infof("Restored parameters at global step %d from %s", step, cfg.CheckpointDir)
			s.step = step
		}
	}
	for _, h := range cfg.Hooks {
		if err := h.AfterCreateSession(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// GlobalStep implements hooks.State.
func (s *Session) GlobalStep() int64 { return s.step }

// SetGlobalStep implements hooks.State.
func (s *Session) SetGlobalStep(step int64) { s.step = step }

// Params implements hooks.State.
func (s *Session) Params() []*model.Param { return s.cfg.Network.Params() }

// Run executes one optimizer step on feed. After an error the session
// refuses further steps.
func (s *Session) Run(feed Feed) (res Result, err error) {
	if s.closed {
		return Result{}, errors.New("session: run after close")
	}
	if s.failed != nil {
		return Result{}, errors.WithMessage(s.failed, "session: run after failure")
	}
	defer func() {
		if err != nil {
			s.failed = err
		}
	}()
	next := s.step + 1
	for _, h := range s.cfg.Hooks {
		if err := h.BeforeRun(next); err != nil {
			return Result{}, err
		}
	}

	start := time.Now()
	net := s.cfg.Network
	model.ZeroGrad(net)
	out, err := net.Forward(feed.Cloud)
	if err != nil {
		return Result{}, err
	}
	g, err := objective.Build(feed.Labels, out, net.RegularizationLosses(), s.cfg.Objective)
	if err != nil {
		return Result{}, err
	}
	if err := net.Backward(model.Gradients{Logits: g.DLogits, Transforms: g.DTransforms}); err != nil {
		return Result{}, err
	}
	if g.RegularizationScale > 0 {
		net.RegularizationGrad(g.RegularizationScale)
	}
	if err := s.cfg.Optimizer.Apply(net.Params()); err != nil {
		return Result{}, err
	}
	s.step = next
	compute := time.Since(start)

	points := 0
	for _, n := range feed.Cloud.Counts {
		points += n
	}
	v := hooks.RunValues{
		Step:     next,
		Loss:     g.Loss,
		Accuracy: g.Accuracy,
		Terms:    g.Terms,
		Examples: feed.Cloud.Batch(),
		Points:   points,
		Data:     feed.Data,
		Compute:  compute,
	}
	for _, h := range s.cfg.Hooks {
		if err := h.AfterRun(s, v); err != nil {
			return Result{}, err
		}
	}
	return Result{Step: next, Loss: g.Loss, Accuracy: g.Accuracy, Logits: out.Logits, Terms: g.Terms}, nil
}

// Close runs End on every hook once and returns the first error. When a
// step failed, hooks get Abort instead so nothing saves the failed state.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, h := range s.cfg.Hooks {
		var err error
		if s.failed != nil {
			err = h.Abort(s.failed)
		} else {
			err = h.End(s)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error { return s.failed }
