// Package trainer drives configuration-driven training of a point-cloud
// classifier: I/O setup, network construction, session and hook wiring,
// and the counted step loop.
package trainer

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"pointnet-trainer/internal/config"
	"pointnet-trainer/internal/dataio"
	"pointnet-trainer/internal/model"
	"pointnet-trainer/internal/objective"
	"pointnet-trainer/internal/session"
)

// State is the lifecycle position of a Driver.
type State int

// Driver states, in the only order they can be reached.
const (
	Uninitialized State = iota
	IOReady
	GraphBuilt
	SessionReady
	Running
	Terminal
)

var stateNames = [...]string{"UNINITIALIZED", "IO_READY", "GRAPH_BUILT", "SESSION_READY", "RUNNING", "TERMINAL"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Driver owns the iteration counter and runs training steps through a
// session built by its strategy.
type Driver struct {
	cfg      *config.Config
	strategy Strategy

	net    model.Network
	source dataio.Source
	sess   *session.Session

	state     State
	iteration int
}

// New returns an uninitialized Driver for cfg.
func New(cfg *config.Config, strategy Strategy) *Driver {
	return &Driver{cfg: cfg, strategy: strategy}
}

// SetNetwork attaches the network to train. It must be called before
// Initialize.
func (d *Driver) SetNetwork(net model.Network) { d.net = net }

// State returns the current lifecycle state.
func (d *Driver) State() State { return d.state }

// Iteration returns the number of steps run by this driver.
func (d *Driver) Iteration() int { return d.iteration }

// Session returns the training session, nil before Initialize.
func (d *Driver) Session() *session.Session { return d.sess }

// Initialize prepares every configured data stream, builds the network for
// the TRAIN input shape, and opens the session with the strategy's
// optimizer and hooks.
func (d *Driver) Initialize(ctx context.Context) error {
	if d.net == nil {
		return &config.Error{Key: "NETWORK", Reason: "network object not set, call SetNetwork before Initialize"}
	}
	if d.state != Uninitialized {
		return errors.Errorf("trainer: initialize in state %s", d.state)
	}
	if err := d.strategy.Prepare(d.cfg); err != nil {
		return err
	}
	if err := d.initializeIO(ctx); err != nil {
		return err
	}
	d.state = IOReady

	if err := d.constructGraph(ctx); err != nil {
		return err
	}
	d.state = GraphBuilt

	sess, err := session.New(session.Config{
		Network:   d.net,
		Optimizer: d.strategy.NewOptimizer(d.cfg.BaseLearningRate),
		Objective: objective.Settings{
			Regularize:         d.cfg.Network.Regularized(),
			TransformationLoss: d.cfg.TransformationLoss,
		},
		Hooks:         d.strategy.Hooks(),
		CheckpointDir: d.strategy.CheckpointDir(),
	})
	if err != nil {
		return err
	}
	d.sess = sess
	d.state = SessionReady
	return nil
}

func (d *Driver) initializeIO(ctx context.Context) error {
	if _, ok := d.cfg.IO[string(dataio.Train)]; !ok {
		return &config.Error{Key: "IO.TRAIN", Reason: "missing parameter"}
	}
	d.source = d.strategy.Adapter(d.cfg.Network.NumClasses)
	for _, mode := range d.cfg.Modes() {
		ioCfg, keys := dataio.FromConfig(d.cfg.IO[mode], d.cfg.InterOpThreads)
		if err := d.source.Prepare(ctx, mode, ioCfg, d.cfg.MinibatchSize, keys); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) constructGraph(ctx context.Context) error {
	klog.Info("Begin constructing network")
	dims, err := d.source.FetchDims(ctx, dataio.Train)
	if err != nil {
		return err
	}
	image, ok := dims[dataio.FieldImage]
	if !ok {
		return errors.New("trainer: TRAIN stream has no image field")
	}
	channels := squeezedRank(image)
	if err := d.net.Build(channels); err != nil {
		return err
	}
	klog.Infof("Done constructing %s network for %d-channel points (image dims %v, %d parameters)",
		d.net.Name(), channels, image, len(model.Flatten(d.net.Params())))
	return nil
}

// squeezedRank is the point row width for images of the given batched
// shape: one column per spatial axis left after squeezing, plus the value.
func squeezedRank(shape []int) int {
	n := 1
	for _, v := range shape[1:] {
		if v != 1 {
			n++
		}
	}
	return n
}

// Close ends the session and stops the data streams.
func (d *Driver) Close() error {
	var first error
	if d.sess != nil {
		first = d.sess.Close()
	}
	if d.source != nil {
		if err := d.source.Close(); err != nil && first == nil {
			first = err
		}
		d.source = nil
	}
	return first
}
