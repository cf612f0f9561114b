package hooks

import (
	"github.com/pkg/errors"

	"pointnet-trainer/internal/distributed"
)

// Broadcast copies the root's parameters and global step to every rank
// once the session exists, so all replicas start identical.
type Broadcast struct {
	Base
	comm distributed.Communicator
	root int
}

// NewBroadcast returns a Broadcast hook from root.
func NewBroadcast(comm distributed.Communicator, root int) *Broadcast {
	return &Broadcast{comm: comm, root: root}
}

// AfterCreateSession implements Hook.
func (b *Broadcast) AfterCreateSession(s State) error {
	if err := distributed.BroadcastParams(b.comm, b.root, s.Params()); err != nil {
		return err
	}
	step := []float64{float64(s.GlobalStep())}
	if err := b.comm.Broadcast(b.root, step); err != nil {
		return errors.Wrap(err, "hooks: broadcast global step")
	}
	s.SetGlobalStep(int64(step[0]))
	return nil
}
