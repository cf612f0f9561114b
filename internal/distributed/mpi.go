package distributed

import (
	"github.com/emer/empi/mpi"
	"github.com/pkg/errors"
)

// MPI is a Communicator over all processes of the MPI world.
type MPI struct {
	comm *mpi.Comm
}

// NewMPI opens a communicator over every process. Init must have been
// called.
func NewMPI() (*MPI, error) {
	if !Initialized() {
		return nil, errors.New("distributed: process group not initialized")
	}
	comm, err := mpi.NewComm(nil)
	if err != nil {
		return nil, errors.Wrap(err, "distributed: open world communicator")
	}
	return &MPI{comm: comm}, nil
}

// Rank implements Communicator.
func (m *MPI) Rank() int { return m.comm.Rank() }

// Size implements Communicator.
func (m *MPI) Size() int { return m.comm.Size() }

// AllreduceSum implements Communicator.
func (m *MPI) AllreduceSum(buf []float64) error {
	if m.Size() == 1 {
		return nil
	}
	sum := make([]float64, len(buf))
	if err := m.comm.AllReduceF64(mpi.OpSum, sum, buf); err != nil {
		return errors.Wrap(err, "distributed: allreduce")
	}
	copy(buf, sum)
	return nil
}

// Broadcast implements Communicator.
func (m *MPI) Broadcast(root int, buf []float64) error {
	if m.Size() == 1 {
		return nil
	}
	return errors.Wrapf(m.comm.BcastF64(root, buf), "distributed: broadcast from %d", root)
}

// Scatter implements Communicator.
func (m *MPI) Scatter(root int, dst, src []float64) error {
	if m.Size() == 1 {
		copy(dst, src)
		return nil
	}
	if m.Rank() == root && len(src) != len(dst)*m.Size() {
		return errors.Errorf("distributed: scatter of %d values into %d parts of %d", len(src), m.Size(), len(dst))
	}
	return errors.Wrapf(m.comm.ScatterF64(root, dst, src), "distributed: scatter from %d", root)
}
