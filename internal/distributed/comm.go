// Package distributed provides the process-group lifecycle, rank roles and
// collective operations used by data-parallel training.
package distributed

import (
	"sync"

	"github.com/emer/empi/mpi"
	"k8s.io/klog/v2"
)

// CheckpointRank is the rank that writes checkpoints and summaries.
const CheckpointRank = 0

// IORank returns the rank that reads input data for a group of size
// workers: the last one.
func IORank(size int) int { return size - 1 }

// Communicator is a fixed group of workers exchanging float64 buffers.
// Every member must call the same collective in the same order.
type Communicator interface {
	Rank() int
	Size() int
	// AllreduceSum replaces buf with the element-wise sum over all ranks.
	AllreduceSum(buf []float64) error
	// Broadcast copies root's buf into every other rank's buf.
	Broadcast(root int, buf []float64) error
	// Scatter splits root's src into Size equal parts; rank r receives
	// part r in dst. src is ignored on other ranks.
	Scatter(root int, dst, src []float64) error
}

var lifecycle struct {
	mu          sync.Mutex
	initialized bool
	finalized   bool
}

// Init starts the MPI process group. Repeated calls are no-ops.
func Init() {
	lifecycle.mu.Lock()
	defer lifecycle.mu.Unlock()
	if lifecycle.initialized {
		return
	}
	mpi.Init()
	lifecycle.initialized = true
	klog.V(1).Infof("distributed: process group started, rank %d of %d", mpi.WorldRank(), mpi.WorldSize())
}

// Finalize shuts the process group down. It does nothing when Init was
// never called or Finalize already ran.
func Finalize() {
	lifecycle.mu.Lock()
	defer lifecycle.mu.Unlock()
	if !lifecycle.initialized || lifecycle.finalized {
		return
	}
	mpi.Finalize()
	lifecycle.finalized = true
}

// Initialized reports whether Init ran and Finalize did not.
func Initialized() bool {
	lifecycle.mu.Lock()
	defer lifecycle.mu.Unlock()
	return lifecycle.initialized && !lifecycle.finalized
}
