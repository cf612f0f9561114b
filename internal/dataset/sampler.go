package dataset

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// SamplerOptions configures the multi-root sampler.
type SamplerOptions struct {
	Roots      map[string][]string
	Members    Members
	Seed       int64
	NumWorkers int
	PendingCap int
	// SinglePass streams every shard once in discovery order, without
	// shuffling, then closes the sample channel. Otherwise the sampler
	// reshuffles and loops forever.
	SinglePass bool
}

// StartSampler opens shards on NumWorkers goroutines and merges their
// samples back into schedule order, so the sequence depends on the seed
// only.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no dataset roots provided")
	}
	total := 0
	for _, shards := range opts.Roots {
		total += len(shards)
	}
	if total == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	var rng *rand.Rand
	if !opts.SinglePass {
		seed := opts.Seed
		if seed == 0 {
			seed = 42
		}
		rng = rand.New(rand.NewSource(seed))
	}

	ctx, cancel := context.WithCancel(parent)
	tasks := make(chan shardTask, opts.NumWorkers)
	opened := make(chan openShard, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	go scheduleShards(ctx, tasks, opts.Roots, rng, opts.SinglePass)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			openShards(ctx, tasks, opened, opts.Members, opts.PendingCap)
		}()
	}
	go func() {
		wg.Wait()
		close(opened)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := mergeInOrder(ctx, opened, out); err != nil {
			errCh <- err
		}
	}()
	return out, errCh, nil
}

type shardTask struct {
	seq  int64
	path string
}

type openShard struct {
	seq     int64
	samples <-chan Sample
	errs    <-chan error
}

// scheduleShards numbers shard visits in interleaved order. A single pass
// closes tasks after the first round.
func scheduleShards(ctx context.Context, tasks chan<- shardTask, roots map[string][]string, rng *rand.Rand, singlePass bool) {
	defer close(tasks)
	var seq int64
	for {
		for _, path := range interleaveRoots(roots, rng) {
			select {
			case <-ctx.Done():
				return
			case tasks <- shardTask{seq: seq, path: path}:
				seq++
			}
		}
		if singlePass {
			return
		}
	}
}

func openShards(ctx context.Context, tasks <-chan shardTask, opened chan<- openShard, members Members, pendingCap int) {
	for task := range tasks {
		samples, errs := StreamShard(ctx, task.path, members, pendingCap)
		select {
		case <-ctx.Done():
			return
		case opened <- openShard{seq: task.seq, samples: samples, errs: errs}:
		}
	}
}

// mergeInOrder forwards each opened shard in sequence order. It returns nil
// when every scheduled shard was forwarded or ctx ended.
func mergeInOrder(ctx context.Context, opened <-chan openShard, out chan<- Sample) error {
	waiting := make(map[int64]openShard)
	var next int64
	for {
		shard, ok := waiting[next]
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case s, open := <-opened:
				if !open {
					return nil
				}
				waiting[s.seq] = s
			}
			continue
		}
		delete(waiting, next)
		next++
		if !forward(ctx, shard.samples, out) {
			return nil
		}
		if err := <-shard.errs; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
}

func forward(ctx context.Context, samples <-chan Sample, out chan<- Sample) bool {
	for sample := range samples {
		select {
		case <-ctx.Done():
			return false
		case out <- sample:
		}
	}
	return ctx.Err() == nil
}

// interleaveRoots returns one visit per shard, taking one shard from each
// root in name order per round. rng, when set, shuffles the shards within
// every root first.
func interleaveRoots(roots map[string][]string, rng *rand.Rand) []string {
	names := make([]string, 0, len(roots))
	for root, shards := range roots {
		if len(shards) > 0 {
			names = append(names, root)
		}
	}
	sort.Strings(names)
	queues := make(map[string][]string, len(names))
	for _, root := range names {
		q := append([]string(nil), roots[root]...)
		if rng != nil {
			rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
		}
		queues[root] = q
	}

	var order []string
	for len(queues) > 0 {
		for _, root := range names {
			q, ok := queues[root]
			if !ok {
				continue
			}
			order = append(order, q[0])
			if len(q) == 1 {
				delete(queues, root)
			} else {
				queues[root] = q[1:]
			}
		}
	}
	return order
}
