package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"pointnet-trainer/internal/config"
	"pointnet-trainer/internal/distributed"
	"pointnet-trainer/internal/model"
	"pointnet-trainer/internal/trainer"
)

func main() {
	klog.InitFlags(nil)
	iterations := flag.Int("iterations", 0, "Override ITERATIONS")
	minibatchSize := flag.Int("minibatch-size", 0, "Override MINIBATCH_SIZE")
	logDir := flag.String("logdir", "", "Override LOGDIR")
	dist := flag.Bool("distributed", false, "Train data-parallel over MPI")
	localWorkers := flag.Int("local-workers", 0, "Train data-parallel over N in-process workers")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Requires configuration file.  usage: %s [flags] config.yaml\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadWithOverrides(flag.Arg(flag.NArg()-1), config.Overrides{
		Iterations:    *iterations,
		MinibatchSize: *minibatchSize,
		LogDir:        *logDir,
		Distributed:   *dist || *localWorkers > 1,
	})
	if err != nil {
		klog.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *localWorkers > 1:
		err = runLocal(ctx, cfg, *localWorkers)
	case cfg.Distributed:
		err = runMPI(ctx, cfg)
	default:
		err = run(ctx, cfg, trainer.NewSingle())
	}
	if err != nil {
		klog.Fatalf("training failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, strategy trainer.Strategy) (err error) {
	net, err := model.New(cfg.Network, cfg.IntraOpThreads)
	if err != nil {
		return err
	}
	d := trainer.New(cfg, strategy)
	d.SetNetwork(net)
	defer func() {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := d.Initialize(ctx); err != nil {
		return err
	}
	return d.BatchProcess(ctx)
}

func runMPI(ctx context.Context, cfg *config.Config) error {
	distributed.Init()
	defer distributed.Finalize()
	comm, err := distributed.NewMPI()
	if err != nil {
		return err
	}
	return run(ctx, cfg, trainer.NewDistributed(comm))
}

// runLocal trains n replicas in this process, one goroutine each.
func runLocal(ctx context.Context, cfg *config.Config, n int) error {
	klog.Infof("Training with %d in-process workers", n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for _, comm := range distributed.LocalGroup(n) {
		wg.Add(1)
		go func(comm distributed.Communicator) {
			defer wg.Done()
			replica := *cfg
			errs[comm.Rank()] = run(ctx, &replica, trainer.NewDistributed(comm))
		}(comm)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "worker %d", rank)
		}
	}
	return nil
}
