package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Profile records a CPU profile of the first step and of every n-th step
// after it, followed by a heap profile taken when that step finishes.
type Profile struct {
	Base
	dir    string
	timer  timer
	cpu    *os.File
	active int64
}

// NewProfile returns a Profile hook writing into dir.
func NewProfile(dir string, n int) *Profile {
	return &Profile{dir: dir, timer: newTimer(n), active: -1}
}

// Begin implements Hook.
func (p *Profile) Begin() error {
	return errors.Wrap(os.MkdirAll(p.dir, 0o755), "hooks: profile dir")
}

// BeforeRun implements Hook.
func (p *Profile) BeforeRun(next int64) error {
	if !p.timer.due(next) {
		return nil
	}
	p.timer.mark(next)
	f, err := os.Create(filepath.Join(p.dir, fmt.Sprintf("cpu-%d.pprof", next)))
	if err != nil {
		return errors.Wrap(err, "hooks: cpu profile")
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		// another profiler owns the process, keep training
		klog.Warningf("hooks: cpu profile for step %d: %v", next, err)
		f.Close()
		os.Remove(f.Name())
		return nil
	}
	p.cpu = f
	p.active = next
	return nil
}

// AfterRun implements Hook.
func (p *Profile) AfterRun(_ State, v RunValues) error {
	if p.active < 0 {
		return nil
	}
	err := p.stop()
	heap, ferr := os.Create(filepath.Join(p.dir, fmt.Sprintf("profile-%d.pprof", v.Step)))
	if ferr != nil {
		return errors.Wrap(ferr, "hooks: heap profile")
	}
	if werr := pprof.WriteHeapProfile(heap); werr != nil && err == nil {
		err = errors.Wrap(werr, "hooks: heap profile")
	}
	if cerr := heap.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "hooks: heap profile")
	}
	klog.V(1).Infof("Saved profiles for step %d in %s", v.Step, p.dir)
	return err
}

// End implements Hook.
func (p *Profile) End(State) error {
	if p.active < 0 {
		return nil
	}
	return p.stop()
}

// Abort implements Hook.
func (p *Profile) Abort(error) error { return p.End(nil) }

func (p *Profile) stop() error {
	pprof.StopCPUProfile()
	p.active = -1
	err := p.cpu.Close()
	p.cpu = nil
	return errors.Wrap(err, "hooks: cpu profile")
}
