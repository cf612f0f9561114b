package hooks

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"k8s.io/klog/v2"

	"pointnet-trainer/internal/model"
)

// IndexFile names the file that records the latest checkpoint in a
// directory.
const IndexFile = "checkpoint"

const (
	checkpointPrefix = "model.ckpt-"
	checkpointExt    = ".xz"
	defaultKeep      = 5
)

type snapshot struct {
	Step   int64
	Params []savedParam
}

type savedParam struct {
	Name  string
	Rows  int
	Cols  int
	Value []float64
}

// Checkpoint saves the parameters and global step under dir when the
// session is created, every n steps and at the end. The newest files are
// kept, older ones removed.
type Checkpoint struct {
	Base
	dir   string
	timer timer
	keep  int
	kept  []string
	saved int64
}

// NewCheckpoint returns a Checkpoint hook saving every n steps.
func NewCheckpoint(dir string, n int) *Checkpoint {
	return &Checkpoint{dir: dir, timer: newTimer(n), keep: defaultKeep, saved: -1}
}

// Begin implements Hook. Checkpoints listed by an existing index join the
// rotation, so a resumed run keeps pruning them.
func (c *Checkpoint) Begin() error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrap(err, "hooks: checkpoint dir")
	}
	_, all, err := readIndex(c.dir)
	if err != nil {
		return err
	}
	c.kept = all
	return nil
}

// AfterCreateSession implements Hook.
func (c *Checkpoint) AfterCreateSession(s State) error {
	step := s.GlobalStep()
	c.timer.mark(step)
	return c.save(step, s.Params())
}

// AfterRun implements Hook.
func (c *Checkpoint) AfterRun(s State, v RunValues) error {
	if !c.timer.due(v.Step) {
		return nil
	}
	c.timer.mark(v.Step)
	return c.save(v.Step, s.Params())
}

// End implements Hook.
func (c *Checkpoint) End(s State) error {
	if step := s.GlobalStep(); step != c.saved {
		return c.save(step, s.Params())
	}
	return nil
}

func (c *Checkpoint) save(step int64, params []*model.Param) error {
	name := fmt.Sprintf("%s%d%s", checkpointPrefix, step, checkpointExt)
	if err := writeSnapshot(filepath.Join(c.dir, name), step, params); err != nil {
		return err
	}
	c.saved = step
	kept := c.kept[:0]
	for _, k := range c.kept {
		if k != name {
			kept = append(kept, k)
		}
	}
	c.kept = append(kept, name)
	for len(c.kept) > c.keep {
		if err := os.Remove(filepath.Join(c.dir, c.kept[0])); err != nil && !os.IsNotExist(err) {
			klog.Warningf("hooks: removing old checkpoint %s: %v", c.kept[0], err)
		}
		c.kept = c.kept[1:]
	}
	if err := c.writeIndex(); err != nil {
		return err
	}
	klog.V(1).Infof("Saved checkpoint %s", filepath.Join(c.dir, name))
	return nil
}

func (c *Checkpoint) writeIndex() error {
	var b strings.Builder
	fmt.Fprintf(&b, "model_checkpoint_path: %q\n", c.kept[len(c.kept)-1])
	for _, name := range c.kept {
		fmt.Fprintf(&b, "all_model_checkpoint_paths: %q\n", name)
	}
	return writeFileAtomic(filepath.Join(c.dir, IndexFile), func(f *os.File) error {
		_, err := f.WriteString(b.String())
		return err
	})
}

func writeSnapshot(path string, step int64, params []*model.Param) error {
	snap := snapshot{Step: step, Params: make([]savedParam, len(params))}
	for i, p := range params {
		snap.Params[i] = savedParam{Name: p.Name, Rows: p.Rows, Cols: p.Cols, Value: p.Value}
	}
	return writeFileAtomic(path, func(f *os.File) error {
		w, err := xz.NewWriter(f)
		if err != nil {
			return err
		}
		if err := gob.NewEncoder(w).Encode(&snap); err != nil {
			return err
		}
		return w.Close()
	})
}

func writeFileAtomic(path string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return errors.Wrapf(err, "hooks: write %s", path)
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "hooks: write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "hooks: write %s", path)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "hooks: write %s", path)
}

// LatestCheckpoint returns the path of the newest checkpoint recorded in
// dir, or "" when there is none.
func LatestCheckpoint(dir string) (string, error) {
	latest, _, err := readIndex(dir)
	if err != nil || latest == "" {
		return "", err
	}
	return filepath.Join(dir, latest), nil
}

// readIndex returns the latest and all checkpoint file names listed in the
// index of dir, oldest first. A missing index yields no names.
func readIndex(dir string) (latest string, all []string, err error) {
	f, err := os.Open(filepath.Join(dir, IndexFile))
	if os.IsNotExist(err) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, errors.Wrap(err, "hooks: read checkpoint index")
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		var name string
		if _, err := fmt.Sscanf(strings.TrimSpace(value), "%q", &name); err != nil {
			return "", nil, errors.Wrap(err, "hooks: parse checkpoint index")
		}
		switch key {
		case "model_checkpoint_path":
			latest = name
		case "all_model_checkpoint_paths":
			all = append(all, name)
		}
	}
	return latest, all, errors.Wrap(sc.Err(), "hooks: read checkpoint index")
}

// Restore loads the newest checkpoint in dir into params and returns its
// global step. found is false when dir has no checkpoint.
func Restore(dir string, params []*model.Param) (step int64, found bool, err error) {
	path, err := LatestCheckpoint(dir)
	if err != nil || path == "" {
		return 0, false, err
	}
	step, err = ReadCheckpoint(path, params)
	if err != nil {
		return 0, false, err
	}
	return step, true, nil
}

// ReadCheckpoint loads the checkpoint at path into params, matching them by
// name and shape.
func ReadCheckpoint(path string, params []*model.Param) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "hooks: open checkpoint")
	}
	defer f.Close()
	r, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return 0, errors.Wrapf(err, "hooks: read checkpoint %s", path)
	}
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return 0, errors.Wrapf(err, "hooks: decode checkpoint %s", path)
	}
	saved := make(map[string]savedParam, len(snap.Params))
	for _, p := range snap.Params {
		saved[p.Name] = p
	}
	for _, p := range params {
		sp, ok := saved[p.Name]
		if !ok {
			return 0, errors.Errorf("hooks: checkpoint %s has no parameter %s", path, p.Name)
		}
		if sp.Rows != p.Rows || sp.Cols != p.Cols || len(sp.Value) != len(p.Value) {
			return 0, errors.Errorf("hooks: parameter %s is %dx%d in checkpoint, %dx%d in network", p.Name, sp.Rows, sp.Cols, p.Rows, p.Cols)
		}
	}
	for _, p := range params {
		copy(p.Value, saved[p.Name].Value)
	}
	return snap.Step, nil
}
