package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Execution modes.
const (
	ModeCPU = "CPU"
	ModeGPU = "GPU"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	IO                 map[string]IOConfig `yaml:"IO"`
	MinibatchSize      int                 `yaml:"MINIBATCH_SIZE"`
	Iterations         int                 `yaml:"ITERATIONS"`
	BaseLearningRate   float64             `yaml:"BASE_LEARNING_RATE"`
	SaveIteration      int                 `yaml:"SAVE_ITERATION"`
	SummaryIteration   int                 `yaml:"SUMMARY_ITERATION"`
	ProfileIteration   int                 `yaml:"PROFILE_ITERATION"`
	LoggingIteration   int                 `yaml:"LOGGING_ITERATION"`
	LogDir             string              `yaml:"LOGDIR"`
	Mode               string              `yaml:"MODE"`
	Network            Network             `yaml:"NETWORK"`
	TransformationLoss float64             `yaml:"TRANSFORMATION_LOSS"`
	Training           bool                `yaml:"TRAINING"`
	InterOpThreads     int                 `yaml:"INTER_OP_PARALLELISM_THREADS"`
	IntraOpThreads     int                 `yaml:"INTRA_OP_PARALLELISM_THREADS"`
	Distributed        bool                `yaml:"DISTRIBUTED"`
	ComputeWeights     *bool               `yaml:"COMPUTE_WEIGHTS"`
	BoostLabels        map[int]float64     `yaml:"BOOST_LABELS"`

	present map[string]bool
}

// IOConfig describes one data stream (TRAIN, TEST or ANA).
type IOConfig struct {
	Filler       string `yaml:"FILLER"`
	File         string `yaml:"FILE"`
	Verbosity    int    `yaml:"VERBOSITY"`
	KeywordData  string `yaml:"KEYWORD_DATA"`
	KeywordLabel string `yaml:"KEYWORD_LABEL"`
	Seed         int64  `yaml:"SEED"`
	NumWorkers   int    `yaml:"NUM_WORKERS"`
}

// Network holds the network hyperparameters.
type Network struct {
	Name        string   `yaml:"NAME"`
	NumClasses  int      `yaml:"NUM_CLASSES"`
	Hidden      int      `yaml:"HIDDEN"`
	Regularize  *float64 `yaml:"REGULARIZE"`
	MaskPadding bool     `yaml:"MASK_PADDING"`
	Seed        int64    `yaml:"SEED"`

	// Copied from the top level during Validate.
	Training bool   `yaml:"-"`
	Mode     string `yaml:"-"`
}

// Regularized reports whether the weight regularization term is requested.
func (n Network) Regularized() bool { return n.Regularize != nil }

// Overrides captures CLI supplied values.
type Overrides struct {
	Iterations    int
	MinibatchSize int
	LogDir        string
	Distributed   bool
}

// coreKeys must be present in every configuration.
var coreKeys = []string{"SAVE_ITERATION", "LOGDIR", "ITERATIONS", "IO", "NETWORK"}

// distributedKeys are additionally required by the distributed driver.
var distributedKeys = []string{"INTER_OP_PARALLELISM_THREADS", "INTRA_OP_PARALLELISM_THREADS"}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, Overrides{})
}

// LoadWithOverrides reads a Config from YAML and applies o before validating.
func LoadWithOverrides(path string, o Overrides) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document and records which top-level keys were set.
func Parse(raw []byte) (*Config, error) {
	var keys map[string]interface{}
	if err := yaml.Unmarshal(raw, &keys); err != nil {
		return nil, err
	}
	cfg := &Config{present: make(map[string]bool, len(keys))}
	for k := range keys {
		cfg.present[k] = true
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Has reports whether key was present in the loaded document.
func (c *Config) Has(key string) bool { return c.present[key] }

// CheckParams verifies all required keys are present.
func (c *Config) CheckParams(distributed bool) error {
	required := coreKeys
	if distributed {
		required = append(append([]string(nil), coreKeys...), distributedKeys...)
	}
	var missing []string
	for _, k := range required {
		if !c.Has(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &Error{Key: strings.Join(missing, ","), Reason: "missing parameter"}
	}
	return nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Iterations > 0 {
		c.Iterations = o.Iterations
	}
	if o.MinibatchSize > 0 {
		c.MinibatchSize = o.MinibatchSize
	}
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
	if o.Distributed {
		c.Distributed = true
	}
}

// Validate verifies the config is runnable and fills defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := c.CheckParams(c.Distributed); err != nil {
		return err
	}
	if c.Iterations <= 0 {
		return &Error{Key: "ITERATIONS", Reason: fmt.Sprintf("must be > 0 (got %d)", c.Iterations)}
	}
	if c.MinibatchSize <= 0 {
		return &Error{Key: "MINIBATCH_SIZE", Reason: fmt.Sprintf("must be > 0 (got %d)", c.MinibatchSize)}
	}
	if c.SaveIteration <= 0 {
		return &Error{Key: "SAVE_ITERATION", Reason: fmt.Sprintf("must be > 0 (got %d)", c.SaveIteration)}
	}
	if c.LogDir == "" {
		return &Error{Key: "LOGDIR", Reason: "must not be empty"}
	}
	if len(c.IO) == 0 {
		return &Error{Key: "IO", Reason: "no data streams configured"}
	}
	if c.Mode == "" {
		c.Mode = ModeGPU
	}
	c.Mode = strings.ToUpper(c.Mode)
	if c.Mode != ModeCPU && c.Mode != ModeGPU {
		return &Error{Key: "MODE", Reason: fmt.Sprintf("unknown mode %q, must be CPU or GPU", c.Mode)}
	}
	if c.Network.NumClasses < 2 {
		return &Error{Key: "NETWORK.NUM_CLASSES", Reason: fmt.Sprintf("must be >= 2 (got %d)", c.Network.NumClasses)}
	}
	if c.Network.Name == "" {
		c.Network.Name = "pointnet"
	}
	if c.LoggingIteration <= 0 {
		c.LoggingIteration = 50
	}
	if c.InterOpThreads <= 0 {
		c.InterOpThreads = 2
	}
	if c.IntraOpThreads <= 0 {
		c.IntraOpThreads = defaultIntraOpThreads(c.Mode)
	}
	c.Network.Training = c.Training
	c.Network.Mode = c.Mode
	return nil
}

// Modes returns the configured I/O modes in a stable order.
func (c *Config) Modes() []string {
	modes := make([]string, 0, len(c.IO))
	for m := range c.IO {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	return modes
}

func defaultIntraOpThreads(mode string) int {
	cores := cpuid.CPU.LogicalCores
	if cores <= 0 {
		cores = 1
	}
	if mode == ModeGPU {
		// host threads only feed the device
		if cpuid.CPU.PhysicalCores > 0 {
			return cpuid.CPU.PhysicalCores
		}
	}
	return cores
}
