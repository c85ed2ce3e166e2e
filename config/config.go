// Package config holds the training configuration: a nested YAML document
// with defaults, command-line overrides and the mapping to gomlx context
// hyperparameters.
package config

import (
	"bytes"
	"io"
	"maps"
	"os"
	"strings"

	"github.com/Noofbiz/fcvision/datasets"
	"github.com/Noofbiz/fcvision/model"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// defaultYAML is the configuration used when no file is given. Files are
// merged over it, so they only need the keys they change.
const defaultYAML = `
logdir: runs
prefix: fcvision
dataset:
  dataset_dir: data
  kind: segmentation
  val: false
  transform: true
  cache: true
  cache_size: 0
  height: 480
  width: 640
num_classes: 1
backbone: UNET
loss: bce
optimizer:
  optim_learning_rate: 0.0001
  weight_decay: 0.0001
  decay_gamma: 0.98
epochs: 50
batch_size: 6
val_batch_size: 12
n_gpus: 0
loader_n_workers: 4
seed: 42
checkpoint_keep: 3
vis_every: 2
`

// Dataset section.
type Dataset struct {
	Dir  string `yaml:"dataset_dir"`
	Kind string `yaml:"kind"`
	// Val selects the validation split for commands that read a single
	// split (cmd/predict, datasets/example). Training always uses both.
	Val       bool `yaml:"val"`
	Transform bool `yaml:"transform"`
	Cache     bool `yaml:"cache"`
	// CacheSize bounds the sample cache: 0 is unbounded, negative disables it.
	CacheSize int `yaml:"cache_size"`
	Height    int `yaml:"height"`
	Width     int `yaml:"width"`
}

// Optimizer section. Adam with decoupled weight decay and an exponential
// learning rate decay per epoch.
type Optimizer struct {
	LearningRate float64 `yaml:"optim_learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	DecayGamma   float64 `yaml:"decay_gamma"`
}

// Config of a training run.
type Config struct {
	LogDir string `yaml:"logdir"`
	// Prefix of the run directory name.
	Prefix string `yaml:"prefix"`

	Dataset    Dataset   `yaml:"dataset"`
	NumClasses int       `yaml:"num_classes"`
	Backbone   string    `yaml:"backbone"`
	Loss       string    `yaml:"loss"`
	Optimizer  Optimizer `yaml:"optimizer"`

	Epochs         int   `yaml:"epochs"`
	BatchSize      int   `yaml:"batch_size"`
	ValBatchSize   int   `yaml:"val_batch_size"`
	NumGPUs        int   `yaml:"n_gpus"`
	LoaderWorkers  int   `yaml:"loader_n_workers"`
	Seed           int64 `yaml:"seed"`
	CheckpointKeep int   `yaml:"checkpoint_keep"`
	VisEvery       int   `yaml:"vis_every"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	must.M(yaml.Unmarshal([]byte(defaultYAML), &cfg))
	return cfg
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config")
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, errors.WithMessagef(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg, keeping the values of absent keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside training.
func (c Config) Validate() error {
	if _, err := model.ParseBackbone(c.Backbone); err != nil {
		return err
	}
	if _, err := model.ParseLoss(c.Loss); err != nil {
		return err
	}
	if _, err := datasets.ParseKind(c.Dataset.Kind); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(c.Dataset.Dir) == "":
		return errors.New("dataset.dataset_dir is required")
	case c.NumClasses < 1:
		return errors.Errorf("num_classes must be >= 1, got %d", c.NumClasses)
	case c.Epochs < 1:
		return errors.Errorf("epochs must be >= 1, got %d", c.Epochs)
	case c.BatchSize < 1 || c.ValBatchSize < 1:
		return errors.Errorf("batch sizes must be >= 1, got batch_size=%d val_batch_size=%d", c.BatchSize, c.ValBatchSize)
	case c.Optimizer.LearningRate <= 0:
		return errors.Errorf("optimizer.optim_learning_rate must be > 0, got %g", c.Optimizer.LearningRate)
	case c.Optimizer.WeightDecay < 0:
		return errors.Errorf("optimizer.weight_decay must be >= 0, got %g", c.Optimizer.WeightDecay)
	case c.Optimizer.DecayGamma <= 0 || c.Optimizer.DecayGamma > 1:
		return errors.Errorf("optimizer.decay_gamma must be in (0, 1], got %g", c.Optimizer.DecayGamma)
	case c.Dataset.Height < 0 || c.Dataset.Width < 0:
		return errors.Errorf("dataset height and width must be >= 0, got %dx%d", c.Dataset.Height, c.Dataset.Width)
	case c.LoaderWorkers < 0 || c.NumGPUs < 0:
		return errors.Errorf("loader_n_workers and n_gpus must be >= 0")
	}
	return nil
}

// ContextParams are the gomlx context hyperparameters of the run. Network
// settings not covered by the configuration (widths, ...) get their
// defaults from model.DefaultParams and can be changed with the -set flag.
func (c Config) ContextParams() map[string]any {
	params := model.DefaultParams()
	maps.Copy(params, map[string]any{
		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    c.Optimizer.LearningRate,
		optimizers.ParamAdamWeightDecay: c.Optimizer.WeightDecay,
		model.ParamDecayGamma:           c.Optimizer.DecayGamma,
		model.ParamNumClasses:           c.NumClasses,
		model.ParamBackbone:             c.Backbone,
		model.ParamLoss:                 c.Loss,
		"batch_size":                    c.BatchSize,
		"num_epochs":                    c.Epochs,
	})
	return params
}

// SplitOptions returns the options of the split selected by Dataset.Val.
func (c Config) SplitOptions() (datasets.Options, error) {
	return c.DatasetOptions(c.Dataset.Val)
}

// DatasetOptions returns the options of the training (val=false) or
// validation (val=true) split.
func (c Config) DatasetOptions(val bool) (datasets.Options, error) {
	kind, err := datasets.ParseKind(c.Dataset.Kind)
	if err != nil {
		return datasets.Options{}, err
	}
	opts := datasets.DefaultOptions(c.Dataset.Dir)
	opts.Kind = kind
	opts.Val = val
	opts.Transform = c.Dataset.Transform
	opts.Cache = c.Dataset.Cache && c.Dataset.CacheSize >= 0
	opts.CacheSize = max(c.Dataset.CacheSize, 0)
	opts.Height = c.Dataset.Height
	opts.Width = c.Dataset.Width
	opts.Seed = c.Seed
	opts.Shuffle = !val
	opts.BatchSize = c.BatchSize
	if val {
		opts.BatchSize = c.ValBatchSize
	}
	return opts, nil
}

// String renders the configuration as YAML.
func (c Config) String() string {
	return string(must.M1(yaml.Marshal(c)))
}
