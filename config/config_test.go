package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/fcvision/datasets"
	"github.com/Noofbiz/fcvision/model"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "UNET", cfg.Backbone)
	assert.Equal(t, 6, cfg.BatchSize)
	assert.Equal(t, 12, cfg.ValBatchSize)
	assert.Equal(t, 480, cfg.Dataset.Height)
	assert.Equal(t, 640, cfg.Dataset.Width)
	assert.Equal(t, 2, cfg.VisEvery)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
dataset:
  dataset_dir: /data/cloth
  kind: keypoint
backbone: fcn50
optimizer:
  decay_gamma: 0.5
epochs: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/data/cloth", cfg.Dataset.Dir)
	assert.Equal(t, "keypoint", cfg.Dataset.Kind)
	assert.Equal(t, 0.5, cfg.Optimizer.DecayGamma)
	assert.Equal(t, 3, cfg.Epochs)
	// Untouched keys keep their defaults, also inside touched sections.
	assert.True(t, cfg.Dataset.Transform)
	assert.Equal(t, 480, cfg.Dataset.Height)
	assert.Equal(t, 0.0001, cfg.Optimizer.LearningRate)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "dataset:\n  datset_dir: typo\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"backbone":   func(c *Config) { c.Backbone = "vgg" },
		"loss":       func(c *Config) { c.Loss = "dice" },
		"kind":       func(c *Config) { c.Dataset.Kind = "depth" },
		"dir":        func(c *Config) { c.Dataset.Dir = " " },
		"epochs":     func(c *Config) { c.Epochs = 0 },
		"batch":      func(c *Config) { c.ValBatchSize = 0 },
		"gamma":      func(c *Config) { c.Optimizer.DecayGamma = 1.5 },
		"lr":         func(c *Config) { c.Optimizer.LearningRate = 0 },
		"classes":    func(c *Config) { c.NumClasses = 0 },
		"negSize":    func(c *Config) { c.Dataset.Width = -1 },
		"negWorkers": func(c *Config) { c.LoaderWorkers = -2 },
	} {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "epochs: 7\nbackbone: FCN50\nseed: 1\n")
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-config", path, "-epochs", "2", "-dataset_dir", "/tmp/x", "-transform=false", "-seed", "9"}))
	cfg, err := flags.Config()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Epochs)
	assert.Equal(t, "FCN50", cfg.Backbone, "values not given as flags come from the file")
	assert.Equal(t, "/tmp/x", cfg.Dataset.Dir)
	assert.False(t, cfg.Dataset.Transform)
	assert.Equal(t, int64(9), cfg.Seed)
}

func TestValFlagSelectsSplit(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))
	cfg, err := flags.Config()
	require.NoError(t, err)
	opts, err := cfg.SplitOptions()
	require.NoError(t, err)
	assert.False(t, opts.Val)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	flags = RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-val"}))
	cfg, err = flags.Config()
	require.NoError(t, err)
	assert.True(t, cfg.Dataset.Val)
	opts, err = cfg.SplitOptions()
	require.NoError(t, err)
	assert.True(t, opts.Val)
	assert.False(t, opts.Shuffle)
}

func TestFlagsValidate(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-loss", "nope"}))
	_, err := flags.Config()
	assert.ErrorIs(t, err, model.ErrUnknownLoss)
}

func TestContextParams(t *testing.T) {
	cfg := Default()
	cfg.Optimizer.WeightDecay = 0.01
	params := cfg.ContextParams()
	assert.Equal(t, "adam", params[optimizers.ParamOptimizer])
	assert.Equal(t, 0.0001, params[optimizers.ParamLearningRate])
	assert.Equal(t, 0.01, params[optimizers.ParamAdamWeightDecay])
	assert.Equal(t, 0.98, params[model.ParamDecayGamma])
	assert.Equal(t, "UNET", params[model.ParamBackbone])
}

func TestDatasetOptions(t *testing.T) {
	cfg := Default()
	cfg.Dataset.Kind = "keypoint"
	cfg.Dataset.CacheSize = -1

	train, err := cfg.DatasetOptions(false)
	require.NoError(t, err)
	assert.Equal(t, datasets.Keypoint, train.Kind)
	assert.False(t, train.Val)
	assert.True(t, train.Shuffle)
	assert.False(t, train.Cache)
	assert.Equal(t, 6, train.BatchSize)

	val, err := cfg.DatasetOptions(true)
	require.NoError(t, err)
	assert.True(t, val.Val)
	assert.False(t, val.Shuffle)
	assert.Equal(t, 12, val.BatchSize)
}

func TestStringRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Epochs = 11
	var back Config
	require.NoError(t, Parse([]byte(cfg.String()), &back))
	assert.Equal(t, cfg, back)
}
