package config

import (
	"flag"
)

// Flags binds command-line overrides of the configuration. Only flags given
// explicitly override the values from the config file.
type Flags struct {
	fs      *flag.FlagSet
	path    *string
	setters map[string]func(*Config)
}

// RegisterFlags adds -config and one flag per commonly tuned key to fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{
		fs:      fs,
		path:    fs.String("config", "", "YAML configuration file; flags given explicitly override its values"),
		setters: make(map[string]func(*Config)),
	}
	def := Default()

	str := func(name, usage string, field func(*Config) *string) {
		p := fs.String(name, *field(&def), usage)
		f.setters[name] = func(c *Config) { *field(c) = *p }
	}
	integer := func(name, usage string, field func(*Config) *int) {
		p := fs.Int(name, *field(&def), usage)
		f.setters[name] = func(c *Config) { *field(c) = *p }
	}
	float := func(name, usage string, field func(*Config) *float64) {
		p := fs.Float64(name, *field(&def), usage)
		f.setters[name] = func(c *Config) { *field(c) = *p }
	}
	boolean := func(name, usage string, field func(*Config) *bool) {
		p := fs.Bool(name, *field(&def), usage)
		f.setters[name] = func(c *Config) { *field(c) = *p }
	}

	str("logdir", "directory where run directories are created", func(c *Config) *string { return &c.LogDir })
	str("prefix", "prefix of the run directory name", func(c *Config) *string { return &c.Prefix })
	str("dataset_dir", "dataset directory (images/ + targets/, or flat)", func(c *Config) *string { return &c.Dataset.Dir })
	str("kind", "dataset kind: segmentation or keypoint", func(c *Config) *string { return &c.Dataset.Kind })
	str("backbone", "network: UNET or FCN50", func(c *Config) *string { return &c.Backbone })
	str("loss", "loss: bce, mse, huber or softmax", func(c *Config) *string { return &c.Loss })
	boolean("val", "read the validation split in single-split commands", func(c *Config) *bool { return &c.Dataset.Val })
	boolean("transform", "augment training samples", func(c *Config) *bool { return &c.Dataset.Transform })
	boolean("cache", "cache decoded samples in memory", func(c *Config) *bool { return &c.Dataset.Cache })
	integer("cache_size", "maximum cached samples per split, 0 for unbounded", func(c *Config) *int { return &c.Dataset.CacheSize })
	integer("height", "resize samples to this height, 0 keeps the original size", func(c *Config) *int { return &c.Dataset.Height })
	integer("width", "resize samples to this width, 0 keeps the original size", func(c *Config) *int { return &c.Dataset.Width })
	integer("num_classes", "number of output channels", func(c *Config) *int { return &c.NumClasses })
	integer("epochs", "number of training epochs", func(c *Config) *int { return &c.Epochs })
	integer("batch_size", "training batch size", func(c *Config) *int { return &c.BatchSize })
	integer("val_batch_size", "validation batch size", func(c *Config) *int { return &c.ValBatchSize })
	integer("n_gpus", "GPUs to use, 0 for CPU", func(c *Config) *int { return &c.NumGPUs })
	integer("loader_n_workers", "parallel sample loaders, 0 loads in the training goroutine", func(c *Config) *int { return &c.LoaderWorkers })
	integer("checkpoint_keep", "checkpoints to keep", func(c *Config) *int { return &c.CheckpointKeep })
	integer("vis_every", "write validation images every N epochs", func(c *Config) *int { return &c.VisEvery })
	float("learning_rate", "initial learning rate", func(c *Config) *float64 { return &c.Optimizer.LearningRate })
	float("weight_decay", "Adam weight decay", func(c *Config) *float64 { return &c.Optimizer.WeightDecay })
	float("decay_gamma", "learning rate decay per epoch", func(c *Config) *float64 { return &c.Optimizer.DecayGamma })

	seed := fs.Int64("seed", def.Seed, "random seed")
	f.setters["seed"] = func(c *Config) { c.Seed = *seed }
	return f
}

// Config loads the -config file (or the defaults), applies the flags set
// on the command line and validates the result. Call it after fs.Parse.
func (f *Flags) Config() (Config, error) {
	cfg := Default()
	if *f.path != "" {
		var err error
		if cfg, err = Load(*f.path); err != nil {
			return cfg, err
		}
	}
	f.fs.Visit(func(fl *flag.Flag) {
		if set, ok := f.setters[fl.Name]; ok {
			set(&cfg)
		}
	})
	return cfg, cfg.Validate()
}
