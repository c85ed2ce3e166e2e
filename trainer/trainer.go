// Package trainer runs the training of a segmentation model end to end:
// datasets, model, optimizer, the gomlx training loop, validation
// visualization, metrics and checkpoints.
package trainer

import (
	"context"
	"io"
	"math"
	"os"
	"time"

	"github.com/Noofbiz/fcvision/config"
	"github.com/Noofbiz/fcvision/datasets"
	"github.com/Noofbiz/fcvision/model"
	"github.com/Noofbiz/fcvision/runlog"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	mldatasets "github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConfigFile is the copy of the effective configuration inside a run.
const ConfigFile = "config.yaml"

// Result summarizes a finished (or interrupted) training.
type Result struct {
	Run *runlog.Run
	// Epochs is the number of epochs completed, including resumed ones.
	Epochs    int
	Steps     int64
	FinalLoss float64
	FinalLR   float64
	Metrics   []runlog.EpochMetrics
	Duration  time.Duration
}

// Trainer holds the settings of one training run.
type Trainer struct {
	Config config.Config

	// Backend defaults to the XLA CUDA backend when Config.NumGPUs > 0 and to
	// the default backend otherwise.
	Backend backends.Backend

	// ContextSettings are extra gomlx hyperparameters in the format of the
	// -set flag, e.g. "unet_base_channels=32".
	ContextSettings string

	// RunDir resumes the run in that directory instead of creating a new one.
	RunDir string

	// ProgressBar attaches a progress bar to the training loop.
	ProgressBar bool
}

// Train runs the configuration with the default backend and a progress bar.
func Train(ctx context.Context, cfg config.Config) (*Result, error) {
	t := &Trainer{Config: cfg, ProgressBar: true}
	return t.Train(ctx)
}

// Train runs the remaining epochs. Cancelling ctx stops training after the
// current epoch; the partial result is returned along with ctx.Err().
func (t *Trainer) Train(ctx context.Context) (res *Result, err error) {
	if e := exceptions.TryCatch[error](func() { res, err = t.train(ctx) }); e != nil {
		return res, errors.WithMessage(e, "training failed")
	}
	return res, err
}

func (t *Trainer) train(ctx context.Context) (*Result, error) {
	cfg := t.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	run, err := t.openRun()
	if err != nil {
		return nil, err
	}
	klog.Infof("run directory: %s", run.Dir)
	if err := os.WriteFile(run.Path(ConfigFile), []byte(cfg.String()), 0o644); err != nil {
		return nil, errors.Wrap(err, "saving configuration")
	}

	trainDS, valDS, err := openDatasets(cfg)
	if err != nil {
		return nil, err
	}

	backend := t.Backend
	if backend == nil {
		if backend, err = newBackend(cfg.NumGPUs); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("backend: %s", backend.Name())

	mlCtx := mlcontext.New()
	mlCtx.RngStateFromSeed(cfg.Seed)
	mlCtx.SetParams(cfg.ContextParams())
	paramsSet, err := commandline.ParseContextSettings(mlCtx, t.ContextSettings)
	if err != nil {
		return nil, errors.WithMessage(err, "parsing context settings")
	}
	// Parameters from the configuration and the command line win over the
	// ones saved with the checkpoints. Network defaults do not, so a resumed
	// run keeps the architecture it was started with.
	networkDefaults := model.DefaultParams()
	for key := range cfg.ContextParams() {
		if _, found := networkDefaults[key]; !found {
			paramsSet = append(paramsSet, key)
		}
	}
	checkpoint, err := checkpoints.Build(mlCtx).
		Dir(run.ModelsDir()).
		Keep(max(cfg.CheckpointKeep, 1)).
		ExcludeParams(paramsSet...).
		Done()
	if err != nil {
		return nil, errors.WithMessage(err, "opening checkpoints")
	}

	modelCfg, err := model.ConfigFromContext(mlCtx)
	if err != nil {
		return nil, err
	}
	modelCfg.VisDir = run.VisDir()
	modelCfg.VisEvery = cfg.VisEvery
	modelCfg.Logger = runlog.NewDirLogger(run.Path(runlog.ImagesFile))
	wrapper, err := model.NewWrapper(modelCfg)
	if err != nil {
		return nil, err
	}

	// The trainer builds the model, and the optimizer keeps its state, under
	// ModelScope. The schedule works on the same scope so Adam reads the
	// decayed learning rate. NewTrainer drops the learning rate variable, so
	// the schedule is applied after it.
	modelCtx := mlCtx.In(model.ModelScope)
	trainer := train.NewTrainer(backend, modelCtx, wrapper.ModelFn, wrapper.LossFn(),
		optimizers.Adam().FromContext(modelCtx).Done(),
		nil, // trainMetrics
		nil) // evalMetrics

	schedule := model.ExponentialDecayFromContext(modelCtx)
	firstEpoch, err := model.CurrentEpoch(modelCtx)
	if err != nil {
		return nil, err
	}
	lr, err := schedule.Apply(modelCtx, firstEpoch)
	if err != nil {
		return nil, err
	}
	if firstEpoch > 0 {
		klog.Infof("resuming from epoch %d (global step %d), learning rate %g",
			firstEpoch, optimizers.GetGlobalStep(modelCtx), lr)
	}

	loop := train.NewLoop(trainer)
	if t.ProgressBar {
		commandline.AttachProgressBar(loop)
	}
	var epochLoss lossAccumulator
	loop.OnStep("epoch loss", 0, epochLoss.onStep)

	var trainSource train.Dataset = trainDS
	if cfg.LoaderWorkers > 0 {
		parallel := mldatasets.CustomParallel(trainDS).
			Parallelism(cfg.LoaderWorkers).
			Buffer(cfg.LoaderWorkers).
			Start()
		defer parallel.Done()
		trainSource = parallel
	}

	metricsLog, err := runlog.OpenMetricsLog(run.Path(runlog.MetricsFile))
	if err != nil {
		return nil, err
	}
	defer metricsLog.Close()

	res := &Result{Run: run, Epochs: firstEpoch}
	predictCtx := mlCtx.Reuse()
	for epoch := firstEpoch; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return t.finish(res, metricsLog, started), err
		}
		epochStart := time.Now()
		epochLoss.reset()
		if _, err := loop.RunEpochs(trainSource, 1); err != nil {
			return t.finish(res, metricsLog, started), errors.WithMessagef(err, "epoch %d", epoch)
		}
		trainLoss := epochLoss.mean()
		epochLR := lr
		if lr, err = schedule.Step(modelCtx, epoch); err != nil {
			return t.finish(res, metricsLog, started), err
		}

		if err := validate(wrapper, backend, predictCtx, valDS); err != nil {
			return t.finish(res, metricsLog, started), errors.WithMessagef(err, "validation of epoch %d", epoch)
		}
		if written, err := wrapper.ValidationEpochEnd(epoch); err != nil {
			klog.Warningf("epoch %d: validation images: %+v", epoch, err)
		} else if len(written) > 0 {
			klog.V(1).Infof("epoch %d: %d validation images", epoch, len(written))
		}

		m := runlog.EpochMetrics{
			Epoch:     epoch,
			Step:      int(optimizers.GetGlobalStep(modelCtx)),
			TrainLoss: trainLoss,
			LR:        epochLR,
			Duration:  time.Since(epochStart),
		}
		if err := metricsLog.Append(m); err != nil {
			return t.finish(res, metricsLog, started), err
		}
		if err := checkpoint.Save(); err != nil {
			return t.finish(res, metricsLog, started), errors.WithMessagef(err, "saving checkpoint of epoch %d", epoch)
		}
		res.Epochs = epoch + 1
		res.FinalLoss = trainLoss
		klog.Infof("epoch %d/%d: loss=%.5f lr=%.3g steps=%s (%s)", epoch+1, cfg.Epochs, trainLoss, epochLR,
			humanize.Comma(int64(m.Step)), m.Duration.Round(time.Millisecond))
	}
	res.FinalLR = lr
	return t.finish(res, metricsLog, started), nil
}

// finish fills the summary fields of res and plots the losses so far.
func (t *Trainer) finish(res *Result, metricsLog *runlog.MetricsLog, started time.Time) *Result {
	res.Metrics = metricsLog.Entries()
	res.Duration = time.Since(started)
	if n := len(res.Metrics); n > 0 {
		res.Steps = int64(res.Metrics[n-1].Step)
		if err := runlog.PlotLosses(res.Metrics, res.Run.Path(runlog.LossPlotFile)); err != nil {
			klog.Warningf("plotting losses: %v", err)
		}
	}
	return res
}

func (t *Trainer) openRun() (*runlog.Run, error) {
	if t.RunDir != "" {
		return runlog.OpenRun(t.RunDir)
	}
	return runlog.NewRun(t.Config.LogDir, t.Config.Prefix)
}

func openDatasets(cfg config.Config) (trainDS, valDS datasets.Dataset, err error) {
	for _, val := range []bool{false, true} {
		opts, err := cfg.DatasetOptions(val)
		if err != nil {
			return nil, nil, err
		}
		ds, err := datasets.New(opts)
		if err != nil {
			return nil, nil, err
		}
		if err := ds.Warm(); err != nil {
			return nil, nil, err
		}
		if val {
			valDS = ds
		} else {
			trainDS = ds
		}
	}
	if trainDS.Len() == 0 {
		return nil, nil, errors.Wrapf(datasets.ErrSampleNotFound,
			"%s has no training samples: the first %d samples are used for validation", cfg.Dataset.Dir, datasets.ValidationCount)
	}
	klog.Infof("datasets: %d training and %d validation samples from %s", trainDS.Len(), valDS.Len(), cfg.Dataset.Dir)
	return trainDS, valDS, nil
}

func newBackend(numGPUs int) (backends.Backend, error) {
	var backend backends.Backend
	var err error
	if numGPUs > 0 {
		backend, err = backends.NewWithConfig("xla:cuda")
	} else {
		backend, err = backends.New()
	}
	if err != nil {
		return nil, errors.WithMessage(err, "creating backend")
	}
	return backend, nil
}

// validate predicts every validation batch into the wrapper's outputs.
func validate(w *model.Wrapper, backend backends.Backend, ctx *mlcontext.Context, ds datasets.Dataset) error {
	defer ds.Reset()
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.ValidationStep(backend, ctx, inputs); err != nil {
			return err
		}
	}
}

// lossAccumulator averages the batch loss over an epoch. The loss is the
// first metric of every training step.
type lossAccumulator struct {
	sum   float64
	count int
}

func (a *lossAccumulator) onStep(_ *train.Loop, metrics []*tensors.Tensor) error {
	if len(metrics) == 0 {
		return nil
	}
	a.sum += scalar(metrics[0])
	a.count++
	return nil
}

func (a *lossAccumulator) reset() { *a = lossAccumulator{} }

func (a *lossAccumulator) mean() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return a.sum / float64(a.count)
}

func scalar(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}
