package trainer

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/fcvision/config"
	"github.com/Noofbiz/fcvision/datasets"
	"github.com/Noofbiz/fcvision/model"
	"github.com/Noofbiz/fcvision/runlog"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	mlcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinyUNet = "unet_base_channels=4;unet_depth=2;unet_upsample=nearest"

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	backend, err := simplego.New("")
	require.NoError(t, err)
	return backend
}

// writeDataset writes n flat 8x8 samples: a horizontal ramp image and a
// target marking its right half.
func writeDataset(t *testing.T, dir string, n int) {
	t.Helper()
	const h, w = 8, 8
	for i := range n {
		img := make([]float32, h*w*3)
		mask := make([]float32, h*w)
		for y := range h {
			for x := range w {
				for c := range 3 {
					img[(y*w+x)*3+c] = float32((x*32 + i) % 256)
				}
				if x >= w/2 {
					mask[y*w+x] = 255
				}
			}
		}
		require.NoError(t, numpy.ToNpyFile(tensors.FromFlatDataAndDimensions(img, h, w, 3),
			filepath.Join(dir, fmt.Sprintf("image_%d.npy", i))))
		require.NoError(t, numpy.ToNpyFile(tensors.FromFlatDataAndDimensions(mask, h, w),
			filepath.Join(dir, fmt.Sprintf("target_%d.npy", i))))
	}
}

func testConfig(t *testing.T, n int) config.Config {
	t.Helper()
	dataDir := t.TempDir()
	writeDataset(t, dataDir, n)
	cfg := config.Default()
	cfg.LogDir = t.TempDir()
	cfg.Dataset.Dir = dataDir
	cfg.Dataset.Height = 8
	cfg.Dataset.Width = 8
	cfg.Epochs = 2
	cfg.BatchSize = 2
	cfg.ValBatchSize = 4
	cfg.LoaderWorkers = 2
	cfg.Optimizer.LearningRate = 0.01
	cfg.Optimizer.DecayGamma = 0.5
	cfg.VisEvery = 2
	return cfg
}

func TestTrainAndResume(t *testing.T) {
	backend := testBackend(t)
	cfg := testConfig(t, datasets.ValidationCount+4)

	tr := &Trainer{Config: cfg, Backend: backend, ContextSettings: tinyUNet}
	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Epochs)
	require.Len(t, res.Metrics, 2)
	assert.Greater(t, res.Steps, int64(0))
	assert.InDelta(t, 0.01, res.Metrics[0].LR, 1e-6)
	assert.InDelta(t, 0.005, res.Metrics[1].LR, 1e-6)
	assert.InDelta(t, 0.0025, res.FinalLR, 1e-6)
	assert.False(t, math.IsNaN(res.Metrics[0].TrainLoss))

	run := res.Run
	for _, name := range []string{ConfigFile, runlog.MetricsFile, runlog.LossPlotFile, runlog.ImagesFile} {
		assert.FileExists(t, run.Path(name))
	}
	checkpointFiles, err := os.ReadDir(run.ModelsDir())
	require.NoError(t, err)
	assert.NotEmpty(t, checkpointFiles)

	// Validation images are written on epoch 0 only: three per validation sample.
	vis, err := os.ReadDir(run.VisDir())
	require.NoError(t, err)
	assert.Len(t, vis, 3*datasets.ValidationCount)
	assert.FileExists(t, filepath.Join(run.VisDir(), "0_0_overlayed.png"))

	// Resuming continues from the saved epoch and learning rate.
	cfg.Epochs = 3
	resumed := &Trainer{Config: cfg, Backend: backend, ContextSettings: tinyUNet, RunDir: run.Dir}
	res2, err := resumed.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res2.Epochs)
	require.Len(t, res2.Metrics, 3)
	assert.Equal(t, 2, res2.Metrics[2].Epoch)
	assert.InDelta(t, 0.0025, res2.Metrics[2].LR, 1e-6)
	assert.Greater(t, res2.Steps, res.Steps)

	// The optimizer state is saved under the model scope, with the learning
	// rate of the next epoch.
	saved := mlcontext.New()
	_, err = checkpoints.Load(saved).Dir(run.ModelsDir()).Done()
	require.NoError(t, err)
	optScope := "/" + model.ModelScope + "/" + optimizers.Scope
	lrVar := saved.InspectVariable(optScope, optimizers.ParamLearningRate)
	require.NotNil(t, lrVar)
	assert.InDelta(t, 0.00125, float64(lrVar.Value().Value().(float32)), 1e-7)
	epochVar := saved.InspectVariable(optScope, model.EpochVariableName)
	require.NotNil(t, epochVar)
	assert.Equal(t, int64(3), epochVar.Value().Value())

	// The trained model predicts single files.
	p, err := NewPredictor(backend, run.ModelsDir(), datasets.Options{Height: 8, Width: 8})
	require.NoError(t, err)
	assert.Equal(t, model.UNet, p.Config().Backbone)
	assert.Equal(t, 1, p.Config().NumClasses)
	outDir := t.TempDir()
	written, err := p.PredictFile(filepath.Join(cfg.Dataset.Dir, "image_0.npy"), outDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(outDir, "image_0_pred.png"),
		filepath.Join(outDir, "image_0_overlayed.png"),
	}, written)
	for _, path := range written {
		assert.FileExists(t, path)
	}
}

func TestTrainCancelled(t *testing.T) {
	cfg := testConfig(t, datasets.ValidationCount+2)
	cfg.LoaderWorkers = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &Trainer{Config: cfg, Backend: testBackend(t), ContextSettings: tinyUNet}
	res, err := tr.Train(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Epochs)
	assert.Empty(t, res.Metrics)
}

func TestTrainWithoutTrainingSamples(t *testing.T) {
	cfg := testConfig(t, datasets.ValidationCount)
	tr := &Trainer{Config: cfg, Backend: testBackend(t)}
	_, err := tr.Train(context.Background())
	assert.ErrorIs(t, err, datasets.ErrSampleNotFound)
}

func TestTrainInvalidSettings(t *testing.T) {
	cfg := testConfig(t, datasets.ValidationCount+2)
	tr := &Trainer{Config: cfg, Backend: testBackend(t), ContextSettings: "no_such_param=1"}
	_, err := tr.Train(context.Background())
	assert.Error(t, err)

	cfg.Epochs = 0
	tr = &Trainer{Config: cfg, Backend: testBackend(t)}
	_, err = tr.Train(context.Background())
	assert.Error(t, err)
}

func TestNewPredictorWithoutCheckpoint(t *testing.T) {
	_, err := NewPredictor(testBackend(t), t.TempDir(), datasets.Options{})
	assert.Error(t, err)
}
