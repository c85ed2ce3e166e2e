package model

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultVisEvery writes validation images every other epoch.
const DefaultVisEvery = 2

// ModelScope is the context scope under which the gomlx trainer calls
// ModelFn, and so where the network variables live.
const ModelScope = "model"

// Captions of the three images logged per validation sample.
var Captions = []string{"Input", "Pred", "Overlayed"}

// ImageLogger receives the images written at the end of a validation epoch.
type ImageLogger interface {
	LogImages(key string, paths, captions []string) error
}

// Config of a Wrapper.
type Config struct {
	Backbone   Backbone
	NumClasses int
	Loss       Loss

	// VisDir is where validation images are written. Empty disables it.
	VisDir string
	// VisEvery is the epoch period of the validation images. 0 means
	// DefaultVisEvery.
	VisEvery int
	// Logger is optional.
	Logger ImageLogger
}

// ConfigFromContext reads backbone, num_classes and loss from the context
// hyperparameters.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	var cfg Config
	var err error
	if cfg.Backbone, err = ParseBackbone(context.GetParamOr(ctx, ParamBackbone, "UNET")); err != nil {
		return cfg, err
	}
	if cfg.Loss, err = ParseLoss(context.GetParamOr(ctx, ParamLoss, "bce")); err != nil {
		return cfg, err
	}
	cfg.NumClasses = context.GetParamOr(ctx, ParamNumClasses, 1)
	return cfg, nil
}

// ValidationOutput is one validation sample and the predicted probabilities.
type ValidationOutput struct {
	Index       int
	Image, Pred *ndimage.Image
}

// Wrapper binds a Network to the trainer: model and loss functions for
// training, a cached executor for inference and the end-of-epoch
// visualization of validation predictions.
type Wrapper struct {
	cfg Config
	net Network

	mu          sync.Mutex
	exec        *context.Exec
	execCtx     *context.Context
	execBackend backends.Backend
	outputs     []ValidationOutput
}

// NewWrapper validates cfg and builds the network.
func NewWrapper(cfg Config) (*Wrapper, error) {
	if cfg.Loss == LossSoftmax && cfg.NumClasses < 2 {
		return nil, errors.Errorf("loss %s needs num_classes >= 2, got %d", cfg.Loss, cfg.NumClasses)
	}
	if cfg.VisEvery <= 0 {
		cfg.VisEvery = DefaultVisEvery
	}
	net, err := cfg.Backbone.Network(cfg.NumClasses)
	if err != nil {
		return nil, err
	}
	return &Wrapper{cfg: cfg, net: net}, nil
}

// Config returns the effective configuration.
func (w *Wrapper) Config() Config {
	return w.cfg
}

// ModelFn implements train.ModelFn: inputs[0] is the image batch and the only
// prediction is the logits. Extra inputs (validation indices) are ignored.
func (w *Wrapper) ModelFn(ctx *context.Context, _ any, inputs []*Node) []*Node {
	images := inputs[0]
	images.AssertRank(4)
	logits := w.net.Forward(ctx, images)
	return []*Node{logits}
}

// LossFn returns the configured objective.
func (w *Wrapper) LossFn() losses.LossFn {
	return w.cfg.Loss.Fn(w.cfg.NumClasses)
}

// Predict returns per-pixel probabilities [B, H, W, numClasses] for images
// [B, H, W, 3]. ctx is the root context holding the trained (or loaded)
// variables under ModelScope; callers usually pass ctx.Reuse(). The executor
// is compiled once per (backend, ctx) pair and per input shape.
func (w *Wrapper) Predict(backend backends.Backend, ctx *context.Context, images *tensors.Tensor) (*tensors.Tensor, error) {
	w.mu.Lock()
	if w.exec == nil || w.execCtx != ctx || w.execBackend != backend {
		exec, err := context.NewExec(backend, ctx.In(ModelScope), func(ctx *context.Context, images *Node) *Node {
			return Sigmoid(w.net.Forward(ctx, images))
		})
		if err != nil {
			w.mu.Unlock()
			return nil, errors.Wrap(err, "building prediction graph")
		}
		w.exec, w.execCtx, w.execBackend = exec, ctx, backend
	}
	exec := w.exec
	w.mu.Unlock()

	pred, err := exec.Exec1(images)
	if err != nil {
		return nil, errors.Wrap(err, "predicting")
	}
	return pred, nil
}

// ValidationStep predicts one validation batch, inputs = [images, indices],
// and keeps the results for ValidationEpochEnd. The indices are optional;
// without them samples are numbered in arrival order.
func (w *Wrapper) ValidationStep(backend backends.Backend, ctx *context.Context, inputs []*tensors.Tensor) error {
	if len(inputs) == 0 || inputs[0] == nil {
		return errors.New("validation step: no images")
	}
	pred, err := w.Predict(backend, ctx, inputs[0])
	if err != nil {
		return err
	}
	imgs, err := ndimage.FromTensor(inputs[0])
	if err != nil {
		return err
	}
	preds, err := ndimage.FromTensor(pred)
	if err != nil {
		return err
	}
	var indices []int32
	if len(inputs) > 1 && inputs[1] != nil {
		indices = tensors.CopyFlatData[int32](inputs[1])
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range imgs {
		idx := len(w.outputs)
		if i < len(indices) {
			idx = int(indices[i])
		}
		w.outputs = append(w.outputs, ValidationOutput{Index: idx, Image: imgs[i], Pred: preds[i]})
	}
	return nil
}

// Outputs returns the validation results collected since the last
// ValidationEpochEnd.
func (w *Wrapper) Outputs() []ValidationOutput {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ValidationOutput(nil), w.outputs...)
}

// ValidationEpochEnd writes <epoch>_<index>_{im,pred,overlayed}.png for every
// collected output when epoch is a multiple of VisEvery, forwards them to the
// logger under the key val_<index>, and clears the outputs. It returns the
// paths written.
func (w *Wrapper) ValidationEpochEnd(epoch int) ([]string, error) {
	w.mu.Lock()
	outputs := w.outputs
	w.outputs = nil
	w.mu.Unlock()

	if len(outputs) == 0 || w.cfg.VisDir == "" || epoch%w.cfg.VisEvery != 0 {
		return nil, nil
	}
	var written []string
	for _, out := range outputs {
		pred := out.Pred
		if pred.C > 1 {
			pred = pred.Channel(0)
		}
		overlay, err := ndimage.Overlay(out.Image, pred)
		if err != nil {
			return written, errors.WithMessagef(err, "overlay of validation sample %d", out.Index)
		}
		prefix := filepath.Join(w.cfg.VisDir, fmt.Sprintf("%d_%d", epoch, out.Index))
		paths := []string{prefix + "_im.png", prefix + "_pred.png", prefix + "_overlayed.png"}
		for i, img := range []*ndimage.Image{out.Image, pred, overlay} {
			if err := ndimage.SavePNG(img, paths[i]); err != nil {
				return written, err
			}
			written = append(written, paths[i])
		}
		if w.cfg.Logger != nil {
			if err := w.cfg.Logger.LogImages(fmt.Sprintf("val_%d", out.Index), paths, Captions); err != nil {
				return written, errors.WithMessagef(err, "logging validation sample %d", out.Index)
			}
		}
	}
	klog.V(1).Infof("epoch %d: wrote %d validation images to %s", epoch, len(written), w.cfg.VisDir)
	return written, nil
}
