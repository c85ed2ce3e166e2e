package trainer

import (
	"path/filepath"
	"strings"

	"github.com/Noofbiz/fcvision/datasets"
	"github.com/Noofbiz/fcvision/model"
	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/gomlx/gomlx/backends"
	mlcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Predictor runs a trained model on single images.
type Predictor struct {
	backend backends.Backend
	ctx     *mlcontext.Context
	wrapper *model.Wrapper
	opts    datasets.Options
}

// NewPredictor loads the latest checkpoint in dir (usually <run>/models).
// The architecture is read from the hyperparameters saved with it. opts
// selects how input files are decoded and resized (Kind, Height, Width).
func NewPredictor(backend backends.Backend, dir string, opts datasets.Options) (*Predictor, error) {
	if backend == nil {
		var err error
		if backend, err = newBackend(0); err != nil {
			return nil, err
		}
	}
	ctx := mlcontext.New()
	if _, err := checkpoints.Load(ctx).Dir(dir).Done(); err != nil {
		return nil, errors.WithMessagef(err, "loading model from %s", dir)
	}
	cfg, err := model.ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	w, err := model.NewWrapper(cfg)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded %s with %d classes from %s", cfg.Backbone, cfg.NumClasses, dir)
	return &Predictor{backend: backend, ctx: ctx.Reuse(), wrapper: w, opts: opts}, nil
}

// Config returns the model configuration read from the checkpoint.
func (p *Predictor) Config() model.Config {
	return p.wrapper.Config()
}

// Predict returns the probabilities for a 3-channel image in [0, 1], with
// one channel per class.
func (p *Predictor) Predict(img *ndimage.Image) (*ndimage.Image, error) {
	images, err := ndimage.ToTensor(img)
	if err != nil {
		return nil, err
	}
	pred, err := p.wrapper.Predict(p.backend, p.ctx, images)
	if err != nil {
		return nil, err
	}
	preds, err := ndimage.FromTensor(pred)
	if err != nil {
		return nil, err
	}
	return preds[0], nil
}

// PredictFile predicts the image at path and writes <name>_pred.png and
// <name>_overlayed.png into outDir, where name is the file name without its
// extension. It returns the paths written.
func (p *Predictor) PredictFile(path, outDir string) ([]string, error) {
	img, err := datasets.LoadImage(path, p.opts)
	if err != nil {
		return nil, err
	}
	pred, err := p.Predict(img)
	if err != nil {
		return nil, errors.WithMessagef(err, "predicting %s", path)
	}
	if pred.C > 1 {
		pred = pred.Channel(0)
	}
	overlay, err := ndimage.Overlay(img, pred)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	written := []string{
		filepath.Join(outDir, name+"_pred.png"),
		filepath.Join(outDir, name+"_overlayed.png"),
	}
	for i, out := range []*ndimage.Image{pred, overlay} {
		if err := ndimage.SavePNG(out, written[i]); err != nil {
			return nil, err
		}
	}
	return written, nil
}
