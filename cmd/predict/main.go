// predict runs a trained model on image files and writes, for each input,
// the predicted probability map and an overlay on the input.
//
//	predict -checkpoint=runs/fcvision_20250101-120000_ab12cd34 -input=frames/ -out=pred/
//
// -checkpoint is either a run directory or its models/ subdirectory. When the
// run directory holds the training config.yaml, the dataset kind and input
// size default to the ones used for training.
package main

import (
	"flag"
	"os"
	"path/filepath"
	"slices"

	"github.com/Noofbiz/fcvision/config"
	"github.com/Noofbiz/fcvision/datasets"
	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/Noofbiz/fcvision/runlog"
	"github.com/Noofbiz/fcvision/trainer"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "run directory or models directory of a trained model")
	flagInput      = flag.String("input", "", "image file, or directory of image files")
	flagOut        = flag.String("out", "predictions", "output directory")
	flagKind       = flag.String("kind", "", "input kind: segmentation or keypoint (default: from the run config)")
	flagHeight     = flag.Int("height", -1, "resize inputs to this height, 0 keeps the original size (default: from the run config)")
	flagWidth      = flag.Int("width", -1, "resize inputs to this width, 0 keeps the original size (default: from the run config)")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagCheckpoint == "" || *flagInput == "" {
		flag.Usage()
		klog.Exit("-checkpoint and -input are required")
	}

	modelsDir, opts, err := resolveCheckpoint(*flagCheckpoint)
	if err != nil {
		klog.Exitf("%+v", err)
	}
	inputs, err := listInputs(*flagInput)
	if err != nil {
		klog.Exitf("%+v", err)
	}
	if err := ensureDir(*flagOut); err != nil {
		klog.Exitf("%+v", err)
	}

	p, err := trainer.NewPredictor(nil, modelsDir, opts)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	klog.Infof("%s model with %d classes, %d inputs", p.Config().Backbone, p.Config().NumClasses, len(inputs))

	bar := progressbar.Default(int64(len(inputs)), "predicting")
	failed := 0
	for _, path := range inputs {
		if _, err := p.PredictFile(path, *flagOut); err != nil {
			klog.Errorf("%s: %+v", path, err)
			failed++
		}
		_ = bar.Add(1)
	}
	if failed > 0 {
		klog.Exitf("%d of %d inputs failed", failed, len(inputs))
	}
	klog.Infof("predictions written to %s", *flagOut)
}

// resolveCheckpoint returns the models directory and the decoding options,
// taking defaults from the run's config.yaml when there is one.
func resolveCheckpoint(path string) (string, datasets.Options, error) {
	runDir, modelsDir := path, path
	if filepath.Base(path) == runlog.ModelsDir {
		runDir = filepath.Dir(path)
	} else {
		modelsDir = filepath.Join(path, runlog.ModelsDir)
	}

	cfg := config.Default()
	if _, err := os.Stat(filepath.Join(runDir, trainer.ConfigFile)); err == nil {
		if cfg, err = config.Load(filepath.Join(runDir, trainer.ConfigFile)); err != nil {
			return "", datasets.Options{}, err
		}
	}
	if *flagKind != "" {
		cfg.Dataset.Kind = *flagKind
	}
	if *flagHeight >= 0 {
		cfg.Dataset.Height = *flagHeight
	}
	if *flagWidth >= 0 {
		cfg.Dataset.Width = *flagWidth
	}
	opts, err := cfg.DatasetOptions(true)
	return modelsDir, opts, err
}

// listInputs returns path itself, or the sorted image files directly under it.
func listInputs(path string) ([]string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading -input")
	}
	if !fi.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrap(err, "listing -input")
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && ndimage.FormatOf(e.Name()) != ndimage.FormatUnknown {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	slices.Sort(files)
	if len(files) == 0 {
		return nil, errors.Errorf("no image files (%v) in %s", ndimage.Extensions, path)
	}
	return files, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	return nil
}
