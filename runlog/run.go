// Package runlog lays out the output directory of a training run and keeps
// its logs: per-epoch metrics as JSON lines, a loss plot and the index of
// the validation images.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Subdirectories of a run.
const (
	ModelsDir = "models"
	VisDir    = "vis"
)

// TimeFormat is the timestamp part of a run directory name.
const TimeFormat = "20060102-150405"

// Run is the output directory of one training run:
//
//	<logdir>/<prefix>_<timestamp>_<id>/
//	    models/          checkpoints
//	    vis/             validation images
//	    metrics.jsonl    one line per epoch
//	    images.jsonl     one line per logged validation sample
//	    loss.png
type Run struct {
	Dir string
	// ID is the first 8 hex digits of a random UUID.
	ID string
}

// NewRun creates a new run directory under logdir.
func NewRun(logdir, prefix string) (*Run, error) {
	id := uuid.NewString()[:8]
	name := fmt.Sprintf("%s_%s", time.Now().Format(TimeFormat), id)
	if prefix != "" {
		name = prefix + "_" + name
	}
	r := &Run{Dir: filepath.Join(logdir, name), ID: id}
	for _, sub := range []string{ModelsDir, VisDir} {
		if err := os.MkdirAll(r.Path(sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating run directory %s", r.Dir)
		}
	}
	return r, nil
}

// OpenRun reuses an existing run directory, for instance to resume training.
func OpenRun(dir string) (*Run, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "opening run %s", dir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("run %s is not a directory", dir)
	}
	for _, sub := range []string{ModelsDir, VisDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "opening run %s", dir)
		}
	}
	return &Run{Dir: dir, ID: filepath.Base(dir)}, nil
}

// Path joins elem to the run directory.
func (r *Run) Path(elem ...string) string {
	return filepath.Join(append([]string{r.Dir}, elem...)...)
}

func (r *Run) ModelsDir() string { return r.Path(ModelsDir) }

func (r *Run) VisDir() string { return r.Path(VisDir) }
