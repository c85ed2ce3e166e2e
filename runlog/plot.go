package runlog

import (
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// LossPlotFile is the name of the loss plot inside a run.
const LossPlotFile = "loss.png"

// PlotLosses writes a PNG with the training loss per epoch.
func PlotLosses(entries []EpochMetrics, path string) error {
	if len(entries) == 0 {
		return errors.New("no metrics to plot")
	}
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"

	xys := make(plotter.XYs, 0, len(entries))
	for _, m := range entries {
		if math.IsNaN(m.TrainLoss) || math.IsInf(m.TrainLoss, 0) {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(m.Epoch), Y: m.TrainLoss})
	}
	if len(xys) == 0 {
		return errors.New("all losses are NaN or infinite")
	}

	line, points, err := plotter.NewLinePoints(xys)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	line.Width = vg.Points(1.2)
	points.GlyphStyle.Color = line.Color
	points.GlyphStyle.Radius = vg.Points(2)
	p.Add(line, points, plotter.NewGrid())
	p.Legend.Add("train", line, points)

	xmin, xmax, ymin, ymax := autoRange(xys)
	p.X.Min, p.X.Max = xmin, xmax
	p.Y.Min, p.Y.Max = ymin, ymax

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return errors.Wrapf(p.Save(8*vg.Inch, 5*vg.Inch, path), "saving %s", path)
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
		ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}
