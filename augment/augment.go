// Package augment implements the randomized augmentation applied to training
// samples at load time.
//
// The pipeline is a fixed ordered list of transforms. Geometric transforms
// (rotation, affine warp, flips) are drawn once and applied identically to the
// image and its target. Photometric transforms (brightness, contrast,
// grayscale) only touch the image.
//
// All randomness comes from the *rand.Rand passed to Apply, so a pipeline run
// with a fixed seed is reproducible.
package augment

import (
	"math/rand"

	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/pkg/errors"
)

// Range is a closed interval [Min, Max].
type Range struct {
	Min, Max float64
}

func (r Range) uniform(rng *rand.Rand) float64 {
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// intn draws an integer uniformly from [Min, Max].
func (r Range) intn(rng *rand.Rand) float64 {
	lo, hi := int(r.Min), int(r.Max)
	return float64(lo + rng.Intn(hi-lo+1))
}

// Pipeline configures the augmentation transforms. Use DefaultPipeline for
// the standard settings.
type Pipeline struct {
	// Enabled turns the whole pipeline on. When false Apply is the identity and
	// draws nothing from the random source.
	Enabled bool

	RotateProb  float64
	RotateAngle Range // degrees, drawn as an integer

	AffineProb      float64
	AffineAngle     Range // degrees, drawn as an integer
	AffineTranslate Range // fraction of width/height, drawn per axis
	AffineScale     Range

	HFlipProb float64
	VFlipProb float64

	Brightness Range
	Contrast   Range

	GrayscaleProb float64
}

// DefaultPipeline returns the standard augmentation settings.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Enabled:         true,
		RotateProb:      0.2,
		RotateAngle:     Range{-30, 30},
		AffineProb:      0.2,
		AffineAngle:     Range{0, 90},
		AffineTranslate: Range{0.1, 0.3},
		AffineScale:     Range{0.75, 0.99},
		HFlipProb:       0.2,
		VFlipProb:       0.2,
		Brightness:      Range{0.5, 1.5},
		Contrast:        Range{0.85, 1.15},
		GrayscaleProb:   0.2,
	}
}

// ErrInvalidPipeline is returned for inverted ranges and probabilities
// outside [0, 1].
var ErrInvalidPipeline = errors.New("invalid augmentation pipeline")

// Validate checks the ranges and probabilities of p.
func (p Pipeline) Validate() error {
	probs := []struct {
		name string
		p    float64
	}{
		{"rotate", p.RotateProb}, {"affine", p.AffineProb}, {"hflip", p.HFlipProb},
		{"vflip", p.VFlipProb}, {"grayscale", p.GrayscaleProb},
	}
	for _, pr := range probs {
		if pr.p < 0 || pr.p > 1 {
			return errors.Wrapf(ErrInvalidPipeline, "%s probability %g", pr.name, pr.p)
		}
	}
	ranges := []struct {
		name string
		r    Range
	}{
		{"rotate angle", p.RotateAngle}, {"affine angle", p.AffineAngle}, {"affine translate", p.AffineTranslate},
		{"affine scale", p.AffineScale}, {"brightness", p.Brightness}, {"contrast", p.Contrast},
	}
	for _, r := range ranges {
		if r.r.Max < r.r.Min {
			return errors.Wrapf(ErrInvalidPipeline, "%s range [%g, %g]", r.name, r.r.Min, r.r.Max)
		}
	}
	return nil
}

// Disabled returns a pipeline that leaves samples untouched.
func Disabled() Pipeline {
	return Pipeline{}
}

// fires draws one uniform value and reports whether a transform with
// probability p should run.
func fires(rng *rand.Rand, p float64) bool {
	return rng.Float64() > 1-p
}

// Apply runs the pipeline on img and, when non-nil, target. The inputs are
// not modified. When target is nil only the image is transformed, with the
// same random draws as if a target were present.
func (p Pipeline) Apply(rng *rand.Rand, img, target *ndimage.Image) (*ndimage.Image, *ndimage.Image, error) {
	if !p.Enabled {
		return img, target, nil
	}
	if rng == nil {
		return nil, nil, errors.New("augment: nil random source")
	}
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	if target != nil && !img.SameSize(target) {
		return nil, nil, errors.Errorf("augment: image %s and target %s differ in size", img, target)
	}

	var err error
	warp := func(a ndimage.Affine) error {
		m, err := ndimage.NewMapping(img.H, img.W, a)
		if err != nil {
			return err
		}
		if img, err = m.Apply(img); err != nil {
			return err
		}
		if target != nil {
			target, err = m.Apply(target)
		}
		return err
	}

	if fires(rng, p.RotateProb) {
		if err = warp(ndimage.Rotation(p.RotateAngle.intn(rng))); err != nil {
			return nil, nil, err
		}
	}
	if fires(rng, p.AffineProb) {
		a := ndimage.Affine{Angle: p.AffineAngle.intn(rng)}
		a.TX = p.AffineTranslate.uniform(rng) * float64(img.W)
		a.TY = p.AffineTranslate.uniform(rng) * float64(img.H)
		a.Scale = p.AffineScale.uniform(rng)
		if err = warp(a); err != nil {
			return nil, nil, err
		}
	}
	if fires(rng, p.HFlipProb) {
		img = ndimage.FlipH(img)
		if target != nil {
			target = ndimage.FlipH(target)
		}
	}
	if fires(rng, p.VFlipProb) {
		img = ndimage.FlipV(img)
		if target != nil {
			target = ndimage.FlipV(target)
		}
	}

	img = AdjustBrightness(img, p.Brightness.uniform(rng))
	img = AdjustContrast(img, p.Contrast.uniform(rng))
	if fires(rng, p.GrayscaleProb) {
		img = Grayscale(img)
	}
	return img, target, nil
}
