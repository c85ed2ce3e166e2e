package datasets

import (
	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/pkg/errors"
)

// LoadImage reads a single input image outside of a dataset directory, with
// the decoding, channel handling, rescaling and resizing of the datasets of
// opts.Kind. Only Kind, Height, Width and Reader are used.
func LoadImage(path string, opts Options) (*ndimage.Image, error) {
	a := &adapter{opts: opts, reader: opts.Reader}
	if a.reader == nil {
		a.reader = OSReader{}
	}
	switch opts.Kind {
	case Keypoint:
		a.arrayLayout = ndimage.LayoutCHW
		a.normalizeImage = repackKeypointChannels
	default:
		a.arrayLayout = ndimage.LayoutAuto
		a.normalizeImage = normalizeSegmentationImage
	}
	img, err := a.read(path, false)
	if err != nil {
		return nil, err
	}
	if img, err = a.normalizeImage(img); err != nil {
		return nil, errors.Wrapf(ErrDecode, "%s: %v", path, err)
	}
	return a.resize(rescale(img)), nil
}
