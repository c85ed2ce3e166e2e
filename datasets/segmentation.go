package datasets

import (
	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/pkg/errors"
)

// SegmentationDataset serves (image, mask) pairs for the fully-convolutional
// cable segmentation models.
//
// Images may have 1 or 3 channels and any of the supported encodings; a
// single channel is broadcast to three. HWC arrays are transposed to CHW.
// Targets keep a single channel.
type SegmentationDataset struct {
	*adapter
}

// NewSegmentationDataset discovers the samples under opts.Dir and selects
// the split given by opts.Val.
func NewSegmentationDataset(opts Options) (*SegmentationDataset, error) {
	a, err := newAdapter(opts, splitName("segmentation", opts.Val))
	if err != nil {
		return nil, err
	}
	a.arrayLayout = ndimage.LayoutAuto
	a.normalizeImage = normalizeSegmentationImage
	return &SegmentationDataset{adapter: a}, nil
}

func normalizeSegmentationImage(img *ndimage.Image) (*ndimage.Image, error) {
	switch img.C {
	case 1:
		return ndimage.Broadcast(img, 3), nil
	case 3:
		return img, nil
	}
	return nil, errors.Errorf("segmentation image with %d channels, expected 1 or 3", img.C)
}

func splitName(kind string, val bool) string {
	if val {
		return kind + "-val"
	}
	return kind + "-train"
}
