package datasets

import (
	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/pkg/errors"
)

// KeypointDataset serves (image, heat-map) pairs for cable keypoint
// detection.
//
// Array inputs are stored channel-first. Two-channel inputs (for example
// intensity and depth) are re-packed into three channels as [c0, c0, c1] so
// they can feed a 3-channel backbone; one-channel inputs are broadcast.
type KeypointDataset struct {
	*adapter
}

// NewKeypointDataset discovers the samples under opts.Dir and selects the
// split given by opts.Val.
func NewKeypointDataset(opts Options) (*KeypointDataset, error) {
	a, err := newAdapter(opts, splitName("keypoint", opts.Val))
	if err != nil {
		return nil, err
	}
	a.arrayLayout = ndimage.LayoutCHW
	a.normalizeImage = repackKeypointChannels
	return &KeypointDataset{adapter: a}, nil
}

func repackKeypointChannels(img *ndimage.Image) (*ndimage.Image, error) {
	switch img.C {
	case 1:
		return ndimage.Broadcast(img, 3), nil
	case 2:
		c0, c1 := img.Channel(0), img.Channel(1)
		return ndimage.Stack(c0, c0, c1)
	case 3:
		return img, nil
	}
	return nil, errors.Errorf("keypoint image with %d channels, expected 1 to 3", img.C)
}
