package ndimage

import (
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// ToTensor packs images of identical shape into a float32 tensor shaped
// [N, H, W, C], the channels-last layout gomlx convolutions expect.
func ToTensor(imgs ...*Image) (*tensors.Tensor, error) {
	if len(imgs) == 0 {
		return nil, errors.New("ndimage.ToTensor: no images given")
	}
	c, h, w := imgs[0].C, imgs[0].H, imgs[0].W
	flat := make([]float32, 0, len(imgs)*c*h*w)
	for i, img := range imgs {
		if img.C != c || img.H != h || img.W != w {
			return nil, errors.Errorf("ndimage.ToTensor: image #%d is %s, expected %s", i, img, imgs[0])
		}
		flat = append(flat, img.hwc()...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(imgs), h, w, c), nil
}

// hwc returns the pixel data in HWC order.
func (img *Image) hwc() []float32 {
	out := make([]float32, len(img.Data))
	for c := range img.C {
		plane := img.Plane(c)
		for i, v := range plane {
			out[i*img.C+c] = v
		}
	}
	return out
}

// FromTensor unpacks a float32 tensor shaped [N, H, W, C] into N images.
func FromTensor(t *tensors.Tensor) ([]*Image, error) {
	dims := t.Shape().Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("ndimage.FromTensor: expected rank-4 tensor, got shape %s", t.Shape())
	}
	n, h, w, c := dims[0], dims[1], dims[2], dims[3]
	imgs := make([]*Image, n)
	var err error
	t.ConstFlatData(func(data any) {
		flat, ok := data.([]float32)
		if !ok {
			err = errors.Errorf("ndimage.FromTensor: expected float32 tensor, got %s", t.DType())
			return
		}
		size := h * w * c
		for i := range n {
			img := New(c, h, w)
			src := flat[i*size : (i+1)*size]
			for p := range h * w {
				for ch := range c {
					img.Data[ch*h*w+p] = src[p*c+ch]
				}
			}
			imgs[i] = img
		}
	})
	if err != nil {
		return nil, err
	}
	return imgs, nil
}

// SavePNG writes img to path as an RGB PNG. Values are clamped to [0, 1] and
// single-channel images are written as gray.
func SavePNG(img *Image, path string) error {
	rgb := img.Clone().Clamp(0, 1)
	switch rgb.C {
	case 1:
		rgb = Broadcast(rgb, 3)
	case 3:
	default:
		return errors.Errorf("ndimage.SavePNG: cannot save %s", img)
	}
	t, err := ToTensor(rgb)
	if err != nil {
		return err
	}
	bitmap := timage.ToImage().MaxValue(1.0).Batch(t)[0]
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	if err := imaging.Save(bitmap, path); err != nil {
		return errors.Wrapf(err, "saving %s", path)
	}
	return nil
}

// Overlay returns clamp(pred + img), broadcasting a single-channel pred over
// the channels of img.
func Overlay(img, pred *Image) (*Image, error) {
	if !img.SameSize(pred) {
		return nil, errors.Errorf("ndimage.Overlay: %s and %s differ in size", img, pred)
	}
	if pred.C == 1 && img.C != 1 {
		pred = Broadcast(pred, img.C)
	}
	if pred.C != img.C {
		return nil, errors.Errorf("ndimage.Overlay: cannot overlay %s on %s", pred, img)
	}
	out := img.Clone()
	for i, v := range pred.Data {
		out.Data[i] += v
	}
	return out.Clamp(0, 1), nil
}
