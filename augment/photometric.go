package augment

import "github.com/Noofbiz/fcvision/ndimage"

// Luma weights (ITU-R 601-2) used for grayscale conversion.
const (
	lumaR = 0.2989
	lumaG = 0.587
	lumaB = 0.114
)

// AdjustBrightness returns img scaled by factor and clamped to [0, 1].
func AdjustBrightness(img *ndimage.Image, factor float64) *ndimage.Image {
	return img.Clone().Scale(float32(factor)).Clamp(0, 1)
}

// AdjustContrast blends img with the mean of its grayscale version:
// clamp(factor*img + (1-factor)*mean).
func AdjustContrast(img *ndimage.Image, factor float64) *ndimage.Image {
	gray := luma(img)
	var sum float64
	for _, v := range gray {
		sum += float64(v)
	}
	mean := float32(sum / float64(len(gray)))
	f := float32(factor)
	out := img.Clone()
	for i, v := range out.Data {
		out.Data[i] = f*v + (1-f)*mean
	}
	return out.Clamp(0, 1)
}

// Grayscale converts a 3-channel image to luma replicated over 3 channels.
// Images with any other channel count are returned unchanged.
func Grayscale(img *ndimage.Image) *ndimage.Image {
	if img.C != 3 {
		return img
	}
	return ndimage.Broadcast(&ndimage.Image{C: 1, H: img.H, W: img.W, Data: luma(img)}, 3)
}

// luma returns the grayscale plane of img. Single-channel images are their
// own luma.
func luma(img *ndimage.Image) []float32 {
	if img.C < 3 {
		return img.Plane(0)
	}
	r, g, b := img.Plane(0), img.Plane(1), img.Plane(2)
	out := make([]float32, len(r))
	for i := range out {
		out[i] = lumaR*r[i] + lumaG*g[i] + lumaB*b[i]
	}
	return out
}
