// Package ndimage holds the channel-first float32 images passed between the
// dataset adapters, the augmentation pipeline and the model.
//
// Images are stored as CHW (channels, height, width) to match the layout of
// the array files on disk. Conversion to the channels-last tensors used by
// gomlx happens in ToTensor.
package ndimage

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Image is a dense channel-first float32 image.
type Image struct {
	C, H, W int
	Data    []float32
}

// New returns a zeroed image with the given dimensions.
func New(c, h, w int) *Image {
	return &Image{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// String implements fmt.Stringer.
func (img *Image) String() string {
	return fmt.Sprintf("Image[C=%d H=%d W=%d]", img.C, img.H, img.W)
}

func (img *Image) offset(c, y, x int) int {
	return (c*img.H+y)*img.W + x
}

// At returns the value at channel c, row y, column x.
func (img *Image) At(c, y, x int) float32 {
	return img.Data[img.offset(c, y, x)]
}

// Set writes v at channel c, row y, column x.
func (img *Image) Set(c, y, x int, v float32) {
	img.Data[img.offset(c, y, x)] = v
}

// Plane returns the backing slice of channel c. Writes are visible in img.
func (img *Image) Plane(c int) []float32 {
	n := img.H * img.W
	return img.Data[c*n : (c+1)*n]
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	out := &Image{C: img.C, H: img.H, W: img.W, Data: make([]float32, len(img.Data))}
	copy(out.Data, img.Data)
	return out
}

// Channel returns a single-channel copy of channel c.
func (img *Image) Channel(c int) *Image {
	out := New(1, img.H, img.W)
	copy(out.Data, img.Plane(c))
	return out
}

// SameSize reports whether img and other have the same spatial dimensions.
func (img *Image) SameSize(other *Image) bool {
	return img.H == other.H && img.W == other.W
}

// Max returns the largest value, or -Inf for an empty image.
func (img *Image) Max() float32 {
	m := float32(math.Inf(-1))
	for _, v := range img.Data {
		if v > m {
			m = v
		}
	}
	return m
}

// Scale multiplies every value by f in place and returns img.
func (img *Image) Scale(f float32) *Image {
	for i := range img.Data {
		img.Data[i] *= f
	}
	return img
}

// Clamp limits every value to [lo, hi] in place and returns img.
func (img *Image) Clamp(lo, hi float32) *Image {
	for i, v := range img.Data {
		img.Data[i] = min(max(v, lo), hi)
	}
	return img
}

// Stack concatenates images along the channel axis. All images must have the
// same spatial size.
func Stack(imgs ...*Image) (*Image, error) {
	if len(imgs) == 0 {
		return nil, errors.Errorf("ndimage.Stack: no images given")
	}
	h, w := imgs[0].H, imgs[0].W
	c := 0
	for _, img := range imgs {
		if img.H != h || img.W != w {
			return nil, errors.Errorf("ndimage.Stack: size mismatch %s vs %s", imgs[0], img)
		}
		c += img.C
	}
	out := &Image{C: c, H: h, W: w, Data: make([]float32, 0, c*h*w)}
	for _, img := range imgs {
		out.Data = append(out.Data, img.Data...)
	}
	return out, nil
}

// Broadcast returns an image with c channels built by repeating the channels
// of img, which must have exactly one channel.
func Broadcast(img *Image, c int) *Image {
	out := New(c, img.H, img.W)
	for i := range c {
		copy(out.Plane(i), img.Data)
	}
	return out
}
