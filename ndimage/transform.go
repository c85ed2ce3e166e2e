package ndimage

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Resize resamples every channel of img to h x w using bilinear
// interpolation. It returns img itself if the size already matches.
func Resize(img *Image, h, w int) *Image {
	if img.H == h && img.W == w {
		return img
	}
	out := New(img.C, h, w)
	for c := range img.C {
		src, lo, hi := toGray16(img.Plane(c), img.H, img.W)
		dst := image.NewGray16(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		fromGray16(dst, out.Plane(c), lo, hi)
	}
	return out
}

// toGray16 quantizes a plane into the 16-bit range, returning the value
// range used so fromGray16 can undo it.
func toGray16(plane []float32, h, w int) (g *image.Gray16, lo, hi float32) {
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range plane {
		lo, hi = min(lo, v), max(hi, v)
	}
	g = image.NewGray16(image.Rect(0, 0, w, h))
	span := hi - lo
	for i, v := range plane {
		var q uint16
		if span > 0 {
			q = uint16(math.Round(float64((v - lo) / span * 0xffff)))
		}
		g.SetGray16(i%w, i/w, color.Gray16{Y: q})
	}
	return
}

func fromGray16(g *image.Gray16, plane []float32, lo, hi float32) {
	w := g.Bounds().Dx()
	span := hi - lo
	for i := range plane {
		q := g.Gray16At(i%w, i/w).Y
		plane[i] = lo + float32(q)/0xffff*span
	}
}

// Affine describes a similarity transform about the image centre: scale,
// then rotate counter-clockwise by Angle degrees, then translate by (TX, TY)
// pixels.
type Affine struct {
	Angle  float64
	TX, TY float64
	Scale  float64
}

// Rotation returns the Affine for a pure rotation by angle degrees.
func Rotation(angle float64) Affine {
	return Affine{Angle: angle, Scale: 1}
}

// matrix returns the source to destination transform for an h x w image.
func (a Affine) matrix(h, w int) f64.Aff3 {
	scale := a.Scale
	if scale == 0 {
		scale = 1
	}
	rad := a.Angle * math.Pi / 180
	cos, sin := math.Cos(rad)*scale, math.Sin(rad)*scale
	cx, cy := float64(w)/2, float64(h)/2
	return f64.Aff3{
		cos, sin, cx + a.TX - (cos*cx + sin*cy),
		-sin, cos, cy + a.TY - (-sin*cx + cos*cy),
	}
}

// Mapping records, for each destination pixel, which source pixel it is
// sampled from (-1 for pixels that fall outside the source). The same
// Mapping applied to an image and its target keeps them pixel aligned.
type Mapping struct {
	H, W int
	src  []int32
}

// NewMapping computes the nearest-neighbour sampling of transform a for an
// h x w image.
func NewMapping(h, w int, a Affine) (*Mapping, error) {
	if h >= math.MaxUint16 || w >= math.MaxUint16 {
		return nil, errors.Errorf("image %dx%d too large to warp", h, w)
	}
	// Warp the coordinate planes themselves: each pixel holds its own 1-based
	// column (xs) or row (ys), zero marks "outside".
	xs := image.NewGray16(image.Rect(0, 0, w, h))
	ys := image.NewGray16(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			xs.SetGray16(x, y, color.Gray16{Y: uint16(x + 1)})
			ys.SetGray16(x, y, color.Gray16{Y: uint16(y + 1)})
		}
	}
	m := a.matrix(h, w)
	wx := image.NewGray16(xs.Bounds())
	wy := image.NewGray16(ys.Bounds())
	draw.NearestNeighbor.Transform(wx, m, xs, xs.Bounds(), draw.Src, nil)
	draw.NearestNeighbor.Transform(wy, m, ys, ys.Bounds(), draw.Src, nil)

	mapping := &Mapping{H: h, W: w, src: make([]int32, h*w)}
	for y := range h {
		for x := range w {
			sx, sy := int(wx.Gray16At(x, y).Y), int(wy.Gray16At(x, y).Y)
			if sx == 0 || sy == 0 {
				mapping.src[y*w+x] = -1
				continue
			}
			mapping.src[y*w+x] = int32((sy-1)*w + (sx - 1))
		}
	}
	return mapping, nil
}

// Apply returns a new image sampled through the mapping, zero filled.
func (m *Mapping) Apply(img *Image) (*Image, error) {
	if img.H != m.H || img.W != m.W {
		return nil, errors.Errorf("mapping for %dx%d applied to %s", m.H, m.W, img)
	}
	out := New(img.C, img.H, img.W)
	for c := range img.C {
		src, dst := img.Plane(c), out.Plane(c)
		for i, s := range m.src {
			if s >= 0 {
				dst[i] = src[s]
			}
		}
	}
	return out, nil
}

// Warp applies the affine transform a to img with nearest-neighbour sampling.
func Warp(img *Image, a Affine) (*Image, error) {
	m, err := NewMapping(img.H, img.W, a)
	if err != nil {
		return nil, err
	}
	return m.Apply(img)
}

// FlipH mirrors img left to right.
func FlipH(img *Image) *Image {
	out := New(img.C, img.H, img.W)
	for c := range img.C {
		for y := range img.H {
			for x := range img.W {
				out.Set(c, y, img.W-1-x, img.At(c, y, x))
			}
		}
	}
	return out
}

// FlipV mirrors img top to bottom.
func FlipV(img *Image) *Image {
	out := New(img.C, img.H, img.W)
	rowLen := img.W
	for c := range img.C {
		src, dst := img.Plane(c), out.Plane(c)
		for y := range img.H {
			copy(dst[(img.H-1-y)*rowLen:(img.H-y)*rowLen], src[y*rowLen:(y+1)*rowLen])
		}
	}
	return out
}
