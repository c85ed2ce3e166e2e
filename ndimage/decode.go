package ndimage

import (
	"bytes"
	"image"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Array is an n-dimensional float32 array as read from disk, before any
// channel layout is decided.
type Array struct {
	Dims []int
	Data []float32
}

// Format identifies how a sample file is encoded.
type Format int

const (
	FormatUnknown Format = iota
	FormatNpy
	FormatNpz
	FormatBitmap
)

// Extensions lists the file extensions recognized by FormatOf, in the order
// in which they are tried when looking for a paired file.
var Extensions = []string{".npy", ".npz", ".png", ".jpg", ".jpeg"}

// FormatOf returns the format implied by the extension of path.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npy":
		return FormatNpy
	case ".npz":
		return FormatNpz
	case ".png", ".jpg", ".jpeg":
		return FormatBitmap
	}
	return FormatUnknown
}

// NpzKey is the archive member read from .npz files, the name numpy.savez
// gives the first positional array.
const NpzKey = "arr_0"

// DecodeArray reads the full contents of r and decodes them according to
// format. Bitmaps are returned as HxWx3 arrays with values in [0, 255].
func DecodeArray(r io.Reader, format Format) (*Array, error) {
	switch format {
	case FormatNpy:
		t, err := numpy.FromNpyReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "decoding npy")
		}
		return arrayFromTensor(t)

	case FormatNpz:
		// Zip archives need random access.
		buf, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading npz")
		}
		members, err := numpy.FromNpzReader(bytes.NewReader(buf), int64(len(buf)))
		if err != nil {
			return nil, errors.Wrap(err, "decoding npz")
		}
		t, ok := members[NpzKey]
		if !ok {
			if len(members) == 0 {
				return nil, errors.New("npz archive has no arrays")
			}
			keys := make([]string, 0, len(members))
			for k := range members {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			t = members[keys[0]]
		}
		return arrayFromTensor(t)

	case FormatBitmap:
		img, err := imaging.Decode(r)
		if err != nil {
			return nil, errors.Wrap(err, "decoding bitmap")
		}
		return arrayFromBitmap(img)
	}
	return nil, errors.Errorf("unsupported format %d", format)
}

func arrayFromBitmap(img image.Image) (a *Array, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("converting bitmap: %v", r)
		}
	}()
	t := timage.ToTensor(dtypes.Float32).MaxValue(255.0).Single(img)
	if t == nil {
		return nil, errors.New("converting bitmap: no tensor produced")
	}
	return arrayFromTensor(t)
}

func arrayFromTensor(t *tensors.Tensor) (*Array, error) {
	dims := slices.Clone(t.Shape().Dimensions)
	var data []float32
	var convErr error
	t.ConstFlatData(func(flat any) {
		switch v := flat.(type) {
		case []float32:
			data = slices.Clone(v)
		case []float64:
			data = convert(v)
		case []uint8:
			data = convert(v)
		case []uint16:
			data = convert(v)
		case []uint32:
			data = convert(v)
		case []uint64:
			data = convert(v)
		case []int8:
			data = convert(v)
		case []int16:
			data = convert(v)
		case []int32:
			data = convert(v)
		case []int64:
			data = convert(v)
		case []bool:
			data = make([]float32, len(v))
			for i, b := range v {
				if b {
					data[i] = 1
				}
			}
		default:
			convErr = errors.Errorf("unsupported array dtype %s", t.DType())
		}
	})
	if convErr != nil {
		return nil, convErr
	}
	return &Array{Dims: dims, Data: data}, nil
}

type number interface {
	~float64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

func convert[T number](src []T) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out
}

// Layout tells FromArray how to interpret 3D arrays.
type Layout int

const (
	// LayoutAuto treats a 3D array whose last axis has at most 4 entries as
	// HWC, whatever its height, and any other 3D array as CHW. A CHW array
	// narrower than 5 pixels needs LayoutCHW.
	LayoutAuto Layout = iota
	LayoutHWC
	LayoutCHW
)

// FromArray converts a 2D (HW) or 3D array into a CHW image. A fourth
// (alpha) channel is dropped.
func FromArray(a *Array, layout Layout) (*Image, error) {
	switch len(a.Dims) {
	case 2:
		img := &Image{C: 1, H: a.Dims[0], W: a.Dims[1], Data: a.Data}
		return img, nil
	case 3:
	default:
		return nil, errors.Errorf("expected a 2D or 3D array, got dims %v", a.Dims)
	}

	if layout == LayoutAuto {
		layout = LayoutCHW
		if a.Dims[2] >= 1 && a.Dims[2] <= 4 {
			layout = LayoutHWC
		}
	}

	var img *Image
	if layout == LayoutCHW {
		img = &Image{C: a.Dims[0], H: a.Dims[1], W: a.Dims[2], Data: a.Data}
	} else {
		h, w, c := a.Dims[0], a.Dims[1], a.Dims[2]
		img = New(c, h, w)
		for y := range h {
			for x := range w {
				base := (y*w + x) * c
				for ch := range c {
					img.Data[(ch*h+y)*w+x] = a.Data[base+ch]
				}
			}
		}
	}
	if img.C == 4 {
		img.Data = img.Data[:3*img.H*img.W]
		img.C = 3
	}
	return img, nil
}
