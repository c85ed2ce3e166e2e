package datasets

import (
	"github.com/Noofbiz/fcvision/augment"
	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// This file provides the dataset adapters that read cable/cloth samples from
// disk and present them as examples suitable for model training.
//
// A sample is an image file and a target file sharing a numeric id:
//
//	dir/images/image_12.npy   dir/targets/target_12.npy     (directory layout)
//	dir/image_12.npz          dir/target_12.npz | mask_12   (flat layout)
//
// Supported encodings are .npy, .npz (member "arr_0") and .png/.jpg bitmaps.
//
// Samples are discovered in sorted order. The first ValidationCount samples
// form the validation split, the rest the training split. Validation datasets
// never open target files.
//
// Layout and intended usage:
//
// SegmentationDataset
//   - 1 or 3 channel images, 1 → 3 by broadcasting.
//   - Target is a binary mask or heat-map with a single channel.
//
// KeypointDataset
//   - Channel-first inputs; 2-channel inputs are re-packed as [c0, c0, c1].
//
// Both resize to a fixed size, rescale to [0,1] when values exceed 1, apply
// the augmentation pipeline and can cache the decoded samples.
//
// The datasets implement this interface in order to interact with GoMLX
// training loops and batching utilities.
type Dataset interface {
	Len() int
	Example(i int) (Sample, error)
	Batch(indices []int) (images, targets *tensors.Tensor, err error)
	Shuffle(seed int64)
	// Warm fills the sample cache, if enabled.
	Warm() error

	// To implement gomlx's train.Dataset interface
	train.Dataset
}

// ValidationCount is the number of samples, taken from the start of the
// sorted sample list, that form the validation split.
const ValidationCount = 10

// Failure kinds. Errors returned by the adapters wrap one of these; test
// with errors.Is.
var (
	ErrSampleNotFound = errors.New("sample not found")
	ErrDecode         = errors.New("cannot decode sample")
	ErrShapeMismatch  = errors.New("image and target shapes differ")
)

// Kind selects the adapter.
type Kind int

const (
	Segmentation Kind = iota
	Keypoint
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Segmentation:
		return "segmentation"
	case Keypoint:
		return "keypoint"
	}
	return "unknown"
}

// ParseKind converts "segmentation" or "keypoint" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "segmentation", "seg", "fc", "":
		return Segmentation, nil
	case "keypoint", "kp":
		return Keypoint, nil
	}
	return 0, errors.Errorf("unknown dataset kind %q", s)
}

// Sample is one decoded (and possibly augmented) example. Target is nil for
// validation datasets.
type Sample struct {
	Index  int
	Image  *ndimage.Image
	Target *ndimage.Image
}

// Default resize target, matching the camera resolution of the recordings.
const (
	DefaultHeight = 480
	DefaultWidth  = 640
)

// Options configures a dataset adapter.
type Options struct {
	// Dir is the dataset directory, in either the directory or flat layout.
	Dir string

	Kind Kind

	// Val selects the validation split. Validation datasets return images only.
	Val bool

	// Transform enables the augmentation pipeline.
	Transform bool

	// Pipeline overrides the augmentation settings used when Transform is set.
	// Nil means augment.DefaultPipeline().
	Pipeline *augment.Pipeline

	// Cache memoizes decoded samples. CacheSize bounds the number of entries
	// (least recently used are evicted); 0 means no bound.
	Cache     bool
	CacheSize int

	// Height and Width every sample is resized to. Zero keeps the stored size,
	// in which case all samples must already share one size to be batched.
	Height, Width int

	// BatchSize used by Yield. Defaults to 6 for training and 12 for
	// validation.
	BatchSize int

	// Shuffle reorders the training split on every Reset. Ignored for
	// validation.
	Shuffle bool

	// Seed drives shuffling and augmentation.
	Seed int64

	// Reader opens files. Defaults to OSReader.
	Reader Reader
}

// DefaultOptions returns options for the training split of dir with the
// standard resize, batch size and augmentation.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:       dir,
		Transform: true,
		Cache:     true,
		Height:    DefaultHeight,
		Width:     DefaultWidth,
		Shuffle:   true,
	}
}

// New opens the dataset described by opts.
func New(opts Options) (Dataset, error) {
	switch opts.Kind {
	case Segmentation:
		ds, err := NewSegmentationDataset(opts)
		if err != nil {
			return nil, err
		}
		return ds, nil
	case Keypoint:
		ds, err := NewKeypointDataset(opts)
		if err != nil {
			return nil, err
		}
		return ds, nil
	}
	return nil, errors.Errorf("unknown dataset kind %d", opts.Kind)
}
