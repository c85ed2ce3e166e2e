package datasets

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/fcvision/augment"
	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	mldatasets "github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeNpy writes a float32 array with the given dims to path.
func writeNpy(t *testing.T, path string, data []float32, dims ...int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	if err := numpy.ToNpyFile(tensors.FromFlatDataAndDimensions(data, dims...), path); err != nil {
		t.Fatalf("failed to write npy %s: %v", path, err)
	}
}

// fill returns n values v, v+1, ... modulo 256.
func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(int(v+float32(i)) % 256)
	}
	return out
}

// writeFlatDataset writes n samples of h x w HWC RGB images (8-bit values)
// and 2D binary targets into dir, using the flat layout.
func writeFlatDataset(t *testing.T, dir string, n, h, w int, withTargets bool) {
	t.Helper()
	for i := range n {
		writeNpy(t, filepath.Join(dir, fmt.Sprintf("image_%d.npy", i)), fill(h*w*3, float32(i)), h, w, 3)
		if withTargets {
			mask := make([]float32, h*w)
			mask[i%(h*w)] = 255
			writeNpy(t, filepath.Join(dir, fmt.Sprintf("target_%d.npy", i)), mask, h, w)
		}
	}
}

func testOptions(dir string) Options {
	return Options{Dir: dir, Height: 0, Width: 0, Seed: 7}
}

func TestDiscover_SortedAndSplit(t *testing.T) {
	dir := t.TempDir()
	// Written in an order that differs from numeric order.
	for _, i := range []int{12, 3, 10, 1, 0, 2, 11, 4, 9, 5, 8, 6, 7} {
		writeNpy(t, filepath.Join(dir, fmt.Sprintf("image_%d.npy", i)), fill(4, 0), 2, 2)
	}
	writeNpy(t, filepath.Join(dir, "image_extra.npy"), fill(4, 0), 2, 2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image_notes.txt"), []byte("x"), 0o644))

	samples, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, samples, 14)
	for i := range 13 {
		assert.Equal(t, i, samples[i].Number)
	}
	assert.Equal(t, "extra", samples[13].ID)

	val, trainSplit := Split(samples, true), Split(samples, false)
	assert.Len(t, val, ValidationCount)
	assert.Len(t, trainSplit, 4)
	seen := map[string]int{}
	for _, s := range append(append([]SampleFile{}, val...), trainSplit...) {
		seen[s.Image]++
	}
	assert.Len(t, seen, len(samples))
	for path, n := range seen {
		assert.Equal(t, 1, n, path)
	}

	_, err = Discover(t.TempDir())
	assert.True(t, errors.Is(err, ErrSampleNotFound))
}

func TestSegmentationDataset_LoadAndRead(t *testing.T) {
	dir := t.TempDir()
	// Directory layout.
	for i := range 12 {
		writeNpy(t, filepath.Join(dir, "images", fmt.Sprintf("image_%02d.npy", i)), fill(8*6*3, float32(10*i)), 8, 6, 3)
		writeNpy(t, filepath.Join(dir, "targets", fmt.Sprintf("target_%02d.npy", i)), fill(8*6, 0), 8, 6)
	}
	opts := testOptions(dir)
	opts.Height, opts.Width = 4, 5
	ds, err := NewSegmentationDataset(opts)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, "segmentation-train", ds.Name())

	s, err := ds.Example(1)
	require.NoError(t, err)
	assert.Equal(t, [3]int{3, 4, 5}, [3]int{s.Image.C, s.Image.H, s.Image.W})
	require.NotNil(t, s.Target)
	assert.Equal(t, [3]int{1, 4, 5}, [3]int{s.Target.C, s.Target.H, s.Target.W})
	assert.LessOrEqual(t, s.Image.Max(), float32(1))
	assert.LessOrEqual(t, s.Target.Max(), float32(1))

	images, targets, err := ds.Batch([]int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 5, 3}, images.Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 5, 1}, targets.Shape().Dimensions)

	_, err = ds.Example(2)
	assert.Error(t, err)
}

func TestSegmentationDataset_GrayscaleIsBroadcast(t *testing.T) {
	dir := t.TempDir()
	for i := range 11 {
		writeNpy(t, filepath.Join(dir, fmt.Sprintf("image_%d.npy", i)), fill(3*4, 0), 3, 4)
		writeNpy(t, filepath.Join(dir, fmt.Sprintf("target_%d.npy", i)), fill(3*4, 0), 3, 4)
	}
	ds, err := NewSegmentationDataset(testOptions(dir))
	require.NoError(t, err)
	s, err := ds.Example(0)
	require.NoError(t, err)
	require.Equal(t, 3, s.Image.C)
	assert.Equal(t, s.Image.Plane(0), s.Image.Plane(2))
}

func TestSegmentationDataset_ShortHWCImages(t *testing.T) {
	dir := t.TempDir()
	writeFlatDataset(t, dir, 11, 4, 6, true)
	ds, err := NewSegmentationDataset(testOptions(dir))
	require.NoError(t, err)
	s, err := ds.Example(0)
	require.NoError(t, err)
	assert.Equal(t, [3]int{3, 4, 6}, [3]int{s.Image.C, s.Image.H, s.Image.W})
	assert.Equal(t, [3]int{1, 4, 6}, [3]int{s.Target.C, s.Target.H, s.Target.W})
	// Pixel (0, 1) of sample 10 holds 10+3, 10+4, 10+5 in its channels.
	assert.InDelta(t, 13.0/255, s.Image.At(0, 0, 1), 1e-6)
	assert.InDelta(t, 15.0/255, s.Image.At(2, 0, 1), 1e-6)
}

func TestValidationNeverReadsTargets(t *testing.T) {
	dir := t.TempDir()
	writeFlatDataset(t, dir, 4, 5, 5, false)

	reader := NewCountingReader(nil)
	opts := testOptions(dir)
	opts.Val = true
	opts.Reader = reader
	ds, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())

	for i := range ds.Len() {
		s, err := ds.Example(i)
		require.NoError(t, err)
		assert.Nil(t, s.Target)
	}
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Nil(t, labels)
	assert.Equal(t, []int{4, 5, 5, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int32{0, 1, 2, 3}, tensors.CopyFlatData[int32](inputs[1]))
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	for i := range 4 {
		assert.Equal(t, 2, reader.Count(filepath.Join(dir, fmt.Sprintf("image_%d.npy", i))))
	}
	assert.Equal(t, 8, reader.Total())
}

func TestMissingTargetIsSampleNotFound(t *testing.T) {
	dir := t.TempDir()
	writeFlatDataset(t, dir, 12, 4, 4, true)
	require.NoError(t, os.Remove(filepath.Join(dir, "target_11.npy")))

	ds, err := NewSegmentationDataset(testOptions(dir))
	require.NoError(t, err)
	_, err = ds.Example(0)
	require.NoError(t, err)
	_, err = ds.Example(1)
	assert.True(t, errors.Is(err, ErrSampleNotFound), "got %v", err)
}

func TestShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFlatDataset(t, dir, 11, 4, 4, true)
	writeNpy(t, filepath.Join(dir, "target_10.npy"), fill(4*5, 0), 4, 5)

	ds, err := NewSegmentationDataset(testOptions(dir))
	require.NoError(t, err)
	_, err = ds.Example(0)
	assert.True(t, errors.Is(err, ErrShapeMismatch), "got %v", err)
}

func TestCorruptFileIsDecodeError(t *testing.T) {
	dir := t.TempDir()
	writeFlatDataset(t, dir, 11, 4, 4, true)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image_10.npy"), []byte("not numpy"), 0o644))

	ds, err := NewSegmentationDataset(testOptions(dir))
	require.NoError(t, err)
	_, err = ds.Example(0)
	assert.True(t, errors.Is(err, ErrDecode), "got %v", err)
}

func TestCacheAvoidsRereads(t *testing.T) {
	dir := t.TempDir()
	writeFlatDataset(t, dir, 12, 4, 4, true)
	imagePath := func(i int) string { return filepath.Join(dir, fmt.Sprintf("image_%d.npy", i)) }

	reader := NewCountingReader(nil)
	opts := testOptions(dir)
	opts.Cache = true
	opts.Reader = reader
	ds, err := NewSegmentationDataset(opts)
	require.NoError(t, err)

	first, err := ds.Example(0)
	require.NoError(t, err)
	second, err := ds.Example(0)
	require.NoError(t, err)
	assert.Equal(t, first.Image.Data, second.Image.Data)
	assert.Equal(t, first.Target.Data, second.Target.Data)
	assert.Equal(t, 1, reader.Count(imagePath(10)))
	assert.Equal(t, 1, ds.CacheLen())

	// Returned images are copies: mutating one leaves the cache intact.
	first.Image.Data[0] = 42
	third, err := ds.Example(0)
	require.NoError(t, err)
	assert.Equal(t, second.Image.Data, third.Image.Data)

	// With augmentation on, a draw without geometric transforms still
	// returns copies of the cached sample.
	pipeline := augment.DefaultPipeline()
	pipeline.RotateProb, pipeline.AffineProb, pipeline.HFlipProb, pipeline.VFlipProb = 0, 0, 0, 0
	augmented := opts
	augmented.Reader = NewCountingReader(nil)
	augmented.Transform = true
	augmented.Pipeline = &pipeline
	ds, err = NewSegmentationDataset(augmented)
	require.NoError(t, err)
	sample, err := ds.Example(0)
	require.NoError(t, err)
	want := sample.Target.Data[0]
	sample.Target.Data[0] = 42
	sample.Image.Data[0] = 42
	again, err := ds.Example(0)
	require.NoError(t, err)
	assert.Equal(t, want, again.Target.Data[0])
	assert.NotEqual(t, float32(42), again.Image.Data[0])

	// Inverted ranges are rejected up front.
	pipeline.Brightness = augment.Range{Min: 2, Max: 1}
	_, err = NewSegmentationDataset(augmented)
	assert.ErrorIs(t, err, augment.ErrInvalidPipeline)

	// Bounded cache evicts the least recently used sample.
	reader = NewCountingReader(nil)
	opts.Reader = reader
	opts.CacheSize = 1
	ds, err = NewSegmentationDataset(opts)
	require.NoError(t, err)
	for _, i := range []int{0, 1, 0} {
		_, err := ds.Example(i)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, reader.Count(imagePath(10)))
	assert.Equal(t, 1, reader.Count(imagePath(11)))
	assert.Equal(t, 1, ds.CacheLen())
	require.NoError(t, ds.Warm())
	assert.Equal(t, 1, ds.CacheLen())

	// Disabled cache reads every time.
	reader = NewCountingReader(nil)
	opts.Reader = reader
	opts.Cache = false
	ds, err = NewSegmentationDataset(opts)
	require.NoError(t, err)
	for range 3 {
		_, err := ds.Example(0)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, reader.Count(imagePath(10)))
	assert.Equal(t, 0, ds.CacheLen())
}

func TestKeypointDataset_RepacksTwoChannels(t *testing.T) {
	dir := t.TempDir()
	for i := range 11 {
		// CHW, channel 0 all 0.1, channel 1 all 0.2.
		data := make([]float32, 2*3*4)
		for j := range 12 {
			data[j] = 0.1
			data[12+j] = 0.2
		}
		writeNpy(t, filepath.Join(dir, fmt.Sprintf("image_%d.npy", i)), data, 2, 3, 4)
		writeNpy(t, filepath.Join(dir, fmt.Sprintf("target_%d.npy", i)), fill(12, 0), 3, 4)
	}
	opts := testOptions(dir)
	opts.Kind = Keypoint
	ds, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, "keypoint-train", ds.Name())
	s, err := ds.Example(0)
	require.NoError(t, err)
	require.Equal(t, 3, s.Image.C)
	assert.InDelta(t, 0.1, s.Image.At(0, 1, 1), 1e-6)
	assert.InDelta(t, 0.1, s.Image.At(1, 1, 1), 1e-6)
	assert.InDelta(t, 0.2, s.Image.At(2, 1, 1), 1e-6)
}

func TestNpzImagesAndMaskTargets(t *testing.T) {
	dir := t.TempDir()
	for i := range 11 {
		img := tensors.FromFlatDataAndDimensions(fill(6*6*3, float32(i)), 6, 6, 3)
		require.NoError(t, numpy.ToNpzFile(map[string]*tensors.Tensor{ndimage.NpzKey: img},
			filepath.Join(dir, fmt.Sprintf("image_%d.npz", i))))
		require.NoError(t, numpy.ToNpyFile(tensors.FromFlatDataAndDimensions(fill(36, 0), 6, 6),
			filepath.Join(dir, fmt.Sprintf("mask_%d.npy", i))))
	}
	ds, err := NewSegmentationDataset(testOptions(dir))
	require.NoError(t, err)
	s, err := ds.Example(0)
	require.NoError(t, err)
	assert.Equal(t, [3]int{3, 6, 6}, [3]int{s.Image.C, s.Image.H, s.Image.W})
	assert.Equal(t, 1, s.Target.C)
	assert.True(t, s.Image.SameSize(s.Target))
}

func TestYieldEpochs(t *testing.T) {
	dir := t.TempDir()
	writeFlatDataset(t, dir, 15, 4, 4, true)
	opts := testOptions(dir)
	opts.BatchSize = 2
	opts.Shuffle = true
	ds, err := NewSegmentationDataset(opts)
	require.NoError(t, err)

	for epoch := range 2 {
		var sizes []int
		for {
			spec, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.Equal(t, ds.Name(), spec)
			require.Len(t, inputs, 1)
			require.Len(t, labels, 1)
			sizes = append(sizes, inputs[0].Shape().Dimensions[0])
		}
		assert.Equal(t, []int{2, 2, 1}, sizes, "epoch %d", epoch)
		ds.Reset()
	}
}

func TestAugmentationIsReproducible(t *testing.T) {
	dir := t.TempDir()
	writeFlatDataset(t, dir, 14, 8, 8, true)
	opts := testOptions(dir)
	opts.Transform = true

	a, err := NewSegmentationDataset(opts)
	require.NoError(t, err)
	b, err := NewSegmentationDataset(opts)
	require.NoError(t, err)
	for i := range a.Len() {
		sa, err := a.Example(i)
		require.NoError(t, err)
		sb, err := b.Example(i)
		require.NoError(t, err)
		assert.Equal(t, sa.Image.Data, sb.Image.Data)
		assert.Equal(t, sa.Target.Data, sb.Target.Data)
	}
}

func TestParallelLoadingCoversEpoch(t *testing.T) {
	dir := t.TempDir()
	writeFlatDataset(t, dir, 17, 4, 4, true)
	opts := testOptions(dir)
	opts.BatchSize = 2
	opts.Cache = true
	ds, err := NewSegmentationDataset(opts)
	require.NoError(t, err)

	parallel := mldatasets.CustomParallel(ds).Parallelism(3).Buffer(2).Start()
	defer parallel.Done()
	total := 0
	for {
		_, inputs, _, err := parallel.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		total += inputs[0].Shape().Dimensions[0]
	}
	assert.Equal(t, ds.Len(), total)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("keypoint")
	require.NoError(t, err)
	assert.Equal(t, Keypoint, k)
	assert.Equal(t, "segmentation", Segmentation.String())
	_, err = ParseKind("depth")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "depth"))
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.npy")
	writeNpy(t, path, fill(2*6*8, 0), 2, 6, 8)

	img, err := LoadImage(path, Options{Kind: Keypoint, Height: 3, Width: 4})
	require.NoError(t, err)
	assert.Equal(t, [3]int{3, 3, 4}, [3]int{img.C, img.H, img.W})
	assert.Equal(t, img.Plane(0), img.Plane(1))
	assert.LessOrEqual(t, img.Max(), float32(1))

	// The same 2-channel file is not a valid segmentation image.
	_, err = LoadImage(path, Options{Kind: Segmentation})
	assert.True(t, errors.Is(err, ErrDecode))

	_, err = LoadImage(filepath.Join(dir, "missing.npy"), Options{})
	assert.True(t, errors.Is(err, ErrSampleNotFound))
}
