package datasets

import (
	"io"
	"io/fs"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Noofbiz/fcvision/augment"
	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// adapter holds everything the segmentation and keypoint datasets share:
// sample discovery, file decoding, caching, augmentation and batching.
type adapter struct {
	opts     Options
	name     string
	samples  []SampleFile
	reader   Reader
	pipeline augment.Pipeline
	cache    *sampleCache

	// arrayLayout is how 3D arrays read from .npy/.npz are interpreted.
	arrayLayout ndimage.Layout
	// normalizeImage maps the decoded image to 3 channels.
	normalizeImage func(*ndimage.Image) (*ndimage.Image, error)

	batchSize int
	epoch     atomic.Int64

	mu          sync.Mutex
	order       []int
	pos         int
	shuffleRand *rand.Rand
}

func newAdapter(opts Options, name string) (*adapter, error) {
	all, err := Discover(opts.Dir)
	if err != nil {
		return nil, err
	}
	a := &adapter{
		opts:        opts,
		name:        name,
		samples:     Split(all, opts.Val),
		reader:      opts.Reader,
		pipeline:    augment.Disabled(),
		batchSize:   opts.BatchSize,
		shuffleRand: rand.New(rand.NewSource(opts.Seed)),
	}
	if a.reader == nil {
		a.reader = OSReader{}
	}
	if opts.Transform {
		a.pipeline = augment.DefaultPipeline()
		if opts.Pipeline != nil {
			a.pipeline = *opts.Pipeline
			a.pipeline.Enabled = true
		}
		if err := a.pipeline.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Cache {
		if a.cache, err = newSampleCache(opts.CacheSize); err != nil {
			return nil, err
		}
	}
	if a.batchSize <= 0 {
		a.batchSize = 6
		if opts.Val {
			a.batchSize = 12
		}
	}
	a.order = make([]int, len(a.samples))
	for i := range a.order {
		a.order[i] = i
	}
	if a.shuffles() {
		a.shuffleOrder()
	}
	klog.V(1).Infof("%s: %d samples from %s (val=%v, transform=%v, cache=%v)",
		name, len(a.samples), opts.Dir, opts.Val, opts.Transform, opts.Cache)
	return a, nil
}

// Name implements train.Dataset.
func (a *adapter) Name() string {
	return a.name
}

// Len returns the number of samples in the split.
func (a *adapter) Len() int {
	return len(a.samples)
}

// Files returns the samples of the split, in index order.
func (a *adapter) Files() []SampleFile {
	return slices.Clone(a.samples)
}

// CacheLen returns the number of decoded samples currently cached.
func (a *adapter) CacheLen() int {
	return a.cache.Len()
}

// Example reads, normalizes and augments sample i. Validation datasets
// return a nil Target.
func (a *adapter) Example(i int) (Sample, error) {
	if i < 0 || i >= len(a.samples) {
		return Sample{}, errors.Errorf("index %d out of range [0, %d)", i, len(a.samples))
	}
	entry, err := a.load(i)
	if err != nil {
		return Sample{}, err
	}
	if a.cache != nil {
		// Callers own the returned images, and augmentation may return its
		// input unchanged; keep the cached ones untouched.
		entry.image = entry.image.Clone()
		if entry.target != nil {
			entry.target = entry.target.Clone()
		}
	}
	img, target, err := a.pipeline.Apply(a.sampleRand(i), entry.image, entry.target)
	if err != nil {
		return Sample{}, errors.WithMessagef(err, "augmenting sample %s", a.samples[i].Image)
	}
	return Sample{Index: i, Image: img, Target: target}, nil
}

// sampleRand returns the random source for augmenting sample i in the
// current epoch. It depends only on (seed, epoch, i), so results do not
// depend on which worker loads the sample.
func (a *adapter) sampleRand(i int) *rand.Rand {
	if !a.pipeline.Enabled {
		return nil
	}
	return rand.New(rand.NewSource(mix(a.opts.Seed, a.epoch.Load(), int64(i))))
}

// mix combines its arguments with the splitmix64 finalizer.
func mix(values ...int64) int64 {
	var h uint64 = 0x9e3779b97f4a7c15
	for _, v := range values {
		h ^= uint64(v)
		h += 0x9e3779b97f4a7c15
		h = (h ^ (h >> 30)) * 0xbf58476d1ce4e5b9
		h = (h ^ (h >> 27)) * 0x94d049bb133111eb
		h ^= h >> 31
	}
	return int64(h)
}

// load returns the decoded, pre-augmentation sample i, from the cache if
// possible.
func (a *adapter) load(i int) (cacheEntry, error) {
	if e, ok := a.cache.get(i); ok {
		return e, nil
	}
	s := a.samples[i]
	img, err := a.read(s.Image, false)
	if err != nil {
		return cacheEntry{}, err
	}
	if img, err = a.normalizeImage(img); err != nil {
		return cacheEntry{}, errors.Wrapf(ErrDecode, "%s: %v", s.Image, err)
	}
	img = a.resize(rescale(img))

	entry := cacheEntry{image: img}
	if !a.opts.Val {
		targetPath, err := a.resolveTarget(s)
		if err != nil {
			return cacheEntry{}, err
		}
		target, err := a.read(targetPath, true)
		if err != nil {
			return cacheEntry{}, err
		}
		if target.C > 1 {
			target = target.Channel(0)
		}
		target = a.resize(rescale(target))
		if !img.SameSize(target) {
			return cacheEntry{}, errors.Wrapf(ErrShapeMismatch, "sample %s: image %dx%d, target %dx%d",
				s.ID, img.H, img.W, target.H, target.W)
		}
		entry.target = target
	}
	a.cache.put(i, entry)
	return entry, nil
}

// read opens and decodes one file into a CHW image.
func (a *adapter) read(path string, isTarget bool) (*ndimage.Image, error) {
	format := ndimage.FormatOf(path)
	f, err := a.reader.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrSampleNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	arr, err := ndimage.DecodeArray(f, format)
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "%s: %v", path, err)
	}
	layout := a.arrayLayout
	if format == ndimage.FormatBitmap {
		layout = ndimage.LayoutHWC
	}
	if isTarget && len(arr.Dims) == 3 && format != ndimage.FormatBitmap {
		layout = ndimage.LayoutAuto
	}
	img, err := ndimage.FromArray(arr, layout)
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "%s: %v", path, err)
	}
	return img, nil
}

// resolveTarget finds the target file paired with s.
func (a *adapter) resolveTarget(s SampleFile) (string, error) {
	for _, candidate := range targetCandidates(s) {
		f, err := a.reader.Open(candidate)
		if err != nil {
			continue
		}
		_ = f.Close()
		return candidate, nil
	}
	return "", errors.Wrapf(ErrSampleNotFound, "no target for %s in %s", s.Image, s.TargetDir)
}

// rescale maps values to [0,1] when the source range exceeds 1 (8-bit data).
func rescale(img *ndimage.Image) *ndimage.Image {
	if img.Max() > 1 {
		return img.Scale(1.0 / 255)
	}
	return img
}

func (a *adapter) resize(img *ndimage.Image) *ndimage.Image {
	if a.opts.Height <= 0 || a.opts.Width <= 0 {
		return img
	}
	return ndimage.Resize(img, a.opts.Height, a.opts.Width)
}

// Batch returns the images of the given samples as a [B, H, W, 3] tensor and
// their targets as [B, H, W, 1]. Targets are nil for validation datasets.
func (a *adapter) Batch(indices []int) (images, targets *tensors.Tensor, err error) {
	imgs := make([]*ndimage.Image, len(indices))
	var tgts []*ndimage.Image
	if !a.opts.Val {
		tgts = make([]*ndimage.Image, len(indices))
	}
	for i, idx := range indices {
		s, err := a.Example(idx)
		if err != nil {
			return nil, nil, err
		}
		imgs[i] = s.Image
		if tgts != nil {
			tgts[i] = s.Target
		}
	}
	if images, err = ndimage.ToTensor(imgs...); err != nil {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "batching images: %v", err)
	}
	if tgts != nil {
		if targets, err = ndimage.ToTensor(tgts...); err != nil {
			return nil, nil, errors.Wrapf(ErrShapeMismatch, "batching targets: %v", err)
		}
	}
	return images, targets, nil
}

func (a *adapter) shuffles() bool {
	return a.opts.Shuffle && !a.opts.Val
}

// shuffleOrder must be called with a.mu held or before the dataset is shared.
func (a *adapter) shuffleOrder() {
	a.shuffleRand.Shuffle(len(a.order), func(i, j int) {
		a.order[i], a.order[j] = a.order[j], a.order[i]
	})
}

// Shuffle reseeds the shuffling source and reorders the samples.
func (a *adapter) Shuffle(seed int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shuffleRand = rand.New(rand.NewSource(seed))
	a.shuffleOrder()
	a.pos = 0
}

// Reset implements train.Dataset. It starts a new epoch: augmentation draws
// change and the training split is reshuffled if configured.
func (a *adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epoch.Add(1)
	a.pos = 0
	if a.shuffles() {
		a.shuffleOrder()
	}
}

// Yield implements train.Dataset. It is safe for concurrent use, so the
// dataset can be wrapped with gomlx's datasets.CustomParallel.
//
// Training datasets yield inputs=[images] and labels=[targets]. Validation
// datasets yield inputs=[images, indices] (indices as int32) and no labels.
// The last batch of an epoch may be smaller than the batch size.
func (a *adapter) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	a.mu.Lock()
	if a.pos >= len(a.order) {
		a.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	end := min(a.pos+a.batchSize, len(a.order))
	indices := slices.Clone(a.order[a.pos:end])
	a.pos = end
	a.mu.Unlock()

	images, targets, err := a.Batch(indices)
	if err != nil {
		return nil, nil, nil, err
	}
	if a.opts.Val {
		ids := make([]int32, len(indices))
		for i, idx := range indices {
			ids[i] = int32(idx)
		}
		return a.name, []*tensors.Tensor{images, tensors.FromFlatDataAndDimensions(ids, len(ids))}, nil, nil
	}
	return a.name, []*tensors.Tensor{images}, []*tensors.Tensor{targets}, nil
}

// Warm decodes every sample into the cache, showing a progress bar. It is a
// no-op when caching is disabled.
func (a *adapter) Warm() error {
	if a.cache == nil {
		return nil
	}
	bar := progressbar.Default(int64(len(a.samples)), "loading "+a.name)
	for i := range a.samples {
		if _, err := a.load(i); err != nil {
			return err
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	klog.Infof("%s: cached %d samples (%s)", a.name, a.cache.Len(), humanize.Bytes(a.cache.bytes()))
	return nil
}
