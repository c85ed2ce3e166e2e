package datasets

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/Noofbiz/fcvision/ndimage"
	"github.com/pkg/errors"
)

// SampleFile locates the image of one sample. The target path is resolved
// lazily, so validation datasets never touch target files.
type SampleFile struct {
	// ID is the shared suffix of image and target names, e.g. "12".
	ID string
	// Number is ID parsed as an integer, or -1.
	Number int
	// Image is the path of the image file.
	Image string
	// TargetDir is where the paired target is looked up.
	TargetDir string
}

// imageKeyword marks image files; target files replace it with one of
// targetKeywords.
const imageKeyword = "image"

var targetKeywords = []string{"target", "mask"}

// Discover lists the samples under dir in sorted order.
//
// If dir contains an "images" subdirectory, images are read from it and
// targets from the sibling "targets" directory. Otherwise images and targets
// live side by side in dir.
func Discover(dir string) ([]SampleFile, error) {
	imageDir, targetDir := dir, dir
	if fi, err := os.Stat(filepath.Join(dir, "images")); err == nil && fi.IsDir() {
		imageDir = filepath.Join(dir, "images")
		targetDir = filepath.Join(dir, "targets")
	}

	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing samples in %s", imageDir)
	}
	var samples []SampleFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if ndimage.FormatOf(name) == ndimage.FormatUnknown || !strings.Contains(name, imageKeyword) {
			continue
		}
		id := sampleID(name)
		samples = append(samples, SampleFile{
			ID:        id,
			Number:    sampleNumber(id),
			Image:     filepath.Join(imageDir, name),
			TargetDir: targetDir,
		})
	}
	if len(samples) == 0 {
		return nil, errors.Wrapf(ErrSampleNotFound, "no %s_* files in %s", imageKeyword, imageDir)
	}
	sortSamples(samples)
	return samples, nil
}

// sampleID returns what follows the last "image" keyword in the file name,
// without extension and leading separators: "image_12.npy" → "12".
func sampleID(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	idx := strings.LastIndex(base, imageKeyword)
	return strings.TrimLeft(base[idx+len(imageKeyword):], "_-.")
}

func sampleNumber(id string) int {
	n, err := strconv.Atoi(id)
	if err != nil {
		return -1
	}
	return n
}

// sortSamples orders numbered samples numerically, followed by the rest by
// file name. The order is independent of the directory listing order.
func sortSamples(samples []SampleFile) {
	slices.SortStableFunc(samples, func(a, b SampleFile) int {
		switch {
		case a.Number >= 0 && b.Number >= 0 && a.Number != b.Number:
			return a.Number - b.Number
		case a.Number >= 0 && b.Number < 0:
			return -1
		case a.Number < 0 && b.Number >= 0:
			return 1
		}
		return strings.Compare(a.Image, b.Image)
	})
}

// Split returns the validation (val=true) or training part of samples: the
// first ValidationCount samples are validation, the remainder training.
func Split(samples []SampleFile, val bool) []SampleFile {
	n := min(ValidationCount, len(samples))
	if val {
		return samples[:n]
	}
	return samples[n:]
}

// targetCandidates lists the possible target paths for s, in lookup order:
// "target" before "mask", same extension first.
func targetCandidates(s SampleFile) []string {
	base := filepath.Base(s.Image)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	idx := strings.LastIndex(stem, imageKeyword)

	exts := append([]string{ext}, slices.DeleteFunc(slices.Clone(ndimage.Extensions), func(e string) bool {
		return strings.EqualFold(e, ext)
	})...)
	var candidates []string
	for _, kw := range targetKeywords {
		name := stem[:idx] + kw + stem[idx+len(imageKeyword):]
		for _, e := range exts {
			candidates = append(candidates, filepath.Join(s.TargetDir, name+e))
		}
	}
	return candidates
}
