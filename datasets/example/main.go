package main

// Example command that opens a cable/cloth dataset directory, prints what it
// found and writes a few augmented training samples as PNGs so the
// augmentation settings can be inspected by eye.
//
// Usage:
//
//	go run ./datasets/example -dataset_dir data/cable -out /tmp/samples -n 8
//
// It takes the configuration flags of cmd/train; -val writes samples of the
// validation split, which have no targets. Each sample i produces
// sample_<i>_im.png and, when it has one, sample_<i>_target.png.

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/Noofbiz/fcvision/config"
	"github.com/Noofbiz/fcvision/datasets"
	"github.com/Noofbiz/fcvision/ndimage"
)

func main() {
	cfgFlags := config.RegisterFlags(flag.CommandLine)
	out := flag.String("out", "samples", "output directory for PNGs")
	n := flag.Int("n", 8, "number of samples to write")
	flag.Parse()

	cfg, err := cfgFlags.Config()
	if err != nil {
		log.Fatalf("%+v", err)
	}
	opts, err := cfg.SplitOptions()
	if err != nil {
		log.Fatalf("%+v", err)
	}
	opts.Cache = false

	all, err := datasets.Discover(opts.Dir)
	if err != nil {
		log.Fatalf("failed to discover samples: %+v", err)
	}
	fmt.Printf("Found %d samples in %s (%d validation, %d training)\n",
		len(all), opts.Dir, len(datasets.Split(all, true)), len(datasets.Split(all, false)))

	ds, err := datasets.New(opts)
	if err != nil {
		log.Fatalf("failed to open dataset: %+v", err)
	}
	count := min(*n, ds.Len())
	for i := range count {
		s, err := ds.Example(i)
		if err != nil {
			log.Fatalf("sample %d: %+v", i, err)
		}
		if err := ndimage.SavePNG(s.Image, filepath.Join(*out, fmt.Sprintf("sample_%d_im.png", i))); err != nil {
			log.Fatalf("%+v", err)
		}
		if s.Target == nil {
			continue
		}
		if err := ndimage.SavePNG(s.Target, filepath.Join(*out, fmt.Sprintf("sample_%d_target.png", i))); err != nil {
			log.Fatalf("%+v", err)
		}
	}
	fmt.Printf("Wrote %d %s samples to %s\n", count, ds.Name(), *out)
}
