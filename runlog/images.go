package runlog

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ImagesFile is the name of the image index inside a run.
const ImagesFile = "images.jsonl"

// ImageRecord is one line of the image index.
type ImageRecord struct {
	Key      string    `json:"key"`
	Paths    []string  `json:"paths"`
	Captions []string  `json:"captions"`
	Time     time.Time `json:"time"`
}

// DirLogger records logged images as JSON lines, so they can be browsed per
// key after the run. The image files themselves are written by the caller.
type DirLogger struct {
	path string
	mu   sync.Mutex
}

// NewDirLogger logs into path, which is created on the first record.
func NewDirLogger(path string) *DirLogger {
	return &DirLogger{path: path}
}

// LogImages appends one record.
func (l *DirLogger) LogImages(key string, paths, captions []string) error {
	if len(paths) != len(captions) {
		return errors.Errorf("image log %q: %d paths but %d captions", key, len(paths), len(captions))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening image log %s", l.path)
	}
	defer f.Close()
	rec := ImageRecord{Key: key, Paths: paths, Captions: captions, Time: time.Now()}
	return errors.Wrapf(json.NewEncoder(f).Encode(rec), "writing image log %s", l.path)
}
