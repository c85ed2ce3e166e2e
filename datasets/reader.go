package datasets

import (
	"io"
	"os"
	"sync"
)

// Reader opens sample files. It exists so tests can observe which files an
// adapter reads.
type Reader interface {
	Open(path string) (io.ReadCloser, error)
}

// OSReader reads from the local filesystem.
type OSReader struct{}

// Open implements Reader.
func (OSReader) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// CountingReader wraps a Reader and counts successful opens per path.
type CountingReader struct {
	Reader Reader

	mu     sync.Mutex
	counts map[string]int
}

// NewCountingReader wraps r, or OSReader if r is nil.
func NewCountingReader(r Reader) *CountingReader {
	if r == nil {
		r = OSReader{}
	}
	return &CountingReader{Reader: r, counts: make(map[string]int)}
}

// Open implements Reader.
func (c *CountingReader) Open(path string) (io.ReadCloser, error) {
	f, err := c.Reader.Open(path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.counts[path]++
	c.mu.Unlock()
	return f, nil
}

// Count returns how many times path was opened.
func (c *CountingReader) Count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[path]
}

// Total returns the number of opens across all paths.
func (c *CountingReader) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}
