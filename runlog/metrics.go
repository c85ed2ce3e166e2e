package runlog

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MetricsFile is the name of the metrics log inside a run.
const MetricsFile = "metrics.jsonl"

// EpochMetrics is one line of the metrics log.
type EpochMetrics struct {
	Epoch     int           `json:"epoch"`
	Step      int           `json:"step"`
	TrainLoss float64       `json:"train_loss"`
	LR        float64       `json:"lr"`
	Duration  time.Duration `json:"duration"`
}

// MetricsLog appends EpochMetrics as JSON lines. It is safe for concurrent
// use.
type MetricsLog struct {
	mu      sync.Mutex
	f       *os.File
	enc     *json.Encoder
	entries []EpochMetrics
}

// OpenMetricsLog opens (or creates) path for appending. Existing entries are
// loaded so plots cover resumed runs.
func OpenMetricsLog(path string) (*MetricsLog, error) {
	entries, err := ReadMetrics(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics log %s", path)
	}
	return &MetricsLog{f: f, enc: json.NewEncoder(f), entries: entries}, nil
}

// Append writes one entry.
func (l *MetricsLog) Append(m EpochMetrics) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(m); err != nil {
		return errors.Wrapf(err, "writing metrics of epoch %d", m.Epoch)
	}
	l.entries = append(l.entries, m)
	return nil
}

// Entries returns everything logged so far, including entries read at open.
func (l *MetricsLog) Entries() []EpochMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EpochMetrics(nil), l.entries...)
}

func (l *MetricsLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReadMetrics parses a metrics log.
func ReadMetrics(path string) ([]EpochMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading metrics log")
	}
	defer f.Close()
	var entries []EpochMetrics
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var m EpochMetrics
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		entries = append(entries, m)
	}
	return entries, errors.Wrapf(scanner.Err(), "reading %s", path)
}
