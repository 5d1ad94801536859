// Package ocrstats maintains a rolling window of recent OCR attempts,
// feeding Telemetry's system-health payload and Twin Sync's reported
// properties (spec.md §4.L, §4.N) without rescanning Readings.
package ocrstats

import (
	"sync"

	"github.com/wellmonitor/agent/internal/model"
)

const windowSize = 200

// Tracker is a fixed-capacity ring buffer of the most recent OcrStat
// records, safe for concurrent use by the Monitoring Loop producer and
// the Telemetry/Twin Sync readers.
type Tracker struct {
	mu     sync.Mutex
	buf    []model.OcrStat
	next   int
	filled bool
}

func New() *Tracker {
	return &Tracker{buf: make([]model.OcrStat, windowSize)}
}

// Record appends one OCR attempt, evicting the oldest once the window
// is full.
func (t *Tracker) Record(s model.OcrStat) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = s
	t.next = (t.next + 1) % windowSize
	if t.next == 0 {
		t.filled = true
	}
}

func (t *Tracker) snapshot() []model.OcrStat {
	if t.filled {
		return t.buf
	}
	return t.buf[:t.next]
}

// SuccessRate returns the fraction of recorded attempts with Succeeded
// true, or 1 when no attempts have been recorded yet.
func (t *Tracker) SuccessRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	window := t.snapshot()
	if len(window) == 0 {
		return 1
	}
	var ok int
	for _, s := range window {
		if s.Succeeded {
			ok++
		}
	}
	return float64(ok) / float64(len(window))
}

// AverageConfidence returns the mean Confidence across recorded
// attempts, or 0 when no attempts have been recorded yet.
func (t *Tracker) AverageConfidence() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	window := t.snapshot()
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range window {
		sum += s.Confidence
	}
	return sum / float64(len(window))
}

// LastSuccessful returns the most recent successful attempt in the
// window and true, or false if none.
func (t *Tracker) LastSuccessful() (model.OcrStat, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	window := t.snapshot()
	n := len(window)
	for i := 0; i < n; i++ {
		idx := (t.next - 1 - i + n) % n
		if window[idx].Succeeded {
			return window[idx], true
		}
	}
	return model.OcrStat{}, false
}
