package downloader

import (
	"sync"
	"time"
)

// speedWindow is the sliding interval throughput is averaged over.
const speedWindow = 5 * time.Second

type sample struct {
	at time.Time
	n  int64
}

// speedTracker computes a sliding-window throughput estimate from
// per-segment byte counts. Safe for concurrent use.
type speedTracker struct {
	mu      sync.Mutex
	now     func() time.Time
	window  time.Duration
	samples []sample
}

func newSpeedTracker(now func() time.Time) *speedTracker {
	if now == nil {
		now = time.Now
	}
	return &speedTracker{now: now, window: speedWindow}
}

// Add records n freshly downloaded bytes.
func (t *speedTracker) Add(n int64) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	t.samples = append(t.samples, sample{at: now, n: n})
}

// BytesPerSec returns the average over the retained samples, measured
// from the oldest retained sample to now.
func (t *speedTracker) BytesPerSec() int64 {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	if len(t.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range t.samples {
		total += s.n
	}
	elapsed := now.Sub(t.samples[0].at)
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(total) / elapsed.Seconds())
}

// prune drops samples older than the window. Callers hold mu.
func (t *speedTracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}
