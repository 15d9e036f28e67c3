package breaker

import (
	"time"

	"github.com/ollamux/ollamux/internal/core/domain"
)

// windowEntry is one recorded outcome inside the sliding window.
type windowEntry struct {
	at      time.Time
	success bool
	kind    domain.ErrorKind
}

// slidingWindow keeps a time-bounded record of successes and failures keyed
// by error kind. The owning breaker serialises all access; the window itself
// is not safe for concurrent use.
type slidingWindow struct {
	entries    []windowEntry
	duration   time.Duration
	maxEntries int
}

func newSlidingWindow(duration time.Duration, maxEntries int) *slidingWindow {
	return &slidingWindow{
		entries:    make([]windowEntry, 0, 32),
		duration:   duration,
		maxEntries: maxEntries,
	}
}

func (w *slidingWindow) add(now time.Time, success bool, kind domain.ErrorKind) {
	w.prune(now)
	w.entries = append(w.entries, windowEntry{at: now, success: success, kind: kind})
	if len(w.entries) > w.maxEntries {
		w.entries = w.entries[len(w.entries)-w.maxEntries:]
	}
}

// errorRate returns the failure fraction over live entries, 0 when empty.
func (w *slidingWindow) errorRate(now time.Time) float64 {
	w.prune(now)
	if len(w.entries) == 0 {
		return 0
	}

	failures := 0
	for _, e := range w.entries {
		if !e.success {
			failures++
		}
	}
	return float64(failures) / float64(len(w.entries))
}

// errorCountsByKind returns live failure counts per error kind.
func (w *slidingWindow) errorCountsByKind(now time.Time) map[domain.ErrorKind]int {
	w.prune(now)
	counts := make(map[domain.ErrorKind]int)
	for _, e := range w.entries {
		if !e.success {
			counts[e.kind]++
		}
	}
	return counts
}

func (w *slidingWindow) size(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

func (w *slidingWindow) clear() {
	w.entries = w.entries[:0]
}

// prune elides entries older than the window on every read or add.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.duration)
	firstLive := len(w.entries)
	for i, e := range w.entries {
		if e.at.After(cutoff) {
			firstLive = i
			break
		}
	}
	if firstLive > 0 {
		w.entries = append(w.entries[:0], w.entries[firstLive:]...)
	}
}
