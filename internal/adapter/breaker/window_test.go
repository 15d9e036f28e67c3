package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ollamux/ollamux/internal/core/domain"
)

func TestSlidingWindow_ErrorRate(t *testing.T) {
	now := time.Now()
	w := newSlidingWindow(5*time.Minute, 200)

	assert.Equal(t, 0.0, w.errorRate(now), "empty window reports zero")

	w.add(now, true, "")
	w.add(now, false, domain.ErrorKindRetryable)
	w.add(now, false, domain.ErrorKindTransient)
	w.add(now, true, "")

	assert.Equal(t, 0.5, w.errorRate(now))
}

func TestSlidingWindow_PrunesExpiredEntries(t *testing.T) {
	base := time.Now()
	w := newSlidingWindow(1*time.Minute, 200)

	w.add(base, false, domain.ErrorKindRetryable)
	w.add(base.Add(30*time.Second), true, "")
	assert.Equal(t, 2, w.size(base.Add(30*time.Second)))

	// first entry ages out, second survives
	later := base.Add(70 * time.Second)
	assert.Equal(t, 1, w.size(later))
	assert.Equal(t, 0.0, w.errorRate(later))
}

func TestSlidingWindow_MaxEntriesTrimsOldest(t *testing.T) {
	now := time.Now()
	w := newSlidingWindow(time.Hour, 3)

	w.add(now, false, domain.ErrorKindPermanent)
	w.add(now, true, "")
	w.add(now, true, "")
	w.add(now, true, "")

	assert.Equal(t, 3, w.size(now))
	counts := w.errorCountsByKind(now)
	assert.Empty(t, counts, "trimmed failure no longer counted")
}

func TestSlidingWindow_ErrorCountsByKind(t *testing.T) {
	now := time.Now()
	w := newSlidingWindow(time.Hour, 200)

	w.add(now, false, domain.ErrorKindRateLimited)
	w.add(now, false, domain.ErrorKindRateLimited)
	w.add(now, false, domain.ErrorKindNonRetryable)
	w.add(now, true, "")

	counts := w.errorCountsByKind(now)
	assert.Equal(t, 2, counts[domain.ErrorKindRateLimited])
	assert.Equal(t, 1, counts[domain.ErrorKindNonRetryable])
	assert.Equal(t, 0, counts[domain.ErrorKindTransient])
}
