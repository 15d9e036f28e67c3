package registry

import (
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// InFlightCounts splits a pair's live requests into regular and bypass
// traffic.
type InFlightCounts struct {
	Regular int64 `json:"regular"`
	Bypass  int64 `json:"bypass"`
}

type inflightEntry struct {
	regular atomic.Int64
	bypass  atomic.Int64
}

// inFlightTracker counts live requests per (server, model). Lock-free on the
// hot path; entries are keyed "serverID|model" since model names may contain
// colons.
type inFlightTracker struct {
	entries *xsync.Map[string, *inflightEntry]
}

func newInFlightTracker() *inFlightTracker {
	return &inFlightTracker{
		entries: xsync.NewMap[string, *inflightEntry](),
	}
}

func inflightKey(serverID, model string) string {
	return serverID + "|" + model
}

func (t *inFlightTracker) increment(serverID, model string, bypass bool) {
	entry, _ := t.entries.LoadOrCompute(inflightKey(serverID, model), func() (*inflightEntry, bool) {
		return &inflightEntry{}, false
	})
	if bypass {
		entry.bypass.Add(1)
	} else {
		entry.regular.Add(1)
	}
}

func (t *inFlightTracker) decrement(serverID, model string, bypass bool) {
	entry, ok := t.entries.Load(inflightKey(serverID, model))
	if !ok {
		return
	}
	// clamp at zero so an unbalanced caller cannot drive counts negative
	if bypass {
		if entry.bypass.Add(-1) < 0 {
			entry.bypass.Store(0)
		}
	} else {
		if entry.regular.Add(-1) < 0 {
			entry.regular.Store(0)
		}
	}
}

func (t *inFlightTracker) get(serverID, model string) int64 {
	entry, ok := t.entries.Load(inflightKey(serverID, model))
	if !ok {
		return 0
	}
	return entry.regular.Load() + entry.bypass.Load()
}

func (t *inFlightTracker) totalFor(serverID string) int64 {
	prefix := serverID + "|"
	var total int64
	t.entries.Range(func(key string, entry *inflightEntry) bool {
		if strings.HasPrefix(key, prefix) {
			total += entry.regular.Load() + entry.bypass.Load()
		}
		return true
	})
	return total
}

func (t *inFlightTracker) breakdown(serverID string) map[string]InFlightCounts {
	prefix := serverID + "|"
	out := make(map[string]InFlightCounts)
	t.entries.Range(func(key string, entry *inflightEntry) bool {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = InFlightCounts{
				Regular: entry.regular.Load(),
				Bypass:  entry.bypass.Load(),
			}
		}
		return true
	})
	return out
}

func (t *inFlightTracker) dropServer(serverID string) {
	prefix := serverID + "|"
	t.entries.Range(func(key string, _ *inflightEntry) bool {
		if strings.HasPrefix(key, prefix) {
			t.entries.Delete(key)
		}
		return true
	})
}
