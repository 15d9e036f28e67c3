package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const defaultSampleCap = 128

// serverSamples is a fixed-size ring of recent request outcomes for one
// server.
type serverSamples struct {
	mu        sync.Mutex
	latencies []time.Duration
	outcomes  []bool
	next      int
	filled    bool
}

// Collector records per-server request outcomes and answers the two questions
// the router's scoring asks: p95 latency and success rate over the recent
// window.
type Collector struct {
	servers   *xsync.Map[string, *serverSamples]
	sampleCap int
}

func NewCollector() *Collector {
	return &Collector{
		servers:   xsync.NewMap[string, *serverSamples](),
		sampleCap: defaultSampleCap,
	}
}

func (c *Collector) RecordRequest(serverID string, success bool, latency time.Duration) {
	samples, _ := c.servers.LoadOrCompute(serverID, func() (*serverSamples, bool) {
		return &serverSamples{
			latencies: make([]time.Duration, c.sampleCap),
			outcomes:  make([]bool, c.sampleCap),
		}, false
	})

	samples.mu.Lock()
	samples.latencies[samples.next] = latency
	samples.outcomes[samples.next] = success
	samples.next++
	if samples.next == len(samples.latencies) {
		samples.next = 0
		samples.filled = true
	}
	samples.mu.Unlock()
}

// P95Latency returns the 95th percentile latency over the window, zero when
// the server has no samples yet.
func (c *Collector) P95Latency(serverID string) time.Duration {
	samples, ok := c.servers.Load(serverID)
	if !ok {
		return 0
	}

	samples.mu.Lock()
	n := samples.size()
	if n == 0 {
		samples.mu.Unlock()
		return 0
	}
	window := make([]time.Duration, n)
	copy(window, samples.latencies[:n])
	samples.mu.Unlock()

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return window[idx]
}

// SuccessRate returns the fraction of successful requests in the window. A
// server with no samples gets the benefit of the doubt.
func (c *Collector) SuccessRate(serverID string) float64 {
	samples, ok := c.servers.Load(serverID)
	if !ok {
		return 1.0
	}

	samples.mu.Lock()
	defer samples.mu.Unlock()
	n := samples.size()
	if n == 0 {
		return 1.0
	}
	successes := 0
	for i := 0; i < n; i++ {
		if samples.outcomes[i] {
			successes++
		}
	}
	return float64(successes) / float64(n)
}

// Remove drops a server's samples, called when it leaves the fleet.
func (c *Collector) Remove(serverID string) {
	c.servers.Delete(serverID)
}

func (s *serverSamples) size() int {
	if s.filled {
		return len(s.latencies)
	}
	return s.next
}
