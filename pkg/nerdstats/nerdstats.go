// Package nerdstats snapshots Go runtime statistics for the process endpoint
// and the shutdown report.
package nerdstats

import (
	"runtime"
	"runtime/debug"
	"time"
)

// Snapshot is one point-in-time view of the runtime.
type Snapshot struct {
	HeapAlloc    uint64 `json:"heapAlloc"`
	HeapSys      uint64 `json:"heapSys"`
	HeapInuse    uint64 `json:"heapInuse"`
	HeapReleased uint64 `json:"heapReleased"`
	StackInuse   uint64 `json:"stackInuse"`
	TotalAlloc   uint64 `json:"totalAlloc"`
	Mallocs      uint64 `json:"mallocs"`
	Frees        uint64 `json:"frees"`

	NumGC         uint32        `json:"numGC"`
	LastGC        time.Time     `json:"lastGC,omitzero"`
	TotalGCPause  time.Duration `json:"totalGCPause"`
	GCCPUFraction float64       `json:"gcCPUFraction"`

	NumGoroutines int   `json:"numGoroutines"`
	NumCgoCall    int64 `json:"numCgoCall"`

	NumCPU     int           `json:"numCPU"`
	GOMAXPROCS int           `json:"gomaxprocs"`
	GoVersion  string        `json:"goVersion"`
	Uptime     time.Duration `json:"uptime"`
}

// Take reads the runtime counters. startTime anchors the uptime field.
func Take(startTime time.Time) *Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s := &Snapshot{
		HeapAlloc:    m.HeapAlloc,
		HeapSys:      m.HeapSys,
		HeapInuse:    m.HeapInuse,
		HeapReleased: m.HeapReleased,
		StackInuse:   m.StackInuse,
		TotalAlloc:   m.TotalAlloc,
		Mallocs:      m.Mallocs,
		Frees:        m.Frees,

		NumGC:         m.NumGC,
		GCCPUFraction: m.GCCPUFraction,

		NumGoroutines: runtime.NumGoroutine(),
		NumCgoCall:    runtime.NumCgoCall(),

		NumCPU:     runtime.NumCPU(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
		GoVersion:  runtime.Version(),
		Uptime:     time.Since(startTime),
	}
	if m.LastGC > 0 {
		s.LastGC = time.Unix(0, int64(m.LastGC))
		s.TotalGCPause = time.Duration(m.PauseTotalNs)
	}
	return s
}

// MemoryPressure is a coarse verdict over heap usage and allocation churn.
func (s *Snapshot) MemoryPressure() string {
	if s.HeapSys == 0 {
		return "LOW"
	}
	heapRatio := float64(s.HeapInuse) / float64(s.HeapSys)
	allocsPerFree := float64(s.Mallocs) / float64(s.Frees+1)

	switch {
	case heapRatio > 0.9 && allocsPerFree > 1.5:
		return "HIGH"
	case heapRatio > 0.7 || allocsPerFree > 1.2:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// GoroutineHealth buckets the goroutine count for the status surface.
func (s *Snapshot) GoroutineHealth() string {
	switch {
	case s.NumGoroutines > 1000:
		return "CONCERNING"
	case s.NumGoroutines > 500:
		return "ELEVATED"
	case s.NumGoroutines > 100:
		return "NORMAL"
	default:
		return "HEALTHY"
	}
}

// BuildSummary extracts the interesting build settings, when available.
func BuildSummary() map[string]string {
	out := make(map[string]string)
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out["path"] = info.Path
	for _, setting := range info.Settings {
		switch setting.Key {
		case "GOOS", "GOARCH", "vcs.revision", "vcs.time":
			out[setting.Key] = setting.Value
		}
	}
	return out
}
