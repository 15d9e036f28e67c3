package nerdstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTake(t *testing.T) {
	snap := Take(time.Now().Add(-time.Minute))
	require.NotNil(t, snap)

	assert.Positive(t, snap.NumCPU)
	assert.Positive(t, snap.NumGoroutines)
	assert.NotEmpty(t, snap.GoVersion)
	assert.GreaterOrEqual(t, snap.Uptime, time.Minute)
	assert.NotZero(t, snap.HeapSys)
}

func TestMemoryPressureZeroHeap(t *testing.T) {
	snap := &Snapshot{}
	assert.Equal(t, "LOW", snap.MemoryPressure())
}

func TestMemoryPressureBuckets(t *testing.T) {
	high := &Snapshot{HeapSys: 100, HeapInuse: 95, Mallocs: 200, Frees: 99}
	assert.Equal(t, "HIGH", high.MemoryPressure())

	medium := &Snapshot{HeapSys: 100, HeapInuse: 80, Mallocs: 100, Frees: 99}
	assert.Equal(t, "MEDIUM", medium.MemoryPressure())

	low := &Snapshot{HeapSys: 100, HeapInuse: 10, Mallocs: 100, Frees: 99}
	assert.Equal(t, "LOW", low.MemoryPressure())
}

func TestGoroutineHealth(t *testing.T) {
	tests := []struct {
		count int
		want  string
	}{
		{10, "HEALTHY"},
		{200, "NORMAL"},
		{600, "ELEVATED"},
		{2000, "CONCERNING"},
	}
	for _, tt := range tests {
		snap := &Snapshot{NumGoroutines: tt.count}
		assert.Equal(t, tt.want, snap.GoroutineHealth())
	}
}
