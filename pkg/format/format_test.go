package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	assert.Equal(t, "512 B", Bytes(512))
	assert.Equal(t, "1.00 KB", Bytes(1024))
	assert.Equal(t, "1.50 MB", Bytes(3*1024*1024/2))
	assert.Equal(t, "2.00 GB", Bytes(2<<30))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, "150ms", Duration(150*time.Millisecond))
	assert.Equal(t, "45s", Duration(45*time.Second))
	assert.Equal(t, "2m5s", Duration(125*time.Second))
	assert.Equal(t, "1h1m1s", Duration(time.Hour+61*time.Second))
}

func TestLatency(t *testing.T) {
	assert.Equal(t, "0ms", Latency(0))
	assert.Equal(t, "250ms", Latency(250*time.Millisecond))
	assert.Equal(t, "1.5s", Latency(1500*time.Millisecond))
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, "0%", Percentage(0))
	assert.Equal(t, "100%", Percentage(1))
	assert.Equal(t, "99.5%", Percentage(0.995))
}

func TestTimeAgoAndUntil(t *testing.T) {
	assert.Equal(t, "never", TimeAgo(time.Time{}))
	assert.Equal(t, "5m ago", TimeAgo(time.Now().Add(-5*time.Minute-time.Second)))

	assert.Equal(t, "now", TimeUntil(time.Time{}))
	assert.Equal(t, "now", TimeUntil(time.Now().Add(-time.Minute)))
	assert.Equal(t, "in 2h", TimeUntil(time.Now().Add(2*time.Hour+time.Minute)))
}
