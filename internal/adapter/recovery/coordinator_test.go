package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollamux/ollamux/internal/adapter/breaker"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/logger"
)

type stubServers struct {
	servers map[string]*domain.Server
}

func (s *stubServers) GetServer(_ context.Context, id string) (*domain.Server, error) {
	srv, ok := s.servers[id]
	if !ok {
		return nil, domain.ErrServerNotFound
	}
	return srv, nil
}

func (s *stubServers) GetServers(context.Context) []*domain.Server {
	out := make([]*domain.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv)
	}
	return out
}

type stubInFlight struct {
	mu    sync.Mutex
	total map[string]int64
}

func (s *stubInFlight) IncrementInFlight(serverID, _ string, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total[serverID]++
}
func (s *stubInFlight) DecrementInFlight(serverID, _ string, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total[serverID]--
}
func (s *stubInFlight) GetInFlight(string, string) int64 { return 0 }
func (s *stubInFlight) GetTotalInFlight(serverID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total[serverID]
}

type stubProber struct {
	mu         sync.Mutex
	tagsCalls  int
	genCalls   []string
	embedCalls []string
	tagsErr    error
	genErr     error
	embedErr   error
}

func (p *stubProber) ProbeTags(_ context.Context, _ *domain.Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tagsCalls++
	return p.tagsErr
}

func (p *stubProber) ProbeGenerate(_ context.Context, _ *domain.Server, model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.genCalls = append(p.genCalls, model)
	return p.genErr
}

func (p *stubProber) ProbeEmbeddings(_ context.Context, _ *domain.Server, model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.embedCalls = append(p.embedCalls, model)
	return p.embedErr
}

func newTestCoordinator(t *testing.T, prober *stubProber, cfg Config) (*Coordinator, *breaker.Registry) {
	t.Helper()
	registry := breaker.NewRegistry(breaker.Config{BaseFailureThreshold: 1})
	servers := &stubServers{servers: map[string]*domain.Server{
		"gpu-01": {ID: "gpu-01", URL: "http://gpu-01:11434", Status: domain.StatusHealthy},
	}}
	inflight := &stubInFlight{total: map[string]int64{}}
	return NewCoordinator(cfg, registry, servers, inflight, prober, logger.NewDiscard()), registry
}

func TestCoordinator_ServerLevelBreakerUsesTagsProbe(t *testing.T) {
	prober := &stubProber{}
	c, registry := newTestCoordinator(t, prober, Config{})

	key := domain.ServerBreakerKey("gpu-01")
	cb := registry.GetOrCreate(key)
	cb.RecordFailure(domain.ErrorKindTransient, "down")
	cb.ForceHalfOpen()

	require.NoError(t, c.RequestTest(key))
	c.RunPendingTests(context.Background(), "gpu-01")

	assert.Equal(t, 1, prober.tagsCalls)
	assert.Empty(t, prober.genCalls)
	assert.Equal(t, breaker.StateHalfOpen, cb.State(), "one success of three needed")
}

func TestCoordinator_GenerationModelUsesGenerateProbe(t *testing.T) {
	prober := &stubProber{}
	c, registry := newTestCoordinator(t, prober, Config{})

	key := domain.ModelBreakerKey("gpu-01", "llama3:8b")
	registry.GetOrCreate(key)

	require.NoError(t, c.RequestTest(key))
	c.RunPendingTests(context.Background(), "gpu-01")

	assert.Equal(t, []string{"llama3:8b"}, prober.genCalls)
	assert.Empty(t, prober.embedCalls)
}

func TestCoordinator_EmbeddingModelSkipsGenerateProbe(t *testing.T) {
	prober := &stubProber{}
	c, registry := newTestCoordinator(t, prober, Config{})

	key := domain.ModelBreakerKey("gpu-01", "nomic-embed-text")
	registry.GetOrCreate(key)

	require.NoError(t, c.RequestTest(key))
	c.RunPendingTests(context.Background(), "gpu-01")

	assert.Empty(t, prober.genCalls)
	assert.Equal(t, []string{"nomic-embed-text"}, prober.embedCalls)
}

func TestCoordinator_CapabilityErrorFallsBackToEmbeddings(t *testing.T) {
	prober := &stubProber{genErr: errors.New(`model "bge-m3" does not support generate`)}
	c, registry := newTestCoordinator(t, prober, Config{})

	// name does not match the embedding patterns, so generate goes first
	key := domain.ModelBreakerKey("gpu-01", "mystery-model")
	cb := registry.GetOrCreate(key)
	require.Equal(t, domain.ModelTypeGeneration, cb.ModelType())

	require.NoError(t, c.RequestTest(key))
	c.RunPendingTests(context.Background(), "gpu-01")

	assert.Equal(t, []string{"mystery-model"}, prober.genCalls)
	assert.Equal(t, []string{"mystery-model"}, prober.embedCalls)
	assert.Equal(t, domain.ModelTypeEmbedding, cb.ModelType(), "capability error flips the model type")

	// the fallback succeeded, so the probe counts as a success
	results := c.Metrics()
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestCoordinator_FailedProbeRecordsTransientFailure(t *testing.T) {
	prober := &stubProber{genErr: errors.New("connection refused")}
	c, registry := newTestCoordinator(t, prober, Config{})

	key := domain.ModelBreakerKey("gpu-01", "llama3:8b")
	cb := registry.GetOrCreate(key)

	require.NoError(t, c.RequestTest(key))
	c.RunPendingTests(context.Background(), "gpu-01")

	assert.Equal(t, breaker.StateOpen, cb.State())
	stats := cb.Stats()
	assert.Equal(t, string(domain.ErrorKindTransient), stats.LastErrorType)

	results := c.Metrics()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "connection refused")
}

func TestCoordinator_DuplicateRequestRejected(t *testing.T) {
	c, registry := newTestCoordinator(t, &stubProber{}, Config{})
	key := domain.ModelBreakerKey("gpu-01", "llama3:8b")
	registry.GetOrCreate(key)

	require.NoError(t, c.RequestTest(key))
	assert.ErrorIs(t, c.RequestTest(key), ErrAlreadyQueued)
	assert.Equal(t, 1, c.QueueDepth("gpu-01"))
}

func TestCoordinator_QueueCapacityEnforced(t *testing.T) {
	c, registry := newTestCoordinator(t, &stubProber{}, Config{MaxQueueSizePerServer: 2})

	for i, m := range []string{"a", "b"} {
		key := domain.ModelBreakerKey("gpu-01", m)
		registry.GetOrCreate(key)
		require.NoError(t, c.RequestTest(key), "queue slot %d", i)
	}
	assert.ErrorIs(t, c.RequestTest(domain.ModelBreakerKey("gpu-01", "c")), ErrTestQueueFull)
}

func TestCoordinator_CooldownDefersSecondProbe(t *testing.T) {
	prober := &stubProber{}
	c, registry := newTestCoordinator(t, prober, Config{ServerCooldown: 10 * time.Second, MaxConcurrentPerServer: 2})

	now := time.Now()
	c.nowFn = func() time.Time { return now }

	a := domain.ModelBreakerKey("gpu-01", "llama3:8b")
	b := domain.ModelBreakerKey("gpu-01", "mistral:7b")
	registry.GetOrCreate(a)
	registry.GetOrCreate(b)
	require.NoError(t, c.RequestTest(a))
	require.NoError(t, c.RequestTest(b))

	// first run executes one probe, then the fresh lastTestTime blocks the next
	c.RunPendingTests(context.Background(), "gpu-01")
	assert.Len(t, prober.genCalls, 1)
	assert.Equal(t, 1, c.QueueDepth("gpu-01"))

	now = now.Add(11 * time.Second)
	c.RunPendingTests(context.Background(), "gpu-01")
	assert.Len(t, prober.genCalls, 2)
}

func TestCoordinator_InFlightTrafficDefersProbes(t *testing.T) {
	prober := &stubProber{}
	registry := breaker.NewRegistry(breaker.Config{})
	servers := &stubServers{servers: map[string]*domain.Server{
		"gpu-01": {ID: "gpu-01", URL: "http://gpu-01:11434"},
	}}
	inflight := &stubInFlight{total: map[string]int64{"gpu-01": 2}}
	c := NewCoordinator(Config{CheckInFlightRequests: true}, registry, servers, inflight, prober, logger.NewDiscard())

	key := domain.ModelBreakerKey("gpu-01", "llama3:8b")
	registry.GetOrCreate(key)
	require.NoError(t, c.RequestTest(key))

	c.RunPendingTests(context.Background(), "gpu-01")
	assert.Empty(t, prober.genCalls, "probe deferred while traffic is in flight")

	inflight.total["gpu-01"] = 0
	c.RunPendingTests(context.Background(), "gpu-01")
	assert.Len(t, prober.genCalls, 1)
}

func TestCoordinator_CancelQueuedTest(t *testing.T) {
	c, registry := newTestCoordinator(t, &stubProber{}, Config{})
	key := domain.ModelBreakerKey("gpu-01", "llama3:8b")
	registry.GetOrCreate(key)

	require.NoError(t, c.RequestTest(key))
	require.NoError(t, c.CancelTest(key))
	assert.Equal(t, 0, c.QueueDepth("gpu-01"))
	assert.ErrorIs(t, c.CancelTest(key), ErrNoSuchTest)
}

func TestCoordinator_ClearAllQueues(t *testing.T) {
	c, registry := newTestCoordinator(t, &stubProber{}, Config{})
	for _, m := range []string{"a", "b", "c"} {
		key := domain.ModelBreakerKey("gpu-01", m)
		registry.GetOrCreate(key)
		require.NoError(t, c.RequestTest(key))
	}

	c.ClearAllQueues()
	assert.Equal(t, 0, c.QueueDepth("gpu-01"))
}

func TestCoordinator_MetricsPrunedByAgeAndCap(t *testing.T) {
	c, _ := newTestCoordinator(t, &stubProber{}, Config{ProbeMetricsCap: 3})

	now := time.Now()
	c.nowFn = func() time.Time { return now }

	// one entry old enough to be age-pruned, then a burst over the cap
	c.record(ProbeResult{BreakerKey: "gpu-01:old", StartTime: now.Add(-25 * time.Hour)})
	for _, m := range []string{"a", "b", "c", "d"} {
		c.record(ProbeResult{BreakerKey: domain.ModelBreakerKey("gpu-01", m), StartTime: now})
	}

	results := c.Metrics()
	require.Len(t, results, 3, "capped at ProbeMetricsCap")
	assert.Equal(t, domain.ModelBreakerKey("gpu-01", "b"), results[0].BreakerKey)
}
