package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollamux/ollamux/internal/adapter/breaker"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/logger"
)

// fakeFleet implements Fleet in memory.
type fakeFleet struct {
	mu         sync.Mutex
	servers    map[string]*domain.Server
	cooldowns  map[string]bool
	bans       map[string]string
	inflight   map[string]int64
	failCounts map[string]int
	unhealthy  map[string]string
}

func newFakeFleet(servers ...*domain.Server) *fakeFleet {
	f := &fakeFleet{
		servers:    map[string]*domain.Server{},
		cooldowns:  map[string]bool{},
		bans:       map[string]string{},
		inflight:   map[string]int64{},
		failCounts: map[string]int{},
		unhealthy:  map[string]string{},
	}
	for _, s := range servers {
		f.servers[s.ID] = s
	}
	return f
}

func pair(sid, model string) string { return sid + "|" + model }

func (f *fakeFleet) GetServer(_ context.Context, id string) (*domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, domain.ErrServerNotFound
	}
	return s, nil
}

func (f *fakeFleet) GetServers(context.Context) []*domain.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Server, 0, len(f.servers))
	for _, s := range f.servers {
		out = append(out, s)
	}
	return out
}

func (f *fakeFleet) IsInCooldown(sid, model string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cooldowns[pair(sid, model)]
}

func (f *fakeFleet) IsBanned(sid, model string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bans[pair(sid, model)]
	return ok
}

func (f *fakeFleet) MarkFailure(sid, model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns[pair(sid, model)] = true
}

func (f *fakeFleet) Ban(sid, model, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans[pair(sid, model)] = reason
}

func (f *fakeFleet) MarkUnhealthy(sid, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy[sid] = reason
	if s, ok := f.servers[sid]; ok {
		s.Status = domain.StatusUnhealthy
	}
}

func (f *fakeFleet) IncrementFailureCount(sid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCounts[sid]++
	return f.failCounts[sid]
}

func (f *fakeFleet) IncrementInFlight(sid, model string, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[pair(sid, model)]++
}

func (f *fakeFleet) DecrementInFlight(sid, model string, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[pair(sid, model)]--
}

func (f *fakeFleet) GetInFlight(sid, model string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[pair(sid, model)]
}

func (f *fakeFleet) GetTotalInFlight(sid string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for k, v := range f.inflight {
		if len(k) > len(sid) && k[:len(sid)+1] == sid+"|" {
			total += v
		}
	}
	return total
}

// fakeStats returns canned latency and success rate per server.
type fakeStats struct {
	mu       sync.Mutex
	p95      map[string]time.Duration
	success  map[string]float64
	recorded []string
}

func newFakeStats() *fakeStats {
	return &fakeStats{p95: map[string]time.Duration{}, success: map[string]float64{}}
}

func (s *fakeStats) RecordRequest(sid string, success bool, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, fmt.Sprintf("%s:%v", sid, success))
}

func (s *fakeStats) P95Latency(sid string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p95[sid]
}

func (s *fakeStats) SuccessRate(sid string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate, ok := s.success[sid]; ok {
		return rate
	}
	return 1.0
}

func healthyServer(id string, models ...string) *domain.Server {
	return &domain.Server{
		ID:             id,
		URL:            "http://" + id + ":11434",
		MaxConcurrency: 4,
		SupportsOllama: true,
		Status:         domain.StatusHealthy,
		Models:         models,
	}
}

func newTestRouter(fleet Fleet, stats *fakeStats, cfg Config) (*Router, *breaker.Registry) {
	registry := breaker.NewRegistry(breaker.Config{BaseFailureThreshold: 3})
	classifier := breaker.NewClassifier(
		[]string{"unauthorized", "out of memory"},
		[]string{"disk full", "server crash"},
		[]string{"timeout", "connection refused"},
	)
	rt := New(cfg, fleet, registry, classifier, stats, logger.NewDiscard())
	rt.sleepFn = func(context.Context, time.Duration) error { return nil }
	return rt, registry
}

func descriptor(model string) *domain.RequestDescriptor {
	return &domain.RequestDescriptor{
		ID:         "req-1",
		Model:      model,
		Capability: domain.CapabilityOllama,
	}
}

func TestRouter_CandidatesFilteredAndSorted(t *testing.T) {
	fast := healthyServer("fast", "llama3:8b")
	slow := healthyServer("slow", "llama3:8b")
	noModel := healthyServer("other", "mistral:7b")
	down := healthyServer("down", "llama3:8b")
	down.Status = domain.StatusUnhealthy
	draining := healthyServer("draining", "llama3:8b")
	draining.Draining = true

	fleet := newFakeFleet(fast, slow, noModel, down, draining)
	stats := newFakeStats()
	stats.p95["fast"] = 50 * time.Millisecond
	stats.p95["slow"] = 5 * time.Second

	rt, _ := newTestRouter(fleet, stats, Config{})
	candidates := rt.Candidates(context.Background(), "llama3:8b", domain.CapabilityOllama, false)

	require.Len(t, candidates, 2)
	assert.Equal(t, "fast", candidates[0].Server.ID)
	assert.Equal(t, "slow", candidates[1].Server.ID)
}

func TestRouter_CandidatesExcludePenalisedPairs(t *testing.T) {
	a := healthyServer("gpu-01", "llama3:8b")
	b := healthyServer("gpu-02", "llama3:8b")
	c := healthyServer("gpu-03", "llama3:8b")
	fleet := newFakeFleet(a, b, c)
	fleet.cooldowns[pair("gpu-01", "llama3:8b")] = true
	fleet.bans[pair("gpu-02", "llama3:8b")] = "banned"

	rt, _ := newTestRouter(fleet, newFakeStats(), Config{})
	candidates := rt.Candidates(context.Background(), "llama3:8b", domain.CapabilityOllama, false)

	require.Len(t, candidates, 1)
	assert.Equal(t, "gpu-03", candidates[0].Server.ID)
}

func TestRouter_CandidatesExcludeOpenBreakerUnlessBypass(t *testing.T) {
	fleet := newFakeFleet(healthyServer("gpu-01", "llama3:8b"))
	rt, registry := newTestRouter(fleet, newFakeStats(), Config{})

	registry.GetOrCreate(domain.ModelBreakerKey("gpu-01", "llama3:8b")).ForceOpen(time.Hour)

	assert.Empty(t, rt.Candidates(context.Background(), "llama3:8b", domain.CapabilityOllama, false))
	assert.Len(t, rt.Candidates(context.Background(), "llama3:8b", domain.CapabilityOllama, true), 1)
}

func TestRouter_SuccessOnFirstCandidate(t *testing.T) {
	fleet := newFakeFleet(healthyServer("gpu-01", "llama3:8b"))
	stats := newFakeStats()
	rt, registry := newTestRouter(fleet, stats, Config{})

	var served []string
	rc := &domain.RoutingContext{}
	err := rt.TryRequestWithFailover(context.Background(), descriptor("llama3:8b"), rc,
		func(_ context.Context, s *domain.Server) error {
			served = append(served, s.ID)
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"gpu-01"}, served)
	assert.Equal(t, "gpu-01", rc.SelectedServerID)
	assert.Equal(t, 1, rc.AvailableServerCount)
	assert.Equal(t, int64(0), fleet.GetInFlight("gpu-01", "llama3:8b"), "slot released")

	stats.mu.Lock()
	assert.Equal(t, []string{"gpu-01:true"}, stats.recorded)
	stats.mu.Unlock()

	cb, _ := registry.Get(domain.ModelBreakerKey("gpu-01", "llama3:8b"))
	assert.Equal(t, int64(1), cb.Stats().SuccessCount)
}

func TestRouter_SameServerRetriesOn503(t *testing.T) {
	fleet := newFakeFleet(healthyServer("gpu-01", "llama3:8b"))
	rt, _ := newTestRouter(fleet, newFakeStats(), Config{MaxRetries: 3})

	attempts := 0
	rc := &domain.RoutingContext{}
	err := rt.TryRequestWithFailover(context.Background(), descriptor("llama3:8b"), rc,
		func(context.Context, *domain.Server) error {
			attempts++
			if attempts < 3 {
				return domain.NewServerError("gpu-01", "llama3:8b", "", 503,
					errors.New("service temporarily overloaded"))
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, rc.RetryCount)
}

func TestRouter_NonRetryableSkipsToNextServer(t *testing.T) {
	a := healthyServer("gpu-01", "llama3:8b")
	b := healthyServer("gpu-02", "llama3:8b")
	fleet := newFakeFleet(a, b)
	stats := newFakeStats()
	stats.p95["gpu-01"] = time.Millisecond // deterministic order: gpu-01 first
	stats.p95["gpu-02"] = 10 * time.Millisecond
	rt, _ := newTestRouter(fleet, stats, Config{})

	var served []string
	err := rt.TryRequestWithFailover(context.Background(), descriptor("llama3:8b"), nil,
		func(_ context.Context, s *domain.Server) error {
			served = append(served, s.ID)
			if s.ID == "gpu-01" {
				return errors.New("unauthorized: bad token")
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"gpu-01", "gpu-02"}, served, "no same-server retry for non-retryable")
	assert.True(t, fleet.IsInCooldown("gpu-01", "llama3:8b"), "non-retryable puts the pair in cooldown")
}

func TestRouter_PermanentErrorBansAndEscalates(t *testing.T) {
	fleet := newFakeFleet(healthyServer("gpu-01", "llama3:8b"))
	rt, registry := newTestRouter(fleet, newFakeStats(), Config{})

	err := rt.TryRequestWithFailover(context.Background(), descriptor("llama3:8b"), nil,
		func(context.Context, *domain.Server) error {
			return errors.New("write failed: disk full")
		})

	var failover *domain.FailoverError
	require.ErrorAs(t, err, &failover)
	assert.True(t, fleet.IsBanned("gpu-01", "llama3:8b"))
	assert.Equal(t, "write failed: disk full", fleet.unhealthy["gpu-01"], "disk full is server-wide")

	serverCB, _ := registry.Get(domain.ServerBreakerKey("gpu-01"))
	assert.Equal(t, breaker.StateOpen, serverCB.State())
}

func TestRouter_TransientFailuresGetPhaseTwoBypass(t *testing.T) {
	fleet := newFakeFleet(healthyServer("gpu-01", "llama3:8b"))
	// threshold 1 so the transient failure opens the model breaker immediately
	registry := breaker.NewRegistry(breaker.Config{BaseFailureThreshold: 1})
	classifier := breaker.NewClassifier(nil, nil, []string{"timeout", "connection refused"})
	rt := New(Config{}, fleet, registry, classifier, newFakeStats(), logger.NewDiscard())
	rt.sleepFn = func(context.Context, time.Duration) error { return nil }

	attempts := 0
	err := rt.TryRequestWithFailover(context.Background(), descriptor("llama3:8b"), nil,
		func(context.Context, *domain.Server) error {
			attempts++
			if attempts == 1 {
				return errors.New("connection refused")
			}
			return nil
		})

	require.NoError(t, err, "phase 2 bypass rescued the request")
	assert.Equal(t, 2, attempts)
}

func TestRouter_AggregatedErrorListsEveryAttempt(t *testing.T) {
	a := healthyServer("gpu-01", "llama3:8b")
	b := healthyServer("gpu-02", "llama3:8b")
	fleet := newFakeFleet(a, b)
	stats := newFakeStats()
	stats.p95["gpu-01"] = time.Millisecond
	stats.p95["gpu-02"] = 10 * time.Millisecond
	rt, _ := newTestRouter(fleet, stats, Config{})

	err := rt.TryRequestWithFailover(context.Background(), descriptor("llama3:8b"), nil,
		func(_ context.Context, s *domain.Server) error {
			return errors.New("unauthorized")
		})

	var failover *domain.FailoverError
	require.ErrorAs(t, err, &failover)
	assert.Equal(t, "llama3:8b", failover.Model)
	require.Len(t, failover.Attempts, 2)
	assert.Equal(t, domain.ErrorKindNonRetryable, failover.Attempts[0].Kind)
}

func TestRouter_NoCandidates(t *testing.T) {
	rt, _ := newTestRouter(newFakeFleet(), newFakeStats(), Config{})
	err := rt.TryRequestWithFailover(context.Background(), descriptor("llama3:8b"), nil,
		func(context.Context, *domain.Server) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNoHealthyServers)
}

func TestRouter_CapabilityErrorDoesNotBreakOrBan(t *testing.T) {
	fleet := newFakeFleet(healthyServer("gpu-01", "nomic-embed-text"))
	rt, registry := newTestRouter(fleet, newFakeStats(), Config{})

	err := rt.TryRequestWithFailover(context.Background(), descriptor("nomic-embed-text"), nil,
		func(context.Context, *domain.Server) error {
			return errors.New(`"nomic-embed-text" does not support generate`)
		})
	require.Error(t, err)

	cb, _ := registry.Get(domain.ModelBreakerKey("gpu-01", "nomic-embed-text"))
	assert.Equal(t, breaker.StateClosed, cb.State())
	assert.Equal(t, int64(0), cb.Stats().FailureCount)
	assert.False(t, fleet.IsBanned("gpu-01", "nomic-embed-text"))
	assert.False(t, fleet.IsInCooldown("gpu-01", "nomic-embed-text"))
}

func TestRouter_RequestToServer(t *testing.T) {
	server := healthyServer("gpu-01", "llama3:8b")
	fleet := newFakeFleet(server)
	rt, registry := newTestRouter(fleet, newFakeStats(), Config{})

	err := rt.RequestToServer(context.Background(), "gpu-01", descriptor("llama3:8b"),
		func(context.Context, *domain.Server) error { return nil })
	require.NoError(t, err)

	// unknown server, missing model, banned pair
	assert.ErrorIs(t, rt.RequestToServer(context.Background(), "nope", descriptor("llama3:8b"), nil),
		domain.ErrServerNotFound)
	assert.ErrorIs(t, rt.RequestToServer(context.Background(), "gpu-01", descriptor("mistral:7b"), nil),
		domain.ErrModelNotFound)

	fleet.Ban("gpu-01", "llama3:8b", "x")
	assert.ErrorIs(t, rt.RequestToServer(context.Background(), "gpu-01", descriptor("llama3:8b"), nil),
		domain.ErrPermanentlyBanned)
	fleet.bans = map[string]string{}

	// open breaker blocks unless the descriptor asks for bypass
	registry.GetOrCreate(domain.ModelBreakerKey("gpu-01", "llama3:8b")).ForceOpen(time.Hour)
	assert.ErrorIs(t, rt.RequestToServer(context.Background(), "gpu-01", descriptor("llama3:8b"),
		func(context.Context, *domain.Server) error { return nil }), domain.ErrCircuitOpen)

	bypass := descriptor("llama3:8b")
	bypass.Bypass = true
	assert.NoError(t, rt.RequestToServer(context.Background(), "gpu-01", bypass,
		func(context.Context, *domain.Server) error { return nil }))
}

func TestRouter_InFlightCapExcludesCandidate(t *testing.T) {
	server := healthyServer("gpu-01", "llama3:8b")
	server.MaxConcurrency = 1
	fleet := newFakeFleet(server)
	fleet.inflight[pair("gpu-01", "llama3:8b")] = 1

	rt, _ := newTestRouter(fleet, newFakeStats(), Config{})
	assert.Empty(t, rt.Candidates(context.Background(), "llama3:8b", domain.CapabilityOllama, false))
}
