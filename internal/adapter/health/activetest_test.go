package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollamux/ollamux/internal/adapter/breaker"
	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/logger"
)

type serverSourceStub struct {
	server *domain.Server
}

func (s *serverSourceStub) GetServer(_ context.Context, id string) (*domain.Server, error) {
	if s.server != nil && s.server.ID == id {
		return s.server, nil
	}
	return nil, domain.ErrServerNotFound
}

func (s *serverSourceStub) GetServers(context.Context) []*domain.Server {
	if s.server == nil {
		return nil
	}
	return []*domain.Server{s.server}
}

type probeCall struct {
	model   string
	timeout time.Duration
}

type probeRecorder struct {
	mu    sync.Mutex
	calls []probeCall
	err   error
}

func (p *probeRecorder) probe(ctx context.Context, _ *domain.Server, model string) error {
	call := probeCall{model: model}
	if deadline, ok := ctx.Deadline(); ok {
		call.timeout = time.Until(deadline)
	}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	return p.err
}

func (p *probeRecorder) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *probeRecorder) lastTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1].timeout
}

type statsStub struct {
	p95 time.Duration
}

func (s *statsStub) RecordRequest(string, bool, time.Duration) {}
func (s *statsStub) P95Latency(string) time.Duration           { return s.p95 }
func (s *statsStub) SuccessRate(string) float64                { return 1.0 }

type activeTestHarness struct {
	tester   *ActiveTester
	registry *breaker.Registry
	probe    *probeRecorder
	server   *domain.Server
	now      time.Time
}

func newActiveTestHarness(t *testing.T, cfg ActiveTestConfig, breakerCfg breaker.Config) *activeTestHarness {
	t.Helper()
	h := &activeTestHarness{
		registry: breaker.NewRegistry(breakerCfg),
		probe:    &probeRecorder{},
		server:   &domain.Server{ID: "gpu-01", URL: "http://gpu-01:11434", Status: domain.StatusHealthy},
		now:      time.Now(),
	}
	h.tester = NewActiveTester(cfg, h.registry, &serverSourceStub{server: h.server},
		nil, h.probe.probe, logger.NewDiscard())
	h.tester.nowFn = func() time.Time { return h.now }
	return h
}

func (h *activeTestHarness) halfOpen(model string) *breaker.CircuitBreaker {
	cb := h.registry.GetOrCreate(domain.ModelBreakerKey(h.server.ID, model))
	cb.ForceHalfOpen()
	return cb
}

func (h *activeTestHarness) run() {
	h.tester.RunForServer(context.Background(), h.server.ID)
}

func TestActiveTester_SuccessClosesBreaker(t *testing.T) {
	h := newActiveTestHarness(t, ActiveTestConfig{}, breaker.Config{RecoverySuccessThreshold: 1})
	cb := h.halfOpen("llama3:8b")

	h.run()

	assert.Equal(t, 1, h.probe.callCount())
	assert.Equal(t, breaker.StateClosed, cb.State())
}

func TestActiveTester_CapabilityFailureFlipsModelTypeAndStopsAfterTwo(t *testing.T) {
	h := newActiveTestHarness(t, ActiveTestConfig{}, breaker.Config{})
	cb := h.halfOpen("mystery-model")
	h.probe.err = errors.New("this model does not support generate")

	h.run()
	require.Equal(t, 1, h.probe.callCount())
	assert.Equal(t, breaker.StateHalfOpen, cb.State(), "capability error does not trip the breaker")
	assert.Equal(t, domain.ModelTypeEmbedding, cb.ModelType())

	// not yet due
	h.now = h.now.Add(29 * time.Second)
	h.run()
	assert.Equal(t, 1, h.probe.callCount())

	// second and final attempt
	h.now = h.now.Add(2 * time.Second)
	h.run()
	assert.Equal(t, 2, h.probe.callCount())

	// schedule exhausted
	h.now = h.now.Add(time.Hour)
	h.run()
	assert.Equal(t, 2, h.probe.callCount())
}

func TestActiveTester_TransientFailureReopensBreaker(t *testing.T) {
	h := newActiveTestHarness(t, ActiveTestConfig{}, breaker.Config{})
	cb := h.halfOpen("llama3:8b")
	h.probe.err = errors.New("connection reset by peer")

	h.run()
	require.Equal(t, 1, h.probe.callCount())
	assert.Equal(t, breaker.StateOpen, cb.State())

	// open breakers are skipped, history is kept
	h.run()
	assert.Equal(t, 1, h.probe.callCount())

	// once the breaker is re-admitted the 30s schedule applies
	cb.ForceHalfOpen()
	h.now = h.now.Add(31 * time.Second)
	h.run()
	assert.Equal(t, 2, h.probe.callCount())
}

func TestActiveTester_TimeoutDoublesNextAttempt(t *testing.T) {
	h := newActiveTestHarness(t, ActiveTestConfig{BaseTimeout: time.Second}, breaker.Config{})
	cb := h.halfOpen("llama3:8b")
	h.probe.err = errors.New("timeout waiting for response")

	h.run()
	require.Equal(t, 1, h.probe.callCount())
	assert.InDelta(t, float64(time.Second), float64(h.probe.lastTimeout()), float64(200*time.Millisecond))

	cb.ForceHalfOpen()
	h.now = h.now.Add(31 * time.Second)
	h.run()
	require.Equal(t, 2, h.probe.callCount())

	// base 1s doubled twice for attempt k=1, then the 1.25x progressive extension
	assert.InDelta(t, float64(5*time.Second), float64(h.probe.lastTimeout()), float64(300*time.Millisecond))
}

func TestActiveTester_PerCycleCap(t *testing.T) {
	h := newActiveTestHarness(t, ActiveTestConfig{MaxPerCycle: 2},
		breaker.Config{RecoverySuccessThreshold: 1})
	h.halfOpen("llama3:8b")
	h.halfOpen("mistral:7b")
	h.halfOpen("phi3:mini")

	h.run()
	assert.Equal(t, 2, h.probe.callCount())

	h.run()
	assert.Equal(t, 3, h.probe.callCount(), "remaining breaker probed next cycle")
}

func TestActiveTester_ModelSizeMultiplierFromVRAM(t *testing.T) {
	h := newActiveTestHarness(t, ActiveTestConfig{BaseTimeout: time.Second}, breaker.Config{})
	h.server.LoadedModels = []domain.LoadedModel{
		{Name: "llama3:8b", SizeVRAM: 2 * constants.ModelSizeVRAMUnit},
	}
	h.halfOpen("llama3:8b")
	h.probe.err = errors.New("timeout")

	h.run()
	require.Equal(t, 1, h.probe.callCount())
	assert.InDelta(t, float64(2*time.Second), float64(h.probe.lastTimeout()), float64(200*time.Millisecond))
}

func TestActiveTester_ModelSizeMultiplierFromName(t *testing.T) {
	h := newActiveTestHarness(t, ActiveTestConfig{BaseTimeout: time.Second}, breaker.Config{})
	h.halfOpen("llama3:70b")
	h.probe.err = errors.New("timeout")

	h.run()
	require.Equal(t, 1, h.probe.callCount())

	// 70B against the 8B baseline
	assert.InDelta(t, float64(8750*time.Millisecond), float64(h.probe.lastTimeout()),
		float64(300*time.Millisecond))
}

func TestActiveTester_PerformanceMultiplierIsBounded(t *testing.T) {
	h := newActiveTestHarness(t, ActiveTestConfig{BaseTimeout: time.Second}, breaker.Config{})
	stats := &statsStub{p95: 10 * time.Second}
	h.tester.stats = stats
	h.halfOpen("llama3:8b")
	h.probe.err = errors.New("timeout")

	h.run()
	require.Equal(t, 1, h.probe.callCount())
	assert.InDelta(t, float64(2*time.Second), float64(h.probe.lastTimeout()),
		float64(200*time.Millisecond), "slow server capped at 2x")

	stats.p95 = 50 * time.Millisecond
	cb, _ := h.registry.Get(domain.ModelBreakerKey("gpu-01", "llama3:8b"))
	cb.ForceHalfOpen()
	h.now = h.now.Add(31 * time.Second)
	h.run()
	require.Equal(t, 2, h.probe.callCount())

	// base 1s doubled to 4s for the second attempt, 1.25x extension, 0.5x floor
	assert.InDelta(t, float64(2500*time.Millisecond), float64(h.probe.lastTimeout()),
		float64(300*time.Millisecond))
}

func TestActiveTester_PermanentScheduleStopsAfterFive(t *testing.T) {
	h := newActiveTestHarness(t, ActiveTestConfig{}, breaker.Config{})
	cb := h.halfOpen("llama3:8b")
	h.probe.err = errors.New("runner process has terminated")

	for cycle := 0; cycle < 8; cycle++ {
		cb.ForceHalfOpen()
		h.now = h.now.Add(2 * time.Hour)
		h.run()
	}

	assert.Equal(t, 5, h.probe.callCount())
}

func TestActiveTester_ForgetDropsServerHistory(t *testing.T) {
	h := newActiveTestHarness(t, ActiveTestConfig{}, breaker.Config{})
	h.halfOpen("llama3:8b")
	h.probe.err = errors.New("connection refused")

	h.run()
	require.Equal(t, 1, h.probe.callCount())

	h.tester.Forget("gpu-01")

	// fresh history means the pair is immediately eligible again
	cb, _ := h.registry.Get(domain.ModelBreakerKey("gpu-01", "llama3:8b"))
	cb.ForceHalfOpen()
	h.run()
	assert.Equal(t, 2, h.probe.callCount())
}
