package recovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ollamux/ollamux/internal/adapter/breaker"
	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/core/ports"
	"github.com/ollamux/ollamux/internal/logger"
)

// Prober issues recovery probes against an upstream server. The tags probe is
// the lightweight server-level check; generate and embeddings are full
// inference probes for model-level breakers.
type Prober interface {
	ProbeTags(ctx context.Context, server *domain.Server) error
	ProbeGenerate(ctx context.Context, server *domain.Server, model string) error
	ProbeEmbeddings(ctx context.Context, server *domain.Server, model string) error
}

// Config holds the coordinator tunables. Zero values are replaced with
// defaults.
type Config struct {
	ServerCooldown         time.Duration
	MaxWaitForInFlight     time.Duration
	ModelTestTimeout       time.Duration
	LightweightTimeout     time.Duration
	EmbeddingTimeout       time.Duration
	MaxQueueSizePerServer  int
	MaxConcurrentPerServer int
	CheckInFlightRequests  bool
	ProbeMetricsCap        int
}

func (c Config) withDefaults() Config {
	if c.ServerCooldown <= 0 {
		c.ServerCooldown = constants.DefaultServerCooldown
	}
	if c.MaxWaitForInFlight <= 0 {
		c.MaxWaitForInFlight = constants.DefaultMaxWaitForInFlight
	}
	if c.ModelTestTimeout <= 0 {
		c.ModelTestTimeout = constants.DefaultModelTestTimeout
	}
	if c.LightweightTimeout <= 0 {
		c.LightweightTimeout = constants.DefaultLightweightProbeTimeout
	}
	if c.EmbeddingTimeout <= 0 {
		c.EmbeddingTimeout = constants.DefaultEmbeddingProbeTimeout
	}
	if c.MaxQueueSizePerServer <= 0 {
		c.MaxQueueSizePerServer = constants.DefaultMaxQueuePerServer
	}
	if c.MaxConcurrentPerServer <= 0 {
		c.MaxConcurrentPerServer = constants.DefaultMaxConcurrentPerServer
	}
	if c.ProbeMetricsCap <= 0 {
		c.ProbeMetricsCap = constants.DefaultProbeMetricsCap
	}
	return c
}

var (
	ErrTestQueueFull = errors.New("recovery test queue is full for server")
	ErrAlreadyQueued = errors.New("recovery test already queued")
	ErrNoSuchTest    = errors.New("no queued or running test for breaker")
)

// serverState serialises recovery testing per server: at most one probe in
// flight, a cooldown between probes, and a FIFO queue of pending breakers.
type serverState struct {
	lastTestTime time.Time
	currentTest  domain.BreakerKey
	cancelTest   context.CancelFunc
	testQueue    []domain.BreakerKey
}

// ProbeResult is one rolling metrics entry for a completed or cancelled
// probe.
type ProbeResult struct {
	BreakerKey domain.BreakerKey `json:"breakerKey"`
	StartTime  time.Time         `json:"startTime"`
	Duration   time.Duration     `json:"duration"`
	Success    bool              `json:"success"`
	Timeout    bool              `json:"timeout"`
	Cancelled  bool              `json:"cancelled"`
	Error      string            `json:"error,omitempty"`
}

// Coordinator runs recovery probes against half-open breakers, one server at
// a time, without competing with client traffic.
type Coordinator struct {
	config   Config
	registry *breaker.Registry
	servers  ports.ServerReader
	inflight ports.InFlightTracker
	prober   Prober
	logger   *logger.StyledLogger

	mu      sync.Mutex
	states  map[string]*serverState
	metrics []ProbeResult

	nowFn func() time.Time
}

func NewCoordinator(cfg Config, registry *breaker.Registry, servers ports.ServerReader,
	inflight ports.InFlightTracker, prober Prober, log *logger.StyledLogger) *Coordinator {
	return &Coordinator{
		config:   cfg.withDefaults(),
		registry: registry,
		servers:  servers,
		inflight: inflight,
		prober:   prober,
		logger:   log,
		states:   make(map[string]*serverState),
		nowFn:    time.Now,
	}
}

// RequestTest queues a recovery probe for the given breaker. Duplicate
// requests for a breaker already queued or running are rejected.
func (c *Coordinator) RequestTest(key domain.BreakerKey) error {
	serverID := key.ServerID()

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateFor(serverID)
	if st.currentTest == key {
		return ErrAlreadyQueued
	}
	for _, queued := range st.testQueue {
		if queued == key {
			return ErrAlreadyQueued
		}
	}
	if len(st.testQueue) >= c.config.MaxQueueSizePerServer {
		return ErrTestQueueFull
	}
	st.testQueue = append(st.testQueue, key)
	return nil
}

// RunPendingTests drains up to MaxConcurrentPerServer queued probes for one
// server, oldest half-open first, respecting the per-server cooldown and the
// in-flight guard. Called once per health-scheduler cycle.
func (c *Coordinator) RunPendingTests(ctx context.Context, serverID string) {
	for i := 0; i < c.config.MaxConcurrentPerServer; i++ {
		if !c.runNext(ctx, serverID) {
			return
		}
	}
}

// runNext picks and executes one queued probe. Returns false when nothing ran.
func (c *Coordinator) runNext(ctx context.Context, serverID string) bool {
	c.mu.Lock()
	st := c.stateFor(serverID)
	if !c.readyLocked(st, serverID) || len(st.testQueue) == 0 {
		c.mu.Unlock()
		return false
	}

	c.sortQueueLocked(st)
	key := st.testQueue[0]
	st.testQueue = st.testQueue[1:]
	st.currentTest = key

	probeCtx, cancel := context.WithCancel(ctx)
	st.cancelTest = cancel
	c.mu.Unlock()

	c.runProbe(probeCtx, serverID, key)

	c.mu.Lock()
	cancel()
	st.currentTest = ""
	st.cancelTest = nil
	st.lastTestTime = c.nowFn()
	c.mu.Unlock()
	return true
}

// readyLocked reports whether a server may be probed: not currently testing, past
// the cooldown, and no client traffic in flight when the guard is on.
func (c *Coordinator) readyLocked(st *serverState, serverID string) bool {
	if st.currentTest != "" {
		return false
	}
	if c.nowFn().Sub(st.lastTestTime) < c.config.ServerCooldown {
		return false
	}
	if c.config.CheckInFlightRequests && c.inflight.GetTotalInFlight(serverID) > 0 {
		return false
	}
	return true
}

// sortQueueLocked orders pending probes oldest half-open start first so the
// longest-waiting breaker recovers first.
func (c *Coordinator) sortQueueLocked(st *serverState) {
	sort.SliceStable(st.testQueue, func(i, j int) bool {
		a, aok := c.registry.Get(st.testQueue[i])
		b, bok := c.registry.Get(st.testQueue[j])
		if !aok || !bok {
			return aok
		}
		return a.Stats().HalfOpenStartedAt < b.Stats().HalfOpenStartedAt
	})
}

func (c *Coordinator) runProbe(ctx context.Context, serverID string, key domain.BreakerKey) {
	start := c.nowFn()
	cb, ok := c.registry.Get(key)
	if !ok {
		return
	}

	server, err := c.servers.GetServer(ctx, serverID)
	if err != nil {
		c.record(ProbeResult{BreakerKey: key, StartTime: start, Error: err.Error()})
		return
	}

	cb.BeginActiveTest()
	defer cb.EndActiveTest()

	err = c.probe(ctx, server, cb, key)
	duration := c.nowFn().Sub(start)

	result := ProbeResult{
		BreakerKey: key,
		StartTime:  start,
		Duration:   duration,
		Success:    err == nil,
	}

	switch {
	case err == nil:
		cb.RecordSuccess()
		c.logger.InfoWithBreaker("recovery probe succeeded", key, "duration", duration)
	case errors.Is(err, context.Canceled):
		result.Cancelled = true
		c.logger.InfoWithBreaker("recovery probe cancelled", key)
	case errors.Is(err, context.DeadlineExceeded):
		result.Timeout = true
		result.Error = err.Error()
		cb.RecordFailure(domain.ErrorKindTransient, err.Error())
		c.logger.InfoWithBreaker("recovery probe timed out", key, "duration", duration)
	default:
		result.Error = err.Error()
		cb.RecordFailure(domain.ErrorKindTransient, err.Error())
		c.logger.InfoWithBreaker("recovery probe failed", key, "error", err)
	}

	c.record(result)
}

// probe selects the probe type: tags for server-level breakers, embeddings
// for known embedding models, generate otherwise. A capability error from the
// generate probe flips the model type and falls back to embeddings.
func (c *Coordinator) probe(ctx context.Context, server *domain.Server, cb *breaker.CircuitBreaker, key domain.BreakerKey) error {
	if key.IsServerLevel() {
		tagsCtx, cancel := context.WithTimeout(ctx, c.config.LightweightTimeout)
		defer cancel()
		return c.prober.ProbeTags(tagsCtx, server)
	}

	model := key.Model()
	if cb.ModelType() == domain.ModelTypeEmbedding {
		return c.probeEmbeddings(ctx, server, model)
	}

	genCtx, cancel := context.WithTimeout(ctx, c.config.ModelTestTimeout)
	err := c.prober.ProbeGenerate(genCtx, server, model)
	cancel()
	if err == nil {
		return nil
	}

	if isCapabilityError(err) {
		cb.SetModelType(domain.ModelTypeEmbedding)
		c.logger.InfoWithBreaker("model does not support generate, probing embeddings", key)
		return c.probeEmbeddings(ctx, server, model)
	}
	return err
}

func (c *Coordinator) probeEmbeddings(ctx context.Context, server *domain.Server, model string) error {
	embCtx, cancel := context.WithTimeout(ctx, c.config.EmbeddingTimeout)
	defer cancel()
	return c.prober.ProbeEmbeddings(embCtx, server, model)
}

// CancelTest aborts a running probe or removes a queued one.
func (c *Coordinator) CancelTest(key domain.BreakerKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateFor(key.ServerID())
	if st.currentTest == key && st.cancelTest != nil {
		st.cancelTest()
		return nil
	}
	for i, queued := range st.testQueue {
		if queued == key {
			st.testQueue = append(st.testQueue[:i], st.testQueue[i+1:]...)
			return nil
		}
	}
	return ErrNoSuchTest
}

// ClearAllQueues cancels running probes and resets every server state.
func (c *Coordinator) ClearAllQueues() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.states {
		if st.cancelTest != nil {
			st.cancelTest()
		}
	}
	c.states = make(map[string]*serverState)
}

// QueueDepth returns the number of probes pending for a server.
func (c *Coordinator) QueueDepth(serverID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stateFor(serverID).testQueue)
}

// Metrics returns the rolling probe results, newest last, pruned by age.
func (c *Coordinator) Metrics() []ProbeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneMetricsLocked()
	out := make([]ProbeResult, len(c.metrics))
	copy(out, c.metrics)
	return out
}

func (c *Coordinator) record(result ProbeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, result)
	c.pruneMetricsLocked()
}

func (c *Coordinator) pruneMetricsLocked() {
	cutoff := c.nowFn().Add(-constants.ProbeMetricsMaxAge)
	firstLive := 0
	for firstLive < len(c.metrics) && c.metrics[firstLive].StartTime.Before(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		c.metrics = append(c.metrics[:0], c.metrics[firstLive:]...)
	}
	if len(c.metrics) > c.config.ProbeMetricsCap {
		c.metrics = c.metrics[len(c.metrics)-c.config.ProbeMetricsCap:]
	}
}

func (c *Coordinator) stateFor(serverID string) *serverState {
	st, ok := c.states[serverID]
	if !ok {
		st = &serverState{}
		c.states[serverID] = st
	}
	return st
}

var capabilityProbePatterns = []string{
	"does not support generate",
	"does not support chat",
	"unsupported operation",
}

func isCapabilityError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range capabilityProbePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
