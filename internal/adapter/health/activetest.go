package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ollamux/ollamux/internal/adapter/breaker"
	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/core/ports"
	"github.com/ollamux/ollamux/internal/logger"
	"github.com/ollamux/ollamux/internal/util"
)

// failureClass buckets active-test failures into retry schedules. Once a
// class's attempt cap is hit the pair stops being probed until the breaker
// leaves half-open or an operator intervenes.
type failureClass int

const (
	classRetryable failureClass = iota
	classCapability
	classModelFile
	classPermanent
)

func (c failureClass) String() string {
	switch c {
	case classCapability:
		return "capability"
	case classModelFile:
		return "model_file"
	case classPermanent:
		return "permanent"
	default:
		return "retryable"
	}
}

const (
	capabilityRetryDelay = 30 * time.Second
	capabilityMaxTests   = 2
	modelFileMaxTests    = 3
	permanentMaxTests    = 5
	retryableBaseDelay   = 30 * time.Second
	retryableMaxDelay    = 30 * time.Minute
	retryableMaxTests    = 8

	capabilityTimeout = 5 * time.Second
	modelFileTimeout  = 10 * time.Second
	permanentTimeout  = 15 * time.Second

	timeoutDoublingCap      = 10
	progressiveExtensionCap = 3.0
	perfMultiplierFloor     = 0.5
	perfMultiplierCeil      = 2.0
	perfLatencyBaseline     = time.Second
)

var (
	modelFileDelays = []time.Duration{time.Minute, 5 * time.Minute, 10 * time.Minute}
	permanentDelays = []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute,
		40 * time.Minute, 60 * time.Minute}
)

var (
	capabilityTestPatterns = []string{"does not support", "unsupported operation"}
	modelFilePatterns      = []string{"unable to load", "invalid magic", "invalid format", "missing blob"}
	permanentTestPatterns  = []string{"disk full", "no space left", "server crash",
		"out of memory", "not enough ram", "runner process has terminated"}
)

// pairState tracks one (server, model) active-test history while its breaker
// sits in half-open.
type pairState struct {
	lastTestTime        time.Time
	testCount           int
	consecutiveFailures int
	failureReason       string
	class               failureClass
	currentTimeout      time.Duration
	lastTimedOut        bool
}

// ActiveTestConfig holds active tester tunables.
type ActiveTestConfig struct {
	BaseTimeout time.Duration
	MaxPerCycle int
}

func (c ActiveTestConfig) withDefaults() ActiveTestConfig {
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = constants.DefaultActiveTestTimeout
	}
	if c.MaxPerCycle <= 0 {
		c.MaxPerCycle = constants.DefaultMaxConcurrentPerServer
	}
	return c
}

// ActiveTester probes half-open model breakers after a successful health
// check. Each (server, model) pair carries its own retry schedule keyed by
// the class of its last failure, and each attempt gets an adaptive timeout
// scaled by model size and recent server performance.
type ActiveTester struct {
	config   ActiveTestConfig
	breakers *breaker.Registry
	servers  ports.ServerReader
	stats    ports.ServerStats
	probe    ports.ProbeFunc
	logger   *logger.StyledLogger

	mu     sync.Mutex
	states map[domain.BreakerKey]*pairState

	nowFn func() time.Time
}

func NewActiveTester(cfg ActiveTestConfig, breakers *breaker.Registry, servers ports.ServerReader,
	stats ports.ServerStats, probe ports.ProbeFunc, log *logger.StyledLogger) *ActiveTester {
	return &ActiveTester{
		config:   cfg.withDefaults(),
		breakers: breakers,
		servers:  servers,
		stats:    stats,
		probe:    probe,
		logger:   log,
		states:   make(map[domain.BreakerKey]*pairState),
		nowFn:    time.Now,
	}
}

// RunForServer probes the server's half-open model breakers that are due,
// up to MaxPerCycle per invocation. Oldest half-open entries go first.
func (t *ActiveTester) RunForServer(ctx context.Context, serverID string) {
	server, err := t.servers.GetServer(ctx, serverID)
	if err != nil {
		return
	}

	due := t.dueBreakers(serverID)
	ran := 0
	for _, cb := range due {
		if ran >= t.config.MaxPerCycle {
			return
		}
		if ctx.Err() != nil {
			return
		}
		t.runTest(ctx, server, cb)
		ran++
	}
}

// dueBreakers returns the server's half-open model breakers whose schedule
// allows another attempt, longest-waiting first.
func (t *ActiveTester) dueBreakers(serverID string) []*breaker.CircuitBreaker {
	now := t.nowFn()

	var due []*breaker.CircuitBreaker
	t.breakers.ForEach(func(key domain.BreakerKey, cb *breaker.CircuitBreaker) bool {
		if key.IsServerLevel() || key.ServerID() != serverID {
			return true
		}
		switch cb.State() {
		case breaker.StateClosed:
			// recovered, drop the history
			t.forget(key)
			return true
		case breaker.StateOpen:
			// reopened since the last attempt, wait for half-open again
			return true
		}
		if t.eligible(key, now) {
			due = append(due, cb)
		}
		return true
	})

	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].TimeInHalfOpen() > due[j-1].TimeInHalfOpen(); j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
	return due
}

func (t *ActiveTester) eligible(key domain.BreakerKey, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key]
	if !ok {
		return true
	}
	if st.testCount >= maxTestsFor(st.class) {
		return false
	}
	return now.Sub(st.lastTestTime) >= delayFor(st.class, st.consecutiveFailures)
}

func (t *ActiveTester) runTest(ctx context.Context, server *domain.Server, cb *breaker.CircuitBreaker) {
	key := cb.Key()
	model := key.Model()
	timeout := t.adaptiveTimeout(key, server, model)

	cb.BeginActiveTest()
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	start := t.nowFn()
	err := t.probe(probeCtx, server, model)
	cancel()
	cb.EndActiveTest()

	if err == nil {
		cb.RecordSuccess()
		t.forget(key)
		t.logger.InfoWithBreaker("active test passed", key,
			"duration", t.nowFn().Sub(start), "timeout", timeout)
		return
	}

	class := classifyTestFailure(err)
	timedOut := probeCtx.Err() == context.DeadlineExceeded

	t.mu.Lock()
	st, ok := t.states[key]
	if !ok {
		st = &pairState{currentTimeout: t.config.BaseTimeout}
		t.states[key] = st
	}
	st.lastTestTime = t.nowFn()
	st.testCount++
	st.consecutiveFailures++
	st.failureReason = err.Error()
	st.class = class
	st.lastTimedOut = timedOut
	st.currentTimeout = timeout
	attempt := st.testCount
	exhausted := attempt >= maxTestsFor(class)
	t.mu.Unlock()

	switch class {
	case classCapability:
		// confirmed capability mismatch is not a server fault
		cb.RecordNonBreakingFailure(domain.ErrorKindNonRetryable, err.Error())
		cb.SetModelType(domain.ModelTypeEmbedding)
	case classPermanent:
		cb.RecordFailure(domain.ErrorKindPermanent, err.Error())
	case classModelFile:
		cb.RecordFailure(domain.ErrorKindNonRetryable, err.Error())
	default:
		cb.RecordFailure(domain.ErrorKindTransient, err.Error())
	}

	t.logger.WarnWithBreaker("active test failed", key,
		"class", class.String(), "timed_out", timedOut,
		"attempt", attempt, "exhausted", exhausted, "error", err)
}

// adaptiveTimeout computes the next attempt's timeout from the pair's failure
// history, the model's size, and the server's recent latency profile.
func (t *ActiveTester) adaptiveTimeout(key domain.BreakerKey, server *domain.Server, model string) time.Duration {
	t.mu.Lock()
	st, ok := t.states[key]
	var (
		class    failureClass
		failures int
		base     time.Duration
		reason   string
	)
	if ok {
		class = st.class
		failures = st.consecutiveFailures
		base = st.currentTimeout
		reason = st.failureReason
	} else {
		base = t.config.BaseTimeout
	}
	t.mu.Unlock()

	var timeout time.Duration
	switch {
	case !ok:
		timeout = base
	case class == classCapability || strings.Contains(reason, "model not found"):
		timeout = capabilityTimeout
	case class == classModelFile:
		timeout = modelFileTimeout
	case class == classPermanent:
		timeout = permanentTimeout
	case strings.Contains(reason, "connection refused"):
		timeout = base
	default:
		// timeouts and unclassified errors double the previous attempt
		timeout = doubledTimeout(base, failures)
	}

	scale := t.modelSizeMultiplier(server, model) * t.performanceMultiplier(server.ID)
	if failures > 0 {
		extension := 1.0 + 0.25*float64(failures)
		if extension > progressiveExtensionCap {
			extension = progressiveExtensionCap
		}
		scale *= extension
	}

	timeout = time.Duration(float64(timeout) * scale)
	if timeout > constants.ActiveTestTimeoutCap {
		timeout = constants.ActiveTestTimeoutCap
	}
	return timeout
}

// modelSizeMultiplier scales the timeout for large models: measured VRAM in
// 500 MB steps when /api/ps has seen the model loaded, else a parameter-count
// guess from the model name with 8B as the baseline.
func (t *ActiveTester) modelSizeMultiplier(server *domain.Server, model string) float64 {
	for _, loaded := range server.LoadedModels {
		if loaded.Name == model && loaded.SizeVRAM > 0 {
			steps := float64(loaded.SizeVRAM) / float64(constants.ModelSizeVRAMUnit)
			if steps < 1 {
				return 1
			}
			return steps
		}
	}

	if billions := util.ParseModelSizeBillions(model); billions > 8 {
		return billions / 8
	}
	return 1
}

func (t *ActiveTester) performanceMultiplier(serverID string) float64 {
	if t.stats == nil {
		return 1
	}
	p95 := t.stats.P95Latency(serverID)
	if p95 <= 0 {
		return 1
	}
	multiplier := float64(p95) / float64(perfLatencyBaseline)
	if multiplier < perfMultiplierFloor {
		return perfMultiplierFloor
	}
	if multiplier > perfMultiplierCeil {
		return perfMultiplierCeil
	}
	return multiplier
}

func (t *ActiveTester) forget(key domain.BreakerKey) {
	t.mu.Lock()
	delete(t.states, key)
	t.mu.Unlock()
}

// Forget drops the active-test history for every pair on the server.
func (t *ActiveTester) Forget(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.states {
		if key.ServerID() == serverID {
			delete(t.states, key)
		}
	}
}

func doubledTimeout(base time.Duration, failures int) time.Duration {
	exp := failures + 1
	if exp > timeoutDoublingCap {
		exp = timeoutDoublingCap
	}
	timeout := base << exp
	if timeout > constants.ActiveTestTimeoutCap || timeout <= 0 {
		return constants.ActiveTestTimeoutCap
	}
	return timeout
}

func classifyTestFailure(err error) failureClass {
	msg := strings.ToLower(err.Error())
	for _, pattern := range capabilityTestPatterns {
		if strings.Contains(msg, pattern) {
			return classCapability
		}
	}
	for _, pattern := range modelFilePatterns {
		if strings.Contains(msg, pattern) {
			return classModelFile
		}
	}
	for _, pattern := range permanentTestPatterns {
		if strings.Contains(msg, pattern) {
			return classPermanent
		}
	}
	return classRetryable
}

func maxTestsFor(class failureClass) int {
	switch class {
	case classCapability:
		return capabilityMaxTests
	case classModelFile:
		return modelFileMaxTests
	case classPermanent:
		return permanentMaxTests
	default:
		return retryableMaxTests
	}
}

func delayFor(class failureClass, failures int) time.Duration {
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	switch class {
	case classCapability:
		return capabilityRetryDelay
	case classModelFile:
		return scheduleAt(modelFileDelays, idx)
	case classPermanent:
		return scheduleAt(permanentDelays, idx)
	default:
		delay := retryableBaseDelay << idx
		if delay > retryableMaxDelay || delay <= 0 {
			return retryableMaxDelay
		}
		return delay
	}
}

func scheduleAt(schedule []time.Duration, idx int) time.Duration {
	if idx >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[idx]
}
