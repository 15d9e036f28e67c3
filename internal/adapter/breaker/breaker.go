package breaker

import (
	"sync"
	"time"

	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/util"
)

// State is the circuit breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func (s State) Valid() bool {
	return s == StateClosed || s == StateOpen || s == StateHalfOpen
}

// Config holds per-breaker tunables. Zero values are replaced with defaults.
type Config struct {
	BaseFailureThreshold     int
	MinFailureThreshold      int
	MaxFailureThreshold      int
	ThresholdAdjustment      int
	ErrorRateThreshold       float64
	ErrorRateAlpha           float64
	OpenTimeout              time.Duration
	RecoverySuccessThreshold int
	WindowDuration           time.Duration
	WindowMaxEntries         int
}

func (c Config) withDefaults() Config {
	if c.BaseFailureThreshold <= 0 {
		c.BaseFailureThreshold = constants.DefaultBaseFailureThreshold
	}
	if c.MinFailureThreshold <= 0 {
		c.MinFailureThreshold = constants.DefaultMinFailureThreshold
	}
	if c.MaxFailureThreshold <= 0 {
		c.MaxFailureThreshold = constants.DefaultMaxFailureThreshold
	}
	if c.ThresholdAdjustment <= 0 {
		c.ThresholdAdjustment = constants.DefaultThresholdAdjustment
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = constants.DefaultErrorRateThreshold
	}
	if c.ErrorRateAlpha <= 0 {
		c.ErrorRateAlpha = constants.DefaultErrorRateAlpha
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = constants.DefaultOpenTimeout
	}
	if c.RecoverySuccessThreshold <= 0 {
		c.RecoverySuccessThreshold = constants.DefaultRecoverySuccessThreshold
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = constants.DefaultWindowDuration
	}
	if c.WindowMaxEntries <= 0 {
		c.WindowMaxEntries = constants.DefaultWindowMaxEntries
	}
	return c
}

// StateChangeFunc observes breaker transitions. It is invoked outside the
// breaker's lock and must not assume it runs before the next transition.
type StateChangeFunc func(key domain.BreakerKey, from, to State)

// CircuitBreaker is a two-layer (server- or model-level) breaker with
// adaptive thresholds, sliding-window error classification and
// error-type-specific backoff. All state is guarded by a single mutex; a
// Stats call observes a consistent snapshot.
type CircuitBreaker struct {
	key    domain.BreakerKey
	config Config

	mu     sync.Mutex
	state  State
	window *slidingWindow

	failureCount                 int64
	successCount                 int64
	totalRequestCount            int64
	blockedRequestCount          int64
	consecutiveSuccesses         int
	halfOpenAttempts             int64
	halfOpenRequestCount         int64
	consecutiveFailedRecoveries  int
	activeTestsInProgress        int
	rateLimitConsecutiveFailures int

	lastFailure       time.Time
	lastSuccess       time.Time
	nextRetryAt       time.Time
	halfOpenStartedAt time.Time

	lastFailureReason       string
	lastErrorType           domain.ErrorKind
	modelType               domain.ModelType
	modelTypeConfirmed      bool
	errorRate               float64
	currentBackoff          time.Duration
	learnedRateLimitBackoff time.Duration

	onStateChange StateChangeFunc
	nowFn         func() time.Time
	jitterFn      func(time.Duration) time.Duration
}

func New(key domain.BreakerKey, cfg Config, onStateChange StateChangeFunc) *CircuitBreaker {
	cfg = cfg.withDefaults()
	cb := &CircuitBreaker{
		key:           key,
		config:        cfg,
		state:         StateClosed,
		window:        newSlidingWindow(cfg.WindowDuration, cfg.WindowMaxEntries),
		onStateChange: onStateChange,
		nowFn:         time.Now,
		jitterFn:      util.Jitter,
	}
	if model := key.Model(); model != "" {
		cb.modelType = domain.InferModelType(model)
	} else {
		cb.modelType = domain.ModelTypeGeneration
	}
	return cb
}

func (cb *CircuitBreaker) Key() domain.BreakerKey {
	return cb.key
}

// CanExecute decides admission for real client traffic. It counts the
// request, transitions open breakers to half-open once their retry time has
// passed (subject to the flap guard), and never admits traffic in half-open:
// recovery probes are scheduled by the recovery coordinator, not piggybacked
// on client requests.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	cb.totalRequestCount++
	now := cb.nowFn()

	var transition func()

	admitted := false
	switch cb.state {
	case StateClosed:
		admitted = true

	case StateOpen:
		if cb.hardStopped() {
			// 5+ failed recoveries with no success ever: stay open until an
			// operator intervenes.
			cb.blockedRequestCount++
		} else if !now.Before(cb.nextRetryAt) {
			transition = cb.transitionToHalfOpenLocked(now)
			cb.blockedRequestCount++
		} else {
			cb.blockedRequestCount++
		}

	case StateHalfOpen:
		cb.blockedRequestCount++
	}

	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	return admitted
}

// RecordSuccess records a successful call or probe.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	now := cb.nowFn()

	cb.successCount++
	cb.lastSuccess = now
	cb.window.add(now, true, "")
	cb.errorRate = cb.config.ErrorRateAlpha*cb.window.errorRate(now) + (1-cb.config.ErrorRateAlpha)*cb.errorRate

	var transition func()
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.RecoverySuccessThreshold {
			if cb.lastErrorType == domain.ErrorKindRateLimited && cb.currentBackoff > 0 {
				// the backoff that let us recover becomes the seed next time
				cb.learnedRateLimitBackoff = cb.currentBackoff
			}
			transition = cb.transitionToClosedLocked()
		}

	case StateOpen:
		// success while open can only come from an admin-forced probe; keep
		// counters but do not transition
	}

	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// RecordFailure records a breaking failure of the given kind.
func (cb *CircuitBreaker) RecordFailure(kind domain.ErrorKind, reason string) {
	cb.record(kind, reason, true)
}

// RecordNonBreakingFailure records a failure (typically a capability error)
// that must not advance breaker counters or trigger transitions.
func (cb *CircuitBreaker) RecordNonBreakingFailure(kind domain.ErrorKind, reason string) {
	cb.record(kind, reason, false)
}

func (cb *CircuitBreaker) record(kind domain.ErrorKind, reason string, breaking bool) {
	cb.mu.Lock()
	now := cb.nowFn()

	cb.lastFailure = now
	cb.lastFailureReason = reason
	cb.lastErrorType = kind
	cb.window.add(now, false, kind)
	cb.errorRate = cb.config.ErrorRateAlpha*cb.window.errorRate(now) + (1-cb.config.ErrorRateAlpha)*cb.errorRate

	if !breaking {
		cb.mu.Unlock()
		return
	}

	cb.failureCount++

	var transition func()
	switch cb.state {
	case StateClosed:
		rateTrip := cb.window.size(now) >= constants.ErrorRateMinSamples &&
			cb.errorRate > cb.config.ErrorRateThreshold
		if cb.failureCount >= int64(cb.adaptiveThresholdLocked(now)) || rateTrip {
			transition = cb.transitionToOpenLocked(now, kind)
		}

	case StateHalfOpen:
		if kind == domain.ErrorKindRateLimited {
			// only failed recoveries grow the rate-limit backoff exponent
			cb.rateLimitConsecutiveFailures++
		}
		cb.consecutiveFailedRecoveries++
		transition = cb.transitionToOpenLocked(now, kind)

	case StateOpen:
		// extend nothing; the existing nextRetryAt stands
	}

	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// adaptiveThresholdLocked computes the failure threshold from the error mix
// in the window: mostly-fatal mixes trip earlier, mostly-transient mixes
// tolerate more.
func (cb *CircuitBreaker) adaptiveThresholdLocked(now time.Time) int {
	counts := cb.window.errorCountsByKind(now)
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return cb.config.BaseFailureThreshold
	}

	nonRetryableRatio := float64(counts[domain.ErrorKindNonRetryable]+counts[domain.ErrorKindPermanent]) / float64(total)
	transientRatio := float64(counts[domain.ErrorKindTransient]+counts[domain.ErrorKindRetryable]) / float64(total)

	switch {
	case nonRetryableRatio > 0.5:
		t := cb.config.BaseFailureThreshold - cb.config.ThresholdAdjustment
		if t < cb.config.MinFailureThreshold {
			t = cb.config.MinFailureThreshold
		}
		return t
	case transientRatio > 0.7:
		t := cb.config.BaseFailureThreshold + cb.config.ThresholdAdjustment
		if t > cb.config.MaxFailureThreshold {
			t = cb.config.MaxFailureThreshold
		}
		return t
	default:
		return cb.config.BaseFailureThreshold
	}
}

// backoffForLocked returns the open timeout for the given error kind,
// applying the flap-guard extension after repeated failed recoveries.
func (cb *CircuitBreaker) backoffForLocked(kind domain.ErrorKind) time.Duration {
	var base time.Duration
	switch kind {
	case domain.ErrorKindNonRetryable:
		base = constants.BackoffNonRetryable
	case domain.ErrorKindPermanent:
		base = constants.BackoffPermanent
	case domain.ErrorKindRetryable:
		base = constants.BackoffRetryable
	case domain.ErrorKindRateLimited:
		base = cb.rateLimitBackoffLocked()
	default:
		base = cb.config.OpenTimeout
	}

	if cb.consecutiveFailedRecoveries >= constants.FlapGuardThreshold {
		cap := int64(constants.FlapGuardCapDefault)
		if kind == domain.ErrorKindPermanent || kind == domain.ErrorKindNonRetryable {
			cap = constants.FlapGuardCapPermanent
		}
		multiplier := int64(1) << uint(cb.consecutiveFailedRecoveries-constants.FlapGuardThreshold)
		if multiplier > cap {
			multiplier = cap
		}
		base *= time.Duration(multiplier)
	}

	return base
}

// rateLimitBackoffLocked implements min(5min * 3^k, 60min) with the learned
// backoff short-circuiting the first open.
func (cb *CircuitBreaker) rateLimitBackoffLocked() time.Duration {
	k := cb.rateLimitConsecutiveFailures
	if k <= 0 {
		if cb.learnedRateLimitBackoff > 0 {
			return cb.learnedRateLimitBackoff
		}
		return constants.BackoffRateLimitSeed
	}

	backoff := constants.BackoffRateLimitSeed
	for i := 0; i < k; i++ {
		backoff *= 3
		if backoff >= constants.BackoffRateLimitCap {
			return constants.BackoffRateLimitCap
		}
	}
	return backoff
}

// hardStopped reports whether the flap guard keeps the breaker open past
// nextRetryAt: five or more failed recoveries without a single success ever.
func (cb *CircuitBreaker) hardStopped() bool {
	return cb.consecutiveFailedRecoveries >= constants.FlapGuardHardStop && cb.successCount == 0
}

func (cb *CircuitBreaker) transitionToOpenLocked(now time.Time, kind domain.ErrorKind) func() {
	from := cb.state
	cb.state = StateOpen
	cb.currentBackoff = cb.backoffForLocked(kind)
	cb.nextRetryAt = now.Add(cb.currentBackoff)
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequestCount = 0
	return cb.notifyLocked(from, StateOpen)
}

func (cb *CircuitBreaker) transitionToHalfOpenLocked(now time.Time) func() {
	from := cb.state
	cb.state = StateHalfOpen
	// jitter pushes halfOpenStartedAt into the future to stagger fleetwide
	// recoveries; time-in-half-open computations clamp negatives to zero
	cb.halfOpenStartedAt = now.Add(cb.jitterFn(constants.HalfOpenJitterMax))
	cb.halfOpenAttempts++
	cb.halfOpenRequestCount = 0
	cb.consecutiveSuccesses = 0
	cb.activeTestsInProgress = 0
	return cb.notifyLocked(from, StateHalfOpen)
}

func (cb *CircuitBreaker) transitionToClosedLocked() func() {
	from := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.consecutiveSuccesses = 0
	cb.consecutiveFailedRecoveries = 0
	cb.rateLimitConsecutiveFailures = 0
	cb.halfOpenRequestCount = 0
	cb.nextRetryAt = time.Time{}
	return cb.notifyLocked(from, StateClosed)
}

func (cb *CircuitBreaker) notifyLocked(from, to State) func() {
	if cb.onStateChange == nil || from == to {
		return nil
	}
	fn := cb.onStateChange
	key := cb.key
	return func() { fn(key, from, to) }
}

// ForceOpen is admin-only: opens the breaker for the given duration (or the
// configured open timeout when zero).
func (cb *CircuitBreaker) ForceOpen(timeout time.Duration) {
	cb.mu.Lock()
	now := cb.nowFn()
	from := cb.state
	cb.state = StateOpen
	if timeout <= 0 {
		timeout = cb.config.OpenTimeout
	}
	cb.currentBackoff = timeout
	cb.nextRetryAt = now.Add(timeout)
	transition := cb.notifyLocked(from, StateOpen)
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// ForceClose is admin-only: closes the breaker and clears recovery state.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	transition := cb.transitionToClosedLocked()
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// ForceHalfOpen is admin-only.
func (cb *CircuitBreaker) ForceHalfOpen() {
	cb.mu.Lock()
	transition := cb.transitionToHalfOpenLocked(cb.nowFn())
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// Reset zeroes every counter and returns to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.window.clear()
	cb.failureCount = 0
	cb.successCount = 0
	cb.totalRequestCount = 0
	cb.blockedRequestCount = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenAttempts = 0
	cb.halfOpenRequestCount = 0
	cb.consecutiveFailedRecoveries = 0
	cb.rateLimitConsecutiveFailures = 0
	cb.activeTestsInProgress = 0
	cb.errorRate = 0
	cb.lastFailureReason = ""
	cb.lastErrorType = ""
	cb.learnedRateLimitBackoff = 0
	cb.currentBackoff = 0
	cb.lastFailure = time.Time{}
	cb.lastSuccess = time.Time{}
	cb.nextRetryAt = time.Time{}
	cb.halfOpenStartedAt = time.Time{}
	transition := cb.notifyLocked(from, StateClosed)
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ModelType returns the persisted or inferred capability of the model behind
// this breaker.
func (cb *CircuitBreaker) ModelType() domain.ModelType {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.modelType
}

// SetModelType overrides the inferred model type, typically after an active
// test confirmed the model only supports embeddings.
func (cb *CircuitBreaker) SetModelType(t domain.ModelType) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.modelType = t
	cb.modelTypeConfirmed = true
}

// TimeInHalfOpen returns how long the breaker has been half-open, clamped at
// zero while the jittered start time is still in the future.
func (cb *CircuitBreaker) TimeInHalfOpen() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateHalfOpen {
		return 0
	}
	d := cb.nowFn().Sub(cb.halfOpenStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// BeginActiveTest/EndActiveTest bracket a recovery probe against this breaker.
func (cb *CircuitBreaker) BeginActiveTest() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.activeTestsInProgress++
}

func (cb *CircuitBreaker) EndActiveTest() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.activeTestsInProgress > 0 {
		cb.activeTestsInProgress--
	}
}

// UpdateConfig patches tunables in place; the window is retained.
func (cb *CircuitBreaker) UpdateConfig(cfg Config) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.config = cfg.withDefaults()
}

// Stats is a consistent snapshot of the breaker. It doubles as the
// persistence wire format.
type Stats struct {
	State                        string                   `json:"state"`
	FailureCount                 int64                    `json:"failureCount"`
	SuccessCount                 int64                    `json:"successCount"`
	TotalRequestCount            int64                    `json:"totalRequestCount"`
	BlockedRequestCount          int64                    `json:"blockedRequestCount"`
	ConsecutiveSuccesses         int                      `json:"consecutiveSuccesses"`
	ConsecutiveFailedRecoveries  int                      `json:"consecutiveFailedRecoveries"`
	HalfOpenAttempts             int64                    `json:"halfOpenAttempts"`
	ActiveTestsInProgress        int                      `json:"activeTestsInProgress"`
	RateLimitConsecutiveFailures int                      `json:"rateLimitConsecutiveFailures"`
	LastFailure                  int64                    `json:"lastFailure,omitempty"` // epoch ms
	LastSuccess                  int64                    `json:"lastSuccess,omitempty"`
	NextRetryAt                  int64                    `json:"nextRetryAt,omitempty"`
	HalfOpenStartedAt            int64                    `json:"halfOpenStartedAt,omitempty"`
	ErrorRate                    float64                  `json:"errorRate"`
	ErrorCounts                  map[domain.ErrorKind]int `json:"errorCounts"`
	LastFailureReason            string                   `json:"lastFailureReason,omitempty"`
	LastErrorType                string                   `json:"lastErrorType,omitempty"`
	ModelType                    string                   `json:"modelType,omitempty"`
	LearnedRateLimitBackoffMs    int64                    `json:"learnedRateLimitBackoffMs,omitempty"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFn()
	return Stats{
		State:                        string(cb.state),
		FailureCount:                 cb.failureCount,
		SuccessCount:                 cb.successCount,
		TotalRequestCount:            cb.totalRequestCount,
		BlockedRequestCount:          cb.blockedRequestCount,
		ConsecutiveSuccesses:         cb.consecutiveSuccesses,
		ConsecutiveFailedRecoveries:  cb.consecutiveFailedRecoveries,
		HalfOpenAttempts:             cb.halfOpenAttempts,
		ActiveTestsInProgress:        cb.activeTestsInProgress,
		RateLimitConsecutiveFailures: cb.rateLimitConsecutiveFailures,
		LastFailure:                  epochMs(cb.lastFailure),
		LastSuccess:                  epochMs(cb.lastSuccess),
		NextRetryAt:                  epochMs(cb.nextRetryAt),
		HalfOpenStartedAt:            epochMs(cb.halfOpenStartedAt),
		ErrorRate:                    cb.errorRate,
		ErrorCounts:                  cb.window.errorCountsByKind(now),
		LastFailureReason:            cb.lastFailureReason,
		LastErrorType:                string(cb.lastErrorType),
		ModelType:                    string(cb.modelType),
		LearnedRateLimitBackoffMs:    cb.learnedRateLimitBackoff.Milliseconds(),
	}
}

// restore applies a persisted snapshot. Invalid states are rejected by the
// registry before this is called.
func (cb *CircuitBreaker) restore(s Stats, now time.Time) {
	cb.mu.Lock()

	cb.state = State(s.State)
	cb.failureCount = s.FailureCount
	cb.successCount = s.SuccessCount
	cb.totalRequestCount = s.TotalRequestCount
	cb.blockedRequestCount = s.BlockedRequestCount
	cb.lastFailure = fromEpochMs(s.LastFailure)
	cb.lastSuccess = fromEpochMs(s.LastSuccess)
	cb.nextRetryAt = fromEpochMs(s.NextRetryAt)
	cb.lastFailureReason = s.LastFailureReason
	if kind := domain.ErrorKind(s.LastErrorType); kind.Valid() {
		cb.lastErrorType = kind
	}
	if s.ModelType == string(domain.ModelTypeEmbedding) {
		cb.modelType = domain.ModelTypeEmbedding
	}
	cb.learnedRateLimitBackoff = time.Duration(s.LearnedRateLimitBackoffMs) * time.Millisecond

	// recompute the smoothed rate from persisted counts rather than trusting
	// the serialized float
	total := s.SuccessCount + s.FailureCount
	if total > 0 {
		cb.errorRate = float64(s.FailureCount) / float64(total)
	}

	var transition func()
	switch cb.state {
	case StateHalfOpen:
		// clamp a stale half-open start into the present
		start := fromEpochMs(s.HalfOpenStartedAt)
		if start.IsZero() || now.Sub(start) > constants.HalfOpenJitterMax {
			start = now
		}
		cb.halfOpenStartedAt = start
		cb.consecutiveSuccesses = 0

	case StateOpen:
		if !cb.nextRetryAt.IsZero() && !now.Before(cb.nextRetryAt) {
			transition = cb.transitionToHalfOpenLocked(now)
		}
	}

	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

func epochMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromEpochMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
