package router

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ollamux/ollamux/internal/adapter/breaker"
	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/core/ports"
	"github.com/ollamux/ollamux/internal/logger"
	"github.com/ollamux/ollamux/internal/util"
)

// Fleet is the slice of the server registry the router needs: topology,
// per-pair penalty state and in-flight accounting.
type Fleet interface {
	GetServer(ctx context.Context, id string) (*domain.Server, error)
	GetServers(ctx context.Context) []*domain.Server
	IsInCooldown(serverID, model string) bool
	IsBanned(serverID, model string) bool
	MarkFailure(serverID, model string)
	Ban(serverID, model, reason string)
	MarkUnhealthy(serverID, reason string)
	IncrementFailureCount(serverID string) int

	ports.InFlightTracker
}

// Op performs the actual upstream call against the chosen server. The router
// owns candidate selection, retries and failover around it.
type Op func(ctx context.Context, server *domain.Server) error

// Config holds routing tunables; zero values fall back to defaults.
type Config struct {
	Weights              Weights
	MaxRetries           int
	RetryDelay           time.Duration
	MaxRetryDelay        time.Duration
	BackoffMultiplier    float64
	RetryableStatusCodes []int
	TransientFailureMax  int
}

// Weights are the scoring multipliers; they need not sum to 1.
type Weights struct {
	Latency     float64
	SuccessRate float64
	Load        float64
	Capacity    float64
}

func (c Config) withDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = Weights{
			Latency:     constants.DefaultWeightLatency,
			SuccessRate: constants.DefaultWeightSuccessRate,
			Load:        constants.DefaultWeightLoad,
			Capacity:    constants.DefaultWeightCapacity,
		}
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = constants.DefaultMaxSameServerRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = constants.DefaultRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = constants.DefaultMaxRetryDelay
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = constants.DefaultBackoffMultiplier
	}
	if len(c.RetryableStatusCodes) == 0 {
		c.RetryableStatusCodes = []int{429, 503}
	}
	if c.TransientFailureMax <= 0 {
		c.TransientFailureMax = constants.DefaultTransientUnhealthyAt
	}
	return c
}

// serverWidePatterns escalate a permanent model error to the whole server.
var serverWidePatterns = []string{
	"disk full",
	"no space left",
	"server crash",
}

// Router picks upstream servers by weighted score and drives the two-phase
// failover policy across them.
type Router struct {
	config     Config
	fleet      Fleet
	breakers   *breaker.Registry
	classifier *breaker.Classifier
	stats      ports.ServerStats
	logger     *logger.StyledLogger

	sleepFn func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, fleet Fleet, breakers *breaker.Registry, classifier *breaker.Classifier,
	stats ports.ServerStats, log *logger.StyledLogger) *Router {
	return &Router{
		config:     cfg.withDefaults(),
		fleet:      fleet,
		breakers:   breakers,
		classifier: classifier,
		stats:      stats,
		logger:     log,
		sleepFn:    sleepCtx,
	}
}

// Candidates returns the eligible servers for (model, capability) sorted by
// score descending, ties broken by lowest in-flight then lowest id.
func (rt *Router) Candidates(ctx context.Context, model string, capability domain.Capability, bypass bool) []domain.Candidate {
	var out []domain.Candidate
	for _, server := range rt.fleet.GetServers(ctx) {
		if !rt.eligible(server, model, capability, bypass) {
			continue
		}
		inFlight := rt.fleet.GetInFlight(server.ID, model)
		out = append(out, domain.Candidate{
			Server:     server,
			TotalScore: rt.score(server, inFlight),
			InFlight:   inFlight,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalScore != out[j].TotalScore {
			return out[i].TotalScore > out[j].TotalScore
		}
		if out[i].InFlight != out[j].InFlight {
			return out[i].InFlight < out[j].InFlight
		}
		return out[i].Server.ID < out[j].Server.ID
	})
	return out
}

func (rt *Router) eligible(server *domain.Server, model string, capability domain.Capability, bypass bool) bool {
	if !server.Status.IsRoutable() || server.Draining || server.Maintenance {
		return false
	}
	switch capability {
	case domain.CapabilityOpenAI:
		if !server.SupportsV1 {
			return false
		}
	case domain.CapabilityOllama:
		if !server.SupportsOllama {
			return false
		}
	}
	if !server.HasModel(model, capability) {
		return false
	}
	if rt.fleet.IsInCooldown(server.ID, model) || rt.fleet.IsBanned(server.ID, model) {
		return false
	}
	if rt.fleet.GetInFlight(server.ID, model) >= int64(server.MaxConcurrency) {
		return false
	}
	if bypass {
		return true
	}
	serverCB := rt.breakers.GetOrCreate(domain.ServerBreakerKey(server.ID))
	modelCB := rt.breakers.GetOrCreate(domain.ModelBreakerKey(server.ID, model))
	return serverCB.CanExecute() && modelCB.CanExecute()
}

// score is the weighted sum of inverse p95 latency, success rate, inverse
// load and remaining capacity.
func (rt *Router) score(server *domain.Server, inFlight int64) float64 {
	w := rt.config.Weights

	latencySec := rt.stats.P95Latency(server.ID).Seconds()
	load := 0.0
	if server.MaxConcurrency > 0 {
		load = float64(inFlight) / float64(server.MaxConcurrency)
	}

	return w.Latency*(1/(1+latencySec)) +
		w.SuccessRate*rt.stats.SuccessRate(server.ID) +
		w.Load*(1/(1+load)) +
		w.Capacity*(1-load)
}

// TryRequestWithFailover runs op against the best candidate, retrying on the
// same server for retryable failures, failing over across servers otherwise,
// and finally re-trying transient-failed candidates once with breaker bypass.
func (rt *Router) TryRequestWithFailover(ctx context.Context, desc *domain.RequestDescriptor,
	rc *domain.RoutingContext, op Op) error {

	model := desc.Model
	candidates := rt.Candidates(ctx, model, desc.Capability, desc.Bypass)
	if rc != nil {
		rc.AvailableServerCount = len(candidates)
	}
	if len(candidates) == 0 {
		return domain.ErrNoHealthyServers
	}

	failover := &domain.FailoverError{Model: model}
	var transientFailed []domain.Candidate

	for _, candidate := range candidates {
		err := rt.attemptServer(ctx, candidate.Server, desc, rc, op, false)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind := kindOf(err)
		failover.Attempts = append(failover.Attempts, domain.AttemptError{
			ServerID: candidate.Server.ID,
			Kind:     kind,
			Err:      err,
		})
		if kind == domain.ErrorKindTransient {
			transientFailed = append(transientFailed, candidate)
		}
	}

	// Phase 2: a transient failure may have opened a breaker we would now be
	// shadowed by; give those servers one bypass attempt.
	for _, candidate := range transientFailed {
		err := rt.attemptServer(ctx, candidate.Server, desc, rc, op, true)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failover.Attempts = append(failover.Attempts, domain.AttemptError{
			ServerID: candidate.Server.ID,
			Kind:     kindOf(err),
			Err:      err,
		})
	}

	return failover
}

// attemptServer runs op on one server with same-server retries. The in-flight
// slot is held across retries and always released.
func (rt *Router) attemptServer(ctx context.Context, server *domain.Server,
	desc *domain.RequestDescriptor, rc *domain.RoutingContext, op Op, bypass bool) error {

	model := desc.Model
	if rc != nil {
		rc.SelectedServerID = server.ID
		if serverCB, ok := rt.breakers.Get(domain.ServerBreakerKey(server.ID)); ok {
			rc.ServerCircuitState = string(serverCB.State())
		}
		if modelCB, ok := rt.breakers.Get(domain.ModelBreakerKey(server.ID, model)); ok {
			rc.ModelCircuitState = string(modelCB.State())
		}
	}

	rt.fleet.IncrementInFlight(server.ID, model, bypass)
	defer rt.fleet.DecrementInFlight(server.ID, model, bypass)

	var lastErr error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := op(ctx, server)
		latency := time.Since(start)

		if err == nil {
			rt.stats.RecordRequest(server.ID, true, latency)
			rt.breakers.GetOrCreate(domain.ServerBreakerKey(server.ID)).RecordSuccess()
			rt.breakers.GetOrCreate(domain.ModelBreakerKey(server.ID, model)).RecordSuccess()
			return nil
		}

		rt.stats.RecordRequest(server.ID, false, latency)
		lastErr = rt.handleServerError(server.ID, model, err)

		if ctx.Err() != nil || attempt >= rt.config.MaxRetries || !rt.retryableOnSameServer(lastErr) {
			return lastErr
		}
		if rc != nil {
			rc.RetryCount++
		}

		delay := util.CalculateExponentialBackoff(attempt, rt.config.RetryDelay,
			rt.config.MaxRetryDelay, rt.config.BackoffMultiplier)
		if sleepErr := rt.sleepFn(ctx, delay); sleepErr != nil {
			return lastErr
		}
	}
}

// retryableOnSameServer implements the Phase 1 retry predicate: retryable
// kind or a status in the retryable set.
func (rt *Router) retryableOnSameServer(err error) bool {
	serr, ok := err.(*domain.ServerError)
	if !ok {
		return false
	}
	if serr.Kind == domain.ErrorKindRetryable {
		return true
	}
	for _, code := range rt.config.RetryableStatusCodes {
		if serr.StatusCode == code {
			return true
		}
	}
	return false
}

// handleServerError classifies one upstream failure, applies the per-kind
// side effects, and returns the wrapped error.
func (rt *Router) handleServerError(serverID, model string, err error) error {
	statusCode := 0
	if hs, ok := err.(interface{ HTTPStatus() int }); ok {
		statusCode = hs.HTTPStatus()
	}
	classification := rt.classifier.Classify(err.Error(), statusCode)

	serverCB := rt.breakers.GetOrCreate(domain.ServerBreakerKey(serverID))
	modelCB := rt.breakers.GetOrCreate(domain.ModelBreakerKey(serverID, model))

	if classification.CapabilityError {
		// the pair cannot serve this operation; remember it without breaking
		modelCB.RecordNonBreakingFailure(classification.Kind, err.Error())
		return wrapServerError(serverID, model, classification.Kind, statusCode, err)
	}

	modelCB.RecordFailure(classification.Kind, err.Error())

	switch classification.Kind {
	case domain.ErrorKindPermanent:
		rt.fleet.Ban(serverID, model, err.Error())
		rt.logger.WarnWithServer("permanently banned model on server", serverID,
			"model", model, "reason", err.Error())
		if matchesServerWide(err.Error()) {
			rt.fleet.MarkUnhealthy(serverID, err.Error())
			serverCB.ForceOpen(constants.BackoffPermanent)
		}

	case domain.ErrorKindNonRetryable:
		rt.fleet.MarkFailure(serverID, model)

	case domain.ErrorKindTransient:
		serverCB.RecordFailure(classification.Kind, err.Error())
		rt.fleet.MarkFailure(serverID, model)
		if rt.fleet.IncrementFailureCount(serverID) >= rt.config.TransientFailureMax {
			rt.fleet.MarkUnhealthy(serverID, err.Error())
		}

	case domain.ErrorKindRateLimited:
		// the model breaker recording above drives the adaptive backoff
	}

	return wrapServerError(serverID, model, classification.Kind, statusCode, err)
}

// RequestToServer is the single-server diagnostic path: no candidate
// selection, optional breaker bypass, penalties still enforced.
func (rt *Router) RequestToServer(ctx context.Context, serverID string,
	desc *domain.RequestDescriptor, op Op) error {

	server, err := rt.fleet.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if !server.Status.IsRoutable() {
		return domain.ErrNoHealthyServers
	}

	model := desc.Model
	if !server.HasModel(model, desc.Capability) {
		return domain.ErrModelNotFound
	}
	if rt.fleet.IsBanned(serverID, model) {
		return domain.ErrPermanentlyBanned
	}
	if rt.fleet.IsInCooldown(serverID, model) {
		return domain.ErrCooldown
	}
	if rt.fleet.GetInFlight(serverID, model) >= int64(server.MaxConcurrency) {
		return domain.ErrServerBusy
	}
	if !desc.Bypass {
		serverCB := rt.breakers.GetOrCreate(domain.ServerBreakerKey(serverID))
		modelCB := rt.breakers.GetOrCreate(domain.ModelBreakerKey(serverID, model))
		if !serverCB.CanExecute() || !modelCB.CanExecute() {
			return domain.ErrCircuitOpen
		}
	}

	return rt.attemptServer(ctx, server, desc, nil, op, desc.Bypass)
}

func wrapServerError(serverID, model string, kind domain.ErrorKind, statusCode int, err error) error {
	if serr, ok := err.(*domain.ServerError); ok {
		serr.Kind = kind
		return serr
	}
	return domain.NewServerError(serverID, model, kind, statusCode, err)
}

func kindOf(err error) domain.ErrorKind {
	if serr, ok := err.(*domain.ServerError); ok {
		return serr.Kind
	}
	return domain.ErrorKindRetryable
}

func matchesServerWide(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range serverWidePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
