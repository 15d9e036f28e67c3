// Package orchestrator wires the proxy's components into one facade: breaker
// registry and persistence, server registry, failover router, priority queue,
// recovery coordinator, health scheduling, tags aggregation and metrics. The
// HTTP layer talks only to this package.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ollamux/ollamux/internal/adapter/breaker"
	"github.com/ollamux/ollamux/internal/adapter/health"
	"github.com/ollamux/ollamux/internal/adapter/metrics"
	"github.com/ollamux/ollamux/internal/adapter/queue"
	"github.com/ollamux/ollamux/internal/adapter/recovery"
	"github.com/ollamux/ollamux/internal/adapter/registry"
	"github.com/ollamux/ollamux/internal/adapter/router"
	"github.com/ollamux/ollamux/internal/adapter/stats"
	"github.com/ollamux/ollamux/internal/adapter/tags"
	"github.com/ollamux/ollamux/internal/config"
	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/env"
	"github.com/ollamux/ollamux/internal/logger"
	"github.com/ollamux/ollamux/pkg/eventbus"
)

// Environment switches honoured at startup, overriding file configuration.
const (
	EnvEnablePersistence  = "ORCHESTRATOR_ENABLE_PERSISTENCE"
	EnvHealthCheckEnabled = "ORCHESTRATOR_HEALTH_CHECK_ENABLED"
)

// drainPollInterval is how often Drain and Shutdown re-check the queue and
// in-flight counters while waiting for them to empty.
const drainPollInterval = 50 * time.Millisecond

// Op is the upstream call executed against the server the router selects.
type Op = router.Op

// Upstream is the south-bound client surface the orchestrator needs: recovery
// probes and tags fan-out. The app layer provides the real HTTP client.
type Upstream interface {
	recovery.Prober
	tags.Fetcher
}

// BreakerEvent is published on the event bus for every breaker transition.
type BreakerEvent struct {
	Key  domain.BreakerKey `json:"key"`
	From string            `json:"from"`
	To   string            `json:"to"`
	At   time.Time         `json:"at"`
}

// Options collects the orchestrator's constructor dependencies.
type Options struct {
	Config       *config.Config
	Upstream     Upstream
	HealthClient *http.Client
	Logger       *logger.StyledLogger
}

// Orchestrator owns every long-lived component and their lifecycles. It is a
// constructed facade; callers hold the instance, there is no package-level
// singleton.
type Orchestrator struct {
	config *config.Config
	logger *logger.StyledLogger

	breakers  *breaker.Registry
	persister *breaker.Persister
	servers   *registry.ServerRegistry
	stats     *stats.Collector
	router    *router.Router
	queue     *queue.PriorityQueue
	recovery  *recovery.Coordinator
	scheduler *health.Scheduler
	tester    *health.ActiveTester
	tags      *tags.Aggregator
	metrics   *metrics.Registry
	events    *eventbus.Bus[BreakerEvent]

	persistenceOn bool
	healthOn      bool

	mu          sync.Mutex
	waiters     map[string]chan error
	initialized bool
	stopped     bool
}

// New builds the full component graph without starting any background work.
// Call Initialize to restore persisted state and launch the schedulers.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	if opts.Upstream == nil {
		return nil, fmt.Errorf("orchestrator: upstream client is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}
	cfg := opts.Config

	o := &Orchestrator{
		config:  cfg,
		logger:  opts.Logger,
		metrics: metrics.New(),
		events:  eventbus.New[BreakerEvent](),
		waiters: make(map[string]chan error),
		persistenceOn: env.GetEnvBoolOrDefault(EnvEnablePersistence,
			cfg.Persistence.Enabled),
		healthOn: env.GetEnvBoolOrDefault(EnvHealthCheckEnabled,
			cfg.Health.Enabled),
	}

	o.breakers = breaker.NewRegistry(breaker.Config{
		BaseFailureThreshold:     cfg.Breaker.BaseFailureThreshold,
		MinFailureThreshold:      cfg.Breaker.MinFailureThreshold,
		MaxFailureThreshold:      cfg.Breaker.MaxFailureThreshold,
		ThresholdAdjustment:      cfg.Breaker.ThresholdAdjustment,
		ErrorRateThreshold:       cfg.Breaker.ErrorRateThreshold,
		ErrorRateAlpha:           cfg.Breaker.ErrorRateAlpha,
		OpenTimeout:              cfg.Breaker.OpenTimeout,
		RecoverySuccessThreshold: cfg.Breaker.RecoverySuccessThreshold,
		WindowDuration:           cfg.Breaker.WindowDuration,
		WindowMaxEntries:         cfg.Breaker.WindowMaxEntries,
	})
	o.breakers.Subscribe(func(key domain.BreakerKey, from, to breaker.State) {
		o.metrics.SetBreakerState(key, string(to))
		o.events.Publish(BreakerEvent{Key: key, From: string(from), To: string(to), At: time.Now()})
	})

	if o.persistenceOn {
		path := cfg.Persistence.Path
		if path == "" {
			path = constants.DefaultPersistencePath
		}
		debounce := cfg.Persistence.Debounce
		if debounce <= 0 {
			debounce = constants.DefaultPersistenceDebounce
		}
		backups := cfg.Persistence.Backups
		if backups < 0 {
			backups = constants.DefaultPersistenceBackups
		}
		o.persister = breaker.NewPersister(o.breakers, path, debounce, backups, o.logger)
	}

	o.servers = registry.NewServerRegistry(cfg.Routing.CooldownDuration, o.breakers, o.logger)
	o.stats = stats.NewCollector()

	classifier := breaker.NewClassifier(cfg.Breaker.NonRetryablePatterns,
		cfg.Breaker.PermanentPatterns, cfg.Breaker.TransientPatterns)

	o.router = router.New(router.Config{
		Weights: router.Weights{
			Latency:     cfg.Routing.Weights.Latency,
			SuccessRate: cfg.Routing.Weights.SuccessRate,
			Load:        cfg.Routing.Weights.Load,
			Capacity:    cfg.Routing.Weights.Capacity,
		},
		MaxRetries:           cfg.Routing.MaxRetries,
		RetryDelay:           cfg.Routing.RetryDelay,
		MaxRetryDelay:        cfg.Routing.MaxRetryDelay,
		BackoffMultiplier:    cfg.Routing.BackoffMultiplier,
		RetryableStatusCodes: cfg.Routing.RetryableStatusCodes,
		TransientFailureMax:  cfg.Routing.TransientFailureMax,
	}, o.servers, o.breakers, classifier, o.stats, o.logger)

	o.queue = queue.NewPriorityQueue(queue.Config{
		MaxSize:               cfg.Queue.MaxSize,
		MaxPriority:           cfg.Queue.MaxPriority,
		PriorityBoostAmount:   cfg.Queue.PriorityBoostAmount,
		PriorityBoostInterval: cfg.Queue.PriorityBoostInterval,
	})

	o.recovery = recovery.NewCoordinator(recovery.Config{
		ServerCooldown:         cfg.Recovery.ServerCooldown,
		MaxWaitForInFlight:     cfg.Recovery.MaxWaitForInFlight,
		ModelTestTimeout:       cfg.Recovery.ModelTestTimeout,
		MaxQueueSizePerServer:  cfg.Recovery.MaxQueueSizePerServer,
		MaxConcurrentPerServer: cfg.Recovery.MaxConcurrentPerServer,
		CheckInFlightRequests:  cfg.Recovery.CheckInFlightRequests,
		ProbeMetricsCap:        cfg.Recovery.ProbeMetricsCap,
	}, o.breakers, o.servers, o.servers, opts.Upstream, o.logger)

	o.tester = health.NewActiveTester(health.ActiveTestConfig{},
		o.breakers, o.servers, o.stats, o.activeProbe(opts.Upstream), o.logger)

	checker := health.NewChecker(health.CheckerConfig{
		CheckTimeout:      cfg.Health.CheckTimeout,
		RetryAttempts:     cfg.Health.RetryAttempts,
		RetryDelay:        cfg.Health.RetryDelay,
		BackoffMultiplier: cfg.Health.BackoffMultiplier,
	}, opts.HealthClient, o.logger)

	o.scheduler = health.NewScheduler(health.SchedulerConfig{
		Interval:            cfg.Health.Interval,
		RecoveryInterval:    cfg.Health.RecoveryInterval,
		MaxConcurrentChecks: cfg.Health.MaxConcurrentChecks,
	}, checker, healthFleet{o}, o.runActiveTests, o.logger)

	o.tags = tags.NewAggregator(tags.Config{
		CacheTTL:     cfg.Tags.CacheTTL,
		FanoutLimit:  cfg.Tags.FanoutLimit,
		BatchDelay:   cfg.Tags.BatchDelay,
		ProbeTimeout: cfg.Tags.ProbeTimeout,
	}, o.servers, o.breakers, opts.Upstream, o.logger)

	o.servers.SetOnServersChange(o.tags.Invalidate)
	o.servers.SetOnServerHealthy(func(string) { o.tags.Invalidate() })

	return o, nil
}

// activeProbe adapts the upstream prober to the active tester: embedding
// models get the embeddings probe, everything else the generate probe.
func (o *Orchestrator) activeProbe(upstream Upstream) func(ctx context.Context, server *domain.Server, model string) error {
	return func(ctx context.Context, server *domain.Server, model string) error {
		if cb, ok := o.breakers.Get(domain.ModelBreakerKey(server.ID, model)); ok &&
			cb.ModelType() == domain.ModelTypeEmbedding {
			return upstream.ProbeEmbeddings(ctx, server, model)
		}
		return upstream.ProbeGenerate(ctx, server, model)
	}
}

// healthFleet routes scheduler callbacks through the registry and keeps the
// per-server health gauge current.
type healthFleet struct{ o *Orchestrator }

func (f healthFleet) GetServers(ctx context.Context) []*domain.Server {
	return f.o.servers.GetServers(ctx)
}

func (f healthFleet) ApplyHealthResult(id string, result domain.HealthResult) {
	f.o.servers.ApplyHealthResult(id, result)
	f.o.metrics.SetServerHealth(id, result.Healthy)
}

// runActiveTests is invoked by the health scheduler after a successful server
// check: queue a server-level recovery probe when that breaker is not closed,
// drain the server's pending recovery tests, then probe due half-open model
// breakers.
func (o *Orchestrator) runActiveTests(ctx context.Context, serverID string) {
	serverKey := domain.ServerBreakerKey(serverID)
	if cb, ok := o.breakers.Get(serverKey); ok && cb.State() != breaker.StateClosed {
		if err := o.recovery.RequestTest(serverKey); err != nil &&
			!errors.Is(err, recovery.ErrAlreadyQueued) {
			o.logger.WarnWithBreaker("could not queue server recovery test", serverKey, "error", err)
		}
	}
	o.recovery.RunPendingTests(ctx, serverID)
	o.tester.RunForServer(ctx, serverID)
}

// Initialize registers statically configured servers, restores persisted
// breaker state and starts the background schedulers.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = true
	o.mu.Unlock()

	for _, entry := range o.config.Servers {
		server := &domain.Server{
			ID:             entry.ID,
			URL:            entry.URL,
			BearerToken:    entry.BearerToken,
			MaxConcurrency: entry.MaxConcurrency,
			SupportsOllama: entry.SupportsOllama,
			SupportsV1:     entry.SupportsV1,
		}
		if err := o.servers.AddServer(server); err != nil {
			o.logger.Error("skipping configured server", "id", entry.ID, "error", err)
		}
	}

	if o.persister != nil {
		if err := o.persister.Restore(); err != nil {
			o.logger.Error("could not restore circuit breaker state", "error", err)
		}
		o.persister.Start(ctx)
	}
	if o.healthOn {
		o.scheduler.Start(ctx)
	} else {
		o.logger.Warn("health checking disabled, servers stay in their configured state")
	}
	return nil
}

// Shutdown stops the schedulers, drains in-flight work until the context
// expires, then flushes persistence and closes the event bus. Queued requests
// are rejected with a cleared error.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	o.scheduler.Stop()
	o.recovery.ClearAllQueues()
	o.queue.Shutdown()

	err := o.waitForIdle(ctx, func() bool { return o.totalInFlight(ctx) == 0 })
	if err != nil {
		o.logger.Warn("shutdown proceeding with requests still in flight",
			"in_flight", o.totalInFlight(ctx))
	}

	if o.persister != nil {
		o.persister.Stop()
	}
	o.events.Shutdown()
	o.logger.Info("orchestrator stopped")
	return err
}

// Drain marks every owned server draining so candidate selection excludes
// them, then waits for the queue and in-flight counters to reach zero or the
// timeout to pass.
func (o *Orchestrator) Drain(ctx context.Context, timeout time.Duration) error {
	draining := true
	for _, server := range o.servers.GetServers(ctx) {
		if err := o.servers.UpdateServer(server.ID, nil, &draining, nil); err != nil {
			o.logger.WarnWithServer("could not mark server draining", server.ID, "error", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.waitForIdle(drainCtx, func() bool {
		return o.queue.Size() == 0 && o.totalInFlight(ctx) == 0
	})
}

func (o *Orchestrator) waitForIdle(ctx context.Context, idle func() bool) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) totalInFlight(ctx context.Context) int64 {
	var total int64
	for _, server := range o.servers.GetServers(ctx) {
		total += o.servers.GetTotalInFlight(server.ID)
	}
	return total
}

// TryRequestWithFailover resolves the model, applies queue backpressure when
// the fleet is saturated, and runs op through the router's failover policy.
func (o *Orchestrator) TryRequestWithFailover(ctx context.Context, desc *domain.RequestDescriptor,
	rc *domain.RoutingContext, op Op) error {

	desc.Model = o.servers.ResolveModel(desc.Model)

	if err := o.admit(ctx, desc); err != nil {
		return err
	}
	defer o.dispatchQueued(ctx)

	start := time.Now()
	err := o.router.TryRequestWithFailover(ctx, desc, rc, op)
	o.observeOutcome(ctx, desc, rc, err, time.Since(start))
	return err
}

// RequestToServer is the single-server diagnostic path.
func (o *Orchestrator) RequestToServer(ctx context.Context, serverID string,
	desc *domain.RequestDescriptor, op Op) error {

	desc.Model = o.servers.ResolveModel(desc.Model)
	start := time.Now()
	err := o.router.RequestToServer(ctx, serverID, desc, op)
	o.observeOutcome(ctx, desc, nil, err, time.Since(start))
	return err
}

// Candidates exposes the router's scored candidate list for status endpoints.
func (o *Orchestrator) Candidates(ctx context.Context, model string, capability domain.Capability) []domain.Candidate {
	return o.router.Candidates(ctx, o.servers.ResolveModel(model), capability, false)
}

// admit applies backpressure: when every routable server is at its
// concurrency limit the request waits in the priority queue until a slot
// frees, its deadline passes, or the caller goes away.
func (o *Orchestrator) admit(ctx context.Context, desc *domain.RequestDescriptor) error {
	if !o.atCapacity(ctx) {
		return nil
	}

	ready := make(chan error, 1)
	o.mu.Lock()
	o.waiters[desc.ID] = ready
	o.mu.Unlock()

	item := &queue.Item{
		ID:       desc.ID,
		Model:    desc.Model,
		ClientID: desc.ClientID,
		Priority: desc.Priority,
		Deadline: desc.Deadline,
		OnReject: func(err error) {
			select {
			case ready <- err:
			default:
			}
		},
	}
	if err := o.queue.Enqueue(item); err != nil {
		o.dropWaiter(desc.ID)
		o.metrics.RecordQueueRejection(rejectionReason(err))
		return err
	}
	o.metrics.SetQueueDepth(o.queue.Size())

	select {
	case err := <-ready:
		o.dropWaiter(desc.ID)
		o.metrics.SetQueueDepth(o.queue.Size())
		if err != nil {
			o.metrics.RecordQueueRejection(rejectionReason(err))
		}
		return err
	case <-ctx.Done():
		// the queued item is left behind; deadline expiry or a clear will
		// evict it, and a dequeue finds no waiter to wake
		o.dropWaiter(desc.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ErrDeadlineExceeded
		}
		return domain.ErrAborted
	}
}

// dispatchQueued wakes the next queued waiter when capacity has freed up. One
// waiter per call; each completing request calls this again.
func (o *Orchestrator) dispatchQueued(ctx context.Context) {
	if o.atCapacity(ctx) {
		return
	}
	if item := o.queue.TryDequeue(); item != nil {
		o.wakeWaiter(item.ID)
	}
	o.metrics.SetQueueDepth(o.queue.Size())
}

func (o *Orchestrator) atCapacity(ctx context.Context) bool {
	var inFlight, capacity int64
	for _, server := range o.servers.GetServers(ctx) {
		if !server.Status.IsRoutable() || server.Draining || server.Maintenance {
			continue
		}
		capacity += int64(server.MaxConcurrency)
		inFlight += o.servers.GetTotalInFlight(server.ID)
	}
	return capacity > 0 && inFlight >= capacity
}

func (o *Orchestrator) wakeWaiter(id string) {
	o.mu.Lock()
	ready, ok := o.waiters[id]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ready <- nil:
	default:
	}
}

func (o *Orchestrator) dropWaiter(id string) {
	o.mu.Lock()
	delete(o.waiters, id)
	o.mu.Unlock()
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		return "full"
	case errors.Is(err, domain.ErrQueuePaused):
		return "paused"
	case errors.Is(err, domain.ErrDeadlineExceeded):
		return "deadline"
	case errors.Is(err, domain.ErrQueueCleared):
		return "cleared"
	default:
		return "other"
	}
}

func (o *Orchestrator) observeOutcome(ctx context.Context, desc *domain.RequestDescriptor,
	rc *domain.RoutingContext, err error, dur time.Duration) {

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.metrics.RecordModelRequest(desc.Model, outcome)

	var failover *domain.FailoverError
	if errors.As(err, &failover) {
		o.metrics.RecordFailoverExhausted(desc.Model)
	}

	if rc != nil && rc.SelectedServerID != "" {
		o.metrics.ObserveUpstreamAttempt(rc.SelectedServerID, outcome, dur)
		o.metrics.SetInFlight(rc.SelectedServerID, o.servers.GetTotalInFlight(rc.SelectedServerID))
	}
}

// Read-side surfaces.

func (o *Orchestrator) AggregatedTags(ctx context.Context) []domain.ModelInfo {
	return o.tags.AggregatedTags(ctx)
}

func (o *Orchestrator) AggregatedOpenAIModels(ctx context.Context) []tags.OpenAIModel {
	return o.tags.AggregatedOpenAIModels(ctx)
}

func (o *Orchestrator) InvalidateTags() {
	o.tags.Invalidate()
}

func (o *Orchestrator) Metrics() *metrics.Registry {
	return o.metrics
}

// Events returns the breaker transition bus; subscribers see every state
// change published after they subscribe.
func (o *Orchestrator) Events() *eventbus.Bus[BreakerEvent] {
	return o.events
}

// Server admin.

func (o *Orchestrator) AddServer(server *domain.Server) error {
	if err := o.servers.AddServer(server); err != nil {
		return err
	}
	o.metrics.SetServerHealth(server.ID, false)
	return nil
}

func (o *Orchestrator) RemoveServer(id string) error {
	if err := o.servers.RemoveServer(id); err != nil {
		return err
	}
	o.stats.Remove(id)
	o.tester.Forget(id)
	o.metrics.RemoveServer(id)
	return nil
}

func (o *Orchestrator) UpdateServer(id string, maxConcurrency *int, draining, maintenance *bool) error {
	return o.servers.UpdateServer(id, maxConcurrency, draining, maintenance)
}

func (o *Orchestrator) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	return o.servers.GetServer(ctx, id)
}

func (o *Orchestrator) GetServers(ctx context.Context) []*domain.Server {
	return o.servers.GetServers(ctx)
}

func (o *Orchestrator) ModelMap() map[string][]string {
	return o.servers.GetModelMap()
}

func (o *Orchestrator) AllModels() []string {
	return o.servers.GetAllModels()
}

func (o *Orchestrator) CurrentModelList() []string {
	return o.servers.GetCurrentModelList()
}

func (o *Orchestrator) InFlightBreakdown(serverID string) map[string]registry.InFlightCounts {
	return o.servers.InFlightBreakdown(serverID)
}

// ServerPerformance returns the rolling p95 latency and success rate for one server.
func (o *Orchestrator) ServerPerformance(serverID string) (time.Duration, float64) {
	return o.stats.P95Latency(serverID), o.stats.SuccessRate(serverID)
}

func (o *Orchestrator) ServerInFlight(serverID string) int64 {
	return o.servers.GetTotalInFlight(serverID)
}

// CheckServersNow forces one full health pass, used by the admin surface and
// right after startup when a caller wants health before the first tick.
func (o *Orchestrator) CheckServersNow(ctx context.Context) {
	o.scheduler.CheckAll(ctx)
}

// Breaker admin.

// ForceBreakerState pushes a breaker into the given state. Forcing closed
// also cancels any recovery probe outstanding against the breaker.
func (o *Orchestrator) ForceBreakerState(key domain.BreakerKey, state breaker.State) error {
	if !state.Valid() {
		return &domain.ValidationError{Field: "state", Value: string(state),
			Reason: "must be closed, open or half-open"}
	}
	cb := o.breakers.GetOrCreate(key)
	switch state {
	case breaker.StateOpen:
		cb.ForceOpen(0)
	case breaker.StateHalfOpen:
		cb.ForceHalfOpen()
	case breaker.StateClosed:
		if err := o.recovery.CancelTest(key); err != nil && !errors.Is(err, recovery.ErrNoSuchTest) {
			o.logger.WarnWithBreaker("could not cancel recovery test", key, "error", err)
		}
		cb.ForceClose()
	}
	return nil
}

func (o *Orchestrator) ResetBreaker(key domain.BreakerKey) error {
	cb, ok := o.breakers.Get(key)
	if !ok {
		return fmt.Errorf("no breaker %s", key)
	}
	cb.Reset()
	return nil
}

func (o *Orchestrator) ResetAllBreakers() {
	o.breakers.ResetAll()
}

func (o *Orchestrator) BreakerStats() map[string]breaker.Stats {
	return o.breakers.AllStats()
}

func (o *Orchestrator) BreakerStatsFor(key domain.BreakerKey) (breaker.Stats, bool) {
	cb, ok := o.breakers.Get(key)
	if !ok {
		return breaker.Stats{}, false
	}
	return cb.Stats(), true
}

// Ban admin.

func (o *Orchestrator) BanDetails() []registry.BanDetail {
	return o.servers.GetBanDetails()
}

func (o *Orchestrator) Unban(serverID, model string) bool {
	return o.servers.Unban(serverID, model)
}

func (o *Orchestrator) UnbanServer(serverID string) int {
	return o.servers.UnbanServer(serverID)
}

func (o *Orchestrator) UnbanModel(model string) int {
	return o.servers.UnbanModel(model)
}

func (o *Orchestrator) ClearAllBans() int {
	return o.servers.ClearAllBans()
}

// Queue admin.

func (o *Orchestrator) PauseQueue()  { o.queue.Pause() }
func (o *Orchestrator) ResumeQueue() { o.queue.Resume() }

func (o *Orchestrator) ClearQueue() int {
	cleared := o.queue.Clear()
	o.metrics.SetQueueDepth(0)
	return cleared
}

func (o *Orchestrator) QueueStats() queue.Stats {
	return o.queue.Stats()
}

func (o *Orchestrator) QueueItems() []queue.ItemView {
	return o.queue.AllItems()
}

func (o *Orchestrator) QueueRequestsByModel(model string) []queue.ItemView {
	return o.queue.RequestsByModel(model)
}

// UpdateQueueConfig validates and applies new queue tunables.
func (o *Orchestrator) UpdateQueueConfig(cfg queue.Config) error {
	if cfg.MaxSize < constants.QueueMaxSizeFloor || cfg.MaxSize > constants.QueueMaxSizeCeil {
		return &domain.ValidationError{Field: "maxSize", Value: cfg.MaxSize,
			Reason: fmt.Sprintf("must be within [%d, %d]",
				constants.QueueMaxSizeFloor, constants.QueueMaxSizeCeil)}
	}
	o.queue.UpdateConfig(cfg)
	return nil
}

// Recovery admin.

func (o *Orchestrator) RequestRecoveryTest(key domain.BreakerKey) error {
	return o.recovery.RequestTest(key)
}

func (o *Orchestrator) CancelRecoveryTest(key domain.BreakerKey) error {
	return o.recovery.CancelTest(key)
}

func (o *Orchestrator) RecoveryQueueDepth(serverID string) int {
	return o.recovery.QueueDepth(serverID)
}

func (o *Orchestrator) RecoveryMetrics() []recovery.ProbeResult {
	return o.recovery.Metrics()
}
