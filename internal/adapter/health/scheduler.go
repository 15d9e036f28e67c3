package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/core/ports"
	"github.com/ollamux/ollamux/internal/logger"
)

// HealthChecker probes a single server.
type HealthChecker interface {
	Check(ctx context.Context, server *domain.Server) domain.HealthResult
}

// Fleet is the slice of the server registry the scheduler drives.
type Fleet interface {
	GetServers(ctx context.Context) []*domain.Server
	ApplyHealthResult(id string, result domain.HealthResult)
}

// SchedulerConfig holds scheduler tunables; zero values fall back to defaults.
type SchedulerConfig struct {
	Interval            time.Duration
	RecoveryInterval    time.Duration
	MaxConcurrentChecks int
	MainBatchPause      time.Duration
	RecoveryBatchPause  time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = constants.DefaultHealthInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = constants.DefaultRecoveryInterval
	}
	if c.MaxConcurrentChecks <= 0 {
		c.MaxConcurrentChecks = constants.DefaultMaxConcurrentChecks
	}
	if c.MainBatchPause <= 0 {
		c.MainBatchPause = constants.MainCheckBatchPause
	}
	if c.RecoveryBatchPause <= 0 {
		c.RecoveryBatchPause = constants.RecoveryCheckBatchPause
	}
	return c
}

// Scheduler runs two independent loops: the main loop checks every server at
// a steady interval, the recovery loop re-probes unhealthy servers on its own
// cadence so a recovering fleet is noticed between main ticks. Servers are
// checked in batches of MaxConcurrentChecks with a short pause between
// batches to avoid a probe stampede.
type Scheduler struct {
	config   SchedulerConfig
	checker  HealthChecker
	fleet    Fleet
	onActive ports.ActiveTestRunner
	logger   *logger.StyledLogger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig, checker HealthChecker, fleet Fleet,
	onActive ports.ActiveTestRunner, log *logger.StyledLogger) *Scheduler {
	return &Scheduler{
		config:   cfg.withDefaults(),
		checker:  checker,
		fleet:    fleet,
		onActive: onActive,
		logger:   log,
	}
}

// Start launches the main and recovery loops. Safe to call once; a second
// call while running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.wg.Add(2)
	go s.mainLoop(ctx)
	go s.recoveryLoop(ctx)

	s.logger.Info("health scheduler started",
		"interval", s.config.Interval,
		"recovery_interval", s.config.RecoveryInterval,
		"max_concurrent", s.config.MaxConcurrentChecks)
}

// Stop halts both loops and waits for in-flight checks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("health scheduler stopped")
}

// CheckAll forces an immediate main-cycle pass over every server.
func (s *Scheduler) CheckAll(ctx context.Context) {
	s.runCycle(ctx, nil, s.fleet.GetServers(ctx), s.config.MainBatchPause)
}

func (s *Scheduler) mainLoop(ctx context.Context) {
	defer s.wg.Done()

	stop := s.stopCh
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// first pass immediately so startup does not wait a full interval
	s.runCycle(ctx, stop, s.fleet.GetServers(ctx), s.config.MainBatchPause)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.runCycle(ctx, stop, s.fleet.GetServers(ctx), s.config.MainBatchPause)
		}
	}
}

func (s *Scheduler) recoveryLoop(ctx context.Context) {
	defer s.wg.Done()

	stop := s.stopCh
	ticker := time.NewTicker(s.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			var unhealthy []*domain.Server
			for _, server := range s.fleet.GetServers(ctx) {
				if server.Status == domain.StatusUnhealthy {
					unhealthy = append(unhealthy, server)
				}
			}
			s.runCycle(ctx, stop, unhealthy, s.config.RecoveryBatchPause)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, stop <-chan struct{}, servers []*domain.Server, pause time.Duration) {
	for start := 0; start < len(servers); start += s.config.MaxConcurrentChecks {
		end := start + s.config.MaxConcurrentChecks
		if end > len(servers) {
			end = len(servers)
		}

		g, batchCtx := errgroup.WithContext(ctx)
		for _, server := range servers[start:end] {
			g.Go(func() error {
				s.checkServer(batchCtx, server)
				return nil
			})
		}
		_ = g.Wait()

		if end < len(servers) {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(pause):
			}
		}
	}
}

func (s *Scheduler) checkServer(ctx context.Context, server *domain.Server) {
	result := s.checker.Check(ctx, server)
	s.fleet.ApplyHealthResult(server.ID, result)

	if !result.Healthy {
		s.logger.WarnWithServer("health check failed", server.ID,
			"latency", result.Latency, "error", result.Err)
		return
	}

	if s.onActive != nil {
		s.onActive(ctx, server.ID)
	}
}
