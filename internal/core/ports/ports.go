package ports

import (
	"context"
	"time"

	"github.com/ollamux/ollamux/internal/core/domain"
)

// ServerReader is the narrow view of the server registry handed to
// subordinate components (recovery coordinator, tags aggregator, health
// scheduler) so they never hold a reference back to the orchestrator.
type ServerReader interface {
	GetServer(ctx context.Context, id string) (*domain.Server, error)
	GetServers(ctx context.Context) []*domain.Server
}

// InFlightTracker tracks per-(server, model) request counts. Regular and
// bypass traffic are recorded separately; callers must balance every
// Increment with exactly one Decrement on all exit paths.
type InFlightTracker interface {
	IncrementInFlight(serverID, model string, bypass bool)
	DecrementInFlight(serverID, model string, bypass bool)
	GetInFlight(serverID, model string) int64
	GetTotalInFlight(serverID string) int64
}

// ServerStats feeds the router's weighted scoring.
type ServerStats interface {
	RecordRequest(serverID string, success bool, latency time.Duration)
	P95Latency(serverID string) time.Duration
	SuccessRate(serverID string) float64
}

// BreakerAdmitter is the slice of the breaker registry the router needs.
type BreakerAdmitter interface {
	CanExecute(key domain.BreakerKey) bool
	StateOf(key domain.BreakerKey) string
}

// ActiveTestRunner is invoked by the health scheduler after a successful
// check so half-open model breakers on that server get probed.
type ActiveTestRunner func(ctx context.Context, serverID string)

// ProbeFunc issues one upstream recovery probe and returns its error, if any.
type ProbeFunc func(ctx context.Context, server *domain.Server, model string) error
