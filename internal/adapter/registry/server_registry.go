package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/logger"
)

// BreakerPruner is the slice of the breaker registry the server registry
// needs when a server is removed.
type BreakerPruner interface {
	RemoveByPrefix(prefix string) int
}

// ServerRegistry holds the fleet: server definitions and health, in-flight
// accounting, cooldowns and permanent bans. Server reads return clones so
// callers never share mutable state with the registry.
type ServerRegistry struct {
	mu        sync.RWMutex
	servers   map[string]*domain.Server
	cooldowns map[pairKey]time.Time
	bans      map[pairKey]BanDetail

	inflight *inFlightTracker

	breakers        BreakerPruner
	cooldownFor     time.Duration
	onServersChange func()
	onServerHealthy func(serverID string)
	logger          *logger.StyledLogger

	nowFn func() time.Time
}

type pairKey struct {
	ServerID string
	Model    string
}

// BanDetail records why and when a (server, model) pair was permanently
// banned.
type BanDetail struct {
	ServerID string    `json:"serverId"`
	Model    string    `json:"model"`
	Reason   string    `json:"reason"`
	BannedAt time.Time `json:"bannedAt"`
}

func NewServerRegistry(cooldown time.Duration, breakers BreakerPruner, log *logger.StyledLogger) *ServerRegistry {
	if cooldown <= 0 {
		cooldown = constants.DefaultCooldownDuration
	}
	return &ServerRegistry{
		servers:     make(map[string]*domain.Server),
		cooldowns:   make(map[pairKey]time.Time),
		bans:        make(map[pairKey]BanDetail),
		inflight:    newInFlightTracker(),
		breakers:    breakers,
		cooldownFor: cooldown,
		logger:      log,
		nowFn:       time.Now,
	}
}

// SetOnServersChange registers the tags-cache invalidation hook, fired on
// add, remove and update.
func (r *ServerRegistry) SetOnServersChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onServersChange = fn
}

// SetOnServerHealthy registers a hook fired when a server flips from
// unhealthy or unknown to healthy.
func (r *ServerRegistry) SetOnServerHealthy(fn func(serverID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onServerHealthy = fn
}

// AddServer validates and admits a new backend. Duplicate ids and urls are
// rejected. New servers start with unknown health until the first check.
func (r *ServerRegistry) AddServer(server *domain.Server) error {
	if server.MaxConcurrency == 0 {
		server.MaxConcurrency = domain.DefaultConcurrency
	}
	if err := domain.ValidateServer(server); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.servers[server.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("server %s already registered", server.ID)
	}
	for _, existing := range r.servers {
		if existing.URL == server.URL {
			r.mu.Unlock()
			return fmt.Errorf("url %s already registered as server %s", server.URL, existing.ID)
		}
	}

	admitted := server.Clone()
	if admitted.Status == "" {
		admitted.Status = domain.StatusUnknown
	}
	r.servers[server.ID] = admitted
	changed := r.onServersChange
	r.mu.Unlock()

	r.logger.InfoWithServer("registered server", server.ID, "url", server.URL)
	if changed != nil {
		changed()
	}
	return nil
}

// RemoveServer drops a backend and every piece of state keyed by it:
// breakers, cooldowns, bans and in-flight counters.
func (r *ServerRegistry) RemoveServer(id string) error {
	r.mu.Lock()
	if _, ok := r.servers[id]; !ok {
		r.mu.Unlock()
		return domain.ErrServerNotFound
	}
	delete(r.servers, id)
	for key := range r.cooldowns {
		if key.ServerID == id {
			delete(r.cooldowns, key)
		}
	}
	for key := range r.bans {
		if key.ServerID == id {
			delete(r.bans, key)
		}
	}
	changed := r.onServersChange
	r.mu.Unlock()

	r.inflight.dropServer(id)
	if r.breakers != nil {
		pruned := r.breakers.RemoveByPrefix(id)
		r.logger.InfoWithServer("removed server", id, "breakers_pruned", pruned)
	}
	if changed != nil {
		changed()
	}
	return nil
}

// UpdateServer patches mutable server fields, currently maxConcurrency and
// the draining/maintenance flags.
func (r *ServerRegistry) UpdateServer(id string, maxConcurrency *int, draining, maintenance *bool) error {
	r.mu.Lock()
	server, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrServerNotFound
	}
	if maxConcurrency != nil {
		if *maxConcurrency < domain.MinMaxConcurrency || *maxConcurrency > domain.MaxMaxConcurrency {
			r.mu.Unlock()
			return &domain.ValidationError{
				Field: "maxConcurrency", Value: *maxConcurrency,
				Reason: fmt.Sprintf("must be within [%d, %d]", domain.MinMaxConcurrency, domain.MaxMaxConcurrency),
			}
		}
		server.MaxConcurrency = *maxConcurrency
	}
	if draining != nil {
		server.Draining = *draining
	}
	if maintenance != nil {
		server.Maintenance = *maintenance
	}
	changed := r.onServersChange
	r.mu.Unlock()

	if changed != nil {
		changed()
	}
	return nil
}

// GetServer returns a clone of one server.
func (r *ServerRegistry) GetServer(_ context.Context, id string) (*domain.Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	server, ok := r.servers[id]
	if !ok {
		return nil, domain.ErrServerNotFound
	}
	return server.Clone(), nil
}

// GetServers returns clones of every server, sorted by id for stable output.
func (r *ServerRegistry) GetServers(_ context.Context) []*domain.Server {
	r.mu.RLock()
	out := make([]*domain.Server, 0, len(r.servers))
	for _, server := range r.servers {
		out = append(out, server.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyHealthResult updates a server with the outcome of a health check and
// fires the healthy hook on an unhealthy-to-healthy flip.
func (r *ServerRegistry) ApplyHealthResult(id string, result domain.HealthResult) {
	r.mu.Lock()
	server, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	wasRoutable := server.Status.IsRoutable()
	if result.Healthy {
		server.Status = domain.StatusHealthy
		server.FailureCount = 0
		server.Models = result.OllamaModels
		server.V1Models = result.V1Models
		server.LoadedModels = result.LoadedModels
		server.TotalVRAMUsed = result.TotalVRAMUsed
	} else {
		server.Status = domain.StatusUnhealthy
		server.FailureCount++
	}
	server.LastChecked = r.nowFn()
	server.LastLatency = result.Latency

	becameHealthy := !wasRoutable && server.Status.IsRoutable()
	healthyHook := r.onServerHealthy
	r.mu.Unlock()

	if becameHealthy && healthyHook != nil {
		healthyHook(id)
	}
}

// MarkUnhealthy force-flips a server, used by the router on server-wide
// permanent errors.
func (r *ServerRegistry) MarkUnhealthy(id string, reason string) {
	r.mu.Lock()
	server, ok := r.servers[id]
	if ok {
		server.Status = domain.StatusUnhealthy
		server.FailureCount++
	}
	r.mu.Unlock()
	if ok {
		r.logger.WarnWithServer("marked server unhealthy", id, "reason", reason)
	}
}

// IncrementFailureCount bumps the transient failure counter and reports the
// new value.
func (r *ServerRegistry) IncrementFailureCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	server, ok := r.servers[id]
	if !ok {
		return 0
	}
	server.FailureCount++
	return server.FailureCount
}

// GetModelMap maps each Ollama model to the healthy servers advertising it.
func (r *ServerRegistry) GetModelMap() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string)
	for _, server := range r.servers {
		if !server.Status.IsRoutable() {
			continue
		}
		for _, model := range server.Models {
			out[model] = append(out[model], server.ID)
		}
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

// GetAllModels returns the unique models across healthy servers.
func (r *ServerRegistry) GetAllModels() []string {
	modelMap := r.GetModelMap()
	out := make([]string, 0, len(modelMap))
	for model := range modelMap {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}

// GetCurrentModelList is the union of advertised models regardless of server
// health, for admin visibility.
func (r *ServerRegistry) GetCurrentModelList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, server := range r.servers {
		for _, model := range server.Models {
			seen[model] = struct{}{}
		}
		for _, model := range server.V1Models {
			seen[model] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for model := range seen {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}

// ResolveModel maps a bare model name to its advertised form: an exact match
// wins, else "name" resolves to "name:latest" when some server advertises it.
func (r *ServerRegistry) ResolveModel(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	known := func(candidate string) bool {
		for _, server := range r.servers {
			for _, model := range server.Models {
				if model == candidate {
					return true
				}
			}
		}
		return false
	}
	return domain.ResolveModelName(name, known)
}

// MarkFailure puts a (server, model) pair in cooldown.
func (r *ServerRegistry) MarkFailure(serverID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns[pairKey{serverID, model}] = r.nowFn().Add(r.cooldownFor)
}

// IsInCooldown reports whether a pair is still cooling down. Expired entries
// are dropped on read.
func (r *ServerRegistry) IsInCooldown(serverID, model string) bool {
	key := pairKey{serverID, model}

	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.cooldowns[key]
	if !ok {
		return false
	}
	if !r.nowFn().Before(until) {
		delete(r.cooldowns, key)
		return false
	}
	return true
}

// Ban permanently bans a (server, model) pair.
func (r *ServerRegistry) Ban(serverID, model, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bans[pairKey{serverID, model}] = BanDetail{
		ServerID: serverID,
		Model:    model,
		Reason:   reason,
		BannedAt: r.nowFn(),
	}
}

// IsBanned reports whether a pair is permanently banned.
func (r *ServerRegistry) IsBanned(serverID, model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bans[pairKey{serverID, model}]
	return ok
}

// Unban lifts one (server, model) ban.
func (r *ServerRegistry) Unban(serverID, model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey{serverID, model}
	_, ok := r.bans[key]
	delete(r.bans, key)
	return ok
}

// UnbanServer lifts every ban on one server.
func (r *ServerRegistry) UnbanServer(serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key := range r.bans {
		if key.ServerID == serverID {
			delete(r.bans, key)
			removed++
		}
	}
	return removed
}

// UnbanModel lifts every ban on one model across servers.
func (r *ServerRegistry) UnbanModel(model string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key := range r.bans {
		if key.Model == model {
			delete(r.bans, key)
			removed++
		}
	}
	return removed
}

// ClearAllBans drops every ban.
func (r *ServerRegistry) ClearAllBans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := len(r.bans)
	r.bans = make(map[pairKey]BanDetail)
	return removed
}

// GetBanDetails lists bans sorted by server then model.
func (r *ServerRegistry) GetBanDetails() []BanDetail {
	r.mu.RLock()
	out := make([]BanDetail, 0, len(r.bans))
	for _, detail := range r.bans {
		out = append(out, detail)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// LoadBans replaces the ban set, used when restoring persisted state.
func (r *ServerRegistry) LoadBans(details []BanDetail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bans = make(map[pairKey]BanDetail, len(details))
	for _, detail := range details {
		r.bans[pairKey{detail.ServerID, detail.Model}] = detail
	}
}

// In-flight accounting passthrough, satisfying ports.InFlightTracker.

func (r *ServerRegistry) IncrementInFlight(serverID, model string, bypass bool) {
	r.inflight.increment(serverID, model, bypass)
}

func (r *ServerRegistry) DecrementInFlight(serverID, model string, bypass bool) {
	r.inflight.decrement(serverID, model, bypass)
}

func (r *ServerRegistry) GetInFlight(serverID, model string) int64 {
	return r.inflight.get(serverID, model)
}

func (r *ServerRegistry) GetTotalInFlight(serverID string) int64 {
	return r.inflight.totalFor(serverID)
}

// InFlightBreakdown exposes regular/bypass counts per model for the status
// surface.
func (r *ServerRegistry) InFlightBreakdown(serverID string) map[string]InFlightCounts {
	return r.inflight.breakdown(serverID)
}
