package tags

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ollamux/ollamux/internal/adapter/breaker"
	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/core/ports"
	"github.com/ollamux/ollamux/internal/logger"
)

// Fetcher pulls the model catalogue from one upstream server.
type Fetcher interface {
	FetchTags(ctx context.Context, server *domain.Server) ([]domain.ModelInfo, error)
}

// Config holds aggregator tunables; zero values fall back to defaults.
type Config struct {
	CacheTTL     time.Duration
	FanoutLimit  int
	BatchDelay   time.Duration
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = constants.DefaultTagsCacheTTL
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = constants.DefaultTagsFanoutLimit
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = constants.DefaultTagsBatchDelay
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = constants.DefaultTagsProbeTimeout
	}
	return c
}

// OpenAIModel is one /v1/models catalogue entry.
type OpenAIModel struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	OwnedBy string   `json:"owned_by"`
	Servers []string `json:"-"`
}

// Aggregator merges the model catalogues of all healthy servers behind a
// single TTL cache. A dirty flag forces a refetch on the next read; a stale
// cache is served when the whole fleet is unreachable.
type Aggregator struct {
	config   Config
	servers  ports.ServerReader
	breakers *breaker.Registry
	fetcher  Fetcher
	logger   *logger.StyledLogger

	mu        sync.Mutex
	cached    []domain.ModelInfo
	cachedAt  time.Time
	dirty     bool
	refetches int64

	nowFn func() time.Time
}

func NewAggregator(cfg Config, servers ports.ServerReader, breakers *breaker.Registry,
	fetcher Fetcher, log *logger.StyledLogger) *Aggregator {
	return &Aggregator{
		config:   cfg.withDefaults(),
		servers:  servers,
		breakers: breakers,
		fetcher:  fetcher,
		logger:   log,
		dirty:    true,
		nowFn:    time.Now,
	}
}

// Invalidate marks the cache dirty. Called on server add/remove/update and
// when an unhealthy server comes back.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = true
}

// AggregatedTags returns the merged model catalogue.
func (a *Aggregator) AggregatedTags(ctx context.Context) []domain.ModelInfo {
	healthy := a.healthyOllamaServers(ctx)

	a.mu.Lock()
	fresh := !a.dirty && a.nowFn().Sub(a.cachedAt) < a.config.CacheTTL
	if fresh && len(healthy) > 0 {
		out := cloneModels(a.cached)
		a.mu.Unlock()
		return out
	}
	a.mu.Unlock()

	merged, responded := a.fanOut(ctx, healthy)
	if responded == 0 {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.cached != nil {
			a.logger.Warn("no servers responded to tags fan-out, serving stale cache",
				"age", a.nowFn().Sub(a.cachedAt))
			return cloneModels(a.cached)
		}
		return []domain.ModelInfo{}
	}

	a.mu.Lock()
	a.cached = merged
	a.cachedAt = a.nowFn()
	a.dirty = false
	a.refetches++
	a.mu.Unlock()
	return cloneModels(merged)
}

// AggregatedOpenAIModels returns the /v1 model union from healthy servers.
func (a *Aggregator) AggregatedOpenAIModels(ctx context.Context) []OpenAIModel {
	byID := make(map[string]*OpenAIModel)
	for _, server := range a.servers.GetServers(ctx) {
		if !server.Status.IsRoutable() || !server.SupportsV1 {
			continue
		}
		for _, id := range server.V1Models {
			entry, ok := byID[id]
			if !ok {
				entry = &OpenAIModel{ID: id, Object: "model", OwnedBy: "ollamux"}
				byID[id] = entry
			}
			entry.Servers = append(entry.Servers, server.ID)
		}
	}

	out := make([]OpenAIModel, 0, len(byID))
	for _, entry := range byID {
		sort.Strings(entry.Servers)
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *Aggregator) healthyOllamaServers(ctx context.Context) []*domain.Server {
	var out []*domain.Server
	for _, server := range a.servers.GetServers(ctx) {
		if server.Status.IsRoutable() && server.SupportsOllama {
			out = append(out, server)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fanOut queries servers in batches of FanoutLimit with a small inter-batch
// delay, merging as results land. Per-server failures are logged, not fatal.
func (a *Aggregator) fanOut(ctx context.Context, servers []*domain.Server) ([]domain.ModelInfo, int) {
	merged := make(map[string]*domain.ModelInfo)
	var mu sync.Mutex
	responded := 0

	for start := 0; start < len(servers); start += a.config.FanoutLimit {
		end := start + a.config.FanoutLimit
		if end > len(servers) {
			end = len(servers)
		}

		g, batchCtx := errgroup.WithContext(ctx)
		for _, server := range servers[start:end] {
			g.Go(func() error {
				probeCtx, cancel := context.WithTimeout(batchCtx, a.config.ProbeTimeout)
				defer cancel()

				models, err := a.fetcher.FetchTags(probeCtx, server)
				if err != nil {
					a.logger.WarnWithServer("tags fetch failed", server.ID, "error", err)
					return nil
				}

				mu.Lock()
				responded++
				for _, model := range models {
					if a.breakerOpen(server.ID, model.Name) {
						continue
					}
					a.merge(merged, server.ID, model)
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if end < len(servers) && a.config.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return flatten(merged), responded
			case <-time.After(a.config.BatchDelay):
			}
		}
	}

	return flatten(merged), responded
}

func (a *Aggregator) breakerOpen(serverID, model string) bool {
	cb, ok := a.breakers.Get(domain.ModelBreakerKey(serverID, model))
	return ok && cb.State() == breaker.StateOpen
}

func (a *Aggregator) merge(merged map[string]*domain.ModelInfo, serverID string, model domain.ModelInfo) {
	key := model.MergeKey()
	entry, ok := merged[key]
	if !ok {
		clone := model
		clone.Servers = nil
		merged[key] = &clone
		entry = merged[key]
	}
	for _, id := range entry.Servers {
		if id == serverID {
			return
		}
	}
	entry.Servers = append(entry.Servers, serverID)
}

func flatten(merged map[string]*domain.ModelInfo) []domain.ModelInfo {
	out := make([]domain.ModelInfo, 0, len(merged))
	for _, entry := range merged {
		sort.Strings(entry.Servers)
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cloneModels(models []domain.ModelInfo) []domain.ModelInfo {
	out := make([]domain.ModelInfo, len(models))
	copy(out, models)
	return out
}
