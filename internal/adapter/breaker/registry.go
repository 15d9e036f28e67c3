package breaker

import (
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ollamux/ollamux/internal/core/domain"
)

// Registry owns every circuit breaker in the process, both server-level and
// model-level, keyed by domain.BreakerKey. Lookups are lock-free; listener
// registration uses a small mutex.
type Registry struct {
	breakers *xsync.Map[domain.BreakerKey, *CircuitBreaker]

	mu        sync.RWMutex
	config    Config
	listeners []StateChangeFunc
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: xsync.NewMap[domain.BreakerKey, *CircuitBreaker](),
		config:   cfg.withDefaults(),
	}
}

// Subscribe registers a listener for every breaker state transition,
// including transitions of breakers created later.
func (r *Registry) Subscribe(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(key domain.BreakerKey, from, to State) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(key, from, to)
	}
}

// GetOrCreate returns the breaker for key, creating a closed one on first
// use.
func (r *Registry) GetOrCreate(key domain.BreakerKey) *CircuitBreaker {
	cb, _ := r.breakers.LoadOrCompute(key, func() (*CircuitBreaker, bool) {
		r.mu.RLock()
		cfg := r.config
		r.mu.RUnlock()
		return New(key, cfg, r.notify), false
	})
	return cb
}

// Get returns the breaker for key without creating one.
func (r *Registry) Get(key domain.BreakerKey) (*CircuitBreaker, bool) {
	return r.breakers.Load(key)
}

// Remove drops a single breaker.
func (r *Registry) Remove(key domain.BreakerKey) {
	r.breakers.Delete(key)
}

// RemoveByPrefix drops the breaker named prefix and every "prefix:" keyed
// breaker, i.e. a server-level breaker plus all its model-level breakers.
// Used when a backend is deregistered.
func (r *Registry) RemoveByPrefix(prefix string) int {
	removed := 0
	scoped := prefix + ":"
	r.breakers.Range(func(key domain.BreakerKey, _ *CircuitBreaker) bool {
		if string(key) == prefix || strings.HasPrefix(string(key), scoped) {
			r.breakers.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Clear drops every breaker.
func (r *Registry) Clear() {
	r.breakers.Range(func(key domain.BreakerKey, _ *CircuitBreaker) bool {
		r.breakers.Delete(key)
		return true
	})
}

// ForEach visits every breaker. The visitor must not create or remove
// breakers.
func (r *Registry) ForEach(fn func(key domain.BreakerKey, cb *CircuitBreaker) bool) {
	r.breakers.Range(fn)
}

// Keys returns all breaker keys, unordered.
func (r *Registry) Keys() []domain.BreakerKey {
	keys := make([]domain.BreakerKey, 0, r.breakers.Size())
	r.breakers.Range(func(key domain.BreakerKey, _ *CircuitBreaker) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// OpenModelBreakers returns the model-level breakers of a server that are not
// closed, for the recovery coordinator's queue building.
func (r *Registry) OpenModelBreakers(serverID string) []*CircuitBreaker {
	prefix := serverID + ":"
	var out []*CircuitBreaker
	r.breakers.Range(func(key domain.BreakerKey, cb *CircuitBreaker) bool {
		if strings.HasPrefix(string(key), prefix) && cb.State() != StateClosed {
			out = append(out, cb)
		}
		return true
	})
	return out
}

// AllStats snapshots every breaker, the unit of persistence.
func (r *Registry) AllStats() map[string]Stats {
	out := make(map[string]Stats, r.breakers.Size())
	r.breakers.Range(func(key domain.BreakerKey, cb *CircuitBreaker) bool {
		out[string(key)] = cb.Stats()
		return true
	})
	return out
}

// UpdateAllConfig applies new tunables to the registry default and every
// live breaker. Windows and counters are retained.
func (r *Registry) UpdateAllConfig(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	r.breakers.Range(func(_ domain.BreakerKey, cb *CircuitBreaker) bool {
		cb.UpdateConfig(cfg)
		return true
	})
}

// ResetAll force-closes and zeroes every breaker.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_ domain.BreakerKey, cb *CircuitBreaker) bool {
		cb.Reset()
		return true
	})
}

// Size returns the number of live breakers.
func (r *Registry) Size() int {
	return r.breakers.Size()
}

// LoadSnapshot restores persisted breaker state. Entries with invalid keys or
// states are skipped; open breakers whose retry time has already passed come
// back half-open with recovery counters reset. Returns restored and skipped
// counts.
func (r *Registry) LoadSnapshot(snapshot map[string]Stats, now time.Time) (restored, skipped int) {
	for rawKey, stats := range snapshot {
		key := domain.BreakerKey(rawKey)
		if err := domain.ValidateServerID(key.ServerID()); err != nil {
			skipped++
			continue
		}
		if !State(stats.State).Valid() {
			skipped++
			continue
		}
		cb := r.GetOrCreate(key)
		cb.restore(stats, now)
		restored++
	}
	return restored, skipped
}
