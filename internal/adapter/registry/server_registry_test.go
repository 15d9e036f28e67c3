package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/logger"
)

type stubPruner struct {
	prefixes []string
}

func (p *stubPruner) RemoveByPrefix(prefix string) int {
	p.prefixes = append(p.prefixes, prefix)
	return 2
}

func newTestRegistry() (*ServerRegistry, *stubPruner) {
	pruner := &stubPruner{}
	return NewServerRegistry(5*time.Minute, pruner, logger.NewDiscard()), pruner
}

func testServer(id string) *domain.Server {
	return &domain.Server{
		ID:             id,
		URL:            "http://" + id + ":11434",
		MaxConcurrency: 4,
		SupportsOllama: true,
	}
}

func TestServerRegistry_AddAndGet(t *testing.T) {
	r, _ := newTestRegistry()

	require.NoError(t, r.AddServer(testServer("gpu-01")))

	got, err := r.GetServer(context.Background(), "gpu-01")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnknown, got.Status, "new servers start unknown")

	// reads are clones, mutating one never leaks back
	got.Models = append(got.Models, "sneaky")
	again, _ := r.GetServer(context.Background(), "gpu-01")
	assert.Empty(t, again.Models)
}

func TestServerRegistry_RejectsDuplicates(t *testing.T) {
	r, _ := newTestRegistry()

	require.NoError(t, r.AddServer(testServer("gpu-01")))
	assert.Error(t, r.AddServer(testServer("gpu-01")), "duplicate id")

	other := testServer("gpu-02")
	other.URL = "http://gpu-01:11434"
	assert.Error(t, r.AddServer(other), "duplicate url")
}

func TestServerRegistry_ValidationBounds(t *testing.T) {
	r, _ := newTestRegistry()

	bad := testServer("bad id with spaces")
	assert.Error(t, r.AddServer(bad))

	tooMany := testServer("gpu-01")
	tooMany.MaxConcurrency = 5000
	assert.Error(t, r.AddServer(tooMany))

	noSurface := testServer("gpu-01")
	noSurface.SupportsOllama = false
	assert.Error(t, r.AddServer(noSurface))
}

func TestServerRegistry_RemovePrunesAllKeyedState(t *testing.T) {
	r, pruner := newTestRegistry()
	require.NoError(t, r.AddServer(testServer("gpu-01")))

	r.MarkFailure("gpu-01", "llama3:8b")
	r.Ban("gpu-01", "mistral:7b", "disk full")
	r.IncrementInFlight("gpu-01", "llama3:8b", false)

	require.NoError(t, r.RemoveServer("gpu-01"))

	assert.Equal(t, []string{"gpu-01"}, pruner.prefixes)
	assert.False(t, r.IsInCooldown("gpu-01", "llama3:8b"))
	assert.False(t, r.IsBanned("gpu-01", "mistral:7b"))
	assert.Equal(t, int64(0), r.GetTotalInFlight("gpu-01"))
	assert.ErrorIs(t, r.RemoveServer("gpu-01"), domain.ErrServerNotFound)
}

func TestServerRegistry_UpdateServer(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.AddServer(testServer("gpu-01")))

	mc := 8
	draining := true
	require.NoError(t, r.UpdateServer("gpu-01", &mc, &draining, nil))

	got, _ := r.GetServer(context.Background(), "gpu-01")
	assert.Equal(t, 8, got.MaxConcurrency)
	assert.True(t, got.Draining)

	bad := 0
	assert.Error(t, r.UpdateServer("gpu-01", &bad, nil, nil))
}

func TestServerRegistry_ModelMapsFromHealthyServersOnly(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.AddServer(testServer("gpu-01")))
	require.NoError(t, r.AddServer(testServer("gpu-02")))

	r.ApplyHealthResult("gpu-01", domain.HealthResult{
		Healthy:      true,
		OllamaModels: []string{"llama3:8b", "mistral:7b"},
	})
	r.ApplyHealthResult("gpu-02", domain.HealthResult{Healthy: false})

	modelMap := r.GetModelMap()
	assert.Equal(t, map[string][]string{
		"llama3:8b":  {"gpu-01"},
		"mistral:7b": {"gpu-01"},
	}, modelMap)
	assert.Equal(t, []string{"llama3:8b", "mistral:7b"}, r.GetAllModels())
}

func TestServerRegistry_CurrentModelListIgnoresHealth(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.AddServer(testServer("gpu-01")))

	r.ApplyHealthResult("gpu-01", domain.HealthResult{
		Healthy:      true,
		OllamaModels: []string{"llama3:8b"},
		V1Models:     []string{"gpt-oss"},
	})
	r.ApplyHealthResult("gpu-01", domain.HealthResult{Healthy: false})

	// the union view keeps the last advertised models of the now-unhealthy server
	assert.Equal(t, []string{"gpt-oss", "llama3:8b"}, r.GetCurrentModelList())
	assert.Empty(t, r.GetAllModels())
}

func TestServerRegistry_HealthyFlipFiresHook(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.AddServer(testServer("gpu-01")))

	var mu sync.Mutex
	var flips []string
	r.SetOnServerHealthy(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		flips = append(flips, id)
	})

	r.ApplyHealthResult("gpu-01", domain.HealthResult{Healthy: true})
	r.ApplyHealthResult("gpu-01", domain.HealthResult{Healthy: true}) // no flip
	r.ApplyHealthResult("gpu-01", domain.HealthResult{Healthy: false})
	r.ApplyHealthResult("gpu-01", domain.HealthResult{Healthy: true})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"gpu-01", "gpu-01"}, flips)
}

func TestServerRegistry_HealthResultResetsFailureCount(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.AddServer(testServer("gpu-01")))

	r.ApplyHealthResult("gpu-01", domain.HealthResult{Healthy: false})
	r.ApplyHealthResult("gpu-01", domain.HealthResult{Healthy: false})
	got, _ := r.GetServer(context.Background(), "gpu-01")
	assert.Equal(t, 2, got.FailureCount)

	r.ApplyHealthResult("gpu-01", domain.HealthResult{Healthy: true})
	got, _ = r.GetServer(context.Background(), "gpu-01")
	assert.Equal(t, 0, got.FailureCount)
}

func TestServerRegistry_CooldownExpires(t *testing.T) {
	r, _ := newTestRegistry()
	now := time.Now()
	r.nowFn = func() time.Time { return now }

	r.MarkFailure("gpu-01", "llama3:8b")
	assert.True(t, r.IsInCooldown("gpu-01", "llama3:8b"))
	assert.False(t, r.IsInCooldown("gpu-01", "mistral:7b"))

	now = now.Add(5*time.Minute + time.Second)
	assert.False(t, r.IsInCooldown("gpu-01", "llama3:8b"))
}

func TestServerRegistry_BanLifecycle(t *testing.T) {
	r, _ := newTestRegistry()

	r.Ban("gpu-01", "llama3:8b", "out of memory")
	r.Ban("gpu-01", "mistral:7b", "disk full")
	r.Ban("gpu-02", "llama3:8b", "out of memory")

	assert.True(t, r.IsBanned("gpu-01", "llama3:8b"))

	details := r.GetBanDetails()
	require.Len(t, details, 3)
	assert.Equal(t, "gpu-01", details[0].ServerID)
	assert.Equal(t, "llama3:8b", details[0].Model)
	assert.Equal(t, "out of memory", details[0].Reason)

	assert.Equal(t, 1, r.UnbanModel("mistral:7b"))
	assert.Equal(t, 1, r.UnbanServer("gpu-02"))
	assert.True(t, r.Unban("gpu-01", "llama3:8b"))
	assert.False(t, r.Unban("gpu-01", "llama3:8b"), "already lifted")
	assert.Empty(t, r.GetBanDetails())
}

func TestServerRegistry_LoadBansReplacesSet(t *testing.T) {
	r, _ := newTestRegistry()
	r.Ban("gpu-01", "a", "old")

	r.LoadBans([]BanDetail{
		{ServerID: "gpu-02", Model: "b", Reason: "restored"},
	})

	assert.False(t, r.IsBanned("gpu-01", "a"))
	assert.True(t, r.IsBanned("gpu-02", "b"))
}

func TestServerRegistry_ResolveModelLatestTag(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.AddServer(testServer("gpu-01")))
	r.ApplyHealthResult("gpu-01", domain.HealthResult{
		Healthy:      true,
		OllamaModels: []string{"llama3:latest", "mistral:7b"},
	})

	assert.Equal(t, "llama3:latest", r.ResolveModel("llama3"))
	assert.Equal(t, "mistral:7b", r.ResolveModel("mistral:7b"))
	assert.Equal(t, "unknown", r.ResolveModel("unknown"), "unresolvable names pass through")
}

func TestInFlight_RegularAndBypassTrackedSeparately(t *testing.T) {
	r, _ := newTestRegistry()

	r.IncrementInFlight("gpu-01", "llama3:8b", false)
	r.IncrementInFlight("gpu-01", "llama3:8b", false)
	r.IncrementInFlight("gpu-01", "llama3:8b", true)
	r.IncrementInFlight("gpu-01", "mistral:7b", false)

	assert.Equal(t, int64(3), r.GetInFlight("gpu-01", "llama3:8b"))
	assert.Equal(t, int64(4), r.GetTotalInFlight("gpu-01"))

	breakdown := r.InFlightBreakdown("gpu-01")
	assert.Equal(t, InFlightCounts{Regular: 2, Bypass: 1}, breakdown["llama3:8b"])

	r.DecrementInFlight("gpu-01", "llama3:8b", true)
	assert.Equal(t, int64(2), r.GetInFlight("gpu-01", "llama3:8b"))
}

func TestInFlight_DecrementClampsAtZero(t *testing.T) {
	r, _ := newTestRegistry()

	r.DecrementInFlight("gpu-01", "llama3:8b", false)
	r.IncrementInFlight("gpu-01", "llama3:8b", false)
	r.DecrementInFlight("gpu-01", "llama3:8b", false)
	r.DecrementInFlight("gpu-01", "llama3:8b", false)

	assert.Equal(t, int64(0), r.GetInFlight("gpu-01", "llama3:8b"))
}

func TestInFlight_ConcurrentBalancedTraffic(t *testing.T) {
	r, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.IncrementInFlight("gpu-01", "llama3:8b", j%2 == 0)
				r.DecrementInFlight("gpu-01", "llama3:8b", j%2 == 0)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), r.GetTotalInFlight("gpu-01"))
}
