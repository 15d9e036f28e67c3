package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/env"
	"github.com/ollamux/ollamux/internal/logger"
)

const maxProbeBodyBytes = 4 << 20

// retryablePatterns are the only failures worth retrying within one check
// cycle. Anything else (4xx, TLS, parse errors) fails immediately and waits
// for the next tick.
var retryablePatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"no such host",
	"network",
	"temporary",
}

// CheckerConfig holds probe tunables; zero values fall back to defaults.
type CheckerConfig struct {
	CheckTimeout      time.Duration
	AuxTimeout        time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	BackoffMultiplier float64
}

func (c CheckerConfig) withDefaults() CheckerConfig {
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = constants.DefaultHealthCheckTimeout
	}
	if c.AuxTimeout <= 0 {
		c.AuxTimeout = constants.DefaultAuxProbeTimeout
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	} else if c.RetryAttempts == 0 {
		c.RetryAttempts = constants.DefaultHealthRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = constants.DefaultHealthRetryDelay
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = constants.DefaultBackoffMultiplier
	}
	return c
}

// Checker probes one server's capability surfaces. A server is healthy when
// at least one of /api/tags or /v1/models answers 2xx; /api/ps and /v1/models
// failures never fail the check on their own.
type Checker struct {
	client *http.Client
	config CheckerConfig
	logger *logger.StyledLogger

	sleepFn func(ctx context.Context, d time.Duration) error
}

func NewChecker(cfg CheckerConfig, client *http.Client, log *logger.StyledLogger) *Checker {
	if client == nil {
		client = &http.Client{}
	}
	return &Checker{
		client:  client,
		config:  cfg.withDefaults(),
		logger:  log,
		sleepFn: sleepCtx,
	}
}

// Check probes the server, retrying on retryable failures with exponential
// delay between attempts.
func (c *Checker) Check(ctx context.Context, server *domain.Server) domain.HealthResult {
	delay := c.config.RetryDelay

	var result domain.HealthResult
	for attempt := 0; ; attempt++ {
		result = c.checkOnce(ctx, server)
		if result.Healthy || attempt >= c.config.RetryAttempts || !isRetryableCheckError(result.Err) {
			return result
		}
		if err := c.sleepFn(ctx, delay); err != nil {
			return result
		}
		delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
	}
}

func (c *Checker) checkOnce(ctx context.Context, server *domain.Server) domain.HealthResult {
	start := time.Now()

	var (
		tagsBody, psBody, v1Body []byte
		tagsErr, psErr, v1Err    error
	)

	g, probeCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tagsBody, tagsErr = c.fetch(probeCtx, server, "/api/tags", c.config.CheckTimeout)
		return nil
	})
	g.Go(func() error {
		psBody, psErr = c.fetch(probeCtx, server, "/api/ps", c.config.AuxTimeout)
		return nil
	})
	g.Go(func() error {
		v1Body, v1Err = c.fetch(probeCtx, server, "/v1/models", c.config.AuxTimeout)
		return nil
	})
	_ = g.Wait()

	result := domain.HealthResult{Latency: time.Since(start)}

	if tagsErr == nil {
		result.OllamaModels = parseTagModels(tagsBody)
	}
	if v1Err == nil {
		result.V1Models = parseV1Models(v1Body)
	}
	if psErr == nil {
		result.LoadedModels, result.TotalVRAMUsed = parseLoadedModels(psBody)
	}

	result.Healthy = tagsErr == nil || v1Err == nil
	if !result.Healthy {
		result.Err = tagsErr
		if tagsErr == nil {
			result.Err = v1Err
		}
	}
	return result
}

// fetch issues one GET with its own timeout and the server's bearer token
// resolved at call time. Returns the body only on a 2xx response.
func (c *Checker) fetch(ctx context.Context, server *domain.Server, path string, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, strings.TrimRight(server.URL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if token := env.ResolveSecret(server.BearerToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
	}
	return body, nil
}

// parseTagModels accepts the Ollama shapes seen in the wild: models[].model,
// models[].name, or a plain string array.
func parseTagModels(body []byte) []string {
	var models []string
	gjson.GetBytes(body, "models").ForEach(func(_, entry gjson.Result) bool {
		switch {
		case entry.Get("model").Exists():
			models = append(models, entry.Get("model").String())
		case entry.Get("name").Exists():
			models = append(models, entry.Get("name").String())
		case entry.Type == gjson.String:
			models = append(models, entry.String())
		}
		return true
	})
	return models
}

func parseV1Models(body []byte) []string {
	var ids []string
	gjson.GetBytes(body, "data").ForEach(func(_, entry gjson.Result) bool {
		if id := entry.Get("id").String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func parseLoadedModels(body []byte) ([]domain.LoadedModel, int64) {
	var (
		loaded    []domain.LoadedModel
		totalVRAM int64
	)
	gjson.GetBytes(body, "models").ForEach(func(_, entry gjson.Result) bool {
		model := domain.LoadedModel{
			Name:     entry.Get("name").String(),
			Digest:   entry.Get("digest").String(),
			SizeVRAM: entry.Get("size_vram").Int(),
		}
		if expires := entry.Get("expires_at").String(); expires != "" {
			if t, err := time.Parse(time.RFC3339, expires); err == nil {
				model.ExpiresAt = t
			}
		}
		totalVRAM += model.SizeVRAM
		loaded = append(loaded, model)
		return true
	})
	return loaded, totalVRAM
}

func isRetryableCheckError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
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
