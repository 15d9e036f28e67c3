package app

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ollamux/ollamux/internal/adapter/breaker"
	"github.com/ollamux/ollamux/internal/adapter/queue"
	"github.com/ollamux/ollamux/internal/adapter/recovery"
	"github.com/ollamux/ollamux/internal/core/domain"
)

// Admin handlers. These are mounted under /internal/admin/ and are expected
// to sit behind whatever network boundary protects the internal surface.

func (s *Server) handleAdminListServers(w http.ResponseWriter, r *http.Request) {
	type serverDetail struct {
		*domain.Server
		InFlight map[string]any `json:"inFlight,omitempty"`
	}
	servers := s.orch.GetServers(r.Context())
	out := make([]serverDetail, 0, len(servers))
	for _, server := range servers {
		detail := serverDetail{Server: server}
		if breakdown := s.orch.InFlightBreakdown(server.ID); len(breakdown) > 0 {
			detail.InFlight = make(map[string]any, len(breakdown))
			for model, counts := range breakdown {
				detail.InFlight[model] = counts
			}
		}
		out = append(out, detail)
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleAdminAddServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string `json:"id"`
		URL            string `json:"url"`
		BearerToken    string `json:"bearer_token"`
		MaxConcurrency int    `json:"max_concurrency"`
		SupportsOllama bool   `json:"supports_ollama"`
		SupportsV1     bool   `json:"supports_v1"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MaxConcurrency == 0 {
		req.MaxConcurrency = domain.DefaultConcurrency
	}
	server := &domain.Server{
		ID:             req.ID,
		URL:            req.URL,
		BearerToken:    req.BearerToken,
		MaxConcurrency: req.MaxConcurrency,
		SupportsOllama: req.SupportsOllama,
		SupportsV1:     req.SupportsV1,
	}
	if err := s.orch.AddServer(server); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	s.logger.InfoWithServer("server added via admin", req.ID, "url", req.URL)
	writeJSON(w, http.StatusCreated, server)
}

func (s *Server) handleAdminUpdateServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxConcurrency *int  `json:"max_concurrency"`
		Draining       *bool `json:"draining"`
		Maintenance    *bool `json:"maintenance"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.orch.UpdateServer(id, req.MaxConcurrency, req.Draining, req.Maintenance); err != nil {
		writeProxyError(w, s.logger, err)
		return
	}
	server, err := s.orch.GetServer(r.Context(), id)
	if err != nil {
		writeProxyError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleAdminRemoveServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.RemoveServer(id); err != nil {
		writeProxyError(w, s.logger, err)
		return
	}
	s.logger.InfoWithServer("server removed via admin", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":   s.orch.AllModels(),
		"modelMap": s.orch.ModelMap(),
	})
}

func (s *Server) handleAdminListBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.orch.BreakerStats()})
}

func (s *Server) handleAdminForceBreaker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Breaker string `json:"breaker"`
		State   string `json:"state"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Breaker == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "breaker key is required")
		return
	}
	key := domain.BreakerKey(req.Breaker)
	if err := s.orch.ForceBreakerState(key, breaker.State(req.State)); err != nil {
		writeProxyError(w, s.logger, err)
		return
	}
	stats, _ := s.orch.BreakerStatsFor(key)
	writeJSON(w, http.StatusOK, map[string]any{"breaker": req.Breaker, "stats": stats})
}

func (s *Server) handleAdminResetBreakers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Breaker string `json:"breaker"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Breaker == "" {
		s.orch.ResetAllBreakers()
		writeJSON(w, http.StatusOK, map[string]string{"reset": "all"})
		return
	}
	if err := s.orch.ResetBreaker(domain.BreakerKey(req.Breaker)); err != nil {
		writeError(w, http.StatusNotFound, "breaker_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reset": req.Breaker})
}

func (s *Server) handleAdminListBans(w http.ResponseWriter, _ *http.Request) {
	bans := s.orch.BanDetails()
	writeJSON(w, http.StatusOK, map[string]any{"bans": bans, "count": len(bans)})
}

// handleAdminRemoveBans lifts bans selected by the server/model query
// parameters; with neither present it clears every ban.
func (s *Server) handleAdminRemoveBans(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("server")
	model := r.URL.Query().Get("model")

	var removed int
	switch {
	case serverID != "" && model != "":
		if s.orch.Unban(serverID, model) {
			removed = 1
		}
	case serverID != "":
		removed = s.orch.UnbanServer(serverID)
	case model != "":
		removed = s.orch.UnbanModel(model)
	default:
		removed = s.orch.ClearAllBans()
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleAdminQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": s.orch.QueueStats(),
		"items": s.orch.QueueItems(),
	})
}

func (s *Server) handleAdminQueuePause(w http.ResponseWriter, _ *http.Request) {
	s.orch.PauseQueue()
	writeJSON(w, http.StatusOK, s.orch.QueueStats())
}

func (s *Server) handleAdminQueueResume(w http.ResponseWriter, _ *http.Request) {
	s.orch.ResumeQueue()
	writeJSON(w, http.StatusOK, s.orch.QueueStats())
}

func (s *Server) handleAdminQueueClear(w http.ResponseWriter, _ *http.Request) {
	cleared := s.orch.ClearQueue()
	s.logger.InfoWithCount("queue cleared via admin", cleared)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleAdminQueueConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxSize               *int           `json:"max_size"`
		MaxPriority           *int           `json:"max_priority"`
		PriorityBoostAmount   *int           `json:"priority_boost_amount"`
		PriorityBoostInterval *time.Duration `json:"priority_boost_interval"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// Partial update: absent fields keep their current value.
	current := s.orch.QueueStats()
	cfg := queue.Config{MaxSize: current.MaxSize}
	if req.MaxSize != nil {
		cfg.MaxSize = *req.MaxSize
	}
	if req.MaxPriority != nil {
		cfg.MaxPriority = *req.MaxPriority
	}
	if req.PriorityBoostAmount != nil {
		cfg.PriorityBoostAmount = *req.PriorityBoostAmount
	}
	if req.PriorityBoostInterval != nil {
		cfg.PriorityBoostInterval = *req.PriorityBoostInterval
	}
	if err := s.orch.UpdateQueueConfig(cfg); err != nil {
		writeProxyError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.QueueStats())
}

func (s *Server) handleAdminRecovery(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"probes": s.orch.RecoveryMetrics()}
	if serverID := r.URL.Query().Get("server"); serverID != "" {
		out["queueDepth"] = s.orch.RecoveryQueueDepth(serverID)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminRecoveryTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Breaker string `json:"breaker"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Breaker == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "breaker key is required")
		return
	}
	err := s.orch.RequestRecoveryTest(domain.BreakerKey(req.Breaker))
	switch {
	case errors.Is(err, recovery.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, "already_queued", err.Error())
	case errors.Is(err, recovery.ErrTestQueueFull):
		writeError(w, http.StatusServiceUnavailable, "test_queue_full", err.Error())
	case err != nil:
		writeProxyError(w, s.logger, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"queued": req.Breaker})
	}
}

func (s *Server) handleAdminRecoveryCancel(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("breaker")
	if key == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "breaker query parameter is required")
		return
	}
	if err := s.orch.CancelRecoveryTest(domain.BreakerKey(key)); err != nil {
		writeError(w, http.StatusNotFound, "test_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": key})
}

func (s *Server) handleAdminDrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeoutMs int64 `json:"timeout_ms"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := s.orch.Drain(r.Context(), timeout); err != nil {
		writeError(w, http.StatusGatewayTimeout, "drain_timeout", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"drained": "ok"})
}

func (s *Server) handleAdminHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.orch.CheckServersNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"checked": "ok"})
}

// decodeBody decodes a JSON request body, tolerating an empty body, and
// writes the 400 itself on malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "request body unreadable or too large")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}
