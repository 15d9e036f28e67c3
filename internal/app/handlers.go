package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ollamux/ollamux/internal/adapter/tags"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/util"
	"github.com/ollamux/ollamux/pkg/format"
	"github.com/ollamux/ollamux/pkg/nerdstats"
)

const maxBodySize = 32 << 20

// Diagnostic headers. X-Target-Server pins a request to one backend and
// X-Bypass-Breaker skips breaker admission; together they let an operator
// exercise a suspect server without waiting for recovery.
const (
	headerTargetServer  = "X-Target-Server"
	headerBypassBreaker = "X-Bypass-Breaker"
	headerPriority      = "X-Priority"
	headerServedBy      = "X-Served-By"
)

// proxyRoute describes one south-bound inference endpoint.
type proxyRoute struct {
	path          string // upstream path, forwarded verbatim
	kind          domain.EndpointKind
	capability    domain.Capability
	defaultStream bool
}

func (s *Server) handleProxy(route proxyRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "request body unreadable or too large")
			return
		}

		model := gjson.GetBytes(body, "model").String()
		if model == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "model is required")
			return
		}
		if err := domain.ValidateModelName(model); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}

		streaming := route.defaultStream
		if sr := gjson.GetBytes(body, "stream"); sr.Exists() {
			streaming = sr.Bool()
		}

		desc := &domain.RequestDescriptor{
			ID:           requestID(r.Context()),
			Model:        model,
			EndpointKind: route.kind,
			Capability:   route.capability,
			Streaming:    streaming,
			Priority:     parsePriority(r.Header.Get(headerPriority)),
			ClientID:     clientID(r.RemoteAddr),
			Bypass:       r.Header.Get(headerBypassBreaker) == "true",
		}
		if deadline, ok := r.Context().Deadline(); ok {
			desc.Deadline = deadline
		}

		// cancel doubles as the mid-stream abort switch: once bytes have been
		// written to the client no other server may be attempted, so the op
		// cancels the routing context instead of letting the router retry.
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		wrote := false
		var payload []byte
		op := func(ctx context.Context, server *domain.Server) error {
			if payload == nil {
				payload = body
				if desc.Model != model {
					if rewritten, rerr := rewriteModel(body, desc.Model); rerr == nil {
						payload = rewritten
					}
				}
			}
			w.Header().Set(headerServedBy, server.ID)
			ferr := s.upstream.Forward(ctx, server, w, route.path, r.Header, payload, &wrote)
			if ferr != nil && wrote {
				cancel()
			}
			return ferr
		}

		var rc domain.RoutingContext
		if target := r.Header.Get(headerTargetServer); target != "" {
			err = s.orch.RequestToServer(ctx, target, desc, op)
		} else {
			err = s.orch.TryRequestWithFailover(ctx, desc, &rc, op)
		}

		if err == nil {
			return
		}
		if wrote {
			s.logger.WithRequestID(desc.ID).Warn("stream aborted mid-response",
				"model", desc.Model,
				"server", rc.SelectedServerID,
				"error", err)
			return
		}
		writeProxyError(w, s.logger, err)
	}
}

// rewriteModel replaces the model field after implicit-latest resolution so
// the upstream sees the name it actually advertises.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	payload["model"] = model
	return json.Marshal(payload)
}

func parsePriority(raw string) int {
	if raw == "" {
		return 0
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p < 0 {
		return 0
	}
	return p
}

func clientID(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// Catalogue surfaces.

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	models := s.orch.AggregatedTags(r.Context())
	if models == nil {
		models = []domain.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	models := s.orch.AggregatedOpenAIModels(r.Context())
	if models == nil {
		models = []tags.OpenAIModel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handlePS merges the loaded-model telemetry from every server, the fleet
// view of Ollama's /api/ps.
func (s *Server) handlePS(w http.ResponseWriter, r *http.Request) {
	type loaded struct {
		domain.LoadedModel
		Server string `json:"server"`
	}
	var models []loaded
	for _, server := range s.orch.GetServers(r.Context()) {
		for _, lm := range server.LoadedModels {
			models = append(models, loaded{LoadedModel: lm, Server: server.ID})
		}
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].Name != models[j].Name {
			return models[i].Name < models[j].Name
		}
		return models[i].Server < models[j].Server
	})
	if models == nil {
		models = []loaded{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// Internal surfaces.

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": format.Duration(time.Since(s.started)),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type serverStatus struct {
		ID          string `json:"id"`
		URL         string `json:"url"`
		Status      string `json:"status"`
		Models      int    `json:"models"`
		InFlight    int64  `json:"inFlight"`
		P95Latency  string `json:"p95Latency"`
		SuccessRate string `json:"successRate"`
		LastChecked string `json:"lastChecked"`
		CheckTime   string `json:"checkTime"`
		VRAMUsed    string `json:"vramUsed,omitempty"`
		Draining    bool   `json:"draining,omitempty"`
		Maintenance bool   `json:"maintenance,omitempty"`
	}

	servers := s.orch.GetServers(r.Context())
	statuses := make([]serverStatus, 0, len(servers))
	for _, server := range servers {
		p95, successRate := s.orch.ServerPerformance(server.ID)
		st := serverStatus{
			ID:          server.ID,
			URL:         server.URL,
			Status:      server.Status.String(),
			Models:      len(server.Models) + len(server.V1Models),
			InFlight:    s.orch.ServerInFlight(server.ID),
			P95Latency:  format.Latency(p95),
			SuccessRate: format.Percentage(successRate),
			LastChecked: format.TimeAgo(server.LastChecked),
			CheckTime:   format.Latency(server.LastLatency),
			Draining:    server.Draining,
			Maintenance: server.Maintenance,
		}
		if server.TotalVRAMUsed > 0 {
			st.VRAMUsed = format.Bytes(util.SafeUint64(server.TotalVRAMUsed))
		}
		statuses = append(statuses, st)
	}

	breakersByState := map[string]int{}
	for _, stats := range s.orch.BreakerStats() {
		breakersByState[stats.State]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":   format.Duration(time.Since(s.started)),
		"servers":  statuses,
		"queue":    s.orch.QueueStats(),
		"breakers": breakersByState,
		"bans":     len(s.orch.BanDetails()),
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, _ *http.Request) {
	snap := nerdstats.Take(s.started)
	writeJSON(w, http.StatusOK, map[string]any{
		"runtime":         snap,
		"memoryPressure":  snap.MemoryPressure(),
		"goroutineHealth": snap.GoroutineHealth(),
		"build":           nerdstats.BuildSummary(),
	})
}
