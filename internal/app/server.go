package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ollamux/ollamux/internal/config"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/logger"
	"github.com/ollamux/ollamux/internal/orchestrator"
)

// Server is the north-bound HTTP surface: the proxied inference endpoints,
// the model catalogues and the internal status/admin plane.
type Server struct {
	config   *config.Config
	orch     *orchestrator.Orchestrator
	upstream *Client
	logger   *logger.StyledLogger
	version  string
	started  time.Time
	server   *http.Server
	errCh    chan error
}

func New(cfg *config.Config, orch *orchestrator.Orchestrator, upstream *Client,
	log *logger.StyledLogger, version string) *Server {

	s := &Server{
		config:   cfg,
		orch:     orch,
		upstream: upstream,
		logger:   log,
		version:  version,
		started:  time.Now(),
		errCh:    make(chan error, 1),
	}

	// WriteTimeout stays 0: inference streams routinely outlive any fixed
	// deadline and are bounded by the upstream idle watchdog instead.
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           withMiddleware(s.routes(), log, orch.Metrics()),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Ollama dialect.
	mux.Handle("POST /api/generate", s.handleProxy(proxyRoute{
		path: "/api/generate", kind: domain.EndpointGenerate,
		capability: domain.CapabilityGenerate, defaultStream: true,
	}))
	mux.Handle("POST /api/chat", s.handleProxy(proxyRoute{
		path: "/api/chat", kind: domain.EndpointChat,
		capability: domain.CapabilityOllama, defaultStream: true,
	}))
	mux.Handle("POST /api/embeddings", s.handleProxy(proxyRoute{
		path: "/api/embeddings", kind: domain.EndpointEmbeddings,
		capability: domain.CapabilityOllama,
	}))
	mux.HandleFunc("GET /api/tags", s.handleTags)
	mux.HandleFunc("GET /api/ps", s.handlePS)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	// OpenAI-compatible dialect.
	mux.Handle("POST /v1/chat/completions", s.handleProxy(proxyRoute{
		path: "/v1/chat/completions", kind: domain.EndpointChat,
		capability: domain.CapabilityOpenAI,
	}))
	mux.Handle("POST /v1/completions", s.handleProxy(proxyRoute{
		path: "/v1/completions", kind: domain.EndpointCompletions,
		capability: domain.CapabilityOpenAI,
	}))
	mux.Handle("POST /v1/embeddings", s.handleProxy(proxyRoute{
		path: "/v1/embeddings", kind: domain.EndpointEmbeddings,
		capability: domain.CapabilityOpenAI,
	}))
	mux.HandleFunc("GET /v1/models", s.handleOpenAIModels)

	// Internal plane.
	mux.HandleFunc("GET /internal/health", s.handleHealth)
	mux.HandleFunc("GET /internal/status", s.handleStatus)
	mux.HandleFunc("GET /internal/process", s.handleProcess)
	mux.Handle("GET /metrics", s.orch.Metrics().Handler())

	// Admin plane.
	mux.HandleFunc("GET /internal/admin/servers", s.handleAdminListServers)
	mux.HandleFunc("POST /internal/admin/servers", s.handleAdminAddServer)
	mux.HandleFunc("PATCH /internal/admin/servers/{id}", s.handleAdminUpdateServer)
	mux.HandleFunc("DELETE /internal/admin/servers/{id}", s.handleAdminRemoveServer)
	mux.HandleFunc("GET /internal/admin/models", s.handleAdminModels)
	mux.HandleFunc("GET /internal/admin/breakers", s.handleAdminListBreakers)
	mux.HandleFunc("POST /internal/admin/breakers/force", s.handleAdminForceBreaker)
	mux.HandleFunc("POST /internal/admin/breakers/reset", s.handleAdminResetBreakers)
	mux.HandleFunc("GET /internal/admin/bans", s.handleAdminListBans)
	mux.HandleFunc("DELETE /internal/admin/bans", s.handleAdminRemoveBans)
	mux.HandleFunc("GET /internal/admin/queue", s.handleAdminQueue)
	mux.HandleFunc("POST /internal/admin/queue/pause", s.handleAdminQueuePause)
	mux.HandleFunc("POST /internal/admin/queue/resume", s.handleAdminQueueResume)
	mux.HandleFunc("POST /internal/admin/queue/clear", s.handleAdminQueueClear)
	mux.HandleFunc("PATCH /internal/admin/queue", s.handleAdminQueueConfig)
	mux.HandleFunc("GET /internal/admin/recovery", s.handleAdminRecovery)
	mux.HandleFunc("POST /internal/admin/recovery/test", s.handleAdminRecoveryTest)
	mux.HandleFunc("DELETE /internal/admin/recovery/test", s.handleAdminRecoveryCancel)
	mux.HandleFunc("POST /internal/admin/drain", s.handleAdminDrain)
	mux.HandleFunc("POST /internal/admin/health/check", s.handleAdminHealthCheck)

	return mux
}

// Handler exposes the full middleware-wrapped handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting http server",
		"host", s.config.Server.Host,
		"port", s.config.Server.Port)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
			s.errCh <- err
		}
	}()

	go func() {
		select {
		case err := <-s.errCh:
			s.logger.Error("server startup error", "error", err)
		case <-ctx.Done():
		}
	}()

	s.logger.Info("http server listening", "bind", s.server.Addr)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown error: %w", err)
	}
	return nil
}
