// Package api exposes the gateway's HTTP surface: the Anthropic-compatible
// messages endpoint plus health and model listing routes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kirogate/kirogate/internal/api/middleware"
	"github.com/kirogate/kirogate/internal/config"
	"github.com/kirogate/kirogate/internal/logging"
	"github.com/kirogate/kirogate/internal/pool"
	"github.com/kirogate/kirogate/internal/runtime/executor"
)

const shutdownTimeout = 10 * time.Second

// Server wires the gin engine to the pool, the adapter registry, and the
// ambient services.
type Server struct {
	cfg       *config.Config
	pool      *pool.Manager
	registry  *executor.Registry
	prompts   *logging.PromptLogger
	sysPrompt *SystemPrompt

	httpServer *http.Server
}

// NewServer assembles the routes and middleware.
func NewServer(cfg *config.Config, poolManager *pool.Manager, registry *executor.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		pool:      poolManager,
		registry:  registry,
		prompts:   logging.NewPromptLogger(cfg.PromptLogMode, cfg.PromptLogBaseName),
		sysPrompt: NewSystemPrompt(cfg.SystemPromptFilePath, cfg.SystemPromptMode),
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.CORS())

	engine.GET("/health", s.handleHealth)
	engine.GET("/provider_health", s.handleProviderHealth)

	authed := engine.Group("/", middleware.APIKeyAuth(cfg.RequiredAPIKey))
	authed.POST("/v1/messages", s.handleMessages)
	authed.POST("/v1/messages/count_tokens", s.handleCountTokens)
	authed.POST("/count_tokens", s.handleCountTokens)
	authed.GET("/v1/models", s.handleModels)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr(),
		Handler: engine,
	}
	return s
}

// Handler exposes the assembled routes (tests drive them directly).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains in-flight handlers with a
// bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("api: listening on %s", s.cfg.Addr())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("api: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.sysPrompt.Close()
	if s.prompts != nil {
		_ = s.prompts.Close()
	}
	return err
}
