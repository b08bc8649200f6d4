// Package api exposes the HTTP surface: auth, rooms, messages, agents, and
// the SSE stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palaver-dev/palaver/pkg/auth"
	"github.com/palaver-dev/palaver/pkg/config"
	"github.com/palaver-dev/palaver/pkg/database"
	"github.com/palaver-dev/palaver/pkg/events"
	"github.com/palaver-dev/palaver/pkg/orchestrator"
	"github.com/palaver-dev/palaver/pkg/services"
	"github.com/palaver-dev/palaver/pkg/streaming"
)

// Server holds the HTTP layer's dependencies.
type Server struct {
	cfg         *config.Config
	db          *database.Client
	store       *services.Store
	orch        *orchestrator.Orchestrator
	broadcaster *events.Broadcaster
	streamTable *streaming.Table
	tokens      *auth.Manager
	tickets     *auth.TicketStore
	logger      *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// NewServer wires the router. Call Start to begin serving.
func NewServer(
	cfg *config.Config,
	db *database.Client,
	store *services.Store,
	orch *orchestrator.Orchestrator,
	broadcaster *events.Broadcaster,
	streamTable *streaming.Table,
	tokens *auth.Manager,
	tickets *auth.TicketStore,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:         cfg,
		db:          db,
		store:       store,
		orch:        orch,
		broadcaster: broadcaster,
		streamTable: streamTable,
		tokens:      tokens,
		tickets:     tickets,
		logger:      logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.authMiddleware())
	s.registerRoutes(engine)
	s.engine = engine
	return s
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.POST("/auth/login", s.handleLogin)
	r.GET("/auth/health", s.handleHealth)

	r.POST("/rooms", s.handleCreateRoom)
	r.GET("/rooms", s.handleListRooms)
	r.GET("/rooms/:id", s.handleGetRoom)
	r.PATCH("/rooms/:id", s.handleUpdateRoom)
	r.DELETE("/rooms/:id", s.handleDeleteRoom)

	r.POST("/rooms/:id/messages/send", s.handleSendMessage)
	r.GET("/rooms/:id/messages", s.handleListMessages)
	r.GET("/rooms/:id/messages/poll", s.handlePollMessages)
	r.DELETE("/rooms/:id/messages", s.handleClearMessages)

	r.POST("/rooms/:id/stream/ticket", s.handleCreateTicket)
	r.GET("/rooms/:id/stream", s.handleStream)

	r.POST("/agents", s.handleCreateAgent)
	r.GET("/agents", s.handleListAgents)
	r.POST("/rooms/:id/agents", s.handleAddAgentToRoom)
}

// Handler returns the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "port", s.cfg.HTTPPort)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
