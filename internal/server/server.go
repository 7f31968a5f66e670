// Package server exposes the orchestrator HTTP API: task lifecycle,
// chat history, user settings and the per-task WebSocket upgrade.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/chat"
	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/task/store"
)

// ChatEngine is the chat surface the HTTP API drives.
type ChatEngine interface {
	ProcessUserMessage(ctx context.Context, input chat.ProcessInput) error
	EditUserMessage(ctx context.Context, taskID, messageID, newContent, model string) error
	Stop(taskID string)
	HasActiveStream(taskID string) bool
}

// Initializer drives task initialization and the recovery paths that
// rebuild lost infrastructure.
type Initializer interface {
	Initialize(ctx context.Context, taskID string) error
	Reinitialize(ctx context.Context, taskID string) error
	EnsureReady(ctx context.Context, taskID string) error
}

// Server is the orchestrator HTTP server.
type Server struct {
	cfg         *config.ServerConfig
	stores      *store.Stores
	engine      ChatEngine
	initializer Initializer
	router      *gin.Engine
	httpServer  *http.Server
	log         *logger.Logger
}

// New creates the server. websocketHandler serves GET /ws/tasks/:taskId
// and may be nil when the transport is disabled.
func New(cfg *config.ServerConfig, stores *store.Stores, engine ChatEngine, initializer Initializer, websocketHandler gin.HandlerFunc, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:         cfg,
		stores:      stores,
		engine:      engine,
		initializer: initializer,
		router:      gin.New(),
		log:         log.WithFields(zap.String("component", "server")),
	}

	s.router.Use(Recovery(s.log))
	s.router.Use(RequestLogger(s.log))
	s.setupRoutes(websocketHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// Router returns the HTTP router, used directly in tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(websocketHandler gin.HandlerFunc) {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:taskId", s.handleGetTask)
		api.POST("/tasks/:taskId/archive", s.handleArchiveTask)
		api.POST("/tasks/:taskId/stop", s.handleStopTask)

		api.GET("/tasks/:taskId/messages", s.handleChatHistory)
		api.POST("/tasks/:taskId/messages", s.handleSendMessage)
		api.POST("/tasks/:taskId/messages/:messageId/edit", s.handleEditMessage)

		api.GET("/tasks/:taskId/todos", s.handleListTodos)

		api.GET("/users/:userId/settings", s.handleGetSettings)
		api.PUT("/users/:userId/settings", s.handleUpdateSettings)
	}

	if websocketHandler != nil {
		s.router.GET("/ws/tasks/:taskId", websocketHandler)
	}
}

// Start runs the HTTP server until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
