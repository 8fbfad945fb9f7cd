// Package server exposes the orchestration core over HTTP: plan lifecycle,
// decomposition, runs with websocket event streaming, context links,
// previews, and snapshots. Handlers translate between the wire shapes and
// the component APIs; no orchestration logic lives here.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yiyabo/gagent/internal/assembler"
	"github.com/yiyabo/gagent/internal/config"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/orchestrator"
	"github.com/yiyabo/gagent/internal/store"
)

// Server is the HTTP front of the orchestration core.
type Server struct {
	cfg       *config.Config
	store     store.Store
	backend   llm.Backend
	orch      *orchestrator.Orchestrator
	assembler *assembler.Assembler
	logger    logging.Logger

	engine *gin.Engine
	http   *http.Server
}

// New builds the server and registers every route.
func New(cfg *config.Config, st store.Store, backend llm.Backend, orch *orchestrator.Orchestrator, asm *assembler.Assembler, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		store:     st,
		backend:   backend,
		orch:      orch,
		assembler: asm,
		logger:    logging.OrNop(logger),
		engine:    engine,
	}
	engine.Use(s.requestLog())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.POST("/plans/propose", s.handleProposePlan)
	s.engine.POST("/plans/approve", s.handleApprovePlan)
	s.engine.GET("/plans", s.handleListPlans)
	s.engine.GET("/plans/:id/tasks", s.handlePlanTasks)
	s.engine.POST("/plans/:id/decompose", s.handlePlanDecompose)
	s.engine.GET("/plans/:id/assembled", s.handlePlanAssembled)
	s.engine.GET("/plans/:id/runs", s.handleListRuns)

	s.engine.POST("/tasks/:id/decompose", s.handleTaskDecompose)
	s.engine.POST("/tasks/:id/execute", s.handleTaskExecute)
	s.engine.GET("/tasks/:id/output", s.handleTaskOutput)
	s.engine.POST("/tasks/:id/context/preview", s.handleContextPreview)
	s.engine.GET("/tasks/:id/context/snapshots", s.handleListSnapshots)
	s.engine.GET("/tasks/:id/context/snapshots/:label", s.handleGetSnapshot)

	s.engine.POST("/context/links", s.handleCreateLink)
	s.engine.DELETE("/context/links", s.handleDeleteLink)
	s.engine.GET("/context/links/:task_id", s.handleTaskLinks)

	s.engine.POST("/run", s.handleRun)
	s.engine.POST("/runs/:run_id/cancel", s.handleCancelRun)
	s.engine.GET("/ws/runs/:run_id", s.handleRunEvents)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.ServerAddr
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{"store": "ok", "backend": "ok"}
	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.backend.Ping(ctx); err != nil {
		checks["backend"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": statusWord(status), "checks": checks, "model": s.backend.ModelInfo()})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}
