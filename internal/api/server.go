// Package api serves the operator dashboard: a small authenticated JSON API
// over gin plus a WebSocket event stream. Everything here is read-only; the
// engine is driven through Telegram, not HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/auth"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/engine"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/events"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

// EngineAPI is the engine surface the dashboard reads.
type EngineAPI interface {
	Status() engine.Status
	Diagnostics() []engine.PairDiagnostic
	RecentDiagnostics(n int) []engine.PairDiagnostic
	Positions(ctx context.Context) ([]engine.PositionView, error)
}

// Store is the repository slice the API reads.
type Store interface {
	GetRecentEvents(ctx context.Context, limit int) ([]*database.BotEvent, error)
}

// Server is the HTTP API plus the WebSocket hub.
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	authsvc    *auth.Service
	eng        EngineAPI
	store      Store
	hub        *Hub
	logger     zerolog.Logger
}

func NewServer(cfg config.ServerConfig, authsvc *auth.Service, eng EngineAPI, store Store, bus *events.EventBus) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{cfg.AllowedOrigins}
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:     cfg,
		router:  router,
		authsvc: authsvc,
		eng:     eng,
		store:   store,
		hub:     NewHub(),
		logger:  logging.Component("api"),
	}
	s.routes()

	// Every bus event reaches connected dashboards.
	bus.SubscribeAll(s.hub.BroadcastEvent)
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/auth/token", s.handleToken)
	s.router.GET("/ws", s.handleWS)

	authed := s.router.Group("/api", s.requireToken())
	authed.GET("/status", s.handleStatus)
	authed.GET("/diagnostics", s.handleDiagnostics)
	authed.GET("/positions", s.handlePositions)
	authed.GET("/events", s.handleEvents)
}

// Start runs the hub and the HTTP listener. Blocks until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	timeout := time.Duration(s.cfg.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleToken(c *gin.Context) {
	var req struct {
		APIKey string `json:"api_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key required"})
		return
	}
	token, expiresIn, err := s.authsvc.IssueToken(req.APIKey)
	if err != nil {
		s.logger.Warn().Str("remote", c.ClientIP()).Msg("Token request rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": expiresIn,
	})
}

// requireToken accepts "Authorization: Bearer <jwt>".
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		const prefix = "Bearer "
		header := c.GetHeader("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if err := s.authsvc.ValidateToken(header[len(prefix):]); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Status())
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			c.JSON(http.StatusOK, s.eng.RecentDiagnostics(n))
			return
		}
	}
	c.JSON(http.StatusOK, s.eng.Diagnostics())
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.eng.Positions(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Positions query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "positions unavailable"})
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	rows, err := s.store.GetRecentEvents(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Events query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "events unavailable"})
		return
	}
	c.JSON(http.StatusOK, rows)
}
