// Package api is the HTTP and SSE edge of the trading core: trade entry,
// account state reads, control endpoints and per-account event streams.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deriv-trading-core/config"
	"deriv-trading-core/internal/auth"
	"deriv-trading-core/internal/circuit"
	"deriv-trading-core/internal/contracts"
	"deriv-trading-core/internal/database"
	"deriv-trading-core/internal/deriv"
	"deriv-trading-core/internal/events"
	"deriv-trading-core/internal/execution"
	"deriv-trading-core/internal/logging"
	"deriv-trading-core/internal/recovery"
	"deriv-trading-core/internal/regime"
	"deriv-trading-core/internal/risk"
	"deriv-trading-core/internal/vault"
)

// Deps carries everything the edge exposes
type Deps struct {
	Repo     *database.Repository
	Trader   *execution.Trader
	Sessions *deriv.SessionManager
	Vault    *vault.Client
	Index    *contracts.Index
	PnL      *contracts.PnLTracker
	Cache    *risk.Cache
	Manager  *risk.Manager
	Breakers *circuit.Registry
	Recovery *recovery.Engine
	Regimes  *regime.Detector
	Bus      *events.EventBus
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	deps       Deps
	hub        *Hub
	jwt        *auth.JWTManager
	log        *logging.Logger
}

// NewServer wires routes, stream broadcasting and auth
func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		cfg:    cfg,
		deps:   deps,
		hub:    NewHub(),
		jwt:    auth.NewJWTManager(authCfg.JWTSecret),
		log:    logging.WithComponent("api"),
	}

	// Core packages push per-account updates through these callbacks
	events.SetBroadcastPnL(func(accountID string, data interface{}) {
		s.hub.Broadcast(accountID, "pnl", data)
	})
	events.SetBroadcastBotRun(func(accountID string, data interface{}) {
		s.hub.Broadcast(accountID, "bot_run", data)
	})
	events.SetBroadcastCircuitBreaker(func(accountID string, data interface{}) {
		s.hub.Broadcast(accountID, "circuit_breaker", data)
	})
	if deps.Bus != nil {
		deps.Bus.SubscribeAll(func(e events.Event) {
			if e.AccountID != "" {
				s.hub.Broadcast(e.AccountID, "event", e)
			}
		})
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", auth.Middleware(s.jwt, authCfg.Enabled))
	acct := v1.Group("/accounts/:accountId", auth.RequireAccount())
	{
		acct.POST("/trades", s.handleOpenTrade)
		acct.GET("/positions", s.handlePositions)
		acct.GET("/pnl", s.handlePnL)
		acct.GET("/risk", s.handleRiskState)
		acct.PUT("/risk/policy", s.handleSetPolicy)
		acct.POST("/kill-switch", s.handleKillSwitch)
		acct.PUT("/token", s.handleStoreToken)
		acct.GET("/recovery", s.handleRecoveryState)
		acct.GET("/regime", s.handleRegimeState)
		acct.POST("/runs", s.handleStartRun)
		acct.POST("/runs/:runId/stop", s.handleStopRun)
		acct.GET("/stream", s.handleStream)
	}

	return s
}

// Start begins serving. Blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: 0, // SSE streams stay open indefinitely
	}
	s.log.Info("api server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}
