// Package api exposes the engine over HTTP for the frontend and operators.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"tradebot-core/internal/monitor"
	"tradebot-core/internal/registry"
	"tradebot-core/pkg/crypto"
	"tradebot-core/pkg/db"
)

// Server wires the HTTP surface around the engine services.
type Server struct {
	auth      *Auth
	queries   *db.UserQueries
	registry  *registry.Registry
	encryptor *crypto.Encryptor
	monitor   *monitor.Monitor

	httpServer *http.Server
}

// NewServer builds the router and its middleware stack.
func NewServer(addr string, auth *Auth, queries *db.UserQueries, reg *registry.Registry,
	encryptor *crypto.Encryptor, mon *monitor.Monitor) *Server {
	s := &Server{
		auth:      auth,
		queries:   queries,
		registry:  reg,
		encryptor: encryptor,
		monitor:   mon,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), CORS(), RateLimit(rate.Limit(20), 40))

	router.GET("/healthz", s.healthz)

	auth1 := router.Group("/api/auth")
	{
		auth1.POST("/register", s.register)
		auth1.POST("/login", s.login)
	}

	authed := router.Group("/api", RequireAuth(auth))
	{
		authed.POST("/credentials", s.upsertVenueCredential)
		authed.POST("/bots", s.createBot)
		authed.DELETE("/bots/:id", s.stopBot)
		authed.GET("/bots/:id/status", s.botStatus)
		authed.GET("/bots/:id/blocked-balance", s.blockedBalance)
		authed.GET("/wallets", s.listWallets)
		authed.GET("/orders", s.listOrders)
		authed.GET("/system/metrics", s.systemMetrics)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Printf("api: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
