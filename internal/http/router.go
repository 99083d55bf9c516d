package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/staticip-service/internal/config"
	"go.uber.org/zap"
)

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
	logger  *zap.Logger

	// Per user: 60 requests a minute overall, 20 rule or release writes a minute
	userLimiter  *RateLimiter
	writeLimiter *RateLimiter
}

func NewServer(cfg *config.Config, handler *Handler, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger.Named("http")))

	s := &Server{
		router:       router,
		handler:      handler,
		cfg:          cfg,
		logger:       logger,
		userLimiter:  NewRateLimiter(60, time.Minute),
		writeLimiter: NewRateLimiter(20, time.Minute),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "staticip-service",
		})
	})

	// Internal API - called by subscription-service and the purchase flow
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/subscriptions/events", s.handler.SubscriptionEvent)

		internal.POST("/allocations", s.handler.CreateAllocation)
		internal.GET("/allocations/:id", s.handler.GetAllocation)
		internal.DELETE("/allocations/:id", s.handler.ReleaseAllocation)
		internal.POST("/allocations/:id/advance", s.handler.AdvanceAllocation)

		internal.POST("/addons", s.handler.AttachAddon)
		internal.DELETE("/addons/:id", s.handler.CancelAddon)
	}

	// Callback API - called by the network agent
	callback := s.router.Group("/api/callback")
	callback.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		callback.POST("/allocations/configured", s.handler.AllocationConfigured)
		callback.POST("/allocations/failed", s.handler.AllocationFailed)
		callback.POST("/rules/configured", s.handler.RuleConfigured)
		callback.POST("/rules/failed", s.handler.RuleFailed)
	}

	// User API - requires JWT authentication
	user := s.router.Group("/api/v1/my")
	user.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	user.Use(RateLimitMiddleware(s.userLimiter))
	{
		user.GET("/allocations", s.handler.GetMyAllocations)
		user.DELETE("/allocations/:id", RateLimitMiddleware(s.writeLimiter), s.handler.ReleaseMyAllocation)
		user.GET("/allocations/:id/rules", s.handler.GetMyRules)
		user.POST("/allocations/:id/rules", RateLimitMiddleware(s.writeLimiter), s.handler.AddMyRule)
		user.GET("/allocations/:id/quota", s.handler.GetMyQuota)
		user.DELETE("/rules/:id", RateLimitMiddleware(s.writeLimiter), s.handler.DeleteMyRule)
		user.GET("/addons", s.handler.GetMyAddons)
	}

	// Internal Admin API (called by user-portal)
	admin := s.router.Group("/api/internal/admin")
	admin.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		admin.GET("/pool/utilization", s.handler.PoolUtilization)
		admin.GET("/allocations/stale", s.handler.StaleAllocations)
		admin.GET("/rules/pending", s.handler.PendingRules)
		admin.GET("/addons/expiring", s.handler.ExpiringAddons)
		admin.GET("/addons/orphaned", s.handler.OrphanedAddons)
	}
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("shutting down http server")
	return srv.Shutdown(shutdownCtx)
}
