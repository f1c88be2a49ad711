// Package api provides the REST API and WebSocket stream for Mediamend.
// It exposes catalog queries, scan triggers, repair sweep control and
// tool status.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mescon/Mediamend/internal/auth"
	"github.com/mescon/Mediamend/internal/catalog"
	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/integration"
	"github.com/mescon/Mediamend/internal/logger"
	"github.com/mescon/Mediamend/internal/services"
)

// Catalog is the read side of the catalog store used by the API.
type Catalog interface {
	Query(ctx context.Context, q catalog.Query) (catalog.Page, error)
	Stats(ctx context.Context, mediaTypes []domain.MediaType) ([]domain.MediaTypeStats, error)
	FailedPaths(ctx context.Context) ([]string, error)
	ScanHistory(ctx context.Context, limit int) ([]domain.ScanHistoryEntry, error)
}

// Reconciler runs a reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context, scope domain.MediaType, forceFull bool) (domain.ScanSummary, error)
}

// SweepController starts, observes and cancels repair sweeps.
type SweepController interface {
	Start(ctx context.Context) (*services.SweepHandle, error)
	Cancel() bool
	Progress() domain.RepairProgress
}

// EventSource is the part of the event bus the API reads from.
type EventSource interface {
	SubscribeAll(handler func(domain.Event))
	Recent(ctx context.Context, limit int) ([]domain.Event, error)
}

// DatabaseStats reports storage statistics for the catalog database.
type DatabaseStats interface {
	GetDatabaseStats(ctx context.Context) (map[string]interface{}, error)
}

// ServerDeps contains all dependencies required for the REST server
type ServerDeps struct {
	Catalog     Catalog
	Reconciler  Reconciler
	Sweeps      SweepController
	Scheduler   *services.SchedulerService
	Events      EventSource
	Metrics     http.Handler
	ToolChecker *integration.ToolChecker
	Database    DatabaseStats
	MediaTypes  []domain.MediaType
	// APIKeyHash is a bcrypt hash; empty disables authentication.
	APIKeyHash string
	// BasePath prefixes /api for reverse proxy setups ("/" for none).
	BasePath string
	Version  string
}

type RESTServer struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       ServerDeps
	hub        *WebSocketHub
	limiter    *RateLimiter
	startTime  time.Time
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	// Set Gin to release mode for production (suppresses debug warnings)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      ErrMsgInternalError,
			"request_id": reqID,
		})
	}))

	s := &RESTServer{
		router:    r,
		deps:      deps,
		limiter:   NewRateLimiter(authFailureBurst, time.Minute),
		startTime: time.Now(),
	}
	if deps.Events != nil {
		s.hub = NewWebSocketHub(deps.Events)
	}

	s.setupRoutes()
	return s
}

// Router exposes the gin engine, mainly for tests.
func (s *RESTServer) Router() http.Handler {
	return s.router
}

func (s *RESTServer) setupRoutes() {
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	base := s.router.Group(strings.TrimSuffix(s.deps.BasePath, "/"))
	api := base.Group("/api")
	{
		// Health check endpoint (no authentication required)
		api.GET("/health", s.handleHealth)

		protected := api.Group("")
		protected.Use(s.authMiddleware())
		{
			protected.GET("/stats", s.getStats)
			protected.GET("/files", s.getFiles)
			protected.GET("/files/failed", s.getFailedFiles)

			protected.GET("/scans", s.getScanHistory)
			protected.POST("/scans", s.triggerScan)

			protected.POST("/repair/sweep", s.startSweep)
			protected.GET("/repair/progress", s.getSweepProgress)
			protected.POST("/repair/cancel", s.cancelSweep)

			protected.GET("/tools", s.getTools)
			protected.GET("/schedules", s.getSchedules)
			protected.GET("/events", s.getRecentEvents)
			protected.GET("/logs/recent", s.handleRecentLogs)

			if s.hub != nil {
				protected.GET("/ws", s.hub.HandleConnection)
			}
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		respondNotFound(c, "API endpoint")
	})
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and the WebSocket hub.
func (s *RESTServer) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authFailureBurst is how many bad keys a client may present per minute.
const authFailureBurst = 10

func (s *RESTServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.APIKeyHash == "" {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if !s.limiter.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many failed authentication attempts",
				"retry_after": s.limiter.Interval().Seconds(),
			})
			return
		}

		token := requestToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authentication token provided"})
			return
		}
		if !auth.VerifyAPIKey(token, s.deps.APIKeyHash) {
			s.limiter.Spend(ip)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}
		c.Next()
	}
}

// requestToken reads the API key from the X-API-Key header, a bearer token,
// or the token query parameter (browsers cannot set headers on WebSockets).
func requestToken(c *gin.Context) string {
	if token := c.GetHeader("X-API-Key"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && token != "" {
		return token
	}
	return c.Query("token")
}
