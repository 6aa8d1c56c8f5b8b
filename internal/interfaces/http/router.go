package http

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/CareCircle/internal/interfaces/http/handlers"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// RouterConfig aggregates the handler and middleware dependencies of the
// route tree. Nil handlers leave their routes unregistered.
type RouterConfig struct {
	Family     *handlers.FamilyHandler
	Activity   *handlers.ActivityHandler
	Presence   *handlers.PresenceHandler
	Conflict   *handlers.ConflictHandler
	Invitation *handlers.InvitationHandler
	Grant      *handlers.GrantHandler
	Sync       *handlers.SyncHandler
	Stream     *handlers.StreamHandler
	Health     *handlers.HealthHandler

	Verifier    middleware.TokenVerifier
	CORS        *middleware.CORSConfig
	RateLimiter *middleware.RateLimiter
	Logging     middleware.LoggingConfig

	Logger           logging.Logger
	Metrics          *prometheus.CareMetrics
	MetricsCollector prometheus.MetricsCollector
	MetricsPath      string
}

// NewRouter builds the route tree: public probes and metrics at the root,
// the authenticated API under /api/v1.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestIDMiddleware())
	r.Use(recovery(logger))
	if cfg.CORS != nil {
		r.Use(middleware.CORS(*cfg.CORS))
	}
	r.Use(middleware.RequestLogging(logger, cfg.Logging))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}

	r.NoRoute(func(c *gin.Context) {
		middleware.AbortWithError(c, errors.NotFound("route not found"))
	})
	r.NoMethod(func(c *gin.Context) {
		middleware.AbortWithError(c, errors.New(errors.ErrCodeBadRequest, "method not allowed"))
	})

	if cfg.Health != nil {
		r.GET("/healthz", cfg.Health.Liveness)
		r.GET("/readyz", cfg.Health.Readiness)
	}
	if cfg.MetricsCollector != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(cfg.MetricsCollector.Handler()))
	}

	api := r.Group("/api/v1")
	if cfg.Verifier != nil {
		api.Use(middleware.Auth(cfg.Verifier, logger))
	}
	if cfg.RateLimiter != nil {
		api.Use(cfg.RateLimiter.Handler())
	}

	registerFamilyRoutes(api, cfg)
	registerInvitationRoutes(api, cfg.Invitation)
	if cfg.Conflict != nil {
		api.GET("/conflict-policy", cfg.Conflict.Policy)
	}
	return r
}

func registerFamilyRoutes(api *gin.RouterGroup, cfg RouterConfig) {
	fams := api.Group("/families")
	if h := cfg.Family; h != nil {
		fams.GET("", h.List)
		fams.POST("", h.Create)
		fams.GET("/:familyID", h.Get)
		fams.POST("/:familyID/archive", h.Archive)
		fams.GET("/:familyID/children", h.ListChildren)
		fams.POST("/:familyID/children", h.AddChild)
		fams.GET("/:familyID/members", h.ListMembers)
		fams.DELETE("/:familyID/members/:memberID", h.RemoveMember)
	}

	fam := fams.Group("/:familyID")
	if h := cfg.Activity; h != nil {
		fam.GET("/activities", h.Feed)
		fam.POST("/children/:childID/activities", h.Append)
		fam.POST("/children/:childID/photos", h.PhotoUpload)
		fam.GET("/export", h.Export)
		fam.GET("/analytics", h.Summary)
	}
	if h := cfg.Presence; h != nil {
		fam.GET("/presence", h.List)
		fam.POST("/presence/heartbeat", h.Heartbeat)
	}
	if h := cfg.Stream; h != nil {
		fam.GET("/activities/stream", h.Activity)
		fam.GET("/presence/stream", h.Presence)
	}
	if h := cfg.Conflict; h != nil {
		fam.GET("/conflicts", h.List)
		fam.GET("/conflicts/:conflictID", h.Get)
		fam.POST("/conflicts/:conflictID/resolve", h.Resolve)
	}
	if h := cfg.Invitation; h != nil {
		fam.GET("/invitations", h.List)
		fam.POST("/invitations", h.Create)
		fam.DELETE("/invitations/:invitationID", h.Revoke)
	}
	if h := cfg.Grant; h != nil {
		fam.POST("/members/:memberID/capabilities/:capability", h.Grant)
		fam.DELETE("/members/:memberID/capabilities/:capability", h.Revoke)
		fam.PUT("/members/:memberID/expiry", h.SetExpiry)
		fam.PUT("/members/:memberID/scope", h.SetChildScope)
	}
	if h := cfg.Sync; h != nil {
		fam.POST("/sync", h.Sync)
	}
}

func registerInvitationRoutes(api *gin.RouterGroup, h *handlers.InvitationHandler) {
	if h == nil {
		return
	}
	api.POST("/invitations/accept", h.Accept)
}

func recovery(logger logging.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec interface{}) {
		logger.Error("panic recovered",
			logging.String("path", c.Request.URL.Path),
			logging.String("request_id", middleware.RequestID(c)),
			logging.Any("panic", rec))
		middleware.AbortWithError(c, errors.Internal(fmt.Sprint(rec)))
	})
}
