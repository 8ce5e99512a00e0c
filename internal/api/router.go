package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/sovsapp/enroll/internal/app"
	iauth "github.com/sovsapp/enroll/internal/auth"
	"github.com/sovsapp/enroll/internal/cache"
	"github.com/sovsapp/enroll/internal/handlers"
	"github.com/sovsapp/enroll/internal/middleware"
	"github.com/sovsapp/enroll/internal/realtime"
	"github.com/sovsapp/enroll/internal/register"
	"github.com/sovsapp/enroll/internal/verify"
	"github.com/sovsapp/enroll/internal/workflow"
)

// Dependencies bundles the wired services the router exposes.
type Dependencies struct {
	DB       *gorm.DB
	Store    cache.Store
	Tokens   *iauth.TokenService
	Manager  *workflow.Manager
	Verify   *verify.Client
	Register *register.Client
	Hub      *realtime.Hub
}

// NewRouter builds the Gin engine, wires middleware and registers the wizard routes.
func NewRouter(cfg *app.Config, deps Dependencies) (*gin.Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token service must be provided")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("workflow manager must be provided")
	}
	if deps.Verify == nil || deps.Register == nil {
		return nil, fmt.Errorf("verification and registration clients must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	if limit := cfg.Server.RateLimit; limit.Enabled {
		r.Use(middleware.RateLimit(deps.Store, limit.MaxRequests, limit.Window))
	}

	r.NoRoute(middleware.NotFoundHandler)

	// Public endpoints
	if cfg.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health(deps.DB))
	}
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	flowHandler := handlers.NewFlowHandler(deps.Manager, deps.Tokens, deps.Verify)
	verificationHandler := handlers.NewVerificationHandler(deps.Manager, deps.Verify)
	registrationHandler := handlers.NewRegistrationHandler(deps.Manager, deps.Register)

	// Opening a flow is the only unauthenticated wizard action; it returns
	// the token every other route requires.
	r.POST("/api/flows", flowHandler.Create)

	requireFlow := middleware.FlowAuth(deps.Tokens)

	api := r.Group("/api", requireFlow)
	{
		flows := api.Group("/flows")
		{
			flows.GET("/current", flowHandler.Current)
			flows.POST("/terms", flowHandler.AcceptTerms)
			flows.POST("/reset", flowHandler.Reset)
		}

		verification := api.Group("/verification")
		{
			verification.POST("/sessions", verificationHandler.CreateSession)
			verification.GET("/sessions/current", verificationHandler.CurrentSession)
			verification.GET("/sessions/current/qr", verificationHandler.SessionQR)
			verification.POST("/confirm", verificationHandler.Confirm)
			verification.GET("/callback", verificationHandler.Callback)
		}

		registration := api.Group("/registration")
		{
			registration.POST("/checks", registrationHandler.CheckAvailability)
			registration.POST("/password-strength", registrationHandler.PasswordStrength)
			registration.POST("/details", registrationHandler.SubmitDetails)
			registration.POST("/complete", registrationHandler.Complete)
		}
	}

	if deps.Hub != nil {
		realtimeHandler := handlers.NewRealtimeHandler(deps.Hub)
		r.GET("/ws/flows", requireFlow, realtimeHandler.Stream)
	}

	return r, nil
}
