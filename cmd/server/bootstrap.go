package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sovsapp/enroll/internal/api"
	"github.com/sovsapp/enroll/internal/app"
	"github.com/sovsapp/enroll/internal/app/maintenance"
	iauth "github.com/sovsapp/enroll/internal/auth"
	"github.com/sovsapp/enroll/internal/authapi"
	"github.com/sovsapp/enroll/internal/cache"
	"github.com/sovsapp/enroll/internal/database"
	"github.com/sovsapp/enroll/internal/realtime"
	"github.com/sovsapp/enroll/internal/register"
	"github.com/sovsapp/enroll/internal/remote"
	"github.com/sovsapp/enroll/internal/verify"
	"github.com/sovsapp/enroll/internal/workflow"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB       *gorm.DB
	Store    cache.Store
	Manager  *workflow.Manager
	Cleaner  *maintenance.Cleaner
	Router   *gin.Engine
	stopHub  context.CancelFunc
}

// bootstrapRuntime initialises the database, cache, remote clients, workflow
// manager and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Store, err = app.BuildCacheStore(cfg.Cache, stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise cache store: %w", err)
	}

	tokens, err := iauth.NewTokenService(iauth.TokenConfig{
		Secret: cfg.Auth.Token.Secret,
		Issuer: cfg.Auth.Token.Issuer,
		TTL:    cfg.Auth.Token.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise token service: %w", err)
	}

	// Snapshots persist in the primary database so interrupted flows survive
	// process restarts within the recovery window.
	recovery := workflow.NewDatabaseRecovery(stack.DB,
		workflow.WithDatabaseRecoveryWindow(cfg.Flow.RecoveryWindow))
	stack.Manager = workflow.NewManager(recovery)

	caller := remote.NewCaller()

	backendOpts := []remote.HTTPOption{}
	if cfg.Backend.APIKey != "" {
		backendOpts = append(backendOpts, remote.WithHeader("Authorization", "Bearer "+cfg.Backend.APIKey))
	}
	backendClient, err := remote.NewHTTPClient(cfg.Backend.FunctionsURL, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise backend client: %w", err)
	}

	verifyClient, err := verify.NewClient(backendClient, caller, stack.Store)
	if err != nil {
		return nil, fmt.Errorf("initialise verification client: %w", err)
	}

	authOpts := []remote.HTTPOption{}
	if cfg.Auth.APIKey != "" {
		authOpts = append(authOpts, remote.WithHeader("apikey", cfg.Auth.APIKey))
	}
	authHTTP, err := remote.NewHTTPClient(cfg.Auth.ProviderURL, authOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise auth provider client: %w", err)
	}
	signup, err := authapi.NewClient(authHTTP, caller)
	if err != nil {
		return nil, fmt.Errorf("initialise auth client: %w", err)
	}

	registerClient, err := register.NewClient(backendClient, signup, caller, stack.Store)
	if err != nil {
		return nil, fmt.Errorf("initialise registration client: %w", err)
	}

	var dbStore *cache.DatabaseStore
	if store, ok := stack.Store.(*cache.DatabaseStore); ok {
		dbStore = store
	}
	stack.Cleaner = maintenance.NewCleaner(dbStore, recovery,
		maintenance.WithSchedule(cfg.Flow.CleanupSchedule),
		maintenance.WithFlowSweep(stack.Manager, cfg.Flow.RecoveryWindow))
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	hub := realtime.NewHub()
	hubCtx, stopHub := context.WithCancel(ctx)
	stack.stopHub = stopHub
	go hub.Run(hubCtx, stack.Manager)

	stack.Router, err = api.NewRouter(cfg, api.Dependencies{
		DB:       stack.DB,
		Store:    stack.Store,
		Tokens:   tokens,
		Manager:  stack.Manager,
		Verify:   verifyClient,
		Register: registerClient,
		Hub:      hub,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown releases everything the bootstrap acquired, tolerating partial
// initialisation.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.stopHub != nil {
		s.stopHub()
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if err := s.Cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if rc, ok := s.Store.(*cache.RedisClient); ok && rc != nil {
		_ = rc.Close()
	}

	closeDatabase(s.DB, log)
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	db, err := database.Open(convertDatabaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	out := database.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
	}

	switch {
	case cfg.Database.Postgres.Enabled:
		out.Driver = "postgres"
		out.Host = cfg.Database.Postgres.Host
		out.Port = cfg.Database.Postgres.Port
		out.Name = cfg.Database.Postgres.Database
		out.User = cfg.Database.Postgres.Username
		out.Password = cfg.Database.Postgres.Password
	case cfg.Database.MySQL.Enabled:
		out.Driver = "mysql"
		out.Host = cfg.Database.MySQL.Host
		out.Port = cfg.Database.MySQL.Port
		out.Name = cfg.Database.MySQL.Database
		out.User = cfg.Database.MySQL.Username
		out.Password = cfg.Database.MySQL.Password
	}

	return out
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("retrieve database handle", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
