package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	config "github.com/adamchainz/django-mysql-sub000/configs"
	"github.com/adamchainz/django-mysql-sub000/internal/application/services"
	"github.com/adamchainz/django-mysql-sub000/internal/core/ports"
	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/db"
	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/health"
	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/httpserver"
	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/iterator"
	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/mysqlcache"
	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/mysqllock"
	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/mysqlstatus"
	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/repositories"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	logger := newLogger(cfg.Log)
	logger.Info("Starting MySQL cache server...")

	database, err := db.NewDatabaseWithConfig(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database:", err)
	}
	defer database.Close()

	logger.Info("Connected to database successfully")

	// The embedded migration creates the default table; other tables are
	// created on demand when CACHE_CREATE_TABLE is set.
	if err := database.Migrate(cfg.Database.MigrationsPath); err != nil {
		logger.Warn("Failed to run migrations:", err)
	}
	if cfg.Cache.CreateTable {
		if err := database.EnsureCacheTable(context.Background(), cfg.Cache.Table); err != nil {
			logger.Fatal("Failed to create cache table:", err)
		}
	}

	cacheCfg := mysqlcache.DefaultConfig(cfg.Cache.Table)
	cacheCfg.KeyPrefix = cfg.Cache.KeyPrefix
	cacheCfg.Version = cfg.Cache.Version
	cacheCfg.DefaultTimeout = cfg.Cache.DefaultTimeout
	cacheCfg.CompressMinLength = cfg.Cache.CompressMinLength
	cacheCfg.CompressLevel = cfg.Cache.CompressLevel
	cacheCfg.CullProbability = cfg.Cache.CullProbability
	cacheCfg.MaxEntries = cfg.Cache.MaxEntries
	cacheCfg.CullFrequency = cfg.Cache.CullFrequency

	cache, err := mysqlcache.New(database.DB, cacheCfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache:", err)
	}

	maintenance, err := newMaintenance(database, cache, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache maintenance:", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go maintenance.Run(ctx)

	hcSlice := []ports.HealthChecker{
		health.NewDBHealthChecker(database),
		health.NewCacheHealthChecker(cache.Table(), cache),
	}

	serverConfig := &httpserver.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		TLSCertFile:    cfg.Server.TLSCertFile,
		TLSKeyFile:     cfg.Server.TLSKeyFile,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Environment:    cfg.Server.Environment,
	}

	deps := httpserver.ServerDeps{
		Cache:          services.NewCacheService(cache, logger),
		Maintenance:    maintenance,
		HealthCheckers: hcSlice,
	}
	if cfg.RateLimit.RequestsPerWindow > 0 {
		deps.RateLimiter = services.NewRateLimiterService(
			repositories.NewRateLimitCacheRepository(cache),
			&services.RateLimiterConfig{
				RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
				BurstMultiplier:   cfg.RateLimit.BurstMultiplier,
				Window:            cfg.RateLimit.Window,
				KeyPrefix:         cfg.RateLimit.KeyPrefix,
			},
			logger,
		)
	}

	server := httpserver.NewServer(serverConfig, logger, deps)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown:", err)
	}

	logger.Info("Server exited")
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// newMaintenance wires the background cull: a named lock so one process
// culls at a time, and a chunked walk over the table throttled on
// Threads_running when configured.
func newMaintenance(database *db.Database, cache *mysqlcache.MySQLCache, cfg *config.Config, logger *logrus.Logger) (*services.CacheMaintenanceService, error) {
	lock := mysqllock.New(database.DB, "cull:"+cache.Table(),
		mysqllock.WithTimeout(cfg.Maintenance.LockTimeout),
		mysqllock.WithLogger(logger),
	)

	opts := iterator.Options{
		Table:  cache.Table(),
		PK:     "cache_key",
		Logger: logger,
	}
	if cfg.Maintenance.ThrottleRunning > 0 {
		opts.Throttle = mysqlstatus.NewGlobalStatus(database.DB, logger)
		opts.Thresholds = map[string]int64{"Threads_running": cfg.Maintenance.ThrottleRunning}
	}
	walker, err := iterator.New(database.DB, opts)
	if err != nil {
		return nil, err
	}

	return services.NewCacheMaintenanceService(cache, lock, walker, cfg.Maintenance.CullInterval, logger), nil
}
