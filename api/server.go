// Package api exposes scan sessions over HTTP. Tasks are persisted in Redis,
// queued on a Redis list and executed by a pool of workers that drive the
// probe engine.
//
//	@title						recon API
//	@version					1.0
//	@description				Asynchronous host and port discovery over raw probes.
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	ApiKeyAuth
//	@in							header
//	@name						Authorization
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"recon/config"
	_ "recon/docs"
	"recon/logging"
	"recon/scanner"
)

// NewRouter builds the HTTP handler. A nil limiter disables rate limiting
// and an empty key disables authentication.
func NewRouter(cfg config.APIConfig, server *Server, limiter HitCounter, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestIDMiddleware(), RequestLoggingMiddleware(logger), gin.Recovery(), SecurityHeadersMiddleware())
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := router.Group("/api/v1")
	if cfg.APIKey != "" {
		v1.Use(AuthMiddleware(cfg.APIKey, logger))
	} else {
		logger.Warn("API key not configured, authentication disabled")
	}
	if limiter != nil && cfg.RateLimit > 0 {
		v1.Use(RateLimitMiddleware(limiter, cfg.RateLimit, cfg.RateWindow.Duration, logger))
	}
	server.RegisterRoutes(v1)
	return router
}

// Run initializes dependencies and serves until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	logger := logging.Configure(cfg.Logging())
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.API.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.API.RedisAddr, err)
	}

	reg, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("failed to load services: %w", err)
	}
	base, err := cfg.ScanOptions(reg)
	if err != nil {
		return fmt.Errorf("invalid scan configuration: %w", err)
	}

	engine := scanner.NewEngine()
	engine.Services = reg
	engine.Logger = logger

	store := NewRedisStore(redisClient)
	planner := NewPlanner(base, reg)
	sessions := NewSessions()

	pool := NewWorkerPool(store, engine, planner, sessions, logger)
	waitWorkers := pool.Start(ctx, cfg.API.Workers)

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           NewRouter(cfg.API, NewServer(store, planner, sessions, logger), RedisCounter{Client: redisClient}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting recon API server", "addr", cfg.API.Addr, "workers", cfg.API.Workers)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		stop()
		waitWorkers()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	waitWorkers()
	return err
}
