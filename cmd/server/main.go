package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leaf-api/internal/app"
	"github.com/Brownie44l1/leaf-api/internal/cache"
	"github.com/Brownie44l1/leaf-api/internal/config"
	"github.com/Brownie44l1/leaf-api/internal/handlers"
	"github.com/Brownie44l1/leaf-api/internal/logger"
	"github.com/Brownie44l1/leaf-api/internal/metrics"
	"github.com/Brownie44l1/leaf-api/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	classifier, err := app.NewPipeline(cfg.Model, app.OpenONNX, log)
	if err != nil {
		log.Fatal("failed to build pipeline", zap.Error(err))
	}
	defer model.Shutdown()
	defer classifier.Close()

	log.Info("loading model", zap.String("path", cfg.Model.Path))
	if err := classifier.Init(); err != nil {
		// Keep serving: /health reports the fault and /predict answers 503
		// until POST /model/reload succeeds. Labels and the manifest are
		// re-read on reload too.
		log.Error("model unavailable", zap.Error(err))
	}

	if cfg.CacheEnable {
		redisCache := cache.NewRedisCache(
			cfg.RedisConfig.Addr,
			cfg.RedisConfig.Password,
			cfg.RedisConfig.DB,
			cfg.RedisConfig.TTL,
		)
		defer redisCache.Close()
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unreachable, cache misses until it recovers", zap.Error(err))
		}
		classifier.SetCache(redisCache)
		log.Info("set redis as cache", zap.String("addr", cfg.RedisConfig.Addr))
	}

	h := handlers.NewHandler(classifier, log, cfg.Server.MaxUploadBytes)

	r := chi.NewRouter()
	r.Use([]func(http.Handler) http.Handler{
		middleware.RequestID,
		handlers.RequestLogger(log),
		middleware.Recoverer,
		handlers.CORS,
		middleware.Timeout(cfg.Server.Timeout),
		metrics.Middleware,
	}...)

	h.Routes(r, middleware.ThrottleBacklog(cfg.Server.ThrottleLimit, cfg.Server.ThrottleBacklog, cfg.Server.Timeout))
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		log.Info("server started",
			zap.String("port", cfg.Server.Port),
			zap.Strings("classes", classifier.Labels()),
			zap.Strings("endpoints", []string{
				"GET /health",
				"GET /labels",
				"POST /predict",
				"POST /predict/image",
				"POST /model/reload",
				"GET /metrics",
			}))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}
