package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/userprofile-service/internal/cache"
	"github.com/kjstillabower/userprofile-service/internal/circuitbreaker"
	"github.com/kjstillabower/userprofile-service/internal/config"
	httphandler "github.com/kjstillabower/userprofile-service/internal/http"
	"github.com/kjstillabower/userprofile-service/internal/lifecycle"
	"github.com/kjstillabower/userprofile-service/internal/observability"
	"github.com/kjstillabower/userprofile-service/internal/service"
	"github.com/kjstillabower/userprofile-service/internal/store"
)

// app holds the wired router and the resources closed at shutdown.
type app struct {
	router    http.Handler
	store     store.Store
	memcached *cache.MemcachedCache // nil unless cache.backend is memcached
}

func main() {
	lifecycle.MarkStarted(time.Now())

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := newApp(startCtx, cfg, logger)
	startCancel()
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	inFlight := httphandler.InFlightCount()
	observability.RecordShutdownInFlight(inFlight)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	a.close(logger)
	logger.Info("shutdown complete")
}

// newApp opens the store and cache named by cfg and builds the router over them.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	profileStore, err := store.Open(ctx, store.Config{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		Schema:      cfg.DatabaseSchema,
		AutoMigrate: cfg.AutoMigrate,
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.StoreBackend, err)
	}
	logger.Info("store opened", zap.String("backend", cfg.StoreBackend), zap.Bool("auto_migrate", cfg.AutoMigrate))

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "store",
			IsFailure:        service.StoreIsFailure,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("store", from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		observability.CircuitBreakerState.WithLabelValues("store").Set(0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	a := &app{store: profileStore}
	var cacheSvc cache.Cache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			_ = profileStore.Close()
			return nil, fmt.Errorf("memcached cache: %w", err)
		}
		a.memcached = mc
		cacheSvc = mc
	case "none":
		cacheSvc = cache.NoopCache{}
	default:
		cacheSvc = cache.NewInMemoryCache()
	}
	logger.Info("cache configured", zap.String("backend", cfg.CacheBackend), zap.Duration("ttl", cfg.CacheTTL))

	profileService := service.NewUserProfileService(profileStore, cacheSvc, service.Options{
		CacheTTL:        cfg.CacheTTL,
		CoalesceTimeout: cfg.CoalesceTimeout,
		Breaker:         breaker,
	})

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
	}
	if a.memcached != nil {
		healthConfig.CachePing = a.memcached.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting disabled")
	}
	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	handler := httphandler.NewHandler(profileService, healthConfig, httphandler.PageConfig{
		DefaultSize: cfg.PageDefaultSize,
		MaxSize:     cfg.PageMaxSize,
	}, logger)
	a.router = httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout:     cfg.RequestTimeout,
		Limiter:            limiter,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	return a, nil
}

func (a *app) close(logger *zap.Logger) {
	if a.memcached != nil {
		if err := a.memcached.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
}
