package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/config"
	"github.com/kjstillabower/weather-lookup-service/internal/geolocation"
	httphandler "github.com/kjstillabower/weather-lookup-service/internal/http"
	"github.com/kjstillabower/weather-lookup-service/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
	"github.com/kjstillabower/weather-lookup-service/internal/widget"
)

const breakerName = "openweather"

func main() {
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

	shutdownTracing, err := observability.SetupTracing(cfg.TracingZipkinURL, cfg.TracingServiceName)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Name:             breakerName,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(name, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
			// a rejected query says nothing about upstream health
			IsFailure: func(err error) bool {
				return err != nil && !errors.Is(err, client.ErrBadRequest)
			},
		})
		observability.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, client.Options{
		Timeout:        cfg.WeatherAPITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Breaker:        breaker,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	backend, err := openStorage(cfg)
	if err != nil {
		logger.Fatal("cache storage", zap.String("backend", cfg.CacheBackend), zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", backend.storage.Backend()))

	var warm cache.Cache
	if cfg.WarmEnabled {
		warm = backend.storage.Open(cache.WarmNamespace)
	}
	weatherService := service.NewWeatherService(weatherClient, service.Options{
		Coalesce: cfg.CoalesceEnabled,
		Warm:     warm,
	})

	registry := widget.NewRegistry(weatherService, backend.storage, logger, cfg.SessionIdleTTL)

	healthConfig := &httphandler.HealthConfig{
		Window:           cfg.HealthWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		Breaker:          breaker,
		CachePing:        backend.ping,
	}
	if cfg.HealthCheckAPIKey {
		healthConfig.APIKeyCheck = weatherClient.ValidateAPIKey
	}
	handler := httphandler.NewHandler(registry, logger, httphandler.Options{
		Locator:    newLocator(cfg),
		CookieName: cfg.SessionCookieName,
		Health:     healthConfig,
	})

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
	})
	observability.RegisterTrafficGauges(cfg.HealthWindow)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go registry.RunJanitor(bgCtx, cfg.SessionIdleTTL/2)
	if backend.prune != nil {
		go runPrune(bgCtx, logger, backend.prune, cfg.SessionIdleTTL)
	}

	if cfg.WarmEnabled {
		locations, err := parseLocations(cfg.WarmLocations)
		if err != nil {
			logger.Fatal("warm locations", zap.Error(err))
		}
		warmer := cache.NewCacheWarmer(weatherService, logger, cfg.WarmConcurrency)
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(bgCtx, locations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic cache warming stopped", zap.Error(err))
				}
			}()
		} else {
			warmCtx, warmCancel := context.WithTimeout(bgCtx, 30*time.Second)
			if err := warmer.Warm(warmCtx, locations); err != nil {
				logger.Warn("cache warming failed", zap.Error(err))
			}
			warmCancel()
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	lifecycle.MarkStarted(time.Now())
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("geolocation", cfg.GeolocationProvider))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	bgCancel()

	if err := registry.Close(shutdownCtx); err != nil {
		logger.Warn("session cleanup", zap.Error(err))
	}
	if backend.close != nil {
		if err := backend.close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}
	if err := observability.FlushTelemetry(shutdownCtx, logger, shutdownTracing); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// storageBackend bundles a cache.Storage with the optional hooks its backend supports.
type storageBackend struct {
	storage cache.Storage
	ping    func(ctx context.Context) error
	prune   func(ctx context.Context, cutoff time.Time) (int64, error)
	close   func() error
}

func openStorage(cfg *config.Config) (*storageBackend, error) {
	opts := []cache.Option{cache.WithFreshness(cfg.CacheFreshness)}
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedStorage(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.SessionIdleTTL, opts...)
		if err != nil {
			return nil, err
		}
		return &storageBackend{
			storage: mc,
			ping:    func(context.Context) error { return mc.Ping() },
			close:   mc.Close,
		}, nil
	case "sqlite":
		db, err := cache.NewSQLiteStorage(cfg.SQLitePath, opts...)
		if err != nil {
			return nil, err
		}
		return &storageBackend{
			storage: db,
			ping:    func(context.Context) error { return db.Ping() },
			prune:   db.Prune,
			close:   db.Close,
		}, nil
	default:
		return &storageBackend{storage: cache.NewInMemoryStorage(opts...)}, nil
	}
}

// newLocator returns the server-side locator for the first page load, or nil
// when the page should ask the browser.
func newLocator(cfg *config.Config) geolocation.Locator {
	switch cfg.GeolocationProvider {
	case config.GeoStatic:
		return geolocation.Static{Coords: models.Coordinates{Lat: cfg.GeolocationLat, Lon: cfg.GeolocationLon}}
	case config.GeoIPAPI:
		return geolocation.NewIPAPI(cfg.IPAPIURL, cfg.GeolocationTimeout)
	case config.GeoNone:
		return geolocation.Unsupported{}
	default:
		return nil
	}
}

func parseLocations(raw []string) ([]cache.Location, error) {
	locations := make([]cache.Location, 0, len(raw))
	for _, s := range raw {
		loc, err := cache.ParseLocation(s)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// runPrune deletes sqlite rows older than maxAge so abandoned namespaces do not accumulate.
func runPrune(ctx context.Context, logger *zap.Logger, prune func(context.Context, time.Time) (int64, error), maxAge time.Duration) {
	ticker := time.NewTicker(maxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := prune(ctx, time.Now().Add(-maxAge))
			if err != nil {
				logger.Warn("cache prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("pruned cache rows", zap.Int64("rows", n))
			}
		}
	}
}
