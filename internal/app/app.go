// Package app wires configuration into a running loyalty engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loyalty-engine/internal/cache"
	"loyalty-engine/internal/catalog"
	"loyalty-engine/internal/config"
	"loyalty-engine/internal/customer"
	"loyalty-engine/internal/database"
	"loyalty-engine/internal/events"
	"loyalty-engine/internal/features"
	"loyalty-engine/internal/handler"
	"loyalty-engine/internal/loyalty"
	"loyalty-engine/internal/metrics"
	"loyalty-engine/internal/middleware"
	"loyalty-engine/internal/service"
	"loyalty-engine/internal/square"
	"loyalty-engine/internal/tracing"
)

// App owns every long-lived component of the engine.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *database.DB
	Tracer    *tracing.Tracer
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Events    *events.Manager
	Features  *features.Manager
	Connector *square.StaticConnector
	Service   *service.Service

	closers []func(ctx context.Context) error
}

// New opens the store, applies migrations and builds the service graph.
// The caller must Close the returned App.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	db, err := database.Open(ctx, database.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = db
	a.onClose(func(context.Context) error { return db.Close() })

	tracer, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.Tracer = tracer
	a.onClose(tracer.Shutdown)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.MustNewMetrics(a.Registry)

	a.Features = features.NewFromDefaults(features.Defaults{
		RecipientLookup: cfg.Features.RecipientLookup,
		CustomerCache:   cfg.Features.CustomerCache,
		LineItemRefetch: cfg.Features.LineItemRefetch,
		CatalogCache:    cfg.Features.CatalogCache,
		EventHooks:      cfg.Features.EventHooks,
	})

	a.Events = events.NewManager(cfg.Features.EventHooks, logger.With("component", "events"))
	a.subscribeAuditLog()
	a.onClose(func(context.Context) error {
		a.Events.Shutdown()
		return nil
	})

	customerCache, err := a.customerCache(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Connector = square.NewStaticConnector(square.ClientConfig{
		BaseURL:     cfg.Square.BaseURL,
		Version:     cfg.Square.Version,
		LocationIDs: cfg.Square.LocationIDs,
		HTTPClient:  &http.Client{Timeout: cfg.Square.Timeout},
	}, cfg.Square.AccessTokens())

	cat := catalog.NewAccessor(db,
		catalog.WithCache(cfg.Catalog.CacheSize, cfg.Catalog.CacheTTL),
		catalog.WithLogger(logger.With("component", "catalog")),
		catalog.WithFeatures(a.Features),
		catalog.WithMetrics(a.Metrics),
	)
	resolver := customer.NewResolver(
		customer.WithLogger(logger.With("component", "customer")),
		customer.WithFeatures(a.Features),
		customer.WithMetrics(a.Metrics),
		customer.WithCache(customerCache, cfg.Redis.CustomerTTL),
	)
	loyaltyOpts := []loyalty.Option{
		loyalty.WithLogger(logger.With("component", "loyalty")),
		loyalty.WithEvents(a.Events, a.Features),
		loyalty.WithMetrics(a.Metrics),
	}

	a.Service = service.NewService(service.Deps{
		DB:                 db,
		Catalog:            cat,
		Resolver:           resolver,
		Recorder:           loyalty.NewRecorder(db, cat, loyaltyOpts...),
		Rewards:            loyalty.NewRewardManager(db, cat, loyaltyOpts...),
		Connector:          a.Connector,
		Tracer:             tracer,
		Logger:             logger.With("component", "service"),
		Features:           a.Features,
		Events:             a.Events,
		Metrics:            a.Metrics,
		CatchupConcurrency: cfg.Catchup.Concurrency,
	})

	return a, nil
}

// customerCache returns Redis when configured, else a process-local cache.
func (a *App) customerCache(ctx context.Context) (cache.Cache, error) {
	if !a.Config.Redis.Enabled {
		return cache.NewMemoryCache(), nil
	}
	rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
		Prefix:   a.Config.Redis.Prefix,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return rc.Close() })
	return rc, nil
}

func (a *App) subscribeAuditLog() {
	log := a.Logger.With("component", "audit")
	audit := func(_ context.Context, e events.Event) error {
		log.Info("loyalty event",
			"event", string(e.Type),
			"merchant_id", e.MerchantID,
			"data", e.Data,
		)
		return nil
	}
	for _, t := range []events.EventType{
		events.EventRewardEarned,
		events.EventRewardRedeemed,
		events.EventRewardsExpired,
		events.EventOrderProcessed,
	} {
		a.Events.Subscribe(t, audit)
	}
}

// Router builds the HTTP handler tree: health and metrics at the root,
// merchant-scoped API routes under it.
func (a *App) Router() http.Handler {
	cfg := a.Config
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(a.Logger.With("component", "http")))
	r.Use(chimw.Recoverer)

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		a.onClose(func(context.Context) error {
			limiter.Stop()
			return nil
		})
		r.Use(middleware.RateLimitMiddleware(limiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.Security.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", middleware.MerchantHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Tracing.Enabled {
		r.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))
	}

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))

	h := handler.NewHandlerWithOptions(a.Service, handler.NewHandlerOptions{
		MaxBodySize:     cfg.Security.MaxRequestBodySize,
		CatchupLookback: cfg.Catchup.Lookback,
		Logger:          a.Logger.With("component", "handler"),
	})
	h.Routes(r)

	return r
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := a.DB.Ping(ctx); err != nil {
		a.Logger.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	version, err := a.DB.MigrationVersion(ctx)
	if err != nil {
		a.Logger.Warn("failed to read schema version", "error", err)
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","schema_version":%d}`, version)
}

// Merchants lists the merchants with a POS connection configured.
func (a *App) Merchants() []string {
	return a.Connector.Merchants()
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
