// Package main is the entrypoint for the trackroute API server.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trackroute/trackroute/internal/analytics"
	"github.com/trackroute/trackroute/internal/cache"
	"github.com/trackroute/trackroute/internal/config"
	"github.com/trackroute/trackroute/internal/dispatch"
	"github.com/trackroute/trackroute/internal/engine"
	"github.com/trackroute/trackroute/internal/formula"
	"github.com/trackroute/trackroute/internal/handler"
	"github.com/trackroute/trackroute/internal/metrics"
	"github.com/trackroute/trackroute/internal/middleware"
	"github.com/trackroute/trackroute/internal/repository"
	"github.com/trackroute/trackroute/internal/server"
	"github.com/trackroute/trackroute/internal/service"
	"github.com/trackroute/trackroute/internal/visitor"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server_exited", "error", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until shutdown. Components are
// registered with the server in dependency order so LIFO shutdown stops
// producers before the stores they write to.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	recorder := metrics.NewPrometheus()

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database_connect_failed",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		return err
	}
	eventDB, err := repository.OpenEventDB(ctx, cfg.DatabaseURL)
	if err != nil {
		repo.Close()
		logger.Error("event_database_connect_failed", slog.String("error", sanitizeError(err, cfg.DatabaseURL)))
		return err
	}
	logger.Info("database_connected")

	if cfg.MigrateOnStart {
		if err := migrateUp(eventDB); err != nil {
			repo.Close()
			_ = eventDB.Close()
			logger.Error("migrations_failed", "error", err)
			return err
		}
		logger.Info("migrations_applied")
	}

	redisCache, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		repo.Close()
		_ = eventDB.Close()
		logger.Error("redis_connect_failed",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		return err
	}
	logger.Info("redis_connected")

	var geo visitor.CountryLookup
	if cfg.GeoIPDBPath != "" {
		reader, err := visitor.OpenGeoIP(cfg.GeoIPDBPath)
		if err != nil {
			// CF-IPCountry from a trusted proxy still supplies countries.
			logger.Warn("geoip_open_failed", "path", cfg.GeoIPDBPath, "error", err)
		} else {
			geo = reader
			defer reader.Close()
		}
	}

	proxies, err := visitor.ParseProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	if proxies.Empty() {
		logger.Info("forwarding_headers_ignored", "reason", "TRUSTED_PROXIES is empty")
	}

	events := repository.NewEventRepository(eventDB)
	rules := cache.NewRuleCache(redisCache, repo, cfg.RuleCacheTTL, recorder, logger)

	formulas, err := formula.New(cfg.FormulaCostLimit)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(dispatch.Config{
		MaxConcurrent:       cfg.DispatchMaxConcurrent,
		Timeout:             cfg.DispatchTimeout,
		RateLimit:           cfg.DispatchRateLimit,
		Burst:               cfg.DispatchBurst,
		AllowPrivateTargets: cfg.DispatchAllowPrivateTargets,
		Metrics:             recorder,
		Logger:              logger,
	})

	var clicks engine.ClickRecorder = events
	if cfg.UseStream() {
		clicks = analytics.NewPublisher(redisCache.Client(), logger, recorder)
	}

	eng, err := engine.New(engine.Config{
		Rules:                rules,
		Events:               events,
		Clicks:               clicks,
		Dispatcher:           dispatcher,
		Formulas:             formulas,
		Metrics:              recorder,
		Logger:               logger,
		RecomputeOnClick:     !cfg.UseStream(),
		StatsRetryMaxElapsed: cfg.StatsRetryMaxElapsed,
	})
	if err != nil {
		return err
	}

	callbackURL := dispatch.ValidateURL
	if cfg.DispatchAllowPrivateTargets {
		callbackURL = nil
	}
	ruleService := service.NewRuleService(service.Config{
		Store:       repo,
		Cache:       rules,
		Formulas:    formulas,
		CallbackURL: callbackURL,
		BaseURL:     cfg.BaseURL,
		Metrics:     recorder,
		Logger:      logger,
	})

	router := setupRouter(routerDeps{
		cfg:      cfg,
		logger:   logger,
		proxies:  proxies,
		gatherer: recorder.Gatherer(),
		health: handler.NewHealthHandler(logger,
			handler.Dependency{Name: "postgres", Checker: repo},
			handler.Dependency{Name: "events", Checker: handler.PingFunc(eventDB.PingContext)},
			handler.Dependency{Name: "redis", Checker: redisCache},
		),
		resolve: handler.NewResolveHandler(eng, visitor.NewEnricher(geo, logger), logger),
		rules:   handler.NewRuleHandler(ruleService, eng, eng.Stats(), logger),
		events:  handler.NewEventHandler(eng, logger),
		apiKeys: handler.NewAPIKeyHandler(repo, cfg.APIKeyEnv, logger),
		keys:    repo,
		cache:   redisCache,
	})

	srv := server.New(router, server.Options{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	srv.OnShutdown("postgres", func(context.Context) error { repo.Close(); return nil })
	srv.OnShutdown("event_db", func(context.Context) error { return eventDB.Close() })
	srv.OnShutdown("redis", func(context.Context) error { return redisCache.Close() })
	srv.OnShutdown("dispatcher", dispatcher.Shutdown)
	srv.OnShutdown("engine", eng.Shutdown)

	if cfg.UseStream() && cfg.AnalyticsWorkerEnabled {
		worker := analytics.NewWorker(redisCache.Client(), events, eng.Stats(), logger, analytics.NewConsumerID(), recorder)
		go func() {
			if err := worker.Run(ctx); err != nil {
				logger.Error("click_worker_failed", "error", err)
			}
		}()
		srv.OnShutdown("click_worker", worker.Shutdown)
	}

	logger.Info("server_configured",
		"port", cfg.AppPort,
		"base_url", cfg.BaseURL,
		"env", cfg.AppEnv,
		"event_pipeline", cfg.EventPipeline,
		"geoip", geo != nil,
	)

	return srv.Run(ctx)
}

func migrateUp(db *sql.DB) error {
	migrator, err := repository.NewMigrator(db)
	if err != nil {
		return err
	}
	return migrator.Up()
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}

	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type routerDeps struct {
	cfg      *config.Config
	logger   *slog.Logger
	proxies  *visitor.Proxies
	gatherer prometheus.Gatherer
	health   *handler.HealthHandler
	resolve  *handler.ResolveHandler
	rules    *handler.RuleHandler
	events   *handler.EventHandler
	apiKeys  *handler.APIKeyHandler
	keys     middleware.KeyStore
	cache    *cache.Cache
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(d routerDeps) *chi.Mux {
	h := handler.New()
	r := chi.NewRouter()

	r.Use(d.proxies.Middleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.logger))
	r.Use(middleware.Recoverer(d.logger))

	r.Get("/healthz", d.health.Healthz)
	r.Get("/readyz", d.health.Readyz)
	r.Handle("/metrics", handler.NewMetricsHandler(d.gatherer))

	authCfg := middleware.AuthConfig{Logger: d.logger, Keys: d.keys}
	rateLimitCfg := middleware.RateLimitConfig{
		Logger:          d.logger,
		APIEnabled:      d.cfg.RateLimitAPIEnabled,
		RedirectEnabled: d.cfg.RateLimitRedirectEnabled,
		RedirectRPS:     d.cfg.RateLimitRedirectRPS,
		RedirectBurst:   d.cfg.RateLimitRedirectBurst,
	}
	// Assigned only when set so the interfaces stay nil instead of holding a nil *cache.Cache.
	if d.cache != nil {
		authCfg.Cache = d.cache
		rateLimitCfg.Limiter = d.cache
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Security(middleware.SecurityConfig{IsDevelopment: d.cfg.IsDevelopment()}))
		r.Use(middleware.CORS(corsConfig(d.cfg)))
		r.Use(middleware.MaxBodySize(d.cfg.MaxRequestBodySize))
		r.Use(middleware.Auth(authCfg))
		r.Use(middleware.RateLimitAPI(rateLimitCfg))

		r.Route("/rules", func(r chi.Router) {
			r.With(middleware.RequireRead()).Get("/", d.rules.List)
			r.With(middleware.RequireWrite()).Post("/", d.rules.Create)
			r.With(middleware.RequireWrite()).Post("/preview", d.rules.Preview)
			r.With(middleware.RequireRead()).Get("/{id}", d.rules.Get)
			r.With(middleware.RequireWrite()).Patch("/{id}", d.rules.Update)
			r.With(middleware.RequireAdmin()).Delete("/{id}", d.rules.Delete)
			r.With(middleware.RequireRead()).Get("/{id}/stats", d.rules.Stats)
			r.With(middleware.RequireWrite()).Post("/{id}/stats/recompute", d.rules.RecomputeStats)
		})

		r.With(middleware.RequireTrack()).Post("/conversions", d.events.Conversion)
		r.With(middleware.RequireTrack()).Post("/bounces", d.events.Bounce)

		r.Route("/api-keys", func(r chi.Router) {
			r.Use(middleware.RequireAdmin())
			r.Get("/", d.apiKeys.List)
			r.Post("/", d.apiKeys.Create)
			r.Delete("/{id}", d.apiKeys.Revoke)
		})

		r.NotFound(h.NotFound)
		r.MethodNotAllowed(h.MethodNotAllowed)
	})

	// Everything else is a visitor: tracking codes first, then resolution by full URL.
	limitIP := middleware.RateLimitIP(rateLimitCfg)
	r.With(limitIP).Get("/t/{code}", d.resolve.ResolveCode)
	r.With(limitIP).Head("/t/{code}", d.resolve.ResolveCode)
	r.NotFound(chi.Chain(limitIP).HandlerFunc(d.resolve.Resolve).ServeHTTP)
	r.MethodNotAllowed(d.resolve.Resolve)

	return r
}

func corsConfig(cfg *config.Config) middleware.CORSConfig {
	c := middleware.DefaultCORSConfig()
	c.AllowedOrigins = cfg.GetCORSAllowedOrigins()
	return c
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}
	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}
	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
