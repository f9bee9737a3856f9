package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Rifushigi/zta-poc/pkg/audit"
	"github.com/Rifushigi/zta-poc/pkg/auth"
	"github.com/Rifushigi/zta-poc/pkg/config"
	"github.com/Rifushigi/zta-poc/pkg/httpx"
	"github.com/Rifushigi/zta-poc/pkg/metrics"
	"github.com/Rifushigi/zta-poc/pkg/perimeter"
	"github.com/Rifushigi/zta-poc/pkg/policy"
	"github.com/Rifushigi/zta-poc/pkg/proxy"
	"github.com/Rifushigi/zta-poc/pkg/ratelimit"
	"github.com/Rifushigi/zta-poc/pkg/session"
	"github.com/Rifushigi/zta-poc/pkg/stream"
	"github.com/Rifushigi/zta-poc/pkg/telemetry"
)

// Server holds the assembled request pipeline. Every field is exported so
// tests can wire fakes without the environment-driven construction path.
type Server struct {
	Config      config.Config
	Logger      *slog.Logger
	Metrics     *metrics.Registry
	Perimeter   *perimeter.Filter
	RateLimiter ratelimit.Limiter
	Verifier    *auth.Verifier
	Sessions    *session.Manager
	Policy      *policy.Client
	Forwarder   http.Handler
	Audit       *audit.Recorder
	Events      *stream.Hub
}

type auditDBCloser interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string, logger *slog.Logger) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context, databaseURL string) (auditDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context, cfg config.Config) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context, databaseURL string) (auditDBCloser, error) {
		return pgxpool.New(ctx, databaseURL)
	}
	openRedisFn = func(ctx context.Context, cfg config.Config) (*redis.Client, error) {
		if cfg.RedisAddr == "" {
			return nil, nil
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	}
	listenFn = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := initTelemetry(ctx, "zta-gateway", logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: cfg.UpstreamTimeout})

	keyfn, err := auth.NewKeyfunc(ctx, cfg.JWKSURL)
	if err != nil {
		return err
	}
	verifier := auth.NewVerifier(keyfn, cfg.OIDCIssuer, cfg.OIDCAudience, cfg.CookieMode, session.AccessCookieName, logger)

	redisClient, err := openRedis(ctx, cfg)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting falls back to in-memory", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow)
	} else {
		limiter = ratelimit.NewInMemory(cfg.RateLimitWindow)
	}

	recorder := &audit.Recorder{
		Logger:   logger,
		Hub:      stream.NewHub(),
		HashSalt: []byte(cfg.AuditHashSalt),
		Redact:   cfg.AuditRedact,
	}
	if cfg.AuditDatabaseURL != "" {
		pool, err := openDB(ctx, cfg.AuditDatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		recorder.Store = &audit.PGStore{DB: pool}
	}

	backendURL, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return err
	}

	s := &Server{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewRegistry(),
		Perimeter: perimeter.NewFilter(
			config.SplitList(cfg.IPAllowlist),
			config.SplitList(cfg.IPDenylist),
			config.ParseCIDRs(cfg.TrustedProxyCIDRs),
			logger,
		),
		RateLimiter: limiter,
		Verifier:    verifier,
		Sessions: &session.Manager{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			HTTPClient:   httpClient,
			Verifier:     verifier,
			AccessTTL:    cfg.AccessCookieTTL,
			RefreshTTL:   cfg.RefreshCookieTTL,
			Secure:       cfg.Production,
			Logger:       logger,
		},
		Policy:    &policy.Client{URL: cfg.PolicyURL, HTTPClient: httpClient},
		Forwarder: proxy.NewForwarder(backendURL, httpClient.Transport, logger),
		Audit:     recorder,
		Events:    recorder.Hub,
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening", "addr", cfg.ListenAddr, "backend", cfg.BackendURL)
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// routes assembles the gate order: correlation first, then the recorder so
// every outcome is audited (the recoverer runs inside it, so even a panic's
// 500 is observed), then perimeter and rate limiting, and finally the
// authenticated surfaces.
func (s *Server) routes() http.Handler {
	bypass := map[string]struct{}{
		"/healthz": {},
		"/metrics": {},
	}

	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(s.recordMiddleware)
	r.Use(httpx.RecovererMiddleware(s.Logger, s.Config.Production))
	r.Use(httpx.CORSMiddleware(s.Config.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("zta-gateway"))
	r.Use(httpx.LimitBodyMiddleware(s.Config.MaxRequestBodyBytes))
	r.Use(s.Perimeter.Middleware(bypass))
	r.Use(s.rateLimitMiddleware(bypass))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Route("/auth", func(ar chi.Router) {
		ar.Post("/login", s.Sessions.HandleLogin)
		ar.Post("/refresh", s.Sessions.HandleRefresh)
		ar.Post("/logout", s.Sessions.HandleLogout)
		ar.Group(func(g chi.Router) {
			g.Use(s.Verifier.Middleware(nil))
			g.Use(s.annotateIdentity)
			g.Get("/me", s.Sessions.HandleWhoAmI)
		})
	})

	r.Group(func(g chi.Router) {
		g.Use(s.Verifier.Middleware(nil))
		g.Use(s.annotateIdentity)
		g.Get("/events", s.streamEvents)
	})

	r.Route("/api", func(ar chi.Router) {
		ar.Use(s.Verifier.Middleware(nil))
		ar.Use(s.annotateIdentity)
		ar.Use(s.validateDataPayload)
		ar.Use(proxy.PropagationMiddleware)
		ar.Use(s.policyMiddleware)
		ar.Handle("/*", s.Forwarder)
	})

	return r
}
