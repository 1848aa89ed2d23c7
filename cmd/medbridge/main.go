package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/medbridge-io/medbridge/pkg/config"
	"github.com/medbridge-io/medbridge/pkg/identity"
	"github.com/medbridge-io/medbridge/pkg/membership"
	"github.com/medbridge-io/medbridge/pkg/middleware"
	"github.com/medbridge-io/medbridge/pkg/observability"
	"github.com/medbridge-io/medbridge/pkg/session"
	"github.com/medbridge-io/medbridge/pkg/sso"
	"github.com/medbridge-io/medbridge/pkg/tenants"
)

func main() {
	configPath := flag.String("config", "", "Path to optional YAML config overlay")
	insecureCookies := flag.Bool("insecure-cookies", false, "Disable the Secure cookie attribute (local development only)")
	flag.Parse()

	startup := logrus.New()
	startup.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		startup.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer observability.ShutdownTracing(context.Background(), tp, logger)

	central, err := openCentralStore(cfg.CentralStore)
	if err != nil {
		startup.Fatalf("Failed to connect to central store: %v", err)
	}
	defer central.Close()

	redisClient, err := openRedis(cfg.Redis)
	if err != nil {
		startup.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	rp, err := sso.NewRelyingParty(ctx, cfg.IdP)
	if err != nil {
		startup.Fatalf("Failed to discover identity provider: %v", err)
	}

	codec, err := sso.NewStateCodec([]byte(cfg.SSO.StateKey))
	if err != nil {
		startup.Fatalf("Failed to initialize state codec: %v", err)
	}

	resolver, err := tenants.NewResolver(central, cfg.Domains.CentralDomains, cfg.Domains.TenantDomainSuffix)
	if err != nil {
		startup.Fatalf("Failed to initialize tenant resolver: %v", err)
	}
	registry := tenants.NewStoreRegistry(central)
	defer registry.Close()

	users := identity.NewResolver(central)
	memberships := membership.NewStore(central)

	metricsRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(metricsRegistry)

	codeStore := sso.NewPostgresCodeStore(central)
	handoff := sso.NewHandoff(codeStore, cfg.SSO.HandoffTTL.Std())

	janitor := sso.NewJanitor(codeStore, logger)
	if err := janitor.Start(); err != nil {
		startup.Fatalf("Failed to start handoff janitor: %v", err)
	}
	defer janitor.Stop()

	sessions := session.NewManager(redisClient, cfg.SSO.SessionTTL.Std())
	if *insecureCookies {
		sessions.SetInsecureCookies()
	}

	processor := sso.NewProcessor(
		codec, resolver, rp, rp, users, memberships, registry, handoff,
		cfg.SSO.RedeemPath, cfg.SSO.DefaultLandingPath, metrics,
	)
	authorizer := sso.NewAuthorizer(rp, codec)
	handlers := sso.NewHandlers(
		resolver, authorizer, processor, handoff, users, sessions,
		cfg.SSO, cfg.Domains.CentralLoginURL, metrics,
	)

	monitor := middleware.NewSessionValidityMonitor(
		sessions, rp, cfg.SSO.RecheckInterval.Std(), cfg.Domains.CentralLoginURL,
		[]string{cfg.SSO.LoginPath, cfg.SSO.CallbackPath, cfg.SSO.RedeemPath, cfg.SSO.LogoutPath},
		metrics,
	)
	guard := middleware.NewTenantAccessGuard(users, memberships, metrics)

	router := mux.NewRouter()
	router.Use(middleware.RequestID(logger))
	router.Use(middleware.TenantContext(resolver))
	router.Use(middleware.SessionLoader(sessions))
	router.Use(monitor.Middleware)
	router.Use(guard.Middleware)
	handlers.RegisterRoutes(router)

	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, cfg, logger)
		if err != nil {
			startup.Fatalf("Failed to watch config file: %v", err)
		}
		defer watcher.Close()
		watcher.OnReload(func(updated *config.Config) {
			resolver.SetCentralDomains(updated.Domains.CentralDomains)
		})
	}

	appServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(router, "medbridge-sso"),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	healthRouter := mux.NewRouter()
	checker := observability.NewHealthChecker(central, redisClient)
	healthRouter.HandleFunc("/healthz", checker.Liveness).Methods(http.MethodGet)
	healthRouter.HandleFunc("/readyz", checker.Readiness).Methods(http.MethodGet)
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", observability.Handler(metricsRegistry)).Methods(http.MethodGet)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthRouter,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		startup.Infof("SSO bridge listening on %s", appServer.Addr)
		if err := appServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		startup.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		startup.Info("Shutting down")
		if err := appServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		startup.Fatalf("Server error: %v", err)
	}
}

func openCentralStore(cfg config.CentralStoreConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime.Std())
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openRedis(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
