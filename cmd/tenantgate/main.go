package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"tenantgate/pkg/config"
	"tenantgate/pkg/gateway"
	"tenantgate/pkg/observability"
	"tenantgate/pkg/provider"
	"tenantgate/pkg/relay"
	"tenantgate/pkg/session"
	"tenantgate/pkg/workspace"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
		bootLogger.WithError(err).Error("configuration invalid")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	redisClient, err := session.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.WithError(err).Error("redis connection failed")
		os.Exit(1)
	}
	store := session.NewRedisStore(redisClient, cfg.Session.AbsoluteTimeout).WithMetrics(metrics)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	providerClient, err := provider.New(bootCtx, cfg.Provider, logger, metrics)
	if err != nil {
		logger.WithError(err).Error("identity provider discovery failed")
		os.Exit(1)
	}

	resolver := workspace.NewResolver(cfg.Workspace, logger)
	orchestrator := session.NewOrchestrator(store, providerClient, resolver, cfg.Session, logger, metrics)

	keyCache, err := relay.NewKeyCache(bootCtx, providerClient.JWKSURL(), cfg.Relay.KeyRefreshInterval, logger, metrics)
	if err != nil {
		logger.WithError(err).Error("signing-key fetch failed")
		os.Exit(1)
	}
	keyCache.Start()

	routes, err := config.LoadRouteTable(cfg.Relay.RouteFile)
	if err != nil {
		logger.WithError(err).Error("route table invalid")
		os.Exit(1)
	}

	validator := relay.NewValidator(cfg.Provider.IssuerURL, cfg.Relay.Audience, keyCache, logger, metrics)
	relayHandler, err := relay.NewHandler(validator, routes, logger, metrics)
	if err != nil {
		logger.WithError(err).Error("relay setup failed")
		os.Exit(1)
	}

	router := mux.NewRouter()
	router.Use(gateway.RequestIDMiddleware)
	router.Use(gateway.LoggingMiddleware(logger))
	router.Use(gateway.RecoveryMiddleware(logger))
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}

	router.HandleFunc("/auth/introspect", relayHandler.ValidateOnly).Methods("POST")
	gatewayHandlers := gateway.NewHandlers(orchestrator, providerClient, relayHandler, gateway.Options{
		BaseURL:      cfg.Server.BaseURL,
		CookieSecure: cfg.Server.CookieSecure,
		CookieDomain: cfg.Server.CookieDomain,
	}, logger, metrics)
	gatewayHandlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Probes and metrics on their own port so they stay reachable when the
	// public listener is saturated
	opsMux := http.NewServeMux()
	observability.RegisterHealthRoutes(opsMux, observability.NewHealthChecker(redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(opsMux, registry)
	}
	opsServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      opsMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("addr", opsServer.Addr).Info("ops listener starting")
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("ops listener failed")
		}
	}()

	go func() {
		logger.WithField("addr", server.Addr).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("gateway listener failed")
			os.Exit(1)
		}
	}()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return opsServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		keyCache.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return redisClient.Close()
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}
