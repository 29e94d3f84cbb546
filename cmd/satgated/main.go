package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"satgate/announce"
	"satgate/auth"
	"satgate/catalog"
	"satgate/config"
	"satgate/credit"
	"satgate/gateway/middleware"
	"satgate/gateway/routes"
	"satgate/observability"
	"satgate/observability/logging"
	"satgate/observability/otel"
	"satgate/pricing"
	"satgate/proxy"
	"satgate/refund"
	"satgate/wallet"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.Setup("satgated", cfg.Environment, cfg.LogLevel)

	store, err := credit.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("open credit store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	walletClient, err := wallet.NewCashuClient(cfg.WalletURL, &http.Client{Timeout: cfg.WalletTimeout})
	if err != nil {
		logger.Error("configure wallet client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	registry := wallet.NewRegistry(wallet.DefaultMethods(walletClient)...)
	wallet.SetDefault(registry)

	cat, err := loadCatalog(cfg)
	if err != nil {
		logger.Error("load catalog", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	oracle := pricing.NewOracle(pricing.DefaultSources(nil), cfg.PriceRefreshInterval, logger,
		pricing.WithOracleMetrics(metrics))
	costModel := pricing.NewCostModel(cat, oracle, cfg.PriceStaleThreshold, logger)
	authn := auth.New(store, registry, logger)
	router := catalog.NewRouter(cat)

	refundCache, err := openRefundCache(cfg)
	if err != nil {
		logger.Error("open refund cache", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer refundCache.Close()
	refunds := refund.NewService(authn, store, registry, refundCache, metrics, logger)

	engine := proxy.New(store, authn, costModel, router, registry, logger,
		proxy.WithMetrics(metrics),
		proxy.WithProcessingFee(cfg.ProcessingFeeMsat))

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "satgate",
		LogRequests: true,
		Enabled:     true,
	}, metrics, logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"proxy":   {RequestsPerMinute: cfg.ProxyRequestsPerMinute, Burst: 20},
		"balance": {RequestsPerMinute: cfg.BalanceRequestsPerMinute, Burst: 10},
		"admin":   {RequestsPerMinute: 30, Burst: 5},
	}, logger)
	var adminAuth *middleware.AdminAuthenticator
	if cfg.AdminPassword != "" {
		adminAuth = middleware.NewAdminAuthenticator(middleware.AdminAuthConfig{
			Enabled:    true,
			HMACSecret: cfg.AdminJWTSecret,
			Issuer:     "satgate",
			TokenTTL:   cfg.AdminTokenTTL,
		}, logger)
	}

	handler, err := routes.New(routes.Config{
		Engine:        engine,
		Store:         store,
		Authenticator: authn,
		Registry:      registry,
		Refunds:       refunds,
		Catalog:       cat,
		AdminAuth:     adminAuth,
		AdminPassword: cfg.AdminPassword,
		RateLimiter:   limiter,
		Observability: obs,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("build router", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTraces, terr := otel.Init(ctx, otel.Config{
			ServiceName: "satgated",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			Headers:     otel.ParseHeaders(cfg.OTLPHeaders),
		})
		if terr != nil {
			logger.Error("configure tracing", slog.String("error", terr.Error()))
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTraces(flushCtx); err != nil {
				logger.Warn("flushing traces", slog.String("error", err.Error()))
			}
		}()
	}

	go func() {
		if err := oracle.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("price oracle stopped", slog.String("error", err.Error()))
		}
	}()
	go credit.NewJanitor(store, cfg.ReservationGrace, logger).Run(ctx)
	go func() {
		ticker := time.NewTicker(cfg.RefundTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refundCache.Prune()
			}
		}
	}()
	startAnnouncer(ctx, cfg, logger)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: handler,
		// No WriteTimeout: completions and streams run long.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("satgated listening", slog.String("addr", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
}

// loadCatalog prefers the TOML catalog file and falls back to a single
// default provider built from the upstream env vars.
func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogPath != "" {
		return catalog.Load(cfg.CatalogPath, "")
	}
	return catalog.New([]catalog.Provider{{
		ID:            "default",
		BaseURL:       cfg.UpstreamBaseURL,
		APIKey:        cfg.UpstreamAPIKey,
		FeeMultiplier: cfg.FeeMultiplier,
	}}, nil, "default")
}

func openRefundCache(cfg *config.Config) (*refund.Cache, error) {
	if cfg.RefundCachePath == "" {
		return refund.NewCache(cfg.RefundTTL), nil
	}
	return refund.NewPersistentCache(cfg.RefundTTL, cfg.RefundCachePath)
}

// startAnnouncer launches the relay publisher when a key and relays are
// configured; otherwise the instance stays unannounced.
func startAnnouncer(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	if cfg.AnnouncementKey == "" || len(cfg.AnnouncementRelays) == 0 {
		return
	}
	key, err := announce.LoadKey(cfg.AnnouncementKey)
	if err != nil {
		logger.Error("parse announcement key", slog.String("error", err.Error()))
		return
	}
	record := announce.Record{
		ProviderID: cfg.ProviderID,
		Name:       cfg.InstanceName,
		Version:    version,
		URLs:       cfg.InstanceURLs,
		Mints:      cfg.Mints,
	}
	publisher := announce.NewPublisher(key, record, cfg.AnnouncementRelays,
		cfg.AnnouncementInterval, logger)
	go publisher.Run(ctx)
}

// version is stamped by the build; the default marks dev builds.
var version = "dev"
