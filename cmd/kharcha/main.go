package main

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"kharcha/internal/auth"
	"kharcha/internal/backend"
	"kharcha/internal/cache"
	"kharcha/internal/cli"
	"kharcha/internal/core"
	"kharcha/internal/currency"
	"kharcha/internal/dashboard"
	"kharcha/internal/entries"
	"kharcha/internal/history"
	apphttp "kharcha/internal/http"
	"kharcha/internal/log"
	"kharcha/internal/middleware/security"
	"kharcha/internal/notify"
	"kharcha/internal/proxy"
	"kharcha/internal/worker"
)

func main() {
	cfg := cli.LoadConfig()
	logger := cli.SetupLogger(cfg, log.ComponentApp)
	cli.MustValidate(logger, cfg)

	ctx, cancel := cli.ShutdownContext(logger)
	defer cancel()

	backendConfig, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	be, err := backend.NewFactory(logger).CreateBackend(ctx, backendConfig)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer be.Close()

	hub := notify.NewHub(logger,
		notify.WithCheckOrigin(security.NewOriginPolicy(cfg.CORSAllowedOrigins).CheckOrigin))

	// Exchange rates: serve the persisted table while the first fetch runs.
	provider := currency.NewHTTPProvider(cfg.RatesAPIURL, &http.Client{Timeout: cfg.UpstreamTimeout})
	rates := currency.NewNormalizer(currency.Base, provider,
		currency.WithStore(be.Store),
		currency.WithLogger(logger),
		currency.WithRefreshHook(func(t *currency.RateTable) {
			hub.Broadcast(notify.NewEvent(notify.RatesRefreshed, t.Date()))
		}))
	if err := rates.Warm(ctx); err != nil {
		logger.Warn("Failed to load persisted exchange rates", log.FieldError, err)
	}

	authClient := auth.NewClient(cfg.AuthAPIURL, cfg.UpstreamTimeout)
	historyClient := history.NewClient(cfg.HistoryAPIURL, cfg.UpstreamTimeout, logger)

	cacheManager := cache.NewManager(logger)

	var verifier auth.Verifier
	if cfg.AuthJWTSecret != "" {
		verifier = auth.NewKeyVerifier(cfg.AuthJWTSecret)
	} else {
		pv := auth.NewProfileVerifier(authClient, cfg.AuthVerifyCacheTTL, cfg.CacheSize)
		cacheManager.Register(pv.Cache())
		verifier = pv
	}

	dash := dashboard.NewService(historyClient, rates, dashboard.Config{
		CacheTTL:  cfg.CacheTTL,
		CacheSize: cfg.CacheSize,
	},
		dashboard.WithStore(be.Store),
		dashboard.WithNotifier(hub),
		dashboard.WithRenewer(authClient),
		dashboard.WithLogger(logger))

	cacheManager.Register(dash.Cache())

	entryOpts := []entries.Option{
		entries.WithVerifier(verifier),
		entries.WithRenewer(authClient),
		entries.WithInvalidator(dash),
		entries.WithNotifier(hub),
		entries.WithLogger(logger),
	}

	var wg sync.WaitGroup
	if cfg.OutboxEnabled() && be.Outbox != nil {
		// A nil *amqp.Client must not become a non-nil interface.
		var publisher entries.Publisher
		if be.Publisher != nil {
			publisher = be.Publisher
		}
		entryOpts = append(entryOpts, entries.WithOutbox(be.Outbox, publisher))

		// Without a broker nothing else drains the outbox, so sweep it here.
		if be.Publisher == nil {
			sweeper := worker.NewSyncWorker(be.Outbox, historyClient, cfg.HistoryServiceToken, cfg.SyncBatchSize, logger)
			sweeper.OnSynced(func(ctx context.Context, e core.Entry) {
				dash.Invalidate(ctx, e.UserID)
				hub.Publish(e.UserID, notify.NewEvent(notify.EntryCreated, e.ID))
			})
			if err := sweeper.StartupSyncCheck(ctx); err != nil {
				logger.Error("Failed startup sync check", log.FieldError, err)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				sweeper.Run(ctx, cfg.SyncInterval)
			}()
			logger.Info("AMQP unavailable, sweeping outbox in process", "interval", cfg.SyncInterval.String())
		}
	}
	ents := entries.NewService(historyClient, entryOpts...)

	wg.Add(2)
	go func() {
		defer wg.Done()
		rates.Run(ctx, cfg.RatesRefreshInterval)
	}()
	go func() {
		defer wg.Done()
		cacheManager.Run(ctx, time.Minute)
	}()

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Verifier:    verifier,
		Renewer:     authClient,
		Proxy:       proxy.New(authClient, logger),
		Dashboard:   dash,
		Entries:     ents,
		Rates:       rates,
		Preferences: be.Store,
		Hub:         hub,
		History:     historyClient,
	}, apphttp.Options{
		DefaultCurrency:    currency.Code(cfg.DefaultCurrency),
		RecentDays:         cfg.RecentDays,
		RecentLimit:        cfg.RecentLimit,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		AllowedOrigins:     cfg.CORSAllowedOrigins,
		Logger:             logger,
	})

	srv.ReadTimeout = 15 * time.Second
	srv.WriteTimeout = 30 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	}()

	logger.Info("Starting kharcha server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"outbox", cfg.OutboxEnabled(),
		log.FieldCurrency, cfg.DefaultCurrency,
		log.FieldOperation, log.OpStartup)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cancel()
	wg.Wait()
	dash.Wait()
	logger.Info("Server stopped gracefully")
}
