package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Mad-Labs42/ZED42/internal/api"
	"github.com/Mad-Labs42/ZED42/internal/circuit"
	"github.com/Mad-Labs42/ZED42/internal/config"
	"github.com/Mad-Labs42/ZED42/internal/invoke"
	"github.com/Mad-Labs42/ZED42/internal/ledger"
	"github.com/Mad-Labs42/ZED42/internal/logging"
	"github.com/Mad-Labs42/ZED42/internal/profile"
	"github.com/Mad-Labs42/ZED42/internal/rates"
	"github.com/Mad-Labs42/ZED42/internal/router"
)

func runServer() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     os.Getenv("ZED42_LOG_LEVEL"),
		Component: "zed42",
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("config", configPath).Msg("Starting zed42")

	store, err := ledger.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open ledger store")
	}
	defer store.Close()

	rateEntries, err := cfg.RateEntries()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load rate table")
	}
	rateTable := rates.NewTable(rateEntries)
	resolver := profile.NewResolver(cfg.ProfileList())

	ledgerSvc := ledger.NewService(store, rateTable, cfg.Ledger.LeaseTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := seedBudgets(ctx, ledgerSvc, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed budgets")
	}

	circuits := circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		Window:           cfg.Circuit.Window,
		Cooldown:         cfg.Circuit.Cooldown,
		ProbeTimeout:     cfg.Circuit.ProbeTimeout,
	})

	endpoints := make(map[string]invoke.Endpoint, len(cfg.Backends))
	for _, b := range cfg.Backends {
		endpoints[b.BackendID] = invoke.Endpoint{URL: b.URL, APIKey: b.APIKey}
	}
	invoker := invoke.NewHTTPInvoker(endpoints, nil)

	logStore, err := router.NewSQLiteLogStore(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open routing log store")
	}
	defer logStore.Close()

	core := router.New(ledgerSvc, rateTable, circuits, resolver, invoker, logStore, router.Config{
		DispatchTimeout:         cfg.Router.DispatchTimeout,
		MaxRetries:              cfg.Router.MaxRetries,
		RetryBaseDelay:          cfg.Router.RetryBaseDelay,
		BackpressureMinBackends: cfg.Router.BackpressureMinBackends,
		BackpressureRatio:       cfg.Router.BackpressureRatio,
		DefaultMaxOutputTokens:  cfg.Router.DefaultMaxOutputTokens,
	})

	// Hot reload of rates and profiles on config changes.
	watcher, err := config.NewWatcher(configPath, rateTable, resolver)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	} else {
		go watcher.Run(ctx)
	}

	go expiryLoop(ctx, ledgerSvc, cfg.Ledger.ExpiryInterval)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.NewRouter(ledgerSvc, core, logStore),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Listen).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}

// seedBudgets applies configured limits without clobbering recorded spend.
func seedBudgets(ctx context.Context, svc *ledger.Service, cfg *config.Config) error {
	for _, b := range cfg.Budgets {
		budget, err := budgetFromConfig(b)
		if err != nil {
			return err
		}

		snap, err := svc.Snapshot(ctx, b.EntityID)
		if err == nil {
			budget.Spent = snap.Spent
			if snap.Status == ledger.BudgetFrozen {
				budget.Status = ledger.BudgetFrozen
			}
		} else if !errors.Is(err, ledger.ErrBudgetNotFound) {
			return err
		}

		if err := svc.SetBudget(ctx, budget); err != nil {
			return err
		}
	}
	return nil
}

func expiryLoop(ctx context.Context, svc *ledger.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := svc.ExpireStaleLeases(ctx, now)
			if err != nil {
				log.Error().Err(err).Msg("Lease expiry sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("Reclaimed stale leases")
			}
		}
	}
}
