package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridcarbon/creditmarket/internal/pipeline"
	"github.com/gridcarbon/creditmarket/internal/pricing"
	"github.com/gridcarbon/creditmarket/internal/server"
	"github.com/gridcarbon/creditmarket/internal/server/handler"
	"github.com/gridcarbon/creditmarket/internal/server/ws"
	"github.com/gridcarbon/creditmarket/internal/service"
)

// services bundles the constructed service layer shared by the modes.
type services struct {
	listings    *service.ListingService
	settlements *service.SettlementService
	pricing     *service.PricingService
	accounts    *service.AccountService
}

// buildServices constructs the service layer from wired dependencies.
func (a *App) buildServices(deps *Dependencies) *services {
	listingSvc := service.NewListingService(
		deps.ListingStore, deps.CreditLedger, deps.BalanceCache,
		deps.LockManager, deps.RateLimiter, deps.SignalBus,
		deps.AuditStore, a.logger,
	)

	settlementSvc := service.NewSettlementService(
		deps.ListingStore, deps.TransactionStore, deps.SettlementUnit,
		deps.BalanceCache, deps.PriceCache, deps.RateLimiter,
		deps.SignalBus, deps.AuditStore, a.logger,
	)
	if deps.Gateway != nil {
		settlementSvc = settlementSvc.WithGateway(deps.Gateway)
	}
	if deps.Notifier != nil {
		settlementSvc = settlementSvc.WithNotifier(deps.Notifier)
	}

	pricingSvc := service.NewPricingService(
		pricing.NewEngine(), deps.ListingStore, deps.TransactionStore,
		deps.PriceCache, a.logger,
	)

	accountSvc := service.NewAccountService(
		deps.CreditLedger, deps.WalletLedger, deps.BalanceCache, a.logger,
	)

	return &services{
		listings:    listingSvc,
		settlements: settlementSvc,
		pricing:     pricingSvc,
		accounts:    accountSvc,
	}
}

// buildSweeper constructs the expiry sweeper over the service layer.
func (a *App) buildSweeper(deps *Dependencies, svcs *services) *pipeline.Sweeper {
	return pipeline.NewSweeper(deps.ListingStore, deps.TransactionStore, svcs.listings, svcs.settlements, a.logger)
}

// buildArchiver constructs the cold-storage archiver, or returns nil when
// object storage is not wired.
func (a *App) buildArchiver(deps *Dependencies) *pipeline.Archiver {
	if deps.Archiver == nil {
		return nil
	}
	return pipeline.NewArchiver(deps.Archiver, a.cfg.Pipeline.ArchiveRetentionDays, a.logger)
}

// ServeMode runs the HTTP API, the WebSocket hub, and the background loops
// (expiry sweeper, and archiver when enabled).
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)

	// Background loops.
	orch := pipeline.NewOrchestrator(
		a.buildSweeper(deps, svcs),
		a.buildArchiver(deps),
		a.cfg.Pipeline.SweepInterval.Duration,
		a.cfg.Pipeline.ArchiveCron,
		a.logger,
	)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	// WebSocket hub.
	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	// HTTP server.
	if a.cfg.Server.Enabled {
		var verifier handler.CallbackVerifier
		if deps.Gateway != nil {
			auth := deps.Gateway.Auth()
			verifier = &auth
		}

		handlers := server.Handlers{
			Health:      handler.NewHealthHandler(a.logger),
			Pricing:     handler.NewPricingHandler(svcs.pricing, a.logger),
			Listings:    handler.NewListingHandler(svcs.listings, a.logger),
			Settlements: handler.NewSettlementHandler(svcs.settlements, verifier, a.logger),
			Accounts:    handler.NewAccountHandler(svcs.accounts, a.logger),
		}

		srv := server.NewServer(server.Config{
			Port:           a.cfg.Server.Port,
			CORSOrigins:    a.cfg.Server.CORSOrigins,
			APIKey:         a.cfg.Server.APIKey,
			RateLimiter:    deps.RateLimiter,
			RequestsPerMin: a.cfg.Server.RequestsPerMin,
		}, handlers, hub, a.logger)

		g.Go(func() error {
			return srv.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	return g.Wait()
}

// SweepMode runs only the expiry sweeper loop. Useful as a sidecar when the
// API is served elsewhere.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode",
		slog.Duration("interval", a.cfg.Pipeline.SweepInterval.Duration),
	)

	svcs := a.buildServices(deps)
	sweeper := a.buildSweeper(deps, svcs)

	err := sweeper.RunLoop(ctx, a.cfg.Pipeline.SweepInterval.Duration)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ArchiveMode runs a single archive pass and exits. Intended for cron or
// one-off maintenance invocations.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Int("retention_days", a.cfg.Pipeline.ArchiveRetentionDays),
	)

	archiver := a.buildArchiver(deps)
	if archiver == nil {
		return fmt.Errorf("archive mode: object storage is not configured")
	}

	if err := archiver.Run(ctx); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return nil
}
