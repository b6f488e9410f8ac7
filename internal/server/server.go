// Package server wires subsync together and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/subsync/internal/access"
	"github.com/rcourtman/subsync/internal/billing"
	"github.com/rcourtman/subsync/internal/commands"
	"github.com/rcourtman/subsync/internal/config"
	"github.com/rcourtman/subsync/internal/discord"
	"github.com/rcourtman/subsync/internal/ledger"
	"github.com/rcourtman/subsync/internal/logging"
	"github.com/rcourtman/subsync/internal/platform"
	"github.com/rcourtman/subsync/internal/reconcile"
	"github.com/rcourtman/subsync/internal/webhook"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Run loads configuration, connects to Stripe, Discord and Google Sheets and
// serves the webhook until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, version string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "subsync",
	})
	log.Info().Str("version", version).Msg("Starting subsync")

	stripeClient := billing.NewStripeClient(cfg.StripeAPIKey, billing.CheckoutConfig{
		PriceID:    cfg.StripePriceID,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
	}, nil)

	sheetsSvc, err := ledger.NewSheetsService(ctx, cfg.GoogleCredentialsFile, cfg.GoogleTokenFile)
	if err != nil {
		return fmt.Errorf("init google sheets: %w", err)
	}
	store := ledger.NewSheetsStore(sheetsSvc, cfg.LedgerSpreadsheetID, cfg.LedgerSheetName)

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		return err
	}

	loop := platform.NewLoop(cfg.PlatformTimeout)
	engine := reconcile.NewEngine(reconcile.Config{
		GuildID:   cfg.DiscordGuildID,
		RoleID:    cfg.DiscordPremiumRoleID,
		PlanLabel: cfg.LedgerPlanLabel,
	}, reconcile.Deps{
		Access:    access.NewGrantor(session),
		Directory: discord.NewDirectory(session),
		Ledger:    store,
		Billing:   stripeClient,
		Scheduler: loop,
	})
	bot := discord.NewBot(session, commands.NewService(stripeClient, engine))

	mux := NewMux(Routes{
		Webhook:     webhook.NewHandler(cfg.StripeWebhookSecret, engine),
		RateLimiter: NewIPRateLimiter(cfg.WebhookRateLimit, cfg.TrustedProxies),
		Version:     version,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(ctx)
	})
	g.Go(func() error {
		return bot.Run(ctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Webhook server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("subsync stopped")
	return nil
}
