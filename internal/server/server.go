package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/tally-app/tally/internal/account"
	"github.com/tally-app/tally/internal/billing"
	"github.com/tally-app/tally/internal/config"
	"github.com/tally-app/tally/internal/logging"
	tallystripe "github.com/tally-app/tally/internal/stripe"
	"github.com/tally-app/tally/internal/store"
)

// Run starts the Tally API server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "tally-api",
	})

	log.Info().Str("version", version).Msg("Starting Tally API server")

	st, err := store.New(cfg.DatabaseDir())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if cfg.StripeAPIKey != "" {
		stripelib.Key = cfg.StripeAPIKey
	}

	svc := billing.NewService(st)
	sweeper := billing.NewSweeper(st, cfg.SweepInterval)

	var cancelProvider account.ProviderCanceler
	if cfg.StripeAPIKey != "" {
		cancelProvider = tallystripe.CancelProviderSubscription
	}
	deleter := account.NewDeleter(st, svc, cancelProvider)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:  cfg,
		Store:   st,
		Billing: svc,
		Deleter: deleter,
		Version: version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go sweeper.Run(ctx)
	go runSubscriptionGauges(ctx, st)

	go func() {
		log.Info().Str("addr", addr).Msg("Tally API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Tally API stopped")
	return nil
}
