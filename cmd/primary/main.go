package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/pasturegame/pasture/internal/adapters/http"
	"github.com/pasturegame/pasture/internal/app"
	"github.com/pasturegame/pasture/internal/config"
	"github.com/pasturegame/pasture/internal/geo"
	"github.com/pasturegame/pasture/internal/provision"
	"github.com/pasturegame/pasture/internal/registry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.LoadPrimary can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadPrimary()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	geoRes := geo.NewResolver(geo.WithTTL(cfg.GeoTTL))
	provider := provision.NewFlyProvider(provision.FlyConfig{
		Token:        cfg.FlyToken,
		App:          cfg.FlyApp,
		Image:        cfg.FlyImage,
		PrimaryWSURL: cfg.PrimaryWSURL,
	})
	prov := provision.NewProvisioner(provider, provision.Config{
		IdleGrace:     cfg.IdleGrace,
		LaunchTimeout: cfg.LaunchTimeout,
	})
	reg := registry.NewRegistry(geoRes, prov, cfg.ProbeTimeout)
	lobbies := app.NewLobbies()
	appRouter := app.NewRouter(lobbies, reg, prov, geoRes, 0)

	r := router.SetupPrimaryRouter(ctx, cfg, lobbies, appRouter, reg, geoRes)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Pasture primary started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
