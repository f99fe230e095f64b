package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/pasturegame/pasture/internal/adapters/http"
	"github.com/pasturegame/pasture/internal/adapters/uplink"
	"github.com/pasturegame/pasture/internal/config"
	"github.com/pasturegame/pasture/internal/shard"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadShard()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	host := shard.NewHost(0)
	up := uplink.New(cfg, host)

	go func() {
		if err := up.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("uplink stopped")
			// A rejection means this shard will never receive work.
			if errors.Is(err, uplink.ErrRejected) {
				cancel()
			}
		}
	}()

	r := router.SetupShardRouter(cfg, host)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("primary", cfg.PrimaryURL).Msg("Pasture shard started")
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
