// Relay — signaling document server.
//
// Peers that cannot share a SQLite file exchange call documents through this
// server: REST endpoints for create, read and field writes, plus a WebSocket
// watch that pushes every document change.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/1ureka/callscribe/internal/config"
	"github.com/1ureka/callscribe/internal/relay"
	"github.com/1ureka/callscribe/internal/signaling"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	configPath := flag.String("config", "", "Path to a YAML config file")
	addr := flag.String("addr", "", "Listen address")
	backend := flag.String("backend", "", "Document backend: memory or sqlite")
	dbPath := flag.String("db", "", "Database file (sqlite backend)")
	debugMode := flag.Bool("debug", false, "Enable debug logging and gin debug mode")
	flag.Parse()

	cfg, used, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Relay.Addr = *addr
		case "backend":
			cfg.Relay.Backend = *backend
		case "db":
			cfg.Relay.Path = *dbPath
		case "debug":
			cfg.Debug = *debugMode
		}
	})
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		cfg.Relay.Mode = "debug"
	}
	if used != "" {
		log.Debug().Str("file", used).Msg("config loaded")
	}
	if err := cfg.ValidateRelay(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	store, closeStore, err := openBackend(cfg.Relay)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open backend")
	}
	defer closeStore()

	srv := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           relay.NewRouter(store, cfg.Relay.Mode),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Relay.Addr).Str("backend", cfg.Relay.Backend).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("relay exited")
}

func openBackend(cfg config.RelayConfig) (signaling.Store, func(), error) {
	if cfg.Backend == config.StoreSQLite {
		s, err := signaling.OpenSQLite(cfg.Path, signaling.DefaultPollInterval)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return signaling.NewMemory(), func() {}, nil
}
