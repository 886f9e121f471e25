package main

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/notifysync/internal/authority"
	"github.com/agentworkforce/notifysync/internal/docstore"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	addr := os.Getenv("NOTIFYAUTHORITY_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	dsn := os.Getenv("NOTIFYAUTHORITY_STATE_DSN")
	if dsn == "" {
		dsn = "memory://"
	}
	maxSkew := authority.DefaultMaxSkew
	if raw := os.Getenv("NOTIFYAUTHORITY_MAX_SKEW"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			log.Warn().Str("value", raw).Msg("invalid NOTIFYAUTHORITY_MAX_SKEW, using default")
		} else {
			maxSkew = parsed
		}
	}

	store, err := docstore.Open(dsn)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", dsn).Msg("open document store")
	}
	defer store.Close()

	server, err := authority.NewServer(authority.ServerOptions{
		Store:   store,
		Log:     log,
		MaxSkew: maxSkew,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build authority server")
	}

	log.Info().Str("listen", addr).Msg("notifyauthority listening")
	if err := http.ListenAndServe(addr, server.Routes()); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
