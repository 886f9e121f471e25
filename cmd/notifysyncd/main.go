package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/notifysync/internal/config"
	"github.com/agentworkforce/notifysync/internal/daemon"
	"github.com/agentworkforce/notifysync/internal/docstore"
	"github.com/agentworkforce/notifysync/internal/httpapi"
	"github.com/agentworkforce/notifysync/internal/notify"
	"github.com/agentworkforce/notifysync/internal/remote"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the TOML config file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	store, err := docstore.Open(cfg.StateDSN)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", cfg.StateDSN).Msg("open document store")
	}
	defer store.Close()

	inboxes, err := notify.NewInboxStore(notify.InboxStoreOptions{
		Store: store,
		Log:   log.With().Str("component", "inbox").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("load inbox document")
	}
	states, err := notify.NewReadStates(notify.ReadStatesOptions{
		Store: store,
		Log:   log.With().Str("component", "readstate").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("load read-state document")
	}

	daemonClient := daemon.NewClient(cfg.Daemon.URL, cfg.Daemon.Token, nil)
	remoteClient, err := remote.NewClient(daemonClient, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("build remote client")
	}

	engine := notify.NewSyncEngine(notify.SyncEngineOptions{
		States:   states,
		Client:   remoteClient,
		Log:      log.With().Str("component", "sync").Logger(),
		Host:     cfg.Notify.Host,
		Debounce: cfg.Notify.SyncDebounce,
		Sweep:    cfg.Notify.SweepInterval,
	})
	states.SetSyncTrigger(engine.Trigger)

	ingestor := notify.NewIngestor(notify.IngestorOptions{
		Accounts: daemonClient,
		Feed:     daemonClient,
		Inboxes:  inboxes,
		Log:      log.With().Str("component", "ingest").Logger(),
		Interval: cfg.Notify.PollInterval,
	})

	hub := httpapi.NewHub(log.With().Str("component", "ws").Logger())
	inboxes.SetOnChange(func(accountID string) {
		hub.Broadcast(httpapi.Invalidation{AccountID: accountID, Scope: "inbox"})
	})
	states.SetOnChange(func(accountID string) {
		hub.Broadcast(httpapi.Invalidation{AccountID: accountID, Scope: "read-state"})
	})

	api, err := httpapi.NewServer(httpapi.ServerOptions{
		Inboxes: inboxes,
		States:  states,
		Engine:  engine,
		Ingest:  ingestor,
		Hub:     hub,
		Log:     log.With().Str("component", "api").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build http api")
	}

	watcher, err := config.Watch(*configPath, log.With().Str("component", "config").Logger(), func(next *config.Config) {
		engine.SetHost(next.Notify.Host)
	})
	if err != nil {
		log.Warn().Err(err).Str("path", *configPath).Msg("config watch unavailable")
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ingestor.Run(ctx)
	go engine.Run(ctx)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("listen", cfg.Listen).Msg("notifysyncd listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func defaultConfigPath() string {
	if fromEnv := os.Getenv("NOTIFYSYNC_CONFIG"); fromEnv != "" {
		return fromEnv
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "notifysync.toml"
	}
	return home + "/.notifysync/notifysync.toml"
}
