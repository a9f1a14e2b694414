package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"

	"avatarhub/internal/assets"
	"avatarhub/internal/auth"
	"avatarhub/internal/avatar"
	"avatarhub/internal/config"
	"avatarhub/internal/httpapi"
	"avatarhub/internal/logging"
	"avatarhub/internal/registry"
	"avatarhub/internal/session"
	"avatarhub/internal/store"
	"avatarhub/internal/topic"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

const pendingSweepInterval = 10 * time.Second

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		os.Stderr.WriteString("load environment: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, closeLog, err := logging.New(env.Logger, env.Logs)
	if err != nil {
		os.Stderr.WriteString("initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()

	log.Info().Str("version", Version).Str("config", env.Config).Msg("starting server")

	cfg, err := config.NewHolder(env.Config, log)
	if err != nil {
		log.Error().Err(err).Msg("load config")
		os.Exit(1)
	}

	moderation, err := store.Open(env.DB, log)
	if err != nil {
		log.Error().Err(err).Msg("open moderation store")
		os.Exit(1)
	}
	defer func() {
		if err := moderation.Close(); err != nil {
			log.Error().Err(err).Msg("close moderation store")
		}
	}()

	avatars, err := avatar.NewStore(env.Avatars, log)
	if err != nil {
		log.Error().Err(err).Msg("initialize avatar store")
		os.Exit(1)
	}

	reg := registry.New(registry.DefaultPendingTTL, log)
	if err := loadModeration(moderation, reg, log); err != nil {
		log.Error().Err(err).Msg("load moderation state")
		os.Exit(1)
	}
	cfg.Apply(reg)

	topics := topic.NewRegistry(log)
	sessions := session.NewMap(log)
	notifier := session.NewNotifier(sessions, topics, log)

	oracle := auth.NewHTTPOracle(providers(cfg), log)
	authSvc := auth.NewService(reg, oracle, log)
	authSvc.RankFor = cfg.RankFor

	server := httpapi.New(httpapi.Deps{
		Config:     cfg,
		Registry:   reg,
		Auth:       authSvc,
		Avatars:    avatars,
		Notifier:   notifier,
		Sessions:   sessions,
		WS:         session.NewHandler(reg, topics, sessions, log),
		Moderation: moderation,
		AssetsDir:  env.Assets,
		Log:        log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info().Msg("received interrupt, shutting down")
		cancel()
	}()

	go sweepPending(ctx, reg)
	go cfg.Watch(ctx, config.DefaultReloadInterval, reg)
	go func() {
		updater := assets.NewUpdater(env.Assets, cfg.Current().Assets, log)
		if _, err := updater.Sync(ctx); err != nil {
			log.Warn().Err(err).Msg("asset sync failed")
		}
	}()

	addr := cfg.Current().Listen
	log.Info().Str("addr", addr).Msg("listening")
	if err := server.Run(ctx, addr); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// loadModeration seeds the registry with the persisted ban list and upload
// overrides.
func loadModeration(moderation *store.Store, reg *registry.Registry, log zerolog.Logger) error {
	ctx := context.Background()
	bans, err := moderation.Bans(ctx)
	if err != nil {
		return err
	}
	for _, id := range bans {
		reg.SetBanned(id, true)
	}
	overrides, err := moderation.UploadOverrides(ctx)
	if err != nil {
		return err
	}
	for id, allowed := range overrides {
		reg.PutUploadState(id, allowed)
	}
	log.Info().Int("bans", len(bans)).Int("upload_overrides", len(overrides)).Msg("moderation state loaded")
	return nil
}

func providers(cfg *config.Holder) []auth.Provider {
	var out []auth.Provider
	for _, p := range cfg.Current().Auth.Providers {
		out = append(out, auth.Provider{Name: p.Name, URL: p.URL})
	}
	return out
}

func sweepPending(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(pendingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.SweepPending(time.Now())
		}
	}
}
