package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tandem/internal/cache"
	"tandem/internal/config"
	"tandem/internal/database"
	"tandem/internal/media"
	"tandem/internal/metadata"
	"tandem/internal/player"
	"tandem/internal/relay"
	"tandem/internal/server"
	"tandem/internal/syncer"
	"tandem/pkg/models"
)

func main() {
	configPath := flag.String("config", "./tandem.toml", "path to the configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}
	configureLogger(logger, cfg.Logging)
	log := logger.WithField("device", cfg.Relay.DeviceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(cfg.Database.Path, log)
	if err != nil {
		log.WithError(err).Fatal("Error initializing database")
	}
	defer db.Close()

	trackCache := cache.NewTrackCache(cfg.CacheTTL())
	defer trackCache.Close()
	resolver := metadata.NewResolver(trackCache, db, log)

	d := player.NewDispatcher(log, cfg.ActionTimeout())
	m := player.New(db, resolver, player.Config{
		AddonTimeout:    cfg.AddonTimeout(),
		MetadataTimeout: cfg.MetadataTimeout(),
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return m.Run(gctx, d) })

	ch, err := openRelay(gctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Error connecting to relay")
	}
	if ch != nil {
		defer ch.Close()
		peers := syncer.New(d, m, ch, resolver.Local(), log)
		resolver.SetRemote(peers)
		g.Go(func() error { return peers.Run(gctx) })
	} else {
		log.Info("Relay disabled, running standalone")
	}

	engine := media.NewMPV(cfg.Player.SocketPath, log)
	if err := engine.Start(gctx, cfg.Player.MPVPath); err != nil {
		log.WithError(err).Fatal("Error starting media engine")
	}
	defer engine.Close()
	bridge := media.NewBridge(d, m, engine, cfg.SeekThreshold(), log)
	g.Go(func() error { return bridge.Run(gctx) })

	if cfg.Library.Path != "" {
		startLibrary(gctx, g, cfg, db, resolver, log)
	}

	api := server.NewControlServer(cfg, d, m, resolver, db, log)
	g.Go(func() error { return api.Run(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("Shutting down after failure")
		return
	}
	log.Info("Shutdown complete")
}

func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.WithError(err).Warn("Could not open log file, logging to stderr")
			return
		}
		logger.SetOutput(f)
	}
}

// openRelay connects the configured transport. It returns nil when the relay
// is disabled.
func openRelay(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (relay.Channel, error) {
	switch cfg.Relay.Transport {
	case config.TransportWebSocket:
		return relay.DialWebSocket(relay.WebSocketConfig{
			URL:    cfg.Relay.URL,
			Token:  cfg.Relay.Token,
			Device: cfg.Relay.DeviceID,
			Buffer: cfg.Relay.Buffer,
		}, logger), nil
	case config.TransportRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.RedisAddr,
			Password: cfg.Relay.Token,
		})
		return relay.NewRedisChannel(ctx, rdb, cfg.Relay.Topic, cfg.Relay.DeviceID, logger)
	default:
		return nil, nil
	}
}

func startLibrary(ctx context.Context, g *errgroup.Group, cfg *config.Config, db *database.Database, resolver *metadata.Resolver, logger logrus.FieldLogger) {
	if _, err := os.Stat(cfg.Library.Path); os.IsNotExist(err) {
		logger.WithField("library_path", cfg.Library.Path).Warn("Music directory does not exist, skipping import")
		return
	}

	extractor := metadata.NewExtractor(cfg.Library.SupportedFormats, logger)
	library := metadata.NewLibrary(cfg.Library.Path, extractor, db, logger,
		metadata.WithWorkers(cfg.Library.Workers),
		metadata.WithImportHook(func(t models.Track) { resolver.Remember(t) }),
	)

	if cfg.Library.ScanOnStartup {
		g.Go(func() error {
			if _, err := library.Scan(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("Library scan incomplete")
			}
			return nil
		})
	}
	if cfg.Library.WatchForChanges {
		g.Go(func() error {
			if err := library.Watch(ctx); err != nil {
				logger.WithError(err).Warn("File watcher stopped")
			}
			return nil
		})
	}
}
