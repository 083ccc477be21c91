package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/engine"
	"chatsync/internal/health"
	"chatsync/internal/lock"
	"chatsync/internal/logging"
	"chatsync/internal/poll"
	"chatsync/internal/remote"
	"chatsync/internal/session"
	"chatsync/internal/snapshot"
	"chatsync/internal/store"
	"chatsync/internal/tabs"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	UserID     string
	ServerURL  string // optional override; empty = config value
	ListenAddr string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMonitor,
			provideLock,
			provideStore,
			provideClient,
			provideSubscription,
			provideTabManager,
			providePoller,
			provideSnapshotter,
			provideEngine,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	cfg := config.LoadOrDefault(session.ConfigPath())
	if p.ServerURL != "" {
		cfg.ServerURL = p.ServerURL
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.UserID), p.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMonitor(b *bus.Bus) *health.Monitor {
	return health.NewMonitor(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.UserID); err != nil {
		return nil, err
	}
	logger.Info("acquiring user lock", zap.String("user", p.UserID))
	l, err := lock.Acquire(session.Dir(p.UserID))
	if err != nil {
		return nil, err
	}
	logger.Info("user lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	if err := session.EnsureDir(p.UserID); err != nil {
		return nil, err
	}
	dbPath := session.DBPath(p.UserID)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.ServerURL, os.Getenv("CHATSYNC_API_KEY"), logger)
}

func provideSubscription(p Params, cfg *config.Config, client *remote.Client, logger *zap.Logger) *remote.Subscription {
	sub := remote.NewSubscription(client.SubscribeURL(p.UserID), p.UserID, logger)
	sub.PingInterval = cfg.Reconnect.HeartbeatPeriod()
	return sub
}

func provideTabManager(p Params, cfg *config.Config, client *remote.Client, b *bus.Bus, logger *zap.Logger) *tabs.Manager {
	return tabs.NewManager(p.UserID, cfg.Tabs.Capacity, cfg.Tabs.ConversationQuota, client, b, logger)
}

func providePoller(p Params, cfg *config.Config, client *remote.Client, db *store.DB, monitor *health.Monitor, manager *tabs.Manager, b *bus.Bus, logger *zap.Logger) *poll.Poller {
	return poll.NewPoller(p.UserID, cfg.Sync.PollInterval(), cfg.Sync.OverlapWindow(),
		client, db, monitor, manager.Apply, b, logger)
}

func provideSnapshotter(p Params, cfg *config.Config, manager *tabs.Manager, db *store.DB, logger *zap.Logger) *snapshot.Snapshotter {
	return snapshot.New(p.UserID, cfg.Snapshot.TTL(), cfg.Snapshot.Interval(), cfg.Snapshot.Keep,
		manager, db, logger)
}

func provideEngine(p Params, cfg *config.Config, manager *tabs.Manager, monitor *health.Monitor, poller *poll.Poller, snaps *snapshot.Snapshotter, client *remote.Client, sub *remote.Subscription, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(cfg, p.UserID, manager, monitor, poller, snaps, client, sub, b, logger)
}

func provideServer(p Params, logger *zap.Logger, eng *engine.Engine) (*Server, error) {
	return NewServer(p, logger, eng)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, eng *engine.Engine, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := eng.Start(context.Background()); err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			eng.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
