// Package daemon composes the gateway's components into the wagated
// process.
package daemon

import (
	"context"
	"time"

	"github.com/hubdesk/wagate/internal/bus"
	"github.com/hubdesk/wagate/internal/config"
	"github.com/hubdesk/wagate/internal/gateway"
	"github.com/hubdesk/wagate/internal/keystore"
	"github.com/hubdesk/wagate/internal/lock"
	"github.com/hubdesk/wagate/internal/logging"
	"github.com/hubdesk/wagate/internal/pipeline"
	"github.com/hubdesk/wagate/internal/provider"
	"github.com/hubdesk/wagate/internal/provider/loopback"
	"github.com/hubdesk/wagate/internal/provider/meow"
	"github.com/hubdesk/wagate/internal/session"
	"github.com/hubdesk/wagate/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved daemon configuration passed to the fx module.
type Params struct {
	ConfigPath string
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
			providePaths,
			provideLock,
			provideStore,
			provideRedis,
			provideKeystore,
			provideSelector,
			provideRegistry,
			provideConsumer,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := (session.Paths{DataDir: cfg.DataDir}).EnsureDataDir(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.DataDir)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func providePaths(cfg *config.Config) session.Paths {
	return session.Paths{DataDir: cfg.DataDir}
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("data_dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(paths session.Paths, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(paths.StoreDBPath())
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
	logger.Info("store initialized", zap.String("path", paths.StoreDBPath()))
	return db, nil
}

func provideRedis(cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	return rdb, nil
}

func provideKeystore(rdb *redis.Client, db *store.DB, cfg *config.Config, logger *zap.Logger) *keystore.Store {
	ttl := time.Duration(cfg.Gateway.HotKeyTTLDays) * 24 * time.Hour
	return keystore.New(rdb, db, cfg.Redis.Prefix, ttl, logger)
}

func provideSelector(cfg *config.Config) *provider.Selector {
	s := provider.NewSelector(cfg.Gateway.DefaultProvider)
	s.Register(meow.Name, meow.New)
	s.Register(loopback.Name, loopback.New)
	return s
}

func provideRegistry() *session.Registry {
	return session.NewRegistry()
}

func provideConsumer(logger *zap.Logger) pipeline.Consumer {
	return newEventLogger(logger)
}

func provideManager(db *store.DB, b *bus.Bus, registry *session.Registry, selector *provider.Selector, keys *keystore.Store, paths session.Paths, consumer pipeline.Consumer, cfg *config.Config, logger *zap.Logger) *gateway.Manager {
	return gateway.NewManager(db, b, registry, selector, keys, paths, consumer, cfg.Gateway, logger)
}

func registerLifecycle(lc fx.Lifecycle, manager *gateway.Manager, lk *lock.Lock, db *store.DB, rdb *redis.Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Boot in the background; pairing can take minutes and must
			// not hold process startup hostage.
			go func() {
				if err := manager.Boot(context.Background()); err != nil {
					logger.Error("boot sessions", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.ShutdownAll(ctx)
			if err := rdb.Close(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("close store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("release lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
