package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/config"
	"github.com/matheus3301/parley/internal/cryptobox"
	"github.com/matheus3301/parley/internal/e2ee"
	"github.com/matheus3301/parley/internal/lock"
	"github.com/matheus3301/parley/internal/logging"
	"github.com/matheus3301/parley/internal/netstate"
	"github.com/matheus3301/parley/internal/profile"
	"github.com/matheus3301/parley/internal/queue"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/remote/memory"
	"github.com/matheus3301/parley/internal/remote/minioblob"
	"github.com/matheus3301/parley/internal/remote/postgres"
	"github.com/matheus3301/parley/internal/remote/redisfeed"
	"github.com/matheus3301/parley/internal/securestore"
	"github.com/matheus3301/parley/internal/send"
	"github.com/matheus3301/parley/internal/status"
	"github.com/matheus3301/parley/internal/store"
	intsync "github.com/matheus3301/parley/internal/sync"
	"github.com/matheus3301/parley/internal/trust"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load ~/.parley/config.toml
	Remote     *remote.Client // optional; nil = build from Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSecrets,
			provideRemote,
			provideAuth,
			provideCrypto,
			provideFiles,
			provideEncryption,
			provideTrust,
			provideMonitor,
			provideQueue,
			providePipeline,
			provideCache,
			provideOrchestrator,
			provideRuntime,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so no second daemon touches the file.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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

func provideSecrets(cfg *config.Config, db *store.DB, logger *zap.Logger) (*securestore.Store, error) {
	pass := os.Getenv(cfg.Keys.PassphraseEnv)
	if pass == "" {
		logger.Warn("no key store passphrase set, using an empty one", zap.String("env", cfg.Keys.PassphraseEnv))
	}
	s, err := securestore.Open(context.Background(), db, []byte(pass))
	if err != nil {
		return nil, fmt.Errorf("open secure store: %w", err)
	}
	return s, nil
}

func provideRemote(lc fx.Lifecycle, p Params, cfg *config.Config, logger *zap.Logger) (*remote.Client, error) {
	if p.Remote != nil {
		return p.Remote, nil
	}
	switch cfg.Remote.Backend {
	case "memory":
		logger.Warn("using the in-memory remote; nothing leaves this process")
		return memory.New(cfg.Blobs.PublicBaseURL).Client(), nil
	case "postgres":
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Remote.Backend)
	}

	feed := redisfeed.New(cfg.Remote.RedisAddr, cfg.Remote.RedisPassword, cfg.Remote.RedisDB, logger.Named("feed"))
	rows, err := postgres.Open(context.Background(), cfg.Remote.PostgresDSN, feed, logger.Named("rows"))
	if err != nil {
		_ = feed.Close()
		return nil, err
	}
	client := &remote.Client{Rows: rows, Feed: feed}
	if cfg.Blobs.Endpoint != "" {
		blobs, err := minioblob.New(minioblob.Config{
			Endpoint:      cfg.Blobs.Endpoint,
			AccessKey:     cfg.Blobs.AccessKey,
			SecretKey:     cfg.Blobs.SecretKey,
			UseSSL:        cfg.Blobs.UseSSL,
			PublicBaseURL: cfg.Blobs.PublicBaseURL,
		})
		if err != nil {
			rows.Close()
			_ = feed.Close()
			return nil, err
		}
		client.Blobs = blobs
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			rows.Close()
			return feed.Close()
		},
	})
	return client, nil
}

func provideAuth(p Params) *auth.Provider {
	return auth.NewProvider(profile.TokenPath(p.Profile))
}

func provideCrypto(secrets *securestore.Store, rc *remote.Client) *cryptobox.Service {
	return cryptobox.NewService(cryptobox.NewKeyring(secrets), cryptobox.NewDirectory(rc.Rows))
}

// provideFiles returns nil when no blob store is configured.
func provideFiles(svc *cryptobox.Service, rc *remote.Client, cfg *config.Config) *e2ee.FileStore {
	if rc.Blobs == nil {
		return nil
	}
	return e2ee.NewFileStore(svc, rc.Blobs, cfg.Blobs.Bucket)
}

func provideEncryption(svc *cryptobox.Service, files *e2ee.FileStore, logger *zap.Logger) *e2ee.Pipeline {
	return e2ee.New(svc, files, logger.Named("e2ee"))
}

func provideTrust(secrets *securestore.Store, svc *cryptobox.Service, b *bus.Bus, logger *zap.Logger) *trust.Store {
	return trust.New(secrets, svc, b, logger.Named("trust"))
}

func provideMonitor(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *netstate.Monitor {
	return netstate.New(b, cfg.Sync.ProbeAddr, cfg.Sync.ProbeInterval, logger.Named("net"))
}

func provideQueue(cfg *config.Config, db *store.DB, rc *remote.Client, a *auth.Provider, mon *netstate.Monitor, b *bus.Bus, logger *zap.Logger) *queue.Queue {
	return queue.New(db, send.NewExecutor(rc.Rows, a), mon, b, queue.Config{
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BaseBackoff:  cfg.Queue.BaseBackoff,
		MaxBackoff:   cfg.Queue.MaxBackoff,
	}, logger.Named("queue"))
}

func providePipeline(cfg *config.Config, rc *remote.Client, q *queue.Queue, mon *netstate.Monitor, a *auth.Provider, enc *e2ee.Pipeline, b *bus.Bus, logger *zap.Logger) *send.Pipeline {
	return send.New(rc.Rows, q, mon, a, enc, b, send.Config{Timeout: cfg.Sync.SendTimeout}, logger.Named("send"))
}

func provideCache(cfg *config.Config, db *store.DB, rc *remote.Client, a *auth.Provider, b *bus.Bus, logger *zap.Logger) *cache.Cache {
	return cache.New(db, rc.Rows, a, b, cache.Config{StaleAfter: cfg.Sync.StaleAfter}, logger.Named("cache"))
}

func provideOrchestrator(c *cache.Cache, rc *remote.Client, a *auth.Provider, t *trust.Store, enc *e2ee.Pipeline, svc *cryptobox.Service, b *bus.Bus, logger *zap.Logger) *intsync.Orchestrator {
	return intsync.New(c, rc.Rows, rc.Feed, a, b, intsync.Options{
		Trust:     t,
		Decrypter: enc,
		Keys:      svc,
	}, intsync.Config{}, logger.Named("sync"))
}

func provideRuntime(m *status.Machine, a *auth.Provider, mon *netstate.Monitor, o *intsync.Orchestrator, c *cache.Cache, svc *cryptobox.Service, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *Runtime {
	return NewRuntime(m, a, mon, o, c, svc, rc.Rows, b, logger.Named("runtime"))
}

func provideControl(
	p Params,
	machine *status.Machine,
	mon *netstate.Monitor,
	a *auth.Provider,
	rt *Runtime,
	pipeline *send.Pipeline,
	q *queue.Queue,
	files *e2ee.FileStore,
	c *cache.Cache,
	o *intsync.Orchestrator,
	t *trust.Store,
	b *bus.Bus,
) *api.Control {
	return &api.Control{
		SessionService: api.NewSessionService(p.Profile, machine, mon, a, rt, pipeline, q),
		MessageService: api.NewMessageService(pipeline, o, files, a),
		ChatService:    api.NewChatService(c, o),
		TrustService:   api.NewTrustService(t, a),
		SyncService:    api.NewSyncService(o, b, p.Profile),
	}
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	mon *netstate.Monitor,
	q *queue.Queue,
	pipeline *send.Pipeline,
	c *cache.Cache,
	o *intsync.Orchestrator,
	rt *Runtime,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := c.Load(startCtx); err != nil {
				return fmt.Errorf("load caches: %w", err)
			}

			go mon.Run(ctx)

			// The pipeline rehydrates from the queue before it drains.
			if err := pipeline.Start(ctx); err != nil {
				return fmt.Errorf("start send pipeline: %w", err)
			}
			q.Start(ctx)
			o.Start(ctx)
			rt.Start(ctx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			srv.Stop(stopCtx)
			cancel()
			rt.Stop()
			o.Stop()
			q.Stop()
			pipeline.Stop()
			c.Prefs.Wait()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
