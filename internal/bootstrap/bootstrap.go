// internal/bootstrap/bootstrap.go
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"

	"github.com/javajoker/traceledger/internal/archive"
	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/database"
	"github.com/javajoker/traceledger/internal/ledger"
	"github.com/javajoker/traceledger/internal/metrics"
	"github.com/javajoker/traceledger/internal/oplog"
	"github.com/javajoker/traceledger/internal/services"
	"github.com/javajoker/traceledger/internal/store"
	"github.com/javajoker/traceledger/internal/worker"
)

// App holds the wired services and the connections behind them.
type App struct {
	Config       *config.Config
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	RecordStore  store.RecordStore
	OpLog        oplog.Store
	Ledger       ledger.Client
	Sync         *services.SyncService
	Verification *services.VerificationService
	Scans        *services.ScanService
	Products     *services.ProductService
	Reconciler   *worker.Reconciler

	closers []func()
}

// ConfigureLogging sets the logrus formatter and level for the environment.
func ConfigureLogging(cfg *config.Config) {
	if cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// Build connects the configured backends and wires the services on top.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = metrics.New(app.Registry)

	if err := app.connect(ctx); err != nil {
		app.Close()
		return nil, err
	}

	host, _ := os.Hostname()
	app.Sync = services.NewSyncService(app.RecordStore, app.OpLog, app.Ledger, cfg.Sync,
		services.WithSyncMetrics(app.Metrics),
		services.WithLeaseOwner(fmt.Sprintf("%s-%d", host, os.Getpid())),
	)
	app.Verification = services.NewVerificationService(app.RecordStore, app.OpLog, app.Ledger, app.Sync, app.Metrics)
	app.Scans = services.NewScanService(app.RecordStore, app.Metrics)
	app.Products = services.NewProductService(app.RecordStore)

	archiver, err := archive.New(cfg.AWS)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Reconciler = worker.NewReconciler(app.OpLog, app.Sync, archiver, app.Metrics, cfg.Reconciler)

	return app, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config

	var db *gorm.DB
	if cfg.Storage.RecordStore == config.BackendPostgres || cfg.Storage.OpLogStore == config.BackendPostgres {
		var err error
		db, err = database.Initialize(cfg.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { database.Close(db) })

		if err := database.RunMigrations(db, cfg.Storage); err != nil {
			return err
		}
	}

	switch cfg.Storage.RecordStore {
	case config.BackendPostgres:
		a.RecordStore = store.NewGormStore(db)
	case config.BackendMongo:
		client, mdb, err := database.ConnectMongo(ctx, cfg.Mongo)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { disconnectMongo(client) })

		s, err := store.NewMongoStore(ctx, mdb)
		if err != nil {
			return err
		}
		a.RecordStore = s
	default:
		logrus.Warn("Using in-memory record store, data will not survive a restart")
		a.RecordStore = store.NewMemoryStore()
	}

	switch cfg.Storage.OpLogStore {
	case config.BackendPostgres:
		a.OpLog = oplog.NewGormStore(db)
	case config.BackendRedis:
		client, err := database.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { closeRedis(client) })
		// Keep entries in redis past the purge window so the reconciler archives them first.
		a.OpLog = oplog.NewRedisStore(client, oplog.WithRetention(
			2*cfg.Reconciler.CompletedRetention,
			2*cfg.Reconciler.FailedRetention,
		))
	default:
		logrus.Warn("Using in-memory operation ledger, pending operations will not survive a restart")
		a.OpLog = oplog.NewMemoryStore()
	}

	if cfg.Blockchain.Network == config.NetworkSimulated {
		logrus.Warn("Using simulated ledger")
		a.Ledger = ledger.NewSimulatedLedger(config.NetworkSimulated)
		return nil
	}
	client, err := ledger.NewEthereumClient(ctx, cfg.Blockchain)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, client.Close)
	a.Ledger = client
	logrus.WithField("network", cfg.Blockchain.Network).Info("Connected to ledger")
	return nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func disconnectMongo(client *mongo.Client) {
	if err := client.Disconnect(context.Background()); err != nil {
		logrus.WithError(err).Error("Error closing MongoDB connection")
	}
}

func closeRedis(client *redis.Client) {
	if err := client.Close(); err != nil {
		logrus.WithError(err).Error("Error closing Redis connection")
	}
}
