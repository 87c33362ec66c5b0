// internal/database/connection.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/models"
)

func Initialize(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.Info("Database connection established successfully")
	return db, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}

func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logrus.WithError(err).Error("Error getting underlying sql.DB")
		return
	}

	if err := sqlDB.Close(); err != nil {
		logrus.WithError(err).Error("Error closing database connection")
	} else {
		logrus.Info("Database connection closed successfully")
	}
}

// RunMigrations creates the tables of the backends that live in postgres.
func RunMigrations(db *gorm.DB, storage config.StorageConfig) error {
	logrus.Info("Running database migrations...")

	var tables []interface{}
	if storage.RecordStore == config.BackendPostgres {
		tables = append(tables, &models.Product{}, &models.Step{})
	}
	if storage.OpLogStore == config.BackendPostgres {
		tables = append(tables, &models.OperationEntry{})
	}
	if len(tables) == 0 {
		return nil
	}

	if err := db.AutoMigrate(tables...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := createIndexes(db, storage); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logrus.Info("Database migrations completed successfully")
	return nil
}

func createIndexes(db *gorm.DB, storage config.StorageConfig) error {
	var indexes []string
	if storage.RecordStore == config.BackendPostgres {
		indexes = append(indexes,
			"CREATE INDEX IF NOT EXISTS idx_products_owner_created ON products(created_by, created_at DESC)",
			"CREATE INDEX IF NOT EXISTS idx_products_created_at ON products(created_at DESC)",
			"CREATE INDEX IF NOT EXISTS idx_steps_unconfirmed ON steps(product_id) WHERE ledger_tx_hash IS NULL OR ledger_tx_hash = ''",
		)
	}
	if storage.OpLogStore == config.BackendPostgres {
		indexes = append(indexes,
			"CREATE INDEX IF NOT EXISTS idx_operation_entries_due ON operation_entries(stage, lease_until, next_retry_at)",
			"CREATE INDEX IF NOT EXISTS idx_operation_entries_stage_updated ON operation_entries(stage, updated_at)",
		)
	}

	for _, index := range indexes {
		if err := db.Exec(index).Error; err != nil {
			logrus.WithError(err).WithField("index", index).Warn("Failed to create index")
			// Continue with other indexes instead of failing completely
		}
	}

	return nil
}

// ConnectMongo opens a client and returns the configured database.
func ConnectMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	logrus.WithField("database", cfg.Database).Info("MongoDB connection established successfully")
	return client, client.Database(cfg.Database), nil
}

// ConnectRedis returns a client after a successful PING.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logrus.WithField("addr", cfg.Addr()).Info("Redis connection established successfully")
	return client, nil
}
