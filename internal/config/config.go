// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Backends selectable for the record store and the operation ledger.
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// NetworkSimulated selects the in-process ledger instead of an EVM RPC endpoint.
const NetworkSimulated = "simulated"

type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	Database    DatabaseConfig
	Mongo       MongoConfig
	Redis       RedisConfig
	Storage     StorageConfig
	JWT         JWTConfig
	Blockchain  BlockchainConfig
	Sync        SyncConfig
	Reconciler  ReconcilerConfig
	AWS         AWSConfig
	RateLimit   RateLimitConfig
	Metrics     MetricsConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

type MongoConfig struct {
	URI      string
	Database string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// StorageConfig selects which backend serves each persistence concern.
type StorageConfig struct {
	RecordStore string
	OpLogStore  string
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

type BlockchainConfig struct {
	Network         string
	RPC_URL         string
	PrivateKey      string
	ContractAddress string
	DeployBlock     uint64
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	RPCRateLimit    float64 // requests per second
}

// SyncConfig bounds the retry policy of the synchronization engine.
type SyncConfig struct {
	LedgerAttempts  int
	StoreAttempts   int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Lease           time.Duration
	OperationBudget time.Duration
}

type ReconcilerConfig struct {
	Enabled            bool
	Interval           time.Duration
	BatchSize          int
	MaxAttempts        int
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type MetricsConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 60),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "traceledger"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "silent"),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "traceledger"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			RecordStore: strings.ToLower(getEnv("RECORD_STORE", BackendPostgres)),
			OpLogStore:  strings.ToLower(getEnv("OPLOG_STORE", BackendPostgres)),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", defaultJWTSecret),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24),
		},
		Blockchain: BlockchainConfig{
			Network:         strings.ToLower(getEnv("BLOCKCHAIN_NETWORK", NetworkSimulated)),
			RPC_URL:         getEnv("BLOCKCHAIN_RPC_URL", ""),
			PrivateKey:      getEnv("BLOCKCHAIN_PRIVATE_KEY", ""),
			ContractAddress: getEnv("BLOCKCHAIN_CONTRACT_ADDRESS", ""),
			DeployBlock:     uint64(getEnvAsInt("BLOCKCHAIN_DEPLOY_BLOCK", 0)),
			ConfirmTimeout:  getEnvAsDuration("BLOCKCHAIN_CONFIRM_TIMEOUT", 90*time.Second),
			PollInterval:    getEnvAsDuration("BLOCKCHAIN_POLL_INTERVAL", 2*time.Second),
			RPCRateLimit:    getEnvAsFloat("BLOCKCHAIN_RPC_RATE_LIMIT", 10),
		},
		Sync: SyncConfig{
			LedgerAttempts:  getEnvAsInt("SYNC_LEDGER_ATTEMPTS", 3),
			StoreAttempts:   getEnvAsInt("SYNC_STORE_ATTEMPTS", 6),
			InitialBackoff:  getEnvAsDuration("SYNC_INITIAL_BACKOFF", 200*time.Millisecond),
			MaxBackoff:      getEnvAsDuration("SYNC_MAX_BACKOFF", 5*time.Second),
			Lease:           getEnvAsDuration("SYNC_LEASE", 3*time.Minute),
			OperationBudget: getEnvAsDuration("SYNC_OPERATION_BUDGET", 2*time.Minute),
		},
		Reconciler: ReconcilerConfig{
			Enabled:            getEnvAsBool("RECONCILER_ENABLED", true),
			Interval:           getEnvAsDuration("RECONCILER_INTERVAL", 30*time.Second),
			BatchSize:          getEnvAsInt("RECONCILER_BATCH_SIZE", 50),
			MaxAttempts:        getEnvAsInt("RECONCILER_MAX_ATTEMPTS", 10),
			CompletedRetention: getEnvAsDuration("OPLOG_COMPLETED_RETENTION", 24*time.Hour),
			FailedRetention:    getEnvAsDuration("OPLOG_FAILED_RETENTION", 7*24*time.Hour),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_ARCHIVE_BUCKET", "traceledger-operations"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == defaultJWTSecret && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" && c.Environment == "production" && c.usesPostgres() {
		return fmt.Errorf("database password is required in production")
	}

	switch c.Storage.RecordStore {
	case BackendPostgres, BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("unsupported record store %q", c.Storage.RecordStore)
	}

	switch c.Storage.OpLogStore {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unsupported operation ledger store %q", c.Storage.OpLogStore)
	}

	if c.Blockchain.Network != NetworkSimulated {
		if c.Blockchain.RPC_URL == "" || c.Blockchain.ContractAddress == "" || c.Blockchain.PrivateKey == "" {
			return fmt.Errorf("blockchain network %q requires RPC URL, contract address and private key", c.Blockchain.Network)
		}
	} else if c.Environment == "production" {
		return fmt.Errorf("simulated ledger is not allowed in production")
	}

	if c.Sync.LedgerAttempts < 1 || c.Sync.StoreAttempts < 1 {
		return fmt.Errorf("sync attempts must be at least 1")
	}

	return nil
}

func (c *Config) usesPostgres() bool {
	return c.Storage.RecordStore == BackendPostgres || c.Storage.OpLogStore == BackendPostgres
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
