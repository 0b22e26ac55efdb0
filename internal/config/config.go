package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the delegation server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Encryption EncryptionConfig
	Products   ProductsConfig
	Retry      RetryConfig
	Stream     StreamConfig
	Cancel     CancelConfig
	Workspace  WorkspaceConfig
	Execution  ExecutionConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	ServerID string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL                string
	RateLimitPerMinute int
}

// AuthConfig holds the two technical accounts. Tokens are bcrypt hashes.
type AuthConfig struct {
	UserID         string
	UserTokenHash  string
	AdminID        string
	AdminTokenHash string
}

type EncryptionConfig struct {
	Secret []byte
}

type ProductsConfig struct {
	File string
}

type RetryConfig struct {
	MaxRetries int
	Delay      time.Duration
}

type StreamConfig struct {
	CacheWindow     time.Duration
	RefreshInterval time.Duration
	RefreshRetries  int
}

type CancelConfig struct {
	OrphanThreshold      time.Duration
	SweepInterval        time.Duration
	SweepMaxInitialDelay time.Duration
}

type WorkspaceConfig struct {
	Root               string
	StorageRoot        string
	ArchiveMaxBytes    int64
	ArchiveMaxEntries  int
	ArchiveMaxDepth    int
	ArchiveTimeout     time.Duration
	StorageReadRetries int
	StorageReadDelay   time.Duration
}

type ExecutionConfig struct {
	MaxConcurrentJobs int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	JobRetention      time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables and returns a validated Config.
// When envFile is set and exists it is loaded first; variables already present
// in the environment win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("PDS_PORT", 8444),
			Env:      envString("PDS_ENV", "development"),
			ServerID: os.Getenv("PDS_SERVER_ID"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("PDS_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:                os.Getenv("REDIS_URL"),
			RateLimitPerMinute: envInt("PDS_RATE_LIMIT_PER_MINUTE", 600),
		},
		Auth: AuthConfig{
			UserID:         os.Getenv("PDS_TECHUSER_ID"),
			UserTokenHash:  os.Getenv("PDS_TECHUSER_APITOKEN_HASH"),
			AdminID:        os.Getenv("PDS_ADMIN_ID"),
			AdminTokenHash: os.Getenv("PDS_ADMIN_APITOKEN_HASH"),
		},
		Products: ProductsConfig{
			File: os.Getenv("PDS_PRODUCTS_FILE"),
		},
		Retry: RetryConfig{
			MaxRetries: envInt("PDS_RETRY_MAX", 3),
			Delay:      envDuration("PDS_RETRY_DELAY", 300*time.Millisecond),
		},
		Stream: StreamConfig{
			CacheWindow:     envDuration("PDS_STREAM_CACHE_WINDOW", 2*time.Second),
			RefreshInterval: envDuration("PDS_STREAM_REFRESH_INTERVAL", 500*time.Millisecond),
			RefreshRetries:  envInt("PDS_STREAM_REFRESH_RETRIES", 10),
		},
		Cancel: CancelConfig{
			OrphanThreshold:      envDuration("PDS_ORPHAN_THRESHOLD", 60*time.Minute),
			SweepInterval:        envDuration("PDS_CANCEL_SWEEP_INTERVAL", 24*time.Hour),
			SweepMaxInitialDelay: envDuration("PDS_CANCEL_SWEEP_MAX_INITIAL_DELAY", 60*time.Second),
		},
		Workspace: WorkspaceConfig{
			Root:               envString("PDS_WORKSPACE_ROOT", "./workspace"),
			StorageRoot:        envString("PDS_STORAGE_ROOT", "./storage"),
			ArchiveMaxBytes:    int64(envInt("PDS_ARCHIVE_MAX_BYTES", 512*1024*1024)),
			ArchiveMaxEntries:  envInt("PDS_ARCHIVE_MAX_ENTRIES", 100000),
			ArchiveMaxDepth:    envInt("PDS_ARCHIVE_MAX_DEPTH", 32),
			ArchiveTimeout:     envDuration("PDS_ARCHIVE_TIMEOUT", 5*time.Minute),
			StorageReadRetries: envInt("PDS_STORAGE_READ_RETRIES", 5),
			StorageReadDelay:   envDuration("PDS_STORAGE_READ_DELAY", time.Second),
		},
		Execution: ExecutionConfig{
			MaxConcurrentJobs: envInt("PDS_MAX_CONCURRENT_JOBS", 5),
			PollInterval:      envDuration("PDS_SCHEDULER_POLL_INTERVAL", time.Second),
			JobTimeout:        envDuration("PDS_JOB_TIMEOUT", 0),
			JobRetention:      envDuration("PDS_JOB_RETENTION", 0),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
		},
	}

	if secret := os.Getenv("PDS_ENCRYPTION_SECRET"); secret != "" {
		key, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("PDS_ENCRYPTION_SECRET must be base64 encoded: %w", err)
		}
		cfg.Encryption.Secret = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.ServerID == "" {
		return fmt.Errorf("PDS_SERVER_ID is required")
	}
	if len(c.Server.ServerID) > 60 {
		return fmt.Errorf("PDS_SERVER_ID must be at most 60 characters, got %d", len(c.Server.ServerID))
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Auth.UserID == "" || c.Auth.UserTokenHash == "" {
		return fmt.Errorf("PDS_TECHUSER_ID and PDS_TECHUSER_APITOKEN_HASH are required")
	}
	if c.Auth.AdminID == "" || c.Auth.AdminTokenHash == "" {
		return fmt.Errorf("PDS_ADMIN_ID and PDS_ADMIN_APITOKEN_HASH are required")
	}

	if len(c.Encryption.Secret) != 32 {
		return fmt.Errorf("PDS_ENCRYPTION_SECRET must decode to 32 bytes, got %d", len(c.Encryption.Secret))
	}

	if c.Products.File == "" {
		return fmt.Errorf("PDS_PRODUCTS_FILE is required")
	}

	if c.Stream.RefreshRetries < 1 {
		return fmt.Errorf("PDS_STREAM_REFRESH_RETRIES must be at least 1, got %d", c.Stream.RefreshRetries)
	}
	if c.Execution.MaxConcurrentJobs < 1 {
		return fmt.Errorf("PDS_MAX_CONCURRENT_JOBS must be at least 1, got %d", c.Execution.MaxConcurrentJobs)
	}
	if c.Cancel.SweepInterval <= 0 {
		return fmt.Errorf("PDS_CANCEL_SWEEP_INTERVAL must be positive")
	}
	if c.Execution.PollInterval <= 0 {
		return fmt.Errorf("PDS_SCHEDULER_POLL_INTERVAL must be positive")
	}
	if c.Stream.RefreshInterval <= 0 {
		return fmt.Errorf("PDS_STREAM_REFRESH_INTERVAL must be positive")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of json, text; got %q", c.Log.Format)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
