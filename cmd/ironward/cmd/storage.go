package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/jmcleod/ironward/blob"
	"github.com/jmcleod/ironward/storage"
	bboltstorage "github.com/jmcleod/ironward/storage/bbolt"
	"github.com/jmcleod/ironward/storage/memory"
	"github.com/jmcleod/ironward/storage/postgres"
	redisstorage "github.com/jmcleod/ironward/storage/redis"
)

var (
	backend        string
	dataDir        string
	redisURL       string
	redisKeyPrefix string
	postgresDSN    string
	purgeInterval  time.Duration

	blobBackend    string
	minioEndpoint  string
	minioAccessKey string
	minioSecretKey string
	minioBucket    string
	minioRegion    string
	minioSSL       bool
)

func addStorageFlags(flags *pflag.FlagSet) {
	flags.StringVar(&backend, "backend", "bbolt", "Record store backend (bbolt, redis, postgres, memory)")
	flags.StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data (bbolt backend)")
	flags.StringVar(&redisURL, "redis-url", "redis://localhost:6379/0", "Redis URL (redis backend)")
	flags.StringVar(&redisKeyPrefix, "redis-key-prefix", "ironward:", "Prefix for every Redis key")
	flags.StringVar(&postgresDSN, "postgres-dsn", "", "PostgreSQL connection string (postgres backend)")
	flags.DurationVar(&purgeInterval, "purge-interval", 10*time.Minute, "How often expired rows are purged (postgres backend)")

	flags.StringVar(&blobBackend, "blob-backend", "kv", "Attachment content backend (kv, minio)")
	flags.StringVar(&minioEndpoint, "minio-endpoint", "", "MinIO endpoint host:port")
	flags.StringVar(&minioAccessKey, "minio-access-key", "", "MinIO access key")
	flags.StringVar(&minioSecretKey, "minio-secret-key", "", "MinIO secret key")
	flags.StringVar(&minioBucket, "minio-bucket", "ironward-attachments", "MinIO bucket")
	flags.StringVar(&minioRegion, "minio-region", "", "MinIO region")
	flags.BoolVar(&minioSSL, "minio-ssl", true, "Use TLS to reach MinIO")
}

// openStore opens the configured backend. The returned store must be closed
// by the caller.
func openStore(ctx context.Context) (storage.Store, error) {
	switch backend {
	case "bbolt":
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return bboltstorage.NewFromFile(filepath.Join(dataDir, "ironward.db"), nil)
	case "redis":
		return redisstorage.NewFromURL(ctx, redisURL, redisstorage.WithKeyPrefix(redisKeyPrefix))
	case "postgres":
		if postgresDSN == "" {
			return nil, fmt.Errorf("--postgres-dsn is required for the postgres backend")
		}
		return postgres.NewFromDSN(ctx, postgresDSN)
	case "memory":
		slog.Warn("using the in-memory backend; all data is lost on exit")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// purgeLoop deletes expired postgres rows until ctx is done. Other backends
// expire keys on their own.
func purgeLoop(ctx context.Context, kv storage.Store, interval time.Duration) {
	pg, ok := kv.(*postgres.Store)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.PurgeExpired(ctx)
			if err != nil {
				slog.Warn("purging expired rows failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged expired rows", "count", n)
			}
		}
	}
}

func openBlobStore(ctx context.Context, kv storage.Store) (blob.Store, error) {
	switch blobBackend {
	case "kv":
		return blob.NewKVStore(kv, blob.DefaultMaxSize), nil
	case "minio":
		s, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:        minioEndpoint,
			AccessKeyID:     minioAccessKey,
			SecretAccessKey: minioSecretKey,
			UseSSL:          minioSSL,
			BucketName:      minioBucket,
			Region:          minioRegion,
		}, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to open minio blob store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", blobBackend)
	}
}
