package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mikills/shoplog/docstore"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	BackendContents = "contents"
	BackendLocal    = "local"
	BackendS3       = "s3"
	BackendMongo    = "mongo"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"

	LeaseNone   = "none"
	LeaseMemory = "memory"
	LeaseRedis  = "redis"
)

// closeFunc releases a resource opened for a backend.
type closeFunc func() error

func noopClose() error { return nil }

// OpenBlobStore builds the BlobStore selected by cfg.Backend.
func OpenBlobStore(ctx context.Context, cfg Config, logger *slog.Logger) (docstore.BlobStore, closeFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendContents:
		client := docstore.NewContentsClient(cfg.Contents.BaseURL,
			docstore.WithContentsBranch(cfg.Contents.Branch),
			docstore.WithContentsToken(cfg.Contents.Token),
			docstore.WithContentsRequestTimeout(cfg.Contents.RequestTimeout.Duration),
			docstore.WithContentsRetry(cfg.Contents.MaxRetries, 0, 0),
			docstore.WithContentsLogger(logger),
		)
		logger.Info("configured contents backend", "url", cfg.Contents.BaseURL, "branch", cfg.Contents.Branch)
		return client, noopClose, nil

	case BackendLocal:
		logger.Info("configured local backend", "root", cfg.Local.Root)
		return &docstore.LocalBlobStore{Root: cfg.Local.Root}, noopClose, nil

	case BackendS3:
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3.Endpoint != "" {
				o.UsePathStyle = true
				o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
			}
		})
		logger.Info("configured s3 backend", "bucket", cfg.S3.Bucket, "prefix", cfg.S3.Prefix, "region", cfg.S3.Region)
		return docstore.NewS3BlobStore(client, cfg.S3.Bucket, cfg.S3.Prefix), noopClose, nil

	case BackendMongo:
		client, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("mongo ping: %w", err)
		}
		coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
		logger.Info("configured mongo backend", "db", cfg.Mongo.Database, "collection", cfg.Mongo.Collection)
		return docstore.NewMongoBlobStore(coll), func() error {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(disconnectCtx)
		}, nil

	case BackendSQLite:
		store, err := docstore.NewSQLiteBlobStore(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLite.Path, err)
		}
		logger.Info("configured sqlite backend", "path", cfg.SQLite.Path)
		return store, store.Close, nil

	case BackendMemory:
		logger.Warn("configured memory backend; documents are lost on exit")
		return docstore.NewMemoryBlobStore(), noopClose, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// OpenLeaseManager builds the write lease manager selected by cfg.Lease.Kind.
// A nil manager disables leases.
func OpenLeaseManager(ctx context.Context, cfg Config, logger *slog.Logger) (docstore.WriteLeaseManager, closeFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Lease.Kind {
	case LeaseNone, "":
		return nil, noopClose, nil
	case LeaseMemory:
		return docstore.NewInMemoryWriteLeaseManager(), noopClose, nil
	case LeaseRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Lease.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Lease.RedisAddr, err)
		}
		mgr, err := docstore.NewRedisWriteLeaseManager(client, cfg.Lease.RedisPrefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		logger.Info("configured redis write leases", "addr", cfg.Lease.RedisAddr, "prefix", mgr.Prefix)
		return mgr, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lease kind %q", cfg.Lease.Kind)
	}
}

// OpenStore opens the configured backend and lease manager and wires them
// into a docstore.Store. The returned closer releases both.
func OpenStore(ctx context.Context, cfg Config, metrics docstore.StoreMetrics, logger *slog.Logger) (*docstore.Store, closeFunc, error) {
	blobs, closeBlobs, err := OpenBlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	leases, closeLeases, err := OpenLeaseManager(ctx, cfg, logger)
	if err != nil {
		_ = closeBlobs()
		return nil, nil, err
	}

	opts := []docstore.StoreOption{
		docstore.WithPaths(docstore.PathScheme{Root: cfg.Root}),
		docstore.WithCacheTTL(cfg.Cache.TTL.Duration, cfg.Cache.NotFoundTTL.Duration),
		docstore.WithMaxWriteAttempts(cfg.Writes.MaxAttempts),
		docstore.WithStoreLogger(logger),
	}
	if leases != nil {
		opts = append(opts, docstore.WithWriteLeases(leases, cfg.Lease.TTL.Duration, cfg.Lease.Wait.Duration))
	}
	if metrics != nil {
		opts = append(opts, docstore.WithStoreMetrics(metrics))
	}

	store := docstore.NewStore(blobs, opts...)
	return store, func() error {
		return joinClose(closeLeases, closeBlobs)
	}, nil
}

func joinClose(fns ...closeFunc) error {
	var first error
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
