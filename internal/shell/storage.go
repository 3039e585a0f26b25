package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var ErrBucketNotFound = errors.New("cache bucket not found")

// CacheStorage is the set of named cache buckets available to the worker.
type CacheStorage interface {
	// Open returns the bucket called name, creating it if absent.
	Open(ctx context.Context, name string) (Bucket, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists bucket names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the bucket and all of its entries. It reports whether
	// the bucket existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Bucket is a single request-keyed response store.
type Bucket interface {
	Name() string
	Match(ctx context.Context, key string) (*Response, bool, error)
	Put(ctx context.Context, key string, resp *Response) error
	// PutAll commits every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// OpenStorage builds the storage driver selected in cfg.
func OpenStorage(cfg Config, logger *zap.Logger) (CacheStorage, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "memory":
		logger.Info("using in-memory cache storage")
		return NewMemoryStorage(), nil
	case "leveldb":
		logger.Info("using leveldb cache storage", zap.String("path", cfg.Storage.Path))
		return NewLevelDBStorage(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
