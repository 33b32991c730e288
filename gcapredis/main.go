// Package gcapredis provides a Redis adapter for gcap.
//
// Each entity is a hash of JSON records under its encoded key, next to a
// version counter. A transaction buffers its writes and commits them with
// WATCH/MULTI; a commit fails when another writer bumped the version of an
// entity the transaction wrote since it first looked at it.
package gcapredis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lemmego/gcap"
)

// =====================================
// Adapter Implementation
// =====================================

// Store implements gcap.Adapter on a Redis database
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing client. Keys are namespaced under prefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "gcap"
	}
	return &Store{client: client, prefix: prefix}
}

// Factory implements gcap.AdapterFactory
type Factory struct{}

// Create connects to the server described by config
func (f *Factory) Create(config gcap.StoreConfig) (gcap.Adapter, error) {
	opts, prefix, err := clientOptions(config)
	if err != nil {
		return nil, err
	}

	store := New(redis.NewClient(opts), prefix)
	if err := store.Health(); err != nil {
		store.client.Close()
		return nil, gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "failed to connect to Redis",
			Cause:   err,
		}
	}
	return store, nil
}

// SupportedDrivers returns the list of supported Redis drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"redis"}
}

// clientOptions builds the client options and key prefix for config
func clientOptions(config gcap.StoreConfig) (*redis.Options, string, error) {
	var opts *redis.Options
	if config.ConnectionURL != "" {
		parsed, err := redis.ParseURL(config.ConnectionURL)
		if err != nil {
			return nil, "", gcap.NewFieldError(gcap.ErrorTypeValidation, "store.connection_url", err.Error())
		}
		opts = parsed
	} else {
		host := config.Host
		if host == "" {
			host = "localhost"
		}
		port := config.Port
		if port == 0 {
			port = 6379
		}
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", host, port),
			Username: config.Username,
			Password: config.Password,
		}
		if config.Database != "" {
			db, err := strconv.Atoi(config.Database)
			if err != nil {
				return nil, "", gcap.NewFieldError(gcap.ErrorTypeValidation, "store.database", "redis database must be a number")
			}
			opts.DB = db
		}
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		opts.PoolSize = config.MaxOpenConns
	}
	if config.MaxIdleConns > 0 {
		opts.MinIdleConns = config.MaxIdleConns
	}
	if config.ConnMaxLifetime > 0 {
		opts.MaxConnAge = config.ConnMaxLifetime
	}
	if config.ConnMaxIdleTime > 0 {
		opts.IdleTimeout = config.ConnMaxIdleTime
	}

	prefix := ""
	if options, ok := config.Options["redis"]; ok {
		if redisOpts, ok := options.(map[string]interface{}); ok {
			for name, target := range map[string]*time.Duration{
				"dial_timeout":  &opts.DialTimeout,
				"read_timeout":  &opts.ReadTimeout,
				"write_timeout": &opts.WriteTimeout,
			} {
				d, err := duration(redisOpts[name])
				if err != nil {
					return nil, "", gcap.NewFieldError(gcap.ErrorTypeValidation, "store.options.redis."+name, err.Error())
				}
				if d > 0 {
					*target = d
				}
			}
			if p, ok := redisOpts["prefix"].(string); ok {
				prefix = p
			}
		}
	}
	return opts, prefix, nil
}

func duration(v interface{}) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(d)
	}
	return 0, fmt.Errorf("expected a duration, got %T", v)
}

// Client exposes the underlying Redis client
func (s *Store) Client() *redis.Client {
	return s.client
}

// Begin starts a buffered transaction
func (s *Store) Begin(ctx context.Context) (gcap.Tx, error) {
	return &Tx{
		store:    s,
		versions: make(map[string]int64),
		writes:   make(map[string]map[string]gcap.Record),
	}, nil
}

// Migrate records the entity names; hashes are created on first write
func (s *Store) Migrate(ctx context.Context, entities []*gcap.EntityDef) error {
	if len(entities) == 0 {
		return nil
	}
	names := make([]interface{}, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	return convertRedisError(s.client.SAdd(ctx, s.prefix+":entities", names...).Err())
}

// Health checks the connection to Redis
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Info returns information about this adapter
func (s *Store) Info() gcap.AdapterInfo {
	return gcap.AdapterInfo{
		Name:    "redis",
		Driver:  "redis",
		Storage: gcap.StorageKV,
		Features: []gcap.Feature{
			gcap.FeatureTransactions,
			gcap.FeatureOptimistic,
			gcap.FeaturePersistent,
		},
	}
}

func (s *Store) dataKey(entity string) string {
	return s.prefix + ":" + entity
}

func (s *Store) versionKey(entity string) string {
	return s.prefix + ":" + entity + ":version"
}

// =====================================
// Error Conversion
// =====================================

var errConflict = errors.New("entity changed since it was read")

// convertRedisError converts Redis errors to gcap errors
func convertRedisError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, redis.Nil):
		return gcap.Error{
			Type:    gcap.ErrorTypeNotFound,
			Message: "key not found",
			Cause:   err,
		}
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, errConflict):
		return gcap.Error{
			Type:    gcap.ErrorTypeCommitFailed,
			Message: "concurrent modification",
			Cause:   err,
		}
	case errors.Is(err, redis.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		return gcap.Error{
			Type:    gcap.ErrorTypeConnection,
			Message: "connection error",
			Cause:   err,
		}
	}

	return gcap.Error{
		Type:    gcap.ErrorTypeInternal,
		Message: "redis operation failed",
		Cause:   err,
	}
}

// =====================================
// Registration
// =====================================

func init() {
	gcap.RegisterAdapter(&Factory{})
}
