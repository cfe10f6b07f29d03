package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/persistence"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key prefixes for namespacing in Redis
const (
	keyPrefixPending     = "assetlock:pending:"
	keySchemaVersion     = "assetlock:metadata:schema_version"
	currentSchemaVersion = "v1"

	// Redis has no native prefix iteration, so IDs are tracked in a set
	keySetPending = "assetlock:pending:index"
)

// RedisPersistence is an IPendingStore backed by Redis, for deployments where
// several workers share pending state.
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	timeout   time.Duration
	mu        sync.RWMutex
	closed    bool
}

var _ persistence.IPendingStore = (*RedisPersistence)(nil)

// RedisConfig holds the configuration for connecting to Redis
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address string `json:"address" yaml:"address"`
	// Password is the optional Redis password
	Password string `json:"password" yaml:"password"`
	// DB is the Redis database number (0-15)
	DB int `json:"db" yaml:"db"`
	// KeyPrefix is prepended to every key, e.g. "tenant-a:" yields
	// "tenant-a:assetlock:pending:<id>".
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix"`
}

// NewRedisPersistence connects, pings and validates the schema version.
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Create Redis client
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Fail fast on a bad address instead of on the first save
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPersistence{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
		timeout:   5 * time.Second,
	}

	// Initialize schema version
	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis persistence initialized", "address", cfg.Address, "db", cfg.DB, "key_prefix", cfg.KeyPrefix)

	return rp, nil
}

// prefixKey applies the configured tenant prefix, if any.
func (r *RedisPersistence) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

func (r *RedisPersistence) pendingKey(id string) string {
	return r.prefixKey(keyPrefixPending + id)
}

func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if err == redis.Nil {
		// First time setup
		return r.client.Set(ctx, schemaKey, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}

	return nil
}

func (r *RedisPersistence) SavePending(record *types.PendingRecord) error {
	if err := persistence.ValidateRecord(record); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalPendingRecord(record)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	// Record and index entry are written in one MULTI/EXEC
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.pendingKey(record.ID), data, 0)
	pipe.SAdd(ctx, r.prefixKey(keySetPending), record.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save PendingRecord: %w", err)
	}
	return nil
}

func (r *RedisPersistence) LoadPending(id string) (*types.PendingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.pendingKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load PendingRecord: %w", err)
	}

	return persistence.UnmarshalPendingRecord(data)
}

func (r *RedisPersistence) ListPending() ([]*types.PendingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	indexKey := r.prefixKey(keySetPending)

	// Get all ids from the index set
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list PendingRecord ids: %w", err)
	}

	records := []*types.PendingRecord{}
	if len(ids) == 0 {
		return records, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.pendingKey(id)
	}

	// Fetch all records in one round trip
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PendingRecords: %w", err)
	}

	for i, val := range values {
		if val == nil {
			// in the index but gone; drop the stale entry
			r.client.SRem(ctx, indexKey, ids[i])
			continue
		}

		data, ok := val.(string)
		if !ok {
			r.logger.Sugar().Warnw("Unexpected value type for PendingRecord", "key", keys[i])
			continue
		}

		// Skip corrupt entries so the remaining records stay resumable
		rec, err := persistence.UnmarshalPendingRecord([]byte(data))
		if err != nil {
			r.logger.Sugar().Warnw("Failed to unmarshal PendingRecord, skipping", "key", keys[i], "error", err)
			continue
		}
		records = append(records, rec)
	}

	persistence.SortPendingRecords(records)
	return records, nil
}

func (r *RedisPersistence) DeletePending(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	// Delete record and index entry together
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.pendingKey(id))
	pipe.SRem(ctx, r.prefixKey(keySetPending), id)

	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	// Close Redis client
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

func (r *RedisPersistence) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	// Ping Redis to check connectivity
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	// A missing schema key means another process flushed the database
	_, err := r.client.Get(ctx, r.prefixKey(keySchemaVersion)).Result()
	if err == redis.Nil {
		return fmt.Errorf("schema version not found - database may not be properly initialized")
	}
	if err != nil {
		return fmt.Errorf("failed to verify schema version: %w", err)
	}

	return nil
}
