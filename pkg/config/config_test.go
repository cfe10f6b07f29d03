package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/persistence"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_AssetLockConfig(t *testing.T) {
	t.Run("Should validate the defaults", func(t *testing.T) {
		cfg := NewDefaultAssetLockConfig()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, types.FinalityFinalized, cfg.Finality)
		assert.Equal(t, DefaultMaxAssemblyAttempts, cfg.MaxAssemblyAttempts)
	})

	t.Run("Should resolve cluster endpoints", func(t *testing.T) {
		cfg := NewDefaultAssetLockConfig()
		u, err := cfg.ResolveRPCURL()
		require.NoError(t, err)
		assert.Equal(t, rpc.DevNet.RPC, u)

		cfg.RPCURL = "http://127.0.0.1:9999"
		u, err = cfg.ResolveRPCURL()
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:9999", u)

		_, err = GetRPCURLForCluster("moonnet")
		require.Error(t, err)
	})

	t.Run("Should report every invalid field", func(t *testing.T) {
		cfg := NewDefaultAssetLockConfig()
		cfg.Cluster = "moonnet"
		cfg.Finality = "eventually"
		cfg.RateLimit.Burst = 0
		cfg.MaxAssemblyAttempts = 0
		cfg.Persistence.Type = persistence.StoreTypeRedis

		err := cfg.Validate()
		require.Error(t, err)
		for _, path := range []string{"cluster", "finality", "rateLimit.burst", "maxAssemblyAttempts", "persistence.redis.address"} {
			assert.Contains(t, err.Error(), path)
		}
	})

	t.Run("Should reject relative RPC URLs", func(t *testing.T) {
		cfg := NewDefaultAssetLockConfig()
		cfg.RPCURL = "localhost"
		require.Error(t, cfg.Validate())
	})

	t.Run("Should load YAML over the defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
cluster: localnet
finality: confirmed
requestTimeout: 5s
rateLimit:
  requestsPerSecond: 2.5
persistence:
  type: redis
  redis:
    address: localhost:6379
    db: 3
    keyPrefix: "lock:"
authorities:
  ownerKeypair: /keys/owner.json
`), 0o600))

		cfg, err := LoadConfigFile(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())

		assert.Equal(t, ClusterLocalnet, cfg.Cluster)
		assert.Equal(t, types.FinalityConfirmed, cfg.Finality)
		assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
		assert.Equal(t, 2.5, cfg.RateLimit.RequestsPerSecond)
		assert.Equal(t, DefaultBurst, cfg.RateLimit.Burst)
		assert.Equal(t, persistence.StoreTypeRedis, cfg.Persistence.Type)
		assert.Equal(t, 3, cfg.Persistence.Redis.DB)
		assert.Equal(t, "lock:", cfg.Persistence.Redis.KeyPrefix)
		assert.Equal(t, "/keys/owner.json", cfg.Authorities.OwnerKeypair)

		lc, err := cfg.LedgerConfig()
		require.NoError(t, err)
		assert.Equal(t, rpc.LocalNet.RPC, lc.RPCURL)
		assert.Equal(t, 5*time.Second, lc.RequestTimeout)
	})

	t.Run("Should surface unreadable files", func(t *testing.T) {
		_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)

		_, err = ParseConfig([]byte("cluster: [unterminated"))
		require.Error(t, err)
	})

	t.Run("Should convert retry settings", func(t *testing.T) {
		rc := NewDefaultAssetLockConfig().Retry.RetryConfig()
		assert.Equal(t, 5, rc.MaxAttempts)
		assert.Equal(t, 2.0, rc.BackoffMultiple)
	})
}
