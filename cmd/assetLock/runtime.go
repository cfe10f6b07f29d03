package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Layr-Labs/asset-lock-go/internal/keyGenerator/localKeyGenerator"
	"github.com/Layr-Labs/asset-lock-go/pkg/authority"
	"github.com/Layr-Labs/asset-lock-go/pkg/config"
	"github.com/Layr-Labs/asset-lock-go/pkg/ledger"
	memledger "github.com/Layr-Labs/asset-lock-go/pkg/ledger/memory"
	"github.com/Layr-Labs/asset-lock-go/pkg/logger"
	"github.com/Layr-Labs/asset-lock-go/pkg/metrics"
	"github.com/Layr-Labs/asset-lock-go/pkg/persistence"
	"github.com/Layr-Labs/asset-lock-go/pkg/persistence/badger"
	"github.com/Layr-Labs/asset-lock-go/pkg/persistence/memory"
	"github.com/Layr-Labs/asset-lock-go/pkg/persistence/redis"
	"github.com/Layr-Labs/asset-lock-go/pkg/transactionSigner"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/Layr-Labs/asset-lock-go/pkg/workflow"
	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

type runtime struct {
	config   *config.AssetLockConfig
	logger   *zap.Logger
	store    persistence.IPendingStore
	workflow *workflow.Workflow
	loader   authority.IAuthorityLoader
	stop     context.CancelFunc

	// simulated is the in-memory ledger behind --dry-run, nil otherwise
	simulated *memledger.Ledger
}

func (r *runtime) Close() {
	if r.stop != nil {
		r.stop()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Sugar().Warnw("Failed to close pending store", "error", err)
		}
	}
	_ = r.logger.Sync()
}

// parseAssetLockConfig layers explicitly set flags over the config file.
func parseAssetLockConfig(c *cli.Context) (*config.AssetLockConfig, error) {
	cfg := config.NewDefaultAssetLockConfig()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("cluster") || c.String("config") == "" {
		cfg.Cluster = config.ClusterName(c.String("cluster"))
	}
	if c.IsSet("rpc-url") {
		cfg.RPCURL = c.String("rpc-url")
	}
	if c.IsSet("finality") || c.String("config") == "" {
		finality, err := types.ParseFinalityLevel(c.String("finality"))
		if err != nil {
			return nil, err
		}
		cfg.Finality = finality
	}
	if c.IsSet("requests-per-second") {
		cfg.RateLimit.RequestsPerSecond = c.Float64("requests-per-second")
	}
	if c.IsSet("persistence-type") || c.String("config") == "" {
		st, err := persistence.ParseStoreType(c.String("persistence-type"))
		if err != nil {
			return nil, err
		}
		cfg.Persistence.Type = st
	}
	if c.IsSet("data-path") {
		cfg.Persistence.DataPath = c.String("data-path")
	}
	if c.IsSet("redis-address") {
		cfg.Persistence.Redis.Address = c.String("redis-address")
	}
	if c.IsSet("redis-password") {
		cfg.Persistence.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("metrics-address") {
		cfg.MetricsAddress = c.String("metrics-address")
	}
	if c.IsSet("owner-keypair") {
		cfg.Authorities.OwnerKeypair = c.String("owner-keypair")
	}
	if c.IsSet("delegate-keypair") {
		cfg.Authorities.DelegateKeypair = c.String("delegate-keypair")
	}
	if c.Bool("dry-run") {
		cfg.DryRun = true
	}
	if c.Bool("verbose") {
		cfg.Debug = true
	}
	return cfg, nil
}

func newPendingStore(cfg config.PersistenceConfig, l *zap.Logger) (persistence.IPendingStore, error) {
	switch cfg.Type {
	case persistence.StoreTypeMemory:
		return memory.NewMemoryPersistence(), nil
	case persistence.StoreTypeBadger:
		return badger.NewBadgerPersistence(cfg.DataPath, l)
	case persistence.StoreTypeRedis:
		redisCfg := cfg.Redis
		return redis.NewRedisPersistence(&redisCfg, l)
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s", cfg.Type)
	}
}

func newRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := parseAssetLockConfig(c)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ledgerClient, simulated, err := newLedgerClient(cfg, l)
	if err != nil {
		return nil, err
	}
	retryCfg := cfg.Retry.RetryConfig()

	signer, err := transactionSigner.NewDualSigner(transactionSigner.SignerConfig{
		Finality: cfg.Finality,
		Retry:    retryCfg,
	}, ledgerClient, l)
	if err != nil {
		return nil, err
	}

	persistenceCfg := cfg.Persistence
	if cfg.DryRun {
		// nothing from a simulated run may be resumed against a real ledger
		persistenceCfg.Type = persistence.StoreTypeMemory
	}
	store, err := newPendingStore(persistenceCfg, l)
	if err != nil {
		return nil, fmt.Errorf("failed to open pending store: %w", err)
	}

	rt := &runtime{config: cfg, logger: l, store: store, simulated: simulated}

	m := metrics.NewProcessMetrics(l)
	if cfg.MetricsAddress != "" {
		ctx, cancel := context.WithCancel(c.Context)
		rt.stop = cancel
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddress); err != nil {
				l.Sugar().Errorw("Metrics server stopped", "error", err)
			}
		}()
	}

	// reads are retried here; broadcast and finality are retried by the signer
	wf, err := workflow.NewWorkflow(workflow.Config{
		MaxAssemblyAttempts: cfg.MaxAssemblyAttempts,
	}, ledger.NewRetryingLedger(ledgerClient, retryCfg, l), signer, store, m, l)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.workflow = wf

	loader := authority.ChainLoader{
		authority.NewKeypairFileLoader(map[string]string{
			authority.RoleOwner:    cfg.Authorities.OwnerKeypair,
			authority.RoleDelegate: cfg.Authorities.DelegateKeypair,
		}),
		authority.NewBase58Loader(map[string]string{
			authority.RoleOwner:    os.Getenv(config.EnvAssetLockOwnerSecret),
			authority.RoleDelegate: os.Getenv(config.EnvAssetLockDelegateSecret),
		}),
	}
	if cfg.DryRun {
		ephemeral, err := newEphemeralLoader(c.Context, l)
		if err != nil {
			rt.Close()
			return nil, err
		}
		loader = append(loader, ephemeral)
	}
	rt.loader = loader

	if cfg.DryRun {
		l.Sugar().Warnw("Dry run: transactions are executed against an in-memory ledger only")
	}
	rpcURL, _ := cfg.ResolveRPCURL()
	l.Sugar().Infow("Asset lock configured",
		"rpcUrl", rpcURL,
		"dryRun", cfg.DryRun,
		"finality", cfg.Finality,
		"persistence", cfg.Persistence.Type,
		"maxAssemblyAttempts", cfg.MaxAssemblyAttempts,
	)
	return rt, nil
}

// newLedgerClient returns the JSON-RPC ledger, or an in-memory one for dry runs.
func newLedgerClient(cfg *config.AssetLockConfig, l *zap.Logger) (ledger.ILedgerClient, *memledger.Ledger, error) {
	if cfg.DryRun {
		simulated := memledger.NewLedger(l)
		return simulated, simulated, nil
	}
	ledgerCfg, err := cfg.LedgerConfig()
	if err != nil {
		return nil, nil, err
	}
	solanaLedger, err := ledger.NewSolanaLedger(ledgerCfg, l)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ledger client: %w", err)
	}
	return solanaLedger, nil, nil
}

// newEphemeralLoader generates throwaway owner and delegate keys that stay
// inside a local key generator and sign through RemoteAuthority.
func newEphemeralLoader(ctx context.Context, l *zap.Logger) (authority.IAuthorityLoader, error) {
	gen := localKeyGenerator.NewLocalKeyGenerator(l)
	keys := make(map[string]authority.SignerKey)
	for _, role := range []string{authority.RoleOwner, authority.RoleDelegate} {
		key, err := gen.GenerateKey(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s key: %w", role, err)
		}
		keys[role] = authority.SignerKey{KeyId: key.KeyId, PublicKey: key.PublicKey}
	}
	return authority.NewMessageSignerLoader(gen, keys), nil
}

// seedSimulatedAsset places mint in the dry run ledger so the workflow can
// find it. It does nothing against a real ledger.
func (r *runtime) seedSimulatedAsset(mint, owner, delegate solana.PublicKey, locked bool) error {
	if r.simulated == nil {
		return nil
	}
	if _, err := r.simulated.SeedAsset(mint, owner, delegate, locked); err != nil {
		return fmt.Errorf("failed to seed simulated asset: %w", err)
	}
	r.logger.Sugar().Infow("Seeded simulated asset", "mint", mint.String(), "owner", owner.String(), "locked", locked)
	return nil
}

// loadAuthorities loads the named roles, failing on the first one missing.
func (r *runtime) loadAuthorities(ctx context.Context, roles ...string) ([]authority.Authority, error) {
	out := make([]authority.Authority, 0, len(roles))
	for _, role := range roles {
		a, err := r.loader.Load(ctx, role)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// loadAvailableAuthorities loads whichever roles are configured.
func (r *runtime) loadAvailableAuthorities(ctx context.Context) []authority.Authority {
	var out []authority.Authority
	for _, role := range []string{authority.RoleOwner, authority.RoleDelegate} {
		a, err := r.loader.Load(ctx, role)
		if err != nil {
			r.logger.Sugar().Debugw("Authority not available", "role", role, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out
}
