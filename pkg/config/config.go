package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/Layr-Labs/asset-lock-go/pkg/ledger"
	"github.com/Layr-Labs/asset-lock-go/pkg/persistence"
	"github.com/Layr-Labs/asset-lock-go/pkg/persistence/redis"
	"github.com/Layr-Labs/asset-lock-go/pkg/types"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for asset lock configuration
const (
	EnvAssetLockConfig            = "ASSET_LOCK_CONFIG"
	EnvAssetLockCluster           = "ASSET_LOCK_CLUSTER"
	EnvAssetLockRPCURL            = "ASSET_LOCK_RPC_URL"
	EnvAssetLockFinality          = "ASSET_LOCK_FINALITY"
	EnvAssetLockRequestsPerSecond = "ASSET_LOCK_REQUESTS_PER_SECOND"
	EnvAssetLockPersistenceType   = "ASSET_LOCK_PERSISTENCE_TYPE"
	EnvAssetLockDataPath          = "ASSET_LOCK_DATA_PATH"
	EnvAssetLockRedisAddress      = "ASSET_LOCK_REDIS_ADDRESS"
	EnvAssetLockRedisPassword     = "ASSET_LOCK_REDIS_PASSWORD"
	EnvAssetLockMetricsAddress    = "ASSET_LOCK_METRICS_ADDRESS"
	EnvAssetLockOwnerKeypair      = "ASSET_LOCK_OWNER_KEYPAIR"
	EnvAssetLockDelegateKeypair   = "ASSET_LOCK_DELEGATE_KEYPAIR"
	EnvAssetLockOwnerSecret       = "ASSET_LOCK_OWNER_SECRET"
	EnvAssetLockDelegateSecret    = "ASSET_LOCK_DELEGATE_SECRET"
	EnvAssetLockVerbose           = "ASSET_LOCK_VERBOSE"
	EnvAssetLockDryRun            = "ASSET_LOCK_DRY_RUN"
)

type ClusterName string

func (c ClusterName) String() string {
	return string(c)
}

const (
	ClusterMainnetBeta ClusterName = "mainnet-beta"
	ClusterTestnet     ClusterName = "testnet"
	ClusterDevnet      ClusterName = "devnet"
	ClusterLocalnet    ClusterName = "localnet"
)

var ClusterRPCURLs = map[ClusterName]string{
	ClusterMainnetBeta: rpc.MainNetBeta.RPC,
	ClusterTestnet:     rpc.TestNet.RPC,
	ClusterDevnet:      rpc.DevNet.RPC,
	ClusterLocalnet:    rpc.LocalNet.RPC,
}

// GetRPCURLForCluster returns the public JSON-RPC endpoint of a cluster.
func GetRPCURLForCluster(cluster ClusterName) (string, error) {
	u, ok := ClusterRPCURLs[cluster]
	if !ok {
		return "", fmt.Errorf("unsupported cluster: %s", cluster)
	}
	return u, nil
}

// GetSupportedClustersString returns supported clusters for CLI help
func GetSupportedClustersString() string {
	return fmt.Sprintf("%s, %s, %s, %s", ClusterMainnetBeta, ClusterTestnet, ClusterDevnet, ClusterLocalnet)
}

const (
	DefaultRequestTimeout      = 30 * time.Second
	DefaultRequestsPerSecond   = 10
	DefaultBurst               = 5
	DefaultMaxAssemblyAttempts = 3
	DefaultDataPath            = "./data/asset-lock"
)

type PersistenceConfig struct {
	Type     persistence.StoreType `json:"type" yaml:"type"`
	DataPath string                `json:"dataPath" yaml:"dataPath"`
	Redis    redis.RedisConfig     `json:"redis" yaml:"redis"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	Burst             int     `json:"burst" yaml:"burst"`
}

type RetrySettings struct {
	MaxAttempts     int           `json:"maxAttempts" yaml:"maxAttempts"`
	InitialBackoff  time.Duration `json:"initialBackoff" yaml:"initialBackoff"`
	MaxBackoff      time.Duration `json:"maxBackoff" yaml:"maxBackoff"`
	BackoffMultiple float64       `json:"backoffMultiple" yaml:"backoffMultiple"`
}

func (r RetrySettings) RetryConfig() ledger.RetryConfig {
	return ledger.RetryConfig{
		MaxAttempts:     r.MaxAttempts,
		InitialBackoff:  r.InitialBackoff,
		MaxBackoff:      r.MaxBackoff,
		BackoffMultiple: r.BackoffMultiple,
	}
}

// AuthorityConfig points at solana-keygen keypair files for each role.
type AuthorityConfig struct {
	OwnerKeypair    string `json:"ownerKeypair" yaml:"ownerKeypair"`
	DelegateKeypair string `json:"delegateKeypair" yaml:"delegateKeypair"`
}

// AssetLockConfig represents the complete configuration for the asset lock tool
type AssetLockConfig struct {
	// Ledger connection. RPCURL wins over Cluster when both are set.
	Cluster        ClusterName         `json:"cluster" yaml:"cluster"`
	RPCURL         string              `json:"rpcUrl" yaml:"rpcUrl"`
	Finality       types.FinalityLevel `json:"finality" yaml:"finality"`
	RequestTimeout time.Duration       `json:"requestTimeout" yaml:"requestTimeout"`
	RateLimit      RateLimitConfig     `json:"rateLimit" yaml:"rateLimit"`
	Retry          RetrySettings       `json:"retry" yaml:"retry"`

	MaxAssemblyAttempts int `json:"maxAssemblyAttempts" yaml:"maxAssemblyAttempts"`

	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Authorities AuthorityConfig   `json:"authorities" yaml:"authorities"`

	// MetricsAddress enables the prometheus endpoint when non-empty, e.g. ":9090"
	MetricsAddress string `json:"metricsAddress" yaml:"metricsAddress"`

	// DryRun swaps the ledger for an in-memory one and keeps pending state in memory.
	DryRun bool `json:"dryRun" yaml:"dryRun"`

	Debug bool `json:"debug" yaml:"debug"`
}

// NewDefaultAssetLockConfig returns a devnet configuration with badger persistence.
func NewDefaultAssetLockConfig() *AssetLockConfig {
	return &AssetLockConfig{
		Cluster:        ClusterDevnet,
		Finality:       types.FinalityFinalized,
		RequestTimeout: DefaultRequestTimeout,
		RateLimit: RateLimitConfig{
			RequestsPerSecond: DefaultRequestsPerSecond,
			Burst:             DefaultBurst,
		},
		Retry: RetrySettings{
			MaxAttempts:     ledger.DefaultRetryConfig.MaxAttempts,
			InitialBackoff:  ledger.DefaultRetryConfig.InitialBackoff,
			MaxBackoff:      ledger.DefaultRetryConfig.MaxBackoff,
			BackoffMultiple: ledger.DefaultRetryConfig.BackoffMultiple,
		},
		MaxAssemblyAttempts: DefaultMaxAssemblyAttempts,
		Persistence: PersistenceConfig{
			Type:     persistence.StoreTypeBadger,
			DataPath: DefaultDataPath,
		},
	}
}

// LoadConfigFile reads a YAML file over the defaults. Fields absent from the
// file keep their default values.
func LoadConfigFile(path string) (*AssetLockConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*AssetLockConfig, error) {
	cfg := NewDefaultAssetLockConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ResolveRPCURL returns the explicit RPC URL, or the cluster's public endpoint.
func (c *AssetLockConfig) ResolveRPCURL() (string, error) {
	if c.RPCURL != "" {
		return c.RPCURL, nil
	}
	return GetRPCURLForCluster(c.Cluster)
}

func (c *AssetLockConfig) LedgerConfig() (ledger.SolanaLedgerConfig, error) {
	rpcURL, err := c.ResolveRPCURL()
	if err != nil {
		return ledger.SolanaLedgerConfig{}, err
	}
	return ledger.SolanaLedgerConfig{
		RPCURL:            rpcURL,
		RequestsPerSecond: c.RateLimit.RequestsPerSecond,
		Burst:             c.RateLimit.Burst,
		RequestTimeout:    c.RequestTimeout,
	}, nil
}

// Validate validates the asset lock configuration
func (c *AssetLockConfig) Validate() error {
	var allErrors field.ErrorList

	if c.RPCURL != "" {
		if u, err := url.Parse(c.RPCURL); err != nil || u.Scheme == "" || u.Host == "" {
			allErrors = append(allErrors, field.Invalid(field.NewPath("rpcUrl"), c.RPCURL, "must be an absolute URL"))
		}
	} else if _, ok := ClusterRPCURLs[c.Cluster]; !ok {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("cluster"), c.Cluster,
			[]string{ClusterMainnetBeta.String(), ClusterTestnet.String(), ClusterDevnet.String(), ClusterLocalnet.String()}))
	}

	if !c.Finality.IsValid() {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("finality"), c.Finality,
			[]string{types.FinalityProcessed.String(), types.FinalityConfirmed.String(), types.FinalityFinalized.String()}))
	}
	if c.RequestTimeout <= 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("requestTimeout"), c.RequestTimeout, "must be positive"))
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("rateLimit", "requestsPerSecond"), c.RateLimit.RequestsPerSecond, "must be positive"))
	}
	if c.RateLimit.Burst < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("rateLimit", "burst"), c.RateLimit.Burst, "must be at least 1"))
	}
	if c.Retry.MaxAttempts < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("retry", "maxAttempts"), c.Retry.MaxAttempts, "must be at least 1"))
	}
	if c.Retry.BackoffMultiple < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("retry", "backoffMultiple"), c.Retry.BackoffMultiple, "must be at least 1"))
	}
	if c.MaxAssemblyAttempts < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("maxAssemblyAttempts"), c.MaxAssemblyAttempts, "must be at least 1"))
	}

	allErrors = append(allErrors, c.Persistence.validate(field.NewPath("persistence"))...)

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

func (p *PersistenceConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	switch p.Type {
	case persistence.StoreTypeMemory:
	case persistence.StoreTypeBadger:
		if p.DataPath == "" {
			allErrors = append(allErrors, field.Required(path.Child("dataPath"), "dataPath is required for badger persistence"))
		}
	case persistence.StoreTypeRedis:
		if p.Redis.Address == "" {
			allErrors = append(allErrors, field.Required(path.Child("redis", "address"), "address is required for redis persistence"))
		}
		if p.Redis.DB < 0 || p.Redis.DB > 15 {
			allErrors = append(allErrors, field.Invalid(path.Child("redis", "db"), p.Redis.DB, "must be between 0 and 15"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(path.Child("type"), p.Type,
			[]string{persistence.StoreTypeMemory.String(), persistence.StoreTypeBadger.String(), persistence.StoreTypeRedis.String()}))
	}
	return allErrors
}
