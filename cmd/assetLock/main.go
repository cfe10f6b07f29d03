package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Layr-Labs/asset-lock-go/pkg/config"
	"github.com/Layr-Labs/asset-lock-go/pkg/persistence"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "asset-lock",
		Usage: "Delegate and lock Solana NFTs with owner and delegate co-signing",
		Description: `Builds, co-signs and submits the transactions that delegate an NFT to a
second authority and lock it through the token metadata program.

Every transaction is persisted before it is signed and again before it is
broadcast, so an interrupted run can be continued with the resume command.`,
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file; flags override its values",
				EnvVars: []string{config.EnvAssetLockConfig},
			},
			&cli.StringFlag{
				Name:    "cluster",
				Usage:   fmt.Sprintf("Solana cluster: %s", config.GetSupportedClustersString()),
				Value:   config.ClusterDevnet.String(),
				EnvVars: []string{config.EnvAssetLockCluster},
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Aliases: []string{"rpc"},
				Usage:   "JSON-RPC endpoint, overrides --cluster",
				EnvVars: []string{config.EnvAssetLockRPCURL},
			},
			&cli.StringFlag{
				Name:    "finality",
				Usage:   "Confirmation level to wait for: processed, confirmed or finalized",
				Value:   "finalized",
				EnvVars: []string{config.EnvAssetLockFinality},
			},
			&cli.Float64Flag{
				Name:    "requests-per-second",
				Aliases: []string{"rps"},
				Usage:   "RPC request rate limit",
				Value:   config.DefaultRequestsPerSecond,
				EnvVars: []string{config.EnvAssetLockRequestsPerSecond},
			},
			&cli.StringFlag{
				Name:    "persistence-type",
				Usage:   "Pending transaction store: memory, badger or redis",
				Value:   persistence.StoreTypeBadger.String(),
				EnvVars: []string{config.EnvAssetLockPersistenceType},
			},
			&cli.StringFlag{
				Name:    "data-path",
				Usage:   "Badger data directory",
				Value:   config.DefaultDataPath,
				EnvVars: []string{config.EnvAssetLockDataPath},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "Redis address (host:port) for redis persistence",
				EnvVars: []string{config.EnvAssetLockRedisAddress},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				EnvVars: []string{config.EnvAssetLockRedisPassword},
			},
			&cli.StringFlag{
				Name:    "metrics-address",
				Usage:   "Serve prometheus metrics on this address, e.g. :9090",
				EnvVars: []string{config.EnvAssetLockMetricsAddress},
			},
			&cli.StringFlag{
				Name:    "owner-keypair",
				Usage:   "solana-keygen keypair file of the asset owner",
				EnvVars: []string{config.EnvAssetLockOwnerKeypair},
			},
			&cli.StringFlag{
				Name:    "delegate-keypair",
				Usage:   "solana-keygen keypair file of the delegate",
				EnvVars: []string{config.EnvAssetLockDelegateKeypair},
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Usage:   "Run against an in-memory ledger; generates throwaway keys when none are configured",
				EnvVars: []string{config.EnvAssetLockDryRun},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvAssetLockVerbose},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "lock",
				Usage: "Delegate an NFT to the delegate and lock it",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "mint",
						Usage:    "Mint address of the NFT",
						Required: true,
					},
					&cli.Uint64Flag{
						Name:  "amount",
						Usage: "Delegated amount, must equal the supply",
						Value: 1,
					},
				},
				Action: lockCommand,
			},
			{
				Name:  "unlock",
				Usage: "Unlock an NFT and revoke the delegation",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "mint",
						Usage:    "Mint address of the NFT",
						Required: true,
					},
				},
				Action: unlockCommand,
			},
			{
				Name:  "resume",
				Usage: "Continue a persisted transaction, or list open ones",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "id",
						Usage: "Pending transaction id; omit to list open transactions",
					},
				},
				Action: resumeCommand,
			},
			{
				Name:  "keygen",
				Usage: "Generate an ed25519 authority keypair file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "output",
						Aliases:  []string{"o"},
						Usage:    "Path of the keypair file to write",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Name recorded for the key",
						Value: "authority",
					},
				},
				Action: keygenCommand,
			},
		},
	}
}
