package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Layr-Labs/asset-lock-go/internal/keyGenerator/localKeyGenerator"
	"github.com/Layr-Labs/asset-lock-go/pkg/authority"
	"github.com/Layr-Labs/asset-lock-go/pkg/logger"
	"github.com/Layr-Labs/asset-lock-go/pkg/workflow"
	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func lockCommand(c *cli.Context) error {
	mint, err := solana.PublicKeyFromBase58(c.String("mint"))
	if err != nil {
		return fmt.Errorf("invalid mint address: %w", err)
	}

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	auths, err := rt.loadAuthorities(c.Context, authority.RoleOwner, authority.RoleDelegate)
	if err != nil {
		return err
	}

	if err := rt.seedSimulatedAsset(mint, auths[0].PublicKey(), solana.PublicKey{}, false); err != nil {
		return err
	}

	rt.logger.Sugar().Infow("Locking asset",
		"mint", mint.String(),
		"owner", auths[0].PublicKey().String(),
		"delegate", auths[1].PublicKey().String(),
	)
	outcome, err := rt.workflow.Lock(c.Context, workflow.LockRequest{
		Mint:     mint,
		Owner:    auths[0],
		Delegate: auths[1],
		Amount:   c.Uint64("amount"),
	})
	return report(outcome, err)
}

func unlockCommand(c *cli.Context) error {
	mint, err := solana.PublicKeyFromBase58(c.String("mint"))
	if err != nil {
		return fmt.Errorf("invalid mint address: %w", err)
	}

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	auths, err := rt.loadAuthorities(c.Context, authority.RoleOwner, authority.RoleDelegate)
	if err != nil {
		return err
	}

	if err := rt.seedSimulatedAsset(mint, auths[0].PublicKey(), auths[1].PublicKey(), true); err != nil {
		return err
	}

	rt.logger.Sugar().Infow("Releasing asset", "mint", mint.String())
	outcome, err := rt.workflow.Release(c.Context, workflow.ReleaseRequest{
		Mint:     mint,
		Owner:    auths[0],
		Delegate: auths[1],
	})
	return report(outcome, err)
}

func resumeCommand(c *cli.Context) error {
	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := c.String("id")
	if id == "" {
		records, err := rt.workflow.ListPending()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No open transactions")
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%s\t%s\t%s\t%d signatures\t%s\n",
				rec.ID, rec.Workflow, rec.State, len(rec.Signatures), rec.CreatedAt.Format(time.RFC3339))
		}
		return nil
	}

	outcome, err := rt.workflow.Resume(c.Context, id, rt.loadAvailableAuthorities(c.Context)...)
	return report(outcome, err)
}

func keygenCommand(c *cli.Context) error {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	output := c.String("output")
	if _, err := os.Stat(output); err == nil {
		return fmt.Errorf("refusing to overwrite existing file %s", output)
	}

	gen := localKeyGenerator.NewLocalKeyGenerator(l)
	key, err := gen.GenerateKey(c.Context, c.String("name"))
	if err != nil {
		return err
	}
	if err := gen.ExportKeypairFile(c.Context, key.KeyId, output); err != nil {
		return err
	}

	address, err := key.GetPublicKeyBase58()
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s keypair to %s\nAddress: %s\n", key.KeyName, output, address)
	return nil
}

// report prints the outcome as JSON and passes err through.
func report(outcome *workflow.Outcome, err error) error {
	if outcome != nil {
		out, mErr := json.MarshalIndent(outcome, "", "  ")
		if mErr == nil {
			fmt.Println(string(out))
		}
	}
	if err != nil {
		if outcome != nil {
			return fmt.Errorf("transaction %s: %w", outcome.ID, err)
		}
		return err
	}
	return nil
}
