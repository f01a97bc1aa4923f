package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"solana-flywheel-engine/internal/chain"
)

func main() {
	if len(os.Args) < 2 {
		color.Red("❌ Usage: checktx <signature>")
		os.Exit(1)
	}
	signature := os.Args[1]

	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		rpcURL = "https://api.mainnet-beta.solana.com"
	}
	rpc := chain.NewClient(rpcURL, os.Getenv("RPC_FALLBACK_URL"), os.Getenv("RPC_API_KEY"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("----------------------------------------")
	fmt.Println("🔍 CHECKING TRANSACTION")
	fmt.Println("----------------------------------------")
	fmt.Printf("Signature: %s\n\n", signature)

	status, err := rpc.GetSignatureStatus(ctx, signature)
	if err != nil {
		color.Red("❌ Status lookup failed: %v", err)
		os.Exit(1)
	}

	switch status.State {
	case chain.SigFinalized:
		color.Green("✅ FINALIZED (slot %d)", status.Slot)
	case chain.SigConfirmed:
		color.Green("✅ CONFIRMED (slot %d)", status.Slot)
	case chain.SigPending:
		color.Yellow("⚠️  PENDING — still processing")
	case chain.SigFailed:
		color.Red("❌ FAILED: %s", status.FailureReason)
	case chain.SigNotFound:
		color.Yellow("⚠️  NOT FOUND — dropped or never landed")
		os.Exit(0)
	}

	tx, err := rpc.GetTransaction(ctx, signature)
	if err != nil {
		color.Red("❌ Transaction fetch failed: %v", err)
		os.Exit(1)
	}
	if tx == nil {
		color.Yellow("⚠️  Transaction details not yet available")
		os.Exit(0)
	}

	fmt.Println()
	fmt.Printf("Fee payer: %s\n", tx.FeePayer())
	fmt.Printf("Accounts:  %d\n", len(tx.AccountKeys))

	if len(tx.PreBalances) > 0 && len(tx.PreBalances) == len(tx.PostBalances) {
		fmt.Println("\nSOL changes:")
		for i, pre := range tx.PreBalances {
			post := tx.PostBalances[i]
			if pre == post {
				continue
			}
			delta := (float64(post) - float64(pre)) / chain.LamportsPerSol
			line := fmt.Sprintf("  %-44s %+.6f SOL", tx.AccountKeys[i], delta)
			if delta > 0 {
				color.Green(line)
			} else {
				color.Red(line)
			}
		}
	}

	if len(tx.PostTokenBalances) > 0 {
		fmt.Println("\nToken balances (post):")
		for _, b := range tx.PostTokenBalances {
			fmt.Printf("  %-44s mint=%s amount=%d\n", b.Owner, b.Mint, b.Amount)
		}
	}
}
