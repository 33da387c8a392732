package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/swapmirror/swapmirror/internal/config"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/quoting"
)

// Quick quote check against the configured aggregator, useful when
// wiring up a new chain or debugging routing without starting the
// server.
func main() {
	chainFlag := flag.String("chain", "evm", "chain to quote on (evm|solana)")
	inFlag := flag.String("in", "", "input asset")
	outFlag := flag.String("out", "", "output asset")
	amountFlag := flag.String("amount", "", "input amount in smallest units")
	slippageFlag := flag.Int("slippage", 100, "max slippage in bps")
	flag.Parse()

	if *inFlag == "" || *outFlag == "" || *amountFlag == "" {
		log.Fatal("usage: quote -chain evm -in <asset> -out <asset> -amount <units> [-slippage bps]")
	}
	amount, ok := new(big.Int).SetString(*amountFlag, 10)
	if !ok || amount.Sign() <= 0 {
		log.Fatalf("invalid amount %q", *amountFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := quoting.NewClient(cfg.Quoting)
	quote, err := client.Quote(ctx, model.Chain(*chainFlag), *inFlag, *outFlag, amount, *slippageFlag)
	if err != nil {
		log.Fatalf("quote failed: %v", err)
	}

	fmt.Printf("chain:           %s\n", quote.Chain)
	fmt.Printf("input:           %s %s\n", quote.InputAmount, quote.InputAsset)
	fmt.Printf("output:          %s %s\n", quote.OutputAmount, quote.OutputAsset)
	fmt.Printf("price impact:    %d bps\n", quote.PriceImpactBps)
	if !quote.ExpiresAt.IsZero() {
		fmt.Printf("expires in:      %s\n", time.Until(quote.ExpiresAt).Round(time.Second))
	}
}
