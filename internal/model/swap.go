package model

import (
	"encoding/json"
	"math/big"
	"time"
)

type Chain string

const (
	ChainEVM    Chain = "evm"
	ChainSolana Chain = "solana"
)

// Quote is a priced, time-bounded routing result from the external
// aggregator. Route is replayed opaquely when requesting the
// executable transaction; the core never inspects it.
type Quote struct {
	Chain          Chain
	InputAsset     string
	OutputAsset    string
	InputAmount    *big.Int
	OutputAmount   *big.Int
	Route          json.RawMessage
	PriceImpactBps int
	ExpiresAt      time.Time
}

func (q *Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// SwapIntent is the executor's unit of work. Amounts are in the
// asset's smallest units.
type SwapIntent struct {
	Chain          Chain
	InputAsset     string
	OutputAsset    string
	InputAmount    *big.Int
	MaxSlippageBps int
	Owner          string // owner identity, used for serialization and records
	KeyRef         string // opaque custody reference, never a raw key
	Recipient      string
}

type CostTier string

const (
	TierPrecise      CostTier = "precise"
	TierConservative CostTier = "conservative"
	TierEmergency    CostTier = "emergency"
)

// CostTiers is the fallback ladder, cheapest estimate first.
var CostTiers = []CostTier{TierPrecise, TierConservative, TierEmergency}

// CostEstimate is a chain-neutral resource budget: gas/compute-unit
// limit plus a unit price in the chain's smallest fee denomination.
type CostEstimate struct {
	Tier          CostTier
	ResourceLimit uint64
	UnitPrice     *big.Int
	TotalCost     *big.Int
}

type ExecutionAttempt struct {
	Number      int
	Tier        CostTier
	UnitPrice   *big.Int
	SubmittedAt time.Time
	Outcome     string
}

type SwapStatus string

const (
	StatusConfirmed SwapStatus = "confirmed"
	StatusPending   SwapStatus = "pending" // submitted, confirmation ambiguous
	StatusFailed    SwapStatus = "failed"
)

type SwapResult struct {
	Chain     Chain
	Reference string
	Status    SwapStatus
	MinOutput *big.Int
	Attempts  []ExecutionAttempt
}
