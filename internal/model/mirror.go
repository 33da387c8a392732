package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MirrorConfig is one follower's active mirroring policy. A follower
// has at most one active config; a target wallet may have many
// followers.
type MirrorConfig struct {
	FollowerID        string          `json:"follower_id"`
	TargetWallet      string          `json:"target_wallet"`
	Chain             Chain           `json:"chain"`
	CopyPercentage    decimal.Decimal `json:"copy_percentage"` // (0, 100]
	MaxAmountPerTrade decimal.Decimal `json:"max_amount_per_trade"`
	EnabledAssets     []string        `json:"enabled_assets,omitempty"` // empty means all
	SlippageBps       int             `json:"slippage_bps"`
	KeyRef            string          `json:"-"`
	Active            bool            `json:"active"`
	StartedAt         time.Time       `json:"started_at"`
}

// AssetEnabled reports whether the config allows mirroring the asset.
func (c *MirrorConfig) AssetEnabled(asset string) bool {
	if len(c.EnabledAssets) == 0 {
		return true
	}
	for _, a := range c.EnabledAssets {
		if a == asset {
			return true
		}
	}
	return false
}

// MirrorPatch carries partial updates to a MirrorConfig.
type MirrorPatch struct {
	CopyPercentage    *decimal.Decimal `json:"copy_percentage,omitempty"`
	MaxAmountPerTrade *decimal.Decimal `json:"max_amount_per_trade,omitempty"`
	EnabledAssets     []string         `json:"enabled_assets,omitempty"`
	SlippageBps       *int             `json:"slippage_bps,omitempty"`
	Active            *bool            `json:"active,omitempty"`
}

type TradeKind string

const (
	TradeBuy      TradeKind = "buy"
	TradeSell     TradeKind = "sell"
	TradeTransfer TradeKind = "transfer"
)

// TradeIntent is a normalized, best-effort reading of raw on-chain
// activity. Amount is in human units of AssetIn; AssetDecimals lets
// the dispatcher convert copies back to smallest units.
type TradeIntent struct {
	SourceChain   Chain           `json:"source_chain"`
	Kind          TradeKind       `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	AssetIn       string          `json:"asset_in"`
	AssetOut      string          `json:"asset_out"`
	AssetDecimals int32           `json:"asset_decimals"`
	OriginRef     string          `json:"origin_ref"`
	ObservedAt    time.Time       `json:"observed_at"`
	Confidence    float64         `json:"confidence"` // 0..1, heuristic
}

// MirrorOutcome is recorded for every dispatched copy, success or not.
type MirrorOutcome struct {
	ID             string          `json:"id"`
	FollowerID     string          `json:"follower_id"`
	Chain          Chain           `json:"chain"`
	OriginRef      string          `json:"origin_ref"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	CopiedAmount   decimal.Decimal `json:"copied_amount"`
	ResultRef      string          `json:"result_ref,omitempty"`
	Success        bool            `json:"success"`
	Pending        bool            `json:"pending,omitempty"`        // submitted, confirmation unresolved
	FailureReason  string          `json:"failure_reason,omitempty"` // category, not raw upstream text
	Timestamp      time.Time       `json:"timestamp"`
}

// MirrorStats is the per-follower counter block exposed by the stats
// endpoint.
type MirrorStats struct {
	FollowerID   string    `json:"follower_id"`
	TargetWallet string    `json:"target_wallet"`
	Copied       int64     `json:"copied"`
	Skipped      int64     `json:"skipped"`
	Failed       int64     `json:"failed"`
	Pending      int64     `json:"pending"`
	LastOutcome  string    `json:"last_outcome,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}
