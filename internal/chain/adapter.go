package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/swapmirror/swapmirror/internal/custody"
	"github.com/swapmirror/swapmirror/internal/model"
)

// UnsignedTx is a built but unsigned swap transaction. Payload is
// adapter-specific; Value is the native amount the transaction spends
// on top of fees, used by the pre-flight balance check.
type UnsignedTx struct {
	Chain    model.Chain
	Payload  any
	Value    *big.Int
	Deadline time.Time
}

type ConfirmationResult struct {
	Reference   string
	Confirmed   bool
	Reverted    bool
	BlockHeight uint64
}

// Activity is one raw on-chain notice for a monitored wallet, before
// intent parsing.
type Activity struct {
	Chain      model.Chain
	Wallet     string
	Reference  string // tx hash or signature
	Raw        any
	ObservedAt time.Time
}

// Adapter is the uniform capability set implemented once per chain
// family. Implementations keep a best-effort round-robin cursor over
// static upstream endpoints; RotateEndpoint advances it after a
// transient failure.
type Adapter interface {
	Name() model.Chain

	GetQuote(ctx context.Context, inputAsset, outputAsset string, amount *big.Int, maxSlippageBps int) (*model.Quote, error)
	BuildSwap(ctx context.Context, quote *model.Quote, minOutput *big.Int, recipient string) (*UnsignedTx, error)
	// EstimateCost prices one tier of the fallback ladder. The caller
	// walks model.CostTiers until a tier succeeds.
	EstimateCost(ctx context.Context, tx *UnsignedTx, tier model.CostTier) (*model.CostEstimate, error)
	Submit(ctx context.Context, tx *UnsignedTx, signer *custody.Signer, cost *model.CostEstimate) (string, error)
	AwaitConfirmation(ctx context.Context, reference string, confirmations int) (*ConfirmationResult, error)

	Balance(ctx context.Context, owner string) (*big.Int, error)
	// Transfer moves native units to a recipient; used by fee collection.
	Transfer(ctx context.Context, signer *custody.Signer, recipient string, amount *big.Int) (string, error)

	ValidAddress(addr string) bool
	RotateEndpoint()
}

// Watcher is a per-wallet push subscription source. The returned
// channel is lazy, unbounded to the consumer, and closes when ctx is
// cancelled or the subscription dies; it is never restarted for the
// same channel.
type Watcher interface {
	Watch(ctx context.Context, wallet string) (<-chan Activity, error)
}

// IntentParser turns raw activity into a normalized trade intent.
// Best effort: a nil intent with nil error means "not a trade we
// recognize", which is not an error condition.
type IntentParser interface {
	Parse(ctx context.Context, act Activity) (*model.TradeIntent, error)
}
