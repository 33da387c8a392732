package sol

import (
	"context"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/shopspring/decimal"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/model"
)

const lamportDecimals = 9

// swapMarkers are log fragments emitted by the common DEX programs.
// Matching is deliberately loose; the balance deltas do the sizing.
var swapMarkers = []string{
	"Instruction: Swap",
	"Instruction: Buy",
	"Instruction: Sell",
	"ray_log",
	"Instruction: SharedAccountsRoute",
	"Instruction: Route",
}

// TxSource is the slice of the RPC surface the parser needs.
type TxSource interface {
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Parser reads swap markers out of log notifications and classifies
// the trade from the wallet's net native and token balance deltas.
// No instruction decoding: confidence stays low and unknown shapes
// come back nil.
type Parser struct {
	txs        TxSource
	commitment rpc.CommitmentType
}

func NewParser(txs TxSource, commitment rpc.CommitmentType) *Parser {
	return &Parser{txs: txs, commitment: commitment}
}

type balanceDeltas struct {
	native     int64 // lamports, post - pre
	mint       string
	mintDelta  decimal.Decimal // human units, post - pre
	mintPlaces int32
}

func (p *Parser) Parse(ctx context.Context, act chain.Activity) (*model.TradeIntent, error) {
	res, ok := act.Raw.(*ws.LogResult)
	if !ok || res.Value.Err != nil {
		return nil, nil
	}
	if !hasSwapMarker(res.Value.Logs) {
		return nil, nil
	}

	deltas, ok := p.deltas(ctx, res.Value.Signature, act.Wallet)
	if !ok || deltas.native == 0 {
		return nil, nil
	}

	intent := &model.TradeIntent{
		SourceChain: model.ChainSolana,
		OriginRef:   act.Reference,
		ObservedAt:  act.ObservedAt,
		Confidence:  0.5,
	}

	if deltas.native < 0 {
		// Native out: the wallet bought a token with SOL.
		intent.Kind = model.TradeBuy
		intent.AssetIn = NativeAsset
		intent.AssetOut = deltas.mint
		intent.AssetDecimals = lamportDecimals
		intent.Amount = decimal.New(-deltas.native, -lamportDecimals)
		if deltas.mint != "" && deltas.mintDelta.IsPositive() {
			intent.Confidence = 0.7
		}
	} else {
		// Native in: the wallet sold a token for SOL.
		intent.Kind = model.TradeSell
		intent.AssetOut = NativeAsset
		if deltas.mint == "" || !deltas.mintDelta.IsNegative() {
			// Cannot tell what was sold; unsizeable, so no intent.
			return nil, nil
		}
		intent.AssetIn = deltas.mint
		intent.AssetDecimals = deltas.mintPlaces
		intent.Amount = deltas.mintDelta.Neg()
		intent.Confidence = 0.7
	}
	return intent, nil
}

func hasSwapMarker(logs []string) bool {
	for _, line := range logs {
		for _, marker := range swapMarkers {
			if strings.Contains(line, marker) {
				return true
			}
		}
	}
	return false
}

// deltas computes the wallet's net native delta and the single
// largest token-balance move it owns in the referenced transaction.
func (p *Parser) deltas(ctx context.Context, sig solana.Signature, wallet string) (balanceDeltas, bool) {
	var out balanceDeltas
	if p.txs == nil {
		return out, false
	}
	maxVersion := uint64(0)
	res, err := p.txs.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     p.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil || res == nil || res.Meta == nil || res.Transaction == nil {
		return out, false
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil || tx == nil {
		return out, false
	}

	pub, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return out, false
	}

	found := false
	for i, key := range tx.Message.AccountKeys {
		if !key.Equals(pub) {
			continue
		}
		if i >= len(res.Meta.PreBalances) || i >= len(res.Meta.PostBalances) {
			return out, false
		}
		out.native = int64(res.Meta.PostBalances[i]) - int64(res.Meta.PreBalances[i])
		found = true
		break
	}
	if !found {
		return out, false
	}

	pre := tokenAmounts(res.Meta.PreTokenBalances, pub)
	post := tokenAmounts(res.Meta.PostTokenBalances, pub)
	for mint, after := range post {
		before := pre[mint]
		diff := after.Sub(before)
		if diff.IsZero() {
			continue
		}
		if out.mint == "" || diff.Abs().GreaterThan(out.mintDelta.Abs()) {
			out.mint = mint.mint
			out.mintDelta = diff
			out.mintPlaces = mint.decimals
		}
	}
	for mint, before := range pre {
		if _, seen := post[mint]; seen {
			continue
		}
		// Account closed: full balance moved out.
		if out.mint == "" || before.Abs().GreaterThan(out.mintDelta.Abs()) {
			out.mint = mint.mint
			out.mintDelta = before.Neg()
			out.mintPlaces = mint.decimals
		}
	}
	return out, true
}

type mintKey struct {
	mint     string
	decimals int32
}

func tokenAmounts(balances []rpc.TokenBalance, owner solana.PublicKey) map[mintKey]decimal.Decimal {
	out := make(map[mintKey]decimal.Decimal)
	for _, tb := range balances {
		if tb.Owner == nil || !tb.Owner.Equals(owner) || tb.UiTokenAmount == nil {
			continue
		}
		raw, err := decimal.NewFromString(tb.UiTokenAmount.Amount)
		if err != nil {
			continue
		}
		key := mintKey{mint: tb.Mint.String(), decimals: int32(tb.UiTokenAmount.Decimals)}
		out[key] = out[key].Add(raw.Shift(-key.decimals))
	}
	return out
}
