package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/model"
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ReceiptSource is the slice of the RPC surface the parser needs;
// kept narrow so tests can stub it.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Parser classifies a watched wallet's transactions against a set of
// known router contracts. Heuristic by design: anything it cannot
// read with confidence comes back nil.
type Parser struct {
	routers        map[common.Address]bool
	receipts       ReceiptSource
	nativeDecimals int32
}

func NewParser(routerAddrs []string, receipts ReceiptSource, nativeDecimals int32) *Parser {
	routers := make(map[common.Address]bool, len(routerAddrs))
	for _, r := range routerAddrs {
		if common.IsHexAddress(r) {
			routers[common.HexToAddress(r)] = true
		}
	}
	return &Parser{routers: routers, receipts: receipts, nativeDecimals: nativeDecimals}
}

func (p *Parser) Parse(ctx context.Context, act chain.Activity) (*model.TradeIntent, error) {
	tx, ok := act.Raw.(*types.Transaction)
	if !ok || tx.To() == nil {
		return nil, nil
	}
	if !p.routers[*tx.To()] {
		return nil, nil
	}

	// Native value into a router reads as "buy with native asset".
	// The receipt's inbound Transfer names the token bought; without
	// it the intent goes out unresolved and downstream skips it.
	if tx.Value().Sign() > 0 {
		intent := &model.TradeIntent{
			SourceChain:   model.ChainEVM,
			Kind:          model.TradeBuy,
			Amount:        decimal.NewFromBigInt(tx.Value(), -p.nativeDecimals),
			AssetIn:       NativeAsset,
			AssetDecimals: p.nativeDecimals,
			OriginRef:     act.Reference,
			ObservedAt:    act.ObservedAt,
			Confidence:    0.7,
		}
		if receipt := p.fetchReceipt(ctx, tx.Hash()); receipt != nil {
			wallet := common.HexToAddress(act.Wallet)
			if token := inboundToken(receipt, wallet); token != (common.Address{}) {
				intent.AssetOut = token.Hex()
				intent.Confidence = 0.9
			}
		}
		return intent, nil
	}

	// Zero value means a token is being sold; size it from the
	// wallet's outbound Transfer log when one decodes.
	receipt := p.fetchReceipt(ctx, tx.Hash())
	if receipt == nil {
		return nil, nil
	}

	wallet := common.HexToAddress(act.Wallet)
	for _, lg := range receipt.Logs {
		if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		if from != wallet {
			continue
		}
		amount := new(big.Int).SetBytes(lg.Data)
		if amount.Sign() == 0 {
			continue
		}
		return &model.TradeIntent{
			SourceChain:   model.ChainEVM,
			Kind:          model.TradeSell,
			Amount:        decimal.NewFromBigInt(amount, -18), // decimals unknown without metadata lookup
			AssetIn:       lg.Address.Hex(),
			AssetOut:      NativeAsset,
			AssetDecimals: 18,
			OriginRef:     act.Reference,
			ObservedAt:    act.ObservedAt,
			Confidence:    0.6,
		}, nil
	}

	return nil, nil
}

func (p *Parser) fetchReceipt(ctx context.Context, hash common.Hash) *types.Receipt {
	if p.receipts == nil {
		return nil
	}
	receipt, err := p.receipts.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil
	}
	return receipt
}

// inboundToken returns the token whose largest Transfer in the receipt
// landed on the wallet, or the zero address when none decodes.
func inboundToken(receipt *types.Receipt, wallet common.Address) common.Address {
	var (
		token common.Address
		best  = new(big.Int)
	)
	for _, lg := range receipt.Logs {
		if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != wallet {
			continue
		}
		amount := new(big.Int).SetBytes(lg.Data)
		if amount.Cmp(best) > 0 {
			best = amount
			token = lg.Address
		}
	}
	return token
}
