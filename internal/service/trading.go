package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/custody"
	"github.com/swapmirror/swapmirror/internal/executor"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
	"github.com/swapmirror/swapmirror/internal/pkg/logger"
)

// TradeRequest is a direct swap submission. Amount is in human units
// of the input asset; AssetDecimals converts it to smallest units and
// defaults to the chain's native precision when zero.
type TradeRequest struct {
	Chain          model.Chain     `json:"chain"`
	InputAsset     string          `json:"input_asset"`
	OutputAsset    string          `json:"output_asset"`
	Amount         decimal.Decimal `json:"amount"`
	AssetDecimals  int32           `json:"asset_decimals,omitempty"`
	MaxSlippageBps int             `json:"max_slippage_bps"`
	Owner          string          `json:"owner"`
	KeyRef         string          `json:"key_ref,omitempty"`
	Recipient      string          `json:"recipient,omitempty"`
}

// TradeResponse mirrors the execution result plus the fee taken.
type TradeResponse struct {
	Reference string           `json:"reference,omitempty"`
	Status    model.SwapStatus `json:"status"`
	MinOutput string           `json:"min_output,omitempty"`
	Attempts  int              `json:"attempts"`
	FeePaid   decimal.Decimal  `json:"fee_paid"`
	Duration  string           `json:"duration"`
}

// TradeService fronts the executor for direct (non-mirrored) swaps:
// request validation, rate and volume gating, custody resolution,
// then execution and fee settlement.
type TradeService struct {
	adapters map[model.Chain]chain.Adapter
	exec     *executor.Executor
	fees     *executor.FeeCollector
	gate     Gate
	keys     custody.Keyring

	nativeDecimals map[model.Chain]int32
}

func NewTradeService(adapters map[model.Chain]chain.Adapter, exec *executor.Executor,
	fees *executor.FeeCollector, gate Gate, keys custody.Keyring,
	nativeDecimals map[model.Chain]int32) *TradeService {
	return &TradeService{
		adapters:       adapters,
		exec:           exec,
		fees:           fees,
		gate:           gate,
		keys:           keys,
		nativeDecimals: nativeDecimals,
	}
}

func (s *TradeService) validate(req *TradeRequest) error {
	adapter, ok := s.adapters[req.Chain]
	if !ok {
		return apperrors.New(apperrors.ErrInvalidRequest, fmt.Sprintf("unsupported chain %q", req.Chain), nil)
	}
	if strings.TrimSpace(req.Owner) == "" {
		return apperrors.New(apperrors.ErrInvalidRequest, "owner is required", nil)
	}
	if req.InputAsset == "" || req.OutputAsset == "" {
		return apperrors.New(apperrors.ErrInvalidAsset, "input and output assets are required", nil)
	}
	if req.InputAsset == req.OutputAsset {
		return apperrors.New(apperrors.ErrInvalidAsset, "input and output assets must differ", nil)
	}
	if !req.Amount.IsPositive() {
		return apperrors.New(apperrors.ErrInvalidRequest, "amount must be positive", nil)
	}
	if req.MaxSlippageBps < 0 || req.MaxSlippageBps >= 10000 {
		return apperrors.New(apperrors.ErrInvalidRequest, "max_slippage_bps must be in [0, 10000)", nil)
	}
	if req.Recipient != "" && !adapter.ValidAddress(req.Recipient) {
		return apperrors.New(apperrors.ErrInvalidAddress, "recipient is not a valid address for this chain", nil)
	}
	if req.AssetDecimals == 0 {
		req.AssetDecimals = s.nativeDecimals[req.Chain]
	}
	return nil
}

// Swap runs one direct swap end to end. The fee is settled only after
// a confirmed native-input trade; fee problems never fail the swap.
func (s *TradeService) Swap(ctx context.Context, req TradeRequest) (*TradeResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	if err := s.gate.CheckLimit(ctx, req.Owner, ActionTrade, req.Amount); err != nil {
		return nil, err
	}

	signer, err := s.keys.ResolveSigner(ctx, req.KeyRef, req.Owner, req.Chain)
	if err != nil {
		return nil, err
	}

	intent := model.SwapIntent{
		Chain:          req.Chain,
		InputAsset:     req.InputAsset,
		OutputAsset:    req.OutputAsset,
		InputAmount:    req.Amount.Shift(req.AssetDecimals).Truncate(0).BigInt(),
		MaxSlippageBps: req.MaxSlippageBps,
		Owner:          req.Owner,
		KeyRef:         req.KeyRef,
		Recipient:      req.Recipient,
	}

	start := time.Now()
	result, err := s.exec.ExecuteSwap(ctx, intent, signer)
	if err != nil {
		return nil, err
	}

	resp := &TradeResponse{
		Reference: result.Reference,
		Status:    result.Status,
		Attempts:  len(result.Attempts),
		Duration:  time.Since(start).Round(time.Millisecond).String(),
	}
	if result.MinOutput != nil {
		resp.MinOutput = result.MinOutput.String()
	}
	if result.Status == model.StatusConfirmed && isNative(req.Chain, req.InputAsset) {
		fee := s.fees.FeeFor(req.Amount)
		if outcome := s.fees.Collect(ctx, signer, req.Chain, fee); outcome != nil {
			resp.FeePaid = outcome.Amount
		}
	}

	logger.Info("direct swap finished",
		"chain", req.Chain, "owner", req.Owner, "status", resp.Status,
		"reference", resp.Reference, "attempts", resp.Attempts)
	return resp, nil
}

// QuotePreview prices a swap without executing it.
func (s *TradeService) QuotePreview(ctx context.Context, req TradeRequest) (*model.Quote, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	adapter := s.adapters[req.Chain]
	amount := req.Amount.Shift(req.AssetDecimals).Truncate(0).BigInt()
	return adapter.GetQuote(ctx, req.InputAsset, req.OutputAsset, amount, req.MaxSlippageBps)
}

func isNative(c model.Chain, asset string) bool {
	switch c {
	case model.ChainEVM:
		return asset == "native"
	case model.ChainSolana:
		return asset == "SOL"
	}
	return false
}
