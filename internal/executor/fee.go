package executor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/custody"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/logger"
	"github.com/swapmirror/swapmirror/internal/pkg/metrics"
)

// FeeOutcome reports a completed protocol-fee transfer.
type FeeOutcome struct {
	Chain     model.Chain
	Reference string
	Amount    decimal.Decimal
}

// FeeCollector moves the protocol fee to the treasury after a
// successful swap. Strictly best-effort: every failure path degrades
// to a nil outcome plus a log line. It must never propagate an error
// or touch the primary trade's result.
type FeeCollector struct {
	adapters map[model.Chain]chain.Adapter
	treasury map[model.Chain]string
	decimals map[model.Chain]int32
	feeBps   int64
	minFloor decimal.Decimal
}

func NewFeeCollector(adapters map[model.Chain]chain.Adapter, treasury map[model.Chain]string, feeBps int64, minFloor decimal.Decimal) *FeeCollector {
	return &FeeCollector{
		adapters: adapters,
		treasury: treasury,
		decimals: map[model.Chain]int32{
			model.ChainEVM:    18,
			model.ChainSolana: 9,
		},
		feeBps:   feeBps,
		minFloor: minFloor,
	}
}

// FeeFor returns the protocol fee for a trade of the given native size.
func (f *FeeCollector) FeeFor(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(f.feeBps)).Div(decimal.NewFromInt(10000))
}

// Collect transfers feeAmount (native human units) to the treasury.
// Returns nil on any failure or skip.
func (f *FeeCollector) Collect(ctx context.Context, signer *custody.Signer, c model.Chain, feeAmount decimal.Decimal) (outcome *FeeOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("fee collection panicked, swallowed", "chain", c, "panic", r)
			metrics.FeeCollections.WithLabelValues(string(c), "panic").Inc()
			outcome = nil
		}
	}()

	if signer == nil || feeAmount.IsNegative() || feeAmount.IsZero() {
		return nil
	}
	if !f.minFloor.IsZero() && feeAmount.LessThan(f.minFloor) {
		logger.Debug("fee below collection floor, skipped",
			"chain", c, "fee", feeAmount.String(), "floor", f.minFloor.String())
		metrics.FeeCollections.WithLabelValues(string(c), "skipped").Inc()
		return nil
	}

	treasury, ok := f.treasury[c]
	if !ok || treasury == "" {
		logger.Warn("no treasury configured, fee not collected", "chain", c)
		metrics.FeeCollections.WithLabelValues(string(c), "unconfigured").Inc()
		return nil
	}
	adapter, ok := f.adapters[c]
	if !ok {
		return nil
	}

	// Normalize to the chain's smallest units before building the transfer.
	units := feeAmount.Shift(f.decimals[c]).Truncate(0).BigInt()
	if units.Sign() <= 0 {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ref, err := adapter.Transfer(cctx, signer, treasury, units)
	if err != nil {
		logger.Warn("fee collection failed, primary trade unaffected",
			"chain", c, "fee", feeAmount.String(), "error", err.Error())
		metrics.FeeCollections.WithLabelValues(string(c), "failed").Inc()
		return nil
	}

	metrics.FeeCollections.WithLabelValues(string(c), "collected").Inc()
	logger.Info("protocol fee collected", "chain", c, "fee", feeAmount.String(), "reference", ref)
	return &FeeOutcome{Chain: c, Reference: ref, Amount: feeAmount}
}
