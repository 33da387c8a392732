package executor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/config"
	"github.com/swapmirror/swapmirror/internal/custody"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
	"github.com/swapmirror/swapmirror/internal/pkg/logger"
	"github.com/swapmirror/swapmirror/internal/pkg/metrics"
)

// Executor turns a swap intent into a confirmed or terminally-failed
// transaction: quote, slippage-bounded build, tiered cost estimation,
// pre-flight, then bounded retries with a strictly increasing unit
// price and endpoint rotation between attempts.
type Executor struct {
	adapters map[model.Chain]chain.Adapter
	cfg      config.ExecutorConfig

	mu     sync.Mutex
	actors map[string]*actorLock
}

// actorLock serializes attempt sequences per (actor, chain). Two
// concurrent submissions for one actor would compete on nonce and
// fee, so the second simply waits. refs counts holders and waiters;
// the entry is dropped from the map when it reaches zero, keeping the
// map bounded by in-flight work rather than by every actor ever seen.
type actorLock struct {
	mu   sync.Mutex
	refs int
}

func New(adapters map[model.Chain]chain.Adapter, cfg config.ExecutorConfig) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PriceBumpPct <= 0 {
		cfg.PriceBumpPct = 25
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 500
	}
	if cfg.BackoffCapMs <= 0 {
		cfg.BackoffCapMs = 8000
	}
	return &Executor{
		adapters: adapters,
		cfg:      cfg,
		actors:   make(map[string]*actorLock),
	}
}

// MinOutput floors outputAmount * (1 - slippageBps/10000). Flooring
// always rounds in the trader's favor.
func MinOutput(outputAmount *big.Int, slippageBps int) *big.Int {
	keep := big.NewInt(10000 - int64(slippageBps))
	out := new(big.Int).Mul(outputAmount, keep)
	return out.Div(out, big.NewInt(10000))
}

func (e *Executor) lockActor(owner string, c model.Chain) (string, *actorLock) {
	key := owner + "|" + string(c)
	e.mu.Lock()
	lock, ok := e.actors[key]
	if !ok {
		lock = &actorLock{}
		e.actors[key] = lock
	}
	lock.refs++
	e.mu.Unlock()

	lock.mu.Lock()
	return key, lock
}

func (e *Executor) releaseActor(key string, lock *actorLock) {
	lock.mu.Unlock()
	e.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(e.actors, key)
	}
	e.mu.Unlock()
}

func (e *Executor) ExecuteSwap(ctx context.Context, intent model.SwapIntent, signer *custody.Signer) (*model.SwapResult, error) {
	adapter, ok := e.adapters[intent.Chain]
	if !ok {
		return nil, apperrors.New(apperrors.ErrInvalidRequest, fmt.Sprintf("no adapter for chain %q", intent.Chain), nil)
	}

	key, lock := e.lockActor(intent.Owner, intent.Chain)
	defer e.releaseActor(key, lock)

	start := time.Now()
	result, err := e.execute(ctx, adapter, intent, signer)
	metrics.ExecutionLatency.WithLabelValues(string(intent.Chain)).Observe(time.Since(start).Seconds())

	status := "failed"
	if err == nil && result != nil {
		status = string(result.Status)
	}
	metrics.SwapsTotal.WithLabelValues(string(intent.Chain), status).Inc()
	return result, err
}

func (e *Executor) execute(ctx context.Context, adapter chain.Adapter, intent model.SwapIntent, signer *custody.Signer) (*model.SwapResult, error) {
	log := logger.With("chain", intent.Chain, "owner", intent.Owner,
		"input", intent.InputAsset, "output", intent.OutputAsset)

	// 1. Quote and slippage bound.
	quote, err := adapter.GetQuote(ctx, intent.InputAsset, intent.OutputAsset, intent.InputAmount, intent.MaxSlippageBps)
	if err != nil {
		return nil, err
	}
	minOut := MinOutput(quote.OutputAmount, intent.MaxSlippageBps)
	log.Debug("quote received", "output", quote.OutputAmount.String(), "min_output", minOut.String())

	// 2. Build the unsigned transaction.
	recipient := intent.Recipient
	if recipient == "" {
		recipient = signer.Address()
	}
	tx, err := adapter.BuildSwap(ctx, quote, minOut, recipient)
	if err != nil {
		return nil, err
	}

	// 3. Cost estimation ladder, first success wins.
	estimate, err := e.estimateCost(ctx, adapter, tx)
	if err != nil {
		return nil, err
	}

	// 4. Pre-flight balance check, before anything hits the wire.
	balance, err := adapter.Balance(ctx, signer.Address())
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "pre-flight balance lookup failed", err)
	}
	need := new(big.Int).Add(tx.Value, estimate.TotalCost)
	if balance.Cmp(need) < 0 {
		return nil, apperrors.New(apperrors.ErrInsufficientFunds,
			fmt.Sprintf("balance %s below required %s", balance, need), nil)
	}

	// 5./6. Submit with bounded retries.
	result := &model.SwapResult{Chain: intent.Chain, MinOutput: minOut}
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		cost := e.costForAttempt(estimate, attempt)
		metrics.ExecutionAttempts.WithLabelValues(string(intent.Chain), string(cost.Tier)).Inc()
		record := model.ExecutionAttempt{
			Number:      attempt,
			Tier:        cost.Tier,
			UnitPrice:   cost.UnitPrice,
			SubmittedAt: time.Now(),
		}

		ref, err := adapter.Submit(ctx, tx, signer, cost)
		if err != nil {
			record.Outcome = apperrors.Category(err)
			result.Attempts = append(result.Attempts, record)
			if apperrors.Terminal(err) {
				return nil, err
			}
			lastErr = err
			if attempt == e.cfg.MaxAttempts {
				break
			}
			adapter.RotateEndpoint()
			log.Warn("submit failed, retrying with higher unit price",
				"attempt", attempt, "error", err.Error())
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, apperrors.Wrap(err)
			}
			continue
		}

		result.Reference = ref
		conf, err := adapter.AwaitConfirmation(ctx, ref, 0)
		switch {
		case err == nil && conf != nil && conf.Confirmed:
			record.Outcome = "confirmed"
			result.Attempts = append(result.Attempts, record)
			result.Status = model.StatusConfirmed
			log.Info("swap confirmed", "reference", ref, "attempt", attempt)
			return result, nil
		case apperrors.Is(err, apperrors.ErrTransactionReverted):
			record.Outcome = "reverted"
			result.Attempts = append(result.Attempts, record)
			return nil, err
		default:
			// Ambiguous: the transaction was broadcast and may still
			// land. Report pending, never definitively failed.
			record.Outcome = "pending"
			result.Attempts = append(result.Attempts, record)
			result.Status = model.StatusPending
			log.Warn("confirmation wait exhausted, outcome unknown", "reference", ref)
			return result, nil
		}
	}

	return nil, apperrors.New(apperrors.ErrSwapExecutionFailed,
		fmt.Sprintf("all %d attempts exhausted", e.cfg.MaxAttempts), lastErr)
}

// estimateCost walks the tier ladder: precise simulation, then the
// conservative and emergency fixed budgets.
func (e *Executor) estimateCost(ctx context.Context, adapter chain.Adapter, tx *chain.UnsignedTx) (*model.CostEstimate, error) {
	var lastErr error
	for _, tier := range model.CostTiers {
		estimate, err := adapter.EstimateCost(ctx, tx, tier)
		if err == nil {
			return estimate, nil
		}
		lastErr = err
		logger.Debug("cost tier failed, falling back",
			"tier", string(tier), "error", err.Error())
	}
	return nil, apperrors.New(apperrors.ErrCostEstimation, "all cost estimation tiers exhausted", lastErr)
}

// costForAttempt scales the base estimate by (1+bump)^(attempt-1) so
// the unit price strictly increases and a resubmission is never
// rejected as a weaker competing transaction.
func (e *Executor) costForAttempt(base *model.CostEstimate, attempt int) *model.CostEstimate {
	price := new(big.Int).Set(base.UnitPrice)
	total := new(big.Int).Set(base.TotalCost)
	num := big.NewInt(100 + e.cfg.PriceBumpPct)
	den := big.NewInt(100)
	for i := 1; i < attempt; i++ {
		price.Mul(price, num).Div(price, den)
		total.Mul(total, num).Div(total, den)
	}
	// Guard against integer truncation stalling the bump on tiny prices.
	if attempt > 1 && price.Cmp(base.UnitPrice) <= 0 {
		price.Add(base.UnitPrice, big.NewInt(int64(attempt-1)))
	}
	return &model.CostEstimate{
		Tier:          base.Tier,
		ResourceLimit: base.ResourceLimit,
		UnitPrice:     price,
		TotalCost:     total,
	}
}

func (e *Executor) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(e.cfg.BackoffBaseMs) * time.Millisecond << (attempt - 1)
	ceiling := time.Duration(e.cfg.BackoffCapMs) * time.Millisecond
	if delay > ceiling {
		delay = ceiling
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
