package mirror

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/swapmirror/swapmirror/internal/custody"
	"github.com/swapmirror/swapmirror/internal/executor"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
	"github.com/swapmirror/swapmirror/internal/pkg/logger"
	"github.com/swapmirror/swapmirror/internal/pkg/metrics"
	"github.com/swapmirror/swapmirror/internal/service"
)

const (
	OverlapDrop  = "drop"
	OverlapQueue = "queue"
)

// executionTimeout bounds one follower's mirror execution end to end.
const executionTimeout = 5 * time.Minute

// recordTimeout bounds the outcome write. Detached from the execution
// context so an execution that died on its deadline still leaves a
// record.
const recordTimeout = 10 * time.Second

type job struct {
	cfg    *model.MirrorConfig
	target string
	intent *model.TradeIntent
}

// lane serializes one follower's mirror executions. While busy, a new
// intent is either dropped or parked as the single pending slot,
// never run concurrently with the in-flight one.
type lane struct {
	busy    bool
	pending *job
}

type followerStats struct {
	copied, skipped, failed, pending int64
	lastOutcome                      string
	lastActivity                     time.Time
}

// Dispatcher fans a target's trade intent out to every follower,
// sizing and executing each copy independently and failure-isolated.
type Dispatcher struct {
	registry *Registry
	exec     *executor.Executor
	fees     *executor.FeeCollector
	gate     service.Gate
	keyring  custody.Keyring
	store    Store

	dustFloor     decimal.Decimal
	overlapPolicy string
	nativeAssets  map[model.Chain]string
	execTimeout   time.Duration

	mu    sync.Mutex
	lanes map[string]*lane
	stats map[string]*followerStats
}

func NewDispatcher(registry *Registry, exec *executor.Executor, fees *executor.FeeCollector,
	gate service.Gate, keyring custody.Keyring, store Store,
	dustFloor decimal.Decimal, overlapPolicy string, nativeAssets map[model.Chain]string) *Dispatcher {

	if overlapPolicy != OverlapQueue {
		overlapPolicy = OverlapDrop
	}
	return &Dispatcher{
		registry:      registry,
		exec:          exec,
		fees:          fees,
		gate:          gate,
		keyring:       keyring,
		store:         store,
		dustFloor:     dustFloor,
		overlapPolicy: overlapPolicy,
		nativeAssets:  nativeAssets,
		execTimeout:   executionTimeout,
		lanes:         make(map[string]*lane),
		stats:         make(map[string]*followerStats),
	}
}

// Dispatch hands the intent to every follower of the target. Returns
// immediately; execution happens on per-follower workers so a slow
// follower never delays notice delivery for anyone else.
func (d *Dispatcher) Dispatch(target string, intent *model.TradeIntent) {
	followers := d.registry.FollowersOf(intent.SourceChain, target)
	for _, cfg := range followers {
		d.enqueue(&job{cfg: cfg, target: target, intent: intent})
	}
}

func (d *Dispatcher) enqueue(j *job) {
	d.mu.Lock()
	ln, ok := d.lanes[j.cfg.FollowerID]
	if !ok {
		ln = &lane{}
		d.lanes[j.cfg.FollowerID] = ln
	}
	if ln.busy {
		if d.overlapPolicy == OverlapQueue {
			ln.pending = j // newest wins the single slot
			d.mu.Unlock()
			logger.Debug("mirror intent queued behind in-flight execution",
				"follower", j.cfg.FollowerID, "reference", j.intent.OriginRef)
			return
		}
		d.mu.Unlock()
		metrics.MirrorOutcomes.WithLabelValues(string(j.intent.SourceChain), "dropped").Inc()
		logger.Warn("mirror intent dropped, follower execution in flight",
			"follower", j.cfg.FollowerID, "reference", j.intent.OriginRef)
		return
	}
	ln.busy = true
	d.mu.Unlock()

	go d.work(j)
}

func (d *Dispatcher) work(j *job) {
	for j != nil {
		d.runOne(j)

		d.mu.Lock()
		ln := d.lanes[j.cfg.FollowerID]
		next := ln.pending
		ln.pending = nil
		if next == nil {
			ln.busy = false
		}
		d.mu.Unlock()
		j = next
	}
}

func (d *Dispatcher) runOne(j *job) {
	cfg, intent := j.cfg, j.intent
	chainName := string(intent.SourceChain)
	log := logger.With("follower", cfg.FollowerID, "target", j.target, "reference", intent.OriginRef)

	if !cfg.Active {
		d.markSkip(cfg, "inactive")
		return
	}
	if !cfg.AssetEnabled(intent.AssetIn) {
		d.markSkip(cfg, "asset disabled")
		return
	}

	// Size the copy: proportional, clamped, dust-floored.
	copyAmount := intent.Amount.Mul(cfg.CopyPercentage).Div(decimal.NewFromInt(100))
	if cfg.MaxAmountPerTrade.IsPositive() && copyAmount.GreaterThan(cfg.MaxAmountPerTrade) {
		copyAmount = cfg.MaxAmountPerTrade
	}
	if copyAmount.LessThan(d.dustFloor) {
		metrics.MirrorOutcomes.WithLabelValues(chainName, "skipped").Inc()
		d.markSkip(cfg, "below dust floor")
		log.Debug("copy amount below dust floor, skipped", "amount", copyAmount.String())
		return
	}

	inputAsset, outputAsset, ok := d.legsFor(cfg.Chain, intent)
	if !ok {
		d.markSkip(cfg, "asset unresolved")
		log.Debug("counter asset unresolved, skipped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.execTimeout)
	defer cancel()

	outcome := &model.MirrorOutcome{
		ID:             uuid.NewString(),
		FollowerID:     cfg.FollowerID,
		Chain:          cfg.Chain,
		OriginRef:      intent.OriginRef,
		OriginalAmount: intent.Amount,
		CopiedAmount:   copyAmount,
		Timestamp:      time.Now(),
	}

	if err := d.gate.CheckLimit(ctx, cfg.FollowerID, service.ActionTrade, copyAmount); err != nil {
		d.finish(outcome, nil, err, log)
		return
	}

	signer, err := d.keyring.ResolveSigner(ctx, cfg.KeyRef, cfg.FollowerID, cfg.Chain)
	if err != nil {
		d.finish(outcome, nil, err, log)
		return
	}

	swap := model.SwapIntent{
		Chain:          cfg.Chain,
		InputAsset:     inputAsset,
		OutputAsset:    outputAsset,
		InputAmount:    copyAmount.Shift(intent.AssetDecimals).Truncate(0).BigInt(),
		MaxSlippageBps: cfg.SlippageBps,
		Owner:          cfg.FollowerID,
		KeyRef:         cfg.KeyRef,
	}

	result, err := d.exec.ExecuteSwap(ctx, swap, signer)
	d.finish(outcome, result, err, log)

	if err == nil && result != nil && result.Status == model.StatusConfirmed && d.fees != nil {
		if inputAsset == d.nativeAssets[cfg.Chain] {
			d.fees.Collect(ctx, signer, cfg.Chain, d.fees.FeeFor(copyAmount))
		}
	}
}

// legsFor maps the observed trade onto the follower's swap legs.
func (d *Dispatcher) legsFor(c model.Chain, intent *model.TradeIntent) (input, output string, ok bool) {
	switch intent.Kind {
	case model.TradeBuy:
		if intent.AssetOut == "" {
			return "", "", false
		}
		return intent.AssetIn, intent.AssetOut, true
	case model.TradeSell:
		if intent.AssetIn == "" {
			return "", "", false
		}
		out := intent.AssetOut
		if out == "" {
			out = d.nativeAssets[c]
		}
		return intent.AssetIn, out, true
	default:
		return "", "", false
	}
}

// finish records the outcome regardless of the execution result and
// keeps the per-follower counters. Recording uses its own deadline:
// the execution context may already be dead, and a timed-out
// execution is exactly the outcome worth keeping.
func (d *Dispatcher) finish(outcome *model.MirrorOutcome, result *model.SwapResult, err error, log *slog.Logger) {
	chainName := string(outcome.Chain)
	switch {
	case err != nil:
		outcome.Success = false
		outcome.FailureReason = apperrors.Category(err)
		metrics.MirrorOutcomes.WithLabelValues(chainName, "failed").Inc()
		log.Warn("mirror execution failed", "reason", outcome.FailureReason)
	case result != nil && result.Status == model.StatusConfirmed:
		outcome.Success = true
		outcome.ResultRef = result.Reference
		metrics.MirrorOutcomes.WithLabelValues(chainName, "copied").Inc()
		log.Info("mirror execution confirmed",
			"result", result.Reference, "copied", outcome.CopiedAmount.String())
	default:
		// Submitted but unconfirmed: unknown, not definitively failed.
		outcome.Success = false
		outcome.Pending = true
		outcome.FailureReason = string(apperrors.ErrConfirmationTimeout)
		if result != nil {
			outcome.ResultRef = result.Reference
		}
		metrics.MirrorOutcomes.WithLabelValues(chainName, "pending").Inc()
		log.Warn("mirror execution unconfirmed", "result", outcome.ResultRef)
	}

	recCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if recErr := d.store.RecordOutcome(recCtx, outcome); recErr != nil {
		logger.Error("failed to record mirror outcome",
			"follower", outcome.FollowerID, "error", recErr.Error())
	}

	d.mu.Lock()
	st := d.statsFor(outcome.FollowerID)
	switch {
	case outcome.Success:
		st.copied++
		st.lastOutcome = "copied"
	case outcome.Pending:
		st.pending++
		st.lastOutcome = "pending"
	default:
		st.failed++
		st.lastOutcome = outcome.FailureReason
	}
	st.lastActivity = outcome.Timestamp
	d.mu.Unlock()
}

// Forget drops the follower's lane and counters after an unsubscribe.
// A lane with an execution still in flight stays until its worker
// drains; only the queued slot is discarded.
func (d *Dispatcher) Forget(followerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ln, ok := d.lanes[followerID]; ok {
		ln.pending = nil
		if !ln.busy {
			delete(d.lanes, followerID)
		}
	}
	delete(d.stats, followerID)
}

func (d *Dispatcher) markSkip(cfg *model.MirrorConfig, reason string) {
	d.mu.Lock()
	st := d.statsFor(cfg.FollowerID)
	st.skipped++
	st.lastOutcome = "skipped: " + reason
	st.lastActivity = time.Now()
	d.mu.Unlock()
}

// statsFor must be called with d.mu held.
func (d *Dispatcher) statsFor(followerID string) *followerStats {
	st, ok := d.stats[followerID]
	if !ok {
		st = &followerStats{}
		d.stats[followerID] = st
	}
	return st
}

// Stats snapshots the per-follower counters for the command surface.
func (d *Dispatcher) Stats() []model.MirrorStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.MirrorStats, 0, len(d.stats))
	for followerID, st := range d.stats {
		entry := model.MirrorStats{
			FollowerID:   followerID,
			Copied:       st.copied,
			Skipped:      st.skipped,
			Failed:       st.failed,
			Pending:      st.pending,
			LastOutcome:  st.lastOutcome,
			LastActivity: st.lastActivity,
		}
		if cfg, ok := d.registry.Get(followerID); ok {
			entry.TargetWallet = cfg.TargetWallet
		}
		out = append(out, entry)
	}
	return out
}
