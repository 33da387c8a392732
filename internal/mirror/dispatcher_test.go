package mirror

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/config"
	"github.com/swapmirror/swapmirror/internal/custody"
	"github.com/swapmirror/swapmirror/internal/executor"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
	"github.com/swapmirror/swapmirror/internal/repository"
	"github.com/swapmirror/swapmirror/internal/service"
)

const testEVMKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// mirrorAdapter is a scripted chain.Adapter that records the swap
// sizes reaching the executor.
type mirrorAdapter struct {
	mu          sync.Mutex
	quoted      []*big.Int
	submitDelay time.Duration
	confirmErr  error
}

func (m *mirrorAdapter) Name() model.Chain { return model.ChainEVM }

func (m *mirrorAdapter) GetQuote(ctx context.Context, in, out string, amount *big.Int, bps int) (*model.Quote, error) {
	m.mu.Lock()
	m.quoted = append(m.quoted, new(big.Int).Set(amount))
	m.mu.Unlock()
	return &model.Quote{
		Chain:        model.ChainEVM,
		InputAsset:   in,
		OutputAsset:  out,
		InputAmount:  amount,
		OutputAmount: new(big.Int).Set(amount),
	}, nil
}

func (m *mirrorAdapter) BuildSwap(ctx context.Context, q *model.Quote, minOut *big.Int, recipient string) (*chain.UnsignedTx, error) {
	return &chain.UnsignedTx{Chain: model.ChainEVM, Value: big.NewInt(0)}, nil
}

func (m *mirrorAdapter) EstimateCost(ctx context.Context, tx *chain.UnsignedTx, tier model.CostTier) (*model.CostEstimate, error) {
	return &model.CostEstimate{Tier: tier, ResourceLimit: 21000, UnitPrice: big.NewInt(1), TotalCost: big.NewInt(1)}, nil
}

func (m *mirrorAdapter) Submit(ctx context.Context, tx *chain.UnsignedTx, s *custody.Signer, cost *model.CostEstimate) (string, error) {
	if m.submitDelay > 0 {
		time.Sleep(m.submitDelay)
	}
	return "0xmirrored", nil
}

func (m *mirrorAdapter) AwaitConfirmation(ctx context.Context, ref string, confirmations int) (*chain.ConfirmationResult, error) {
	if m.confirmErr != nil {
		return nil, m.confirmErr
	}
	return &chain.ConfirmationResult{Reference: ref, Confirmed: true}, nil
}

func (m *mirrorAdapter) Balance(ctx context.Context, owner string) (*big.Int, error) {
	return new(big.Int).Lsh(big.NewInt(1), 80), nil
}

func (m *mirrorAdapter) Transfer(ctx context.Context, s *custody.Signer, recipient string, amount *big.Int) (string, error) {
	return "0xfee", nil
}

func (m *mirrorAdapter) ValidAddress(addr string) bool { return true }
func (m *mirrorAdapter) RotateEndpoint()               {}

func (m *mirrorAdapter) quotes() []*big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*big.Int, len(m.quoted))
	copy(out, m.quoted)
	return out
}

type dispatcherFixture struct {
	registry   *Registry
	dispatcher *Dispatcher
	store      Store
	adapter    *mirrorAdapter
}

func newDispatcherFixture(t *testing.T, dustFloor string, overlapPolicy string) *dispatcherFixture {
	t.Helper()

	adapter := &mirrorAdapter{}
	adapters := map[model.Chain]chain.Adapter{model.ChainEVM: adapter}
	exec := executor.New(adapters, config.ExecutorConfig{MaxAttempts: 1, BackoffBaseMs: 1, BackoffCapMs: 2, PriceBumpPct: 25})
	keyring := custody.NewConfigKeyring(map[string]string{"default": testEVMKey}, nil)
	gate := service.NewLimitGate(config.GateConfig{QPS: 0, Burst: 0}, nil)
	store := repository.NewMemoryMirrorStore()

	registry := NewRegistry(store, nil, map[model.Chain]func(string) bool{
		model.ChainEVM: func(string) bool { return true },
	})

	dispatcher := NewDispatcher(registry, exec, nil, gate, keyring, store,
		decimal.RequireFromString(dustFloor), overlapPolicy,
		map[model.Chain]string{model.ChainEVM: "native"})

	return &dispatcherFixture{registry: registry, dispatcher: dispatcher, store: store, adapter: adapter}
}

func (fx *dispatcherFixture) subscribe(t *testing.T, follower string, pct, maxPerTrade string) {
	t.Helper()
	cfg := validConfig(follower, "0xTARGET")
	cfg.CopyPercentage = decimal.RequireFromString(pct)
	if maxPerTrade != "" {
		cfg.MaxAmountPerTrade = decimal.RequireFromString(maxPerTrade)
	}
	_, err := fx.registry.Subscribe(context.Background(), cfg)
	require.NoError(t, err)
}

func sellIntent(amount string) *model.TradeIntent {
	return &model.TradeIntent{
		SourceChain:   model.ChainEVM,
		Kind:          model.TradeSell,
		Amount:        decimal.RequireFromString(amount),
		AssetIn:       "0xTOKEN",
		AssetDecimals: 18,
		OriginRef:     "0xorigin",
		ObservedAt:    time.Now(),
		Confidence:    0.9,
	}
}

func (fx *dispatcherFixture) waitOutcomes(t *testing.T, follower string, n int) []*model.MirrorOutcome {
	t.Helper()
	var outcomes []*model.MirrorOutcome
	require.Eventually(t, func() bool {
		var err error
		outcomes, err = fx.store.RecentOutcomes(context.Background(), follower, 10)
		return err == nil && len(outcomes) >= n
	}, 3*time.Second, 10*time.Millisecond, "follower %s outcomes", follower)
	return outcomes
}

func TestDispatchSizesCopiesProportionallyAndClamps(t *testing.T) {
	fx := newDispatcherFixture(t, "0.000001", OverlapDrop)
	fx.subscribe(t, "alice", "50", "0.5") // 50% of 2.0 clamps to 0.5
	fx.subscribe(t, "bob", "10", "10")    // 10% of 2.0 is 0.2, no clamp

	fx.dispatcher.Dispatch("0xTARGET", sellIntent("2.0"))

	alice := fx.waitOutcomes(t, "alice", 1)
	bob := fx.waitOutcomes(t, "bob", 1)

	assert.True(t, alice[0].Success)
	assert.True(t, alice[0].CopiedAmount.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, bob[0].Success)
	assert.True(t, bob[0].CopiedAmount.Equal(decimal.RequireFromString("0.2")))

	// Base-unit amounts that actually reached the quote step.
	seen := map[string]bool{}
	for _, q := range fx.adapter.quotes() {
		seen[q.String()] = true
	}
	assert.True(t, seen["500000000000000000"], "alice's copy in wei")
	assert.True(t, seen["200000000000000000"], "bob's copy in wei")
}

func TestDispatchSkipsDust(t *testing.T) {
	fx := newDispatcherFixture(t, "0.001", OverlapDrop)
	fx.subscribe(t, "alice", "50", "")

	fx.dispatcher.Dispatch("0xTARGET", sellIntent("0.001")) // copy 0.0005 < floor

	require.Eventually(t, func() bool {
		for _, st := range fx.dispatcher.Stats() {
			if st.FollowerID == "alice" && st.Skipped == 1 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	outcomes, err := fx.store.RecentOutcomes(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, outcomes, "dust skips are not execution outcomes")
	assert.Empty(t, fx.adapter.quotes())
}

func TestDispatchSkipsDisabledAssetAndInactive(t *testing.T) {
	fx := newDispatcherFixture(t, "0.000001", OverlapDrop)

	filtered := validConfig("alice", "0xTARGET")
	filtered.EnabledAssets = []string{"0xOTHER"}
	_, err := fx.registry.Subscribe(context.Background(), filtered)
	require.NoError(t, err)

	inactive := validConfig("bob", "0xTARGET")
	_, err = fx.registry.Subscribe(context.Background(), inactive)
	require.NoError(t, err)
	off := false
	_, err = fx.registry.Patch(context.Background(), "bob", model.MirrorPatch{Active: &off})
	require.NoError(t, err)

	fx.dispatcher.Dispatch("0xTARGET", sellIntent("1.0"))

	require.Eventually(t, func() bool {
		skipped := 0
		for _, st := range fx.dispatcher.Stats() {
			if st.Skipped == 1 {
				skipped++
			}
		}
		return skipped == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, fx.adapter.quotes())
}

func TestDispatchIsolatesFollowerFailures(t *testing.T) {
	fx := newDispatcherFixture(t, "0.000001", OverlapDrop)
	fx.subscribe(t, "alice", "50", "")

	broken := validConfig("bob", "0xTARGET")
	broken.KeyRef = "missing"
	broken.CopyPercentage = decimal.NewFromInt(50)
	_, err := fx.registry.Subscribe(context.Background(), broken)
	require.NoError(t, err)

	fx.dispatcher.Dispatch("0xTARGET", sellIntent("1.0"))

	alice := fx.waitOutcomes(t, "alice", 1)
	bob := fx.waitOutcomes(t, "bob", 1)

	assert.True(t, alice[0].Success, "one follower's failure must not affect others")
	assert.False(t, bob[0].Success)
	assert.Equal(t, string(apperrors.ErrInvalidRequest), bob[0].FailureReason)
}

func TestDispatchRecordsUnconfirmedAsPending(t *testing.T) {
	fx := newDispatcherFixture(t, "0.000001", OverlapDrop)
	fx.adapter.confirmErr = apperrors.New(apperrors.ErrConfirmationTimeout, "wait exceeded bound", nil)
	fx.subscribe(t, "alice", "50", "")

	fx.dispatcher.Dispatch("0xTARGET", sellIntent("1.0"))

	outcomes := fx.waitOutcomes(t, "alice", 1)
	assert.False(t, outcomes[0].Success)
	assert.True(t, outcomes[0].Pending, "unconfirmed is unresolved, not failed")
	assert.Equal(t, string(apperrors.ErrConfirmationTimeout), outcomes[0].FailureReason)
	assert.Equal(t, "0xmirrored", outcomes[0].ResultRef, "pending copies keep their reference")

	for _, st := range fx.dispatcher.Stats() {
		if st.FollowerID != "alice" {
			continue
		}
		assert.Equal(t, int64(1), st.Pending)
		assert.Zero(t, st.Failed, "pending copies must not count as failures")
		assert.Equal(t, "pending", st.LastOutcome)
	}
}

func TestDispatchDropsOverlappingIntent(t *testing.T) {
	fx := newDispatcherFixture(t, "0.000001", OverlapDrop)
	fx.adapter.submitDelay = 100 * time.Millisecond
	fx.subscribe(t, "alice", "50", "")

	fx.dispatcher.Dispatch("0xTARGET", sellIntent("1.0"))
	time.Sleep(20 * time.Millisecond) // first execution is in flight
	fx.dispatcher.Dispatch("0xTARGET", sellIntent("1.0"))

	fx.waitOutcomes(t, "alice", 1)
	time.Sleep(300 * time.Millisecond)

	outcomes, err := fx.store.RecentOutcomes(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Len(t, outcomes, 1, "overlapping intent must be dropped, not queued")
}

func TestDispatchQueuesOverlappingIntentUnderQueuePolicy(t *testing.T) {
	fx := newDispatcherFixture(t, "0.000001", OverlapQueue)
	fx.adapter.submitDelay = 100 * time.Millisecond
	fx.subscribe(t, "alice", "50", "")

	fx.dispatcher.Dispatch("0xTARGET", sellIntent("1.0"))
	time.Sleep(20 * time.Millisecond)
	fx.dispatcher.Dispatch("0xTARGET", sellIntent("1.0"))

	outcomes := fx.waitOutcomes(t, "alice", 2)
	assert.Len(t, outcomes, 2, "queued intent runs after the in-flight one")
}

// deadlineStore refuses writes once the caller's context is done, the
// way the database-backed store does.
type deadlineStore struct {
	Store
}

func (s *deadlineStore) RecordOutcome(ctx context.Context, outcome *model.MirrorOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.RecordOutcome(ctx, outcome)
}

func TestOutcomeSurvivesExecutionDeadline(t *testing.T) {
	adapter := &mirrorAdapter{submitDelay: 50 * time.Millisecond}
	adapters := map[model.Chain]chain.Adapter{model.ChainEVM: adapter}
	exec := executor.New(adapters, config.ExecutorConfig{MaxAttempts: 1, BackoffBaseMs: 1, BackoffCapMs: 2, PriceBumpPct: 25})
	keyring := custody.NewConfigKeyring(map[string]string{"default": testEVMKey}, nil)
	gate := service.NewLimitGate(config.GateConfig{}, nil)
	store := &deadlineStore{Store: repository.NewMemoryMirrorStore()}

	registry := NewRegistry(store, nil, map[model.Chain]func(string) bool{
		model.ChainEVM: func(string) bool { return true },
	})
	dispatcher := NewDispatcher(registry, exec, nil, gate, keyring, store,
		decimal.RequireFromString("0.000001"), OverlapDrop,
		map[model.Chain]string{model.ChainEVM: "native"})
	dispatcher.execTimeout = 5 * time.Millisecond // expires while the submit is in flight

	_, err := registry.Subscribe(context.Background(), validConfig("alice", "0xTARGET"))
	require.NoError(t, err)

	dispatcher.Dispatch("0xTARGET", sellIntent("1.0"))

	require.Eventually(t, func() bool {
		outcomes, err := store.RecentOutcomes(context.Background(), "alice", 10)
		return err == nil && len(outcomes) == 1
	}, 3*time.Second, 10*time.Millisecond, "a timed-out execution still leaves a record")
}

func TestForgetDropsFollowerState(t *testing.T) {
	fx := newDispatcherFixture(t, "0.000001", OverlapDrop)
	fx.subscribe(t, "alice", "50", "")

	fx.dispatcher.Dispatch("0xTARGET", sellIntent("1.0"))
	fx.waitOutcomes(t, "alice", 1)

	// Wait for the worker to drain so the lane is reclaimable.
	require.Eventually(t, func() bool {
		fx.dispatcher.mu.Lock()
		ln := fx.dispatcher.lanes["alice"]
		busy := ln != nil && ln.busy
		fx.dispatcher.mu.Unlock()
		return !busy
	}, 3*time.Second, 10*time.Millisecond)

	require.True(t, fx.registry.Unsubscribe(context.Background(), "alice"))
	fx.dispatcher.Forget("alice")

	fx.dispatcher.mu.Lock()
	_, laneKept := fx.dispatcher.lanes["alice"]
	_, statsKept := fx.dispatcher.stats["alice"]
	fx.dispatcher.mu.Unlock()
	assert.False(t, laneKept, "lane must be reclaimed")
	assert.False(t, statsKept, "counters must be reclaimed")
	assert.Empty(t, fx.dispatcher.Stats())
}

func TestDispatchBuyNeedsResolvedCounterAsset(t *testing.T) {
	fx := newDispatcherFixture(t, "0.000001", OverlapDrop)
	fx.subscribe(t, "alice", "50", "")

	unresolved := &model.TradeIntent{
		SourceChain:   model.ChainEVM,
		Kind:          model.TradeBuy,
		Amount:        decimal.NewFromInt(1),
		AssetIn:       "native",
		AssetDecimals: 18,
		OriginRef:     "0xorigin",
	}
	fx.dispatcher.Dispatch("0xTARGET", unresolved)

	require.Eventually(t, func() bool {
		for _, st := range fx.dispatcher.Stats() {
			if st.FollowerID == "alice" && st.Skipped == 1 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, fx.adapter.quotes())
}
