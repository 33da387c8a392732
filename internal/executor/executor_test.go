package executor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/config"
	"github.com/swapmirror/swapmirror/internal/custody"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
)

const testEVMKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testSigner(t *testing.T) *custody.Signer {
	t.Helper()
	keyring := custody.NewConfigKeyring(map[string]string{"default": testEVMKey}, nil)
	signer, err := keyring.ResolveSigner(context.Background(), "default", "owner-1", model.ChainEVM)
	require.NoError(t, err)
	return signer
}

// fakeAdapter scripts each collaborator call so the executor's
// control flow can be exercised without a chain.
type fakeAdapter struct {
	mu sync.Mutex

	quoteOut *big.Int
	quoteErr error

	tierErrs map[model.CostTier]error
	balance  *big.Int

	builtMinOut *big.Int

	submitErrs  []error // indexed by attempt-1; nil entry means success
	submitCosts []*model.CostEstimate

	confirm    *chain.ConfirmationResult
	confirmErr error

	rotations int
}

func (f *fakeAdapter) Name() model.Chain { return model.ChainEVM }

func (f *fakeAdapter) GetQuote(ctx context.Context, in, out string, amount *big.Int, bps int) (*model.Quote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &model.Quote{
		Chain:        model.ChainEVM,
		InputAsset:   in,
		OutputAsset:  out,
		InputAmount:  amount,
		OutputAmount: f.quoteOut,
		ExpiresAt:    time.Now().Add(time.Minute),
	}, nil
}

func (f *fakeAdapter) BuildSwap(ctx context.Context, q *model.Quote, minOut *big.Int, recipient string) (*chain.UnsignedTx, error) {
	f.mu.Lock()
	f.builtMinOut = new(big.Int).Set(minOut)
	f.mu.Unlock()
	return &chain.UnsignedTx{Chain: model.ChainEVM, Value: big.NewInt(0)}, nil
}

func (f *fakeAdapter) EstimateCost(ctx context.Context, tx *chain.UnsignedTx, tier model.CostTier) (*model.CostEstimate, error) {
	if err := f.tierErrs[tier]; err != nil {
		return nil, err
	}
	return &model.CostEstimate{
		Tier:          tier,
		ResourceLimit: 100000,
		UnitPrice:     big.NewInt(1000),
		TotalCost:     big.NewInt(100_000_000),
	}, nil
}

func (f *fakeAdapter) Submit(ctx context.Context, tx *chain.UnsignedTx, s *custody.Signer, cost *model.CostEstimate) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCosts = append(f.submitCosts, cost)
	n := len(f.submitCosts)
	if n <= len(f.submitErrs) && f.submitErrs[n-1] != nil {
		return "", f.submitErrs[n-1]
	}
	return "0xref", nil
}

func (f *fakeAdapter) AwaitConfirmation(ctx context.Context, ref string, confirmations int) (*chain.ConfirmationResult, error) {
	return f.confirm, f.confirmErr
}

func (f *fakeAdapter) Balance(ctx context.Context, owner string) (*big.Int, error) {
	if f.balance == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.balance, nil
}

func (f *fakeAdapter) Transfer(ctx context.Context, s *custody.Signer, recipient string, amount *big.Int) (string, error) {
	return "0xfee", nil
}

func (f *fakeAdapter) ValidAddress(addr string) bool { return true }

func (f *fakeAdapter) RotateEndpoint() {
	f.mu.Lock()
	f.rotations++
	f.mu.Unlock()
}

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		MaxAttempts:   3,
		BackoffBaseMs: 1,
		BackoffCapMs:  4,
		PriceBumpPct:  25,
	}
}

func newTestExecutor(f chain.Adapter) *Executor {
	return New(map[model.Chain]chain.Adapter{model.ChainEVM: f}, testConfig())
}

func testIntent() model.SwapIntent {
	return model.SwapIntent{
		Chain:          model.ChainEVM,
		InputAsset:     "native",
		OutputAsset:    "0xToken",
		InputAmount:    big.NewInt(1000),
		MaxSlippageBps: 300,
		Owner:          "owner-1",
	}
}

func TestMinOutput(t *testing.T) {
	cases := []struct {
		output   int64
		bps      int
		expected int64
	}{
		{1000, 300, 970},
		{1000, 0, 1000},
		{1, 300, 0},     // floors to zero
		{999, 100, 989}, // 989.01 floors down
		{10000, 9999, 1},
	}
	for _, tc := range cases {
		got := MinOutput(big.NewInt(tc.output), tc.bps)
		assert.Equal(t, tc.expected, got.Int64(), "output=%d bps=%d", tc.output, tc.bps)
	}
}

func TestExecuteSwapConfirmedFirstAttempt(t *testing.T) {
	f := &fakeAdapter{
		quoteOut: big.NewInt(1000),
		confirm:  &chain.ConfirmationResult{Reference: "0xref", Confirmed: true},
	}
	exec := newTestExecutor(f)

	result, err := exec.ExecuteSwap(context.Background(), testIntent(), testSigner(t))
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, result.Status)
	assert.Equal(t, "0xref", result.Reference)
	assert.Equal(t, int64(970), result.MinOutput.Int64())
	assert.Equal(t, int64(970), f.builtMinOut.Int64(), "built tx must carry the floor")
	assert.Len(t, result.Attempts, 1)
	assert.Equal(t, "confirmed", result.Attempts[0].Outcome)
}

func TestExecuteSwapTierFallback(t *testing.T) {
	f := &fakeAdapter{
		quoteOut: big.NewInt(1000),
		tierErrs: map[model.CostTier]error{
			model.TierPrecise:      apperrors.New(apperrors.ErrUpstream, "simulation failed", nil),
			model.TierConservative: apperrors.New(apperrors.ErrUpstream, "price lookup failed", nil),
		},
		confirm: &chain.ConfirmationResult{Confirmed: true},
	}
	exec := newTestExecutor(f)

	result, err := exec.ExecuteSwap(context.Background(), testIntent(), testSigner(t))
	require.NoError(t, err)
	require.Len(t, f.submitCosts, 1)
	assert.Equal(t, model.TierEmergency, f.submitCosts[0].Tier)
	assert.Equal(t, model.StatusConfirmed, result.Status)
}

func TestExecuteSwapAllTiersFail(t *testing.T) {
	f := &fakeAdapter{
		quoteOut: big.NewInt(1000),
		tierErrs: map[model.CostTier]error{
			model.TierPrecise:      apperrors.New(apperrors.ErrUpstream, "down", nil),
			model.TierConservative: apperrors.New(apperrors.ErrUpstream, "down", nil),
			model.TierEmergency:    apperrors.New(apperrors.ErrUpstream, "down", nil),
		},
	}
	exec := newTestExecutor(f)

	_, err := exec.ExecuteSwap(context.Background(), testIntent(), testSigner(t))
	assert.True(t, apperrors.Is(err, apperrors.ErrCostEstimation))
	assert.Empty(t, f.submitCosts, "nothing should reach the wire")
}

func TestExecuteSwapRetryPriceStrictlyIncreases(t *testing.T) {
	transient := apperrors.New(apperrors.ErrUpstream, "endpoint flaked", nil)
	f := &fakeAdapter{
		quoteOut:   big.NewInt(1000),
		submitErrs: []error{transient, transient, nil},
		confirm:    &chain.ConfirmationResult{Confirmed: true},
	}
	exec := newTestExecutor(f)

	result, err := exec.ExecuteSwap(context.Background(), testIntent(), testSigner(t))
	require.NoError(t, err)
	require.Len(t, f.submitCosts, 3)
	for i := 1; i < len(f.submitCosts); i++ {
		prev, cur := f.submitCosts[i-1].UnitPrice, f.submitCosts[i].UnitPrice
		assert.Equal(t, 1, cur.Cmp(prev), "attempt %d unit price must exceed attempt %d", i+1, i)
	}
	assert.Equal(t, 2, f.rotations, "endpoint rotates between attempts")
	assert.Equal(t, model.StatusConfirmed, result.Status)
	assert.Len(t, result.Attempts, 3)
}

func TestCostForAttemptTinyPriceStillBumps(t *testing.T) {
	exec := newTestExecutor(&fakeAdapter{})
	base := &model.CostEstimate{
		Tier:          model.TierPrecise,
		ResourceLimit: 1,
		UnitPrice:     big.NewInt(1), // 1*125/100 truncates back to 1
		TotalCost:     big.NewInt(1),
	}
	prev := base.UnitPrice
	for attempt := 2; attempt <= 4; attempt++ {
		cost := exec.costForAttempt(base, attempt)
		assert.Equal(t, 1, cost.UnitPrice.Cmp(prev), "attempt %d", attempt)
		prev = cost.UnitPrice
	}
}

func TestExecuteSwapTerminalErrorStopsRetries(t *testing.T) {
	terminal := apperrors.New(apperrors.ErrInsufficientFunds, "balance dropped mid-flight", nil)
	f := &fakeAdapter{
		quoteOut:   big.NewInt(1000),
		submitErrs: []error{terminal},
	}
	exec := newTestExecutor(f)

	_, err := exec.ExecuteSwap(context.Background(), testIntent(), testSigner(t))
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientFunds))
	assert.Len(t, f.submitCosts, 1, "terminal failures must not retry")
	assert.Equal(t, 0, f.rotations)
}

func TestExecuteSwapPreflightInsufficientBalance(t *testing.T) {
	f := &fakeAdapter{
		quoteOut: big.NewInt(1000),
		balance:  big.NewInt(5), // far below estimated cost
	}
	exec := newTestExecutor(f)

	_, err := exec.ExecuteSwap(context.Background(), testIntent(), testSigner(t))
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientFunds))
	assert.Empty(t, f.submitCosts)
}

func TestExecuteSwapExhaustion(t *testing.T) {
	transient := apperrors.New(apperrors.ErrUpstream, "flaky", nil)
	f := &fakeAdapter{
		quoteOut:   big.NewInt(1000),
		submitErrs: []error{transient, transient, transient},
	}
	exec := newTestExecutor(f)

	_, err := exec.ExecuteSwap(context.Background(), testIntent(), testSigner(t))
	assert.True(t, apperrors.Is(err, apperrors.ErrSwapExecutionFailed))
	assert.Len(t, f.submitCosts, 3)
}

func TestExecuteSwapAmbiguousConfirmationIsPending(t *testing.T) {
	f := &fakeAdapter{
		quoteOut:   big.NewInt(1000),
		confirmErr: apperrors.New(apperrors.ErrConfirmationTimeout, "wait exceeded bound", nil),
	}
	exec := newTestExecutor(f)

	result, err := exec.ExecuteSwap(context.Background(), testIntent(), testSigner(t))
	require.NoError(t, err, "ambiguous confirmation is not a failure")
	assert.Equal(t, model.StatusPending, result.Status)
	assert.Equal(t, "0xref", result.Reference)
}

func TestExecuteSwapRevertedIsTerminal(t *testing.T) {
	f := &fakeAdapter{
		quoteOut:   big.NewInt(1000),
		confirm:    &chain.ConfirmationResult{Reverted: true},
		confirmErr: apperrors.New(apperrors.ErrTransactionReverted, "reverted", nil),
	}
	exec := newTestExecutor(f)

	_, err := exec.ExecuteSwap(context.Background(), testIntent(), testSigner(t))
	assert.True(t, apperrors.Is(err, apperrors.ErrTransactionReverted))
	assert.Len(t, f.submitCosts, 1)
}

// slowAdapter blocks inside Submit so overlapping executions for one
// owner can be observed.
type slowAdapter struct {
	fakeAdapter
	inFlight int
	maxSeen  int
	gate     sync.Mutex
}

func (s *slowAdapter) Submit(ctx context.Context, tx *chain.UnsignedTx, signer *custody.Signer, cost *model.CostEstimate) (string, error) {
	s.gate.Lock()
	s.inFlight++
	if s.inFlight > s.maxSeen {
		s.maxSeen = s.inFlight
	}
	s.gate.Unlock()

	time.Sleep(20 * time.Millisecond)

	s.gate.Lock()
	s.inFlight--
	s.gate.Unlock()
	return "0xref", nil
}

func TestExecuteSwapSerializesPerOwner(t *testing.T) {
	f := &slowAdapter{fakeAdapter: fakeAdapter{
		quoteOut: big.NewInt(1000),
		confirm:  &chain.ConfirmationResult{Confirmed: true},
	}}
	exec := newTestExecutor(f)
	signer := testSigner(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.ExecuteSwap(context.Background(), testIntent(), signer)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.maxSeen, "same owner+chain must never submit concurrently")

	exec.mu.Lock()
	held := len(exec.actors)
	exec.mu.Unlock()
	assert.Zero(t, held, "idle actor locks must be reclaimed")
}

func TestActorLocksReclaimedAcrossOwners(t *testing.T) {
	f := &fakeAdapter{
		quoteOut: big.NewInt(1000),
		confirm:  &chain.ConfirmationResult{Confirmed: true},
	}
	exec := newTestExecutor(f)
	signer := testSigner(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			intent := testIntent()
			intent.Owner = owner
			_, err := exec.ExecuteSwap(context.Background(), intent, signer)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	exec.mu.Lock()
	held := len(exec.actors)
	exec.mu.Unlock()
	assert.Zero(t, held, "the lock map must not grow with every owner ever seen")
}
