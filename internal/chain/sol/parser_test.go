package sol

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/model"
)

var (
	testWallet = solana.MustPublicKeyFromBase58("4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T")
	testMint   = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
)

type stubTxSource struct {
	result *rpc.GetTransactionResult
	err    error
}

func (s *stubTxSource) GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return s.result, s.err
}

func logActivity(logs []string, failed bool) chain.Activity {
	res := &ws.LogResult{}
	res.Value.Signature = solana.Signature{1}
	res.Value.Logs = logs
	if failed {
		res.Value.Err = map[string]any{"InstructionError": []any{}}
	}
	return chain.Activity{
		Chain:      model.ChainSolana,
		Wallet:     testWallet.String(),
		Reference:  res.Value.Signature.String(),
		Raw:        res,
		ObservedAt: time.Now(),
	}
}

// txResult assembles a GetTransactionResult whose envelope decodes to
// a transaction that includes the wallet in its account keys.
func txResult(t *testing.T, meta *rpc.TransactionMeta) *rpc.GetTransactionResult {
	t.Helper()

	tx := &solana.Transaction{
		Signatures: []solana.Signature{{1}},
		Message: solana.Message{
			Header: solana.MessageHeader{
				NumRequiredSignatures: 1,
			},
			AccountKeys: []solana.PublicKey{
				testWallet,
				solana.SystemProgramID,
			},
			RecentBlockhash: solana.Hash{2},
		},
	}
	b64, err := tx.ToBase64()
	require.NoError(t, err)

	env := &rpc.TransactionResultEnvelope{}
	require.NoError(t, json.Unmarshal([]byte(fmt.Sprintf("[%q, %q]", b64, "base64")), env))

	return &rpc.GetTransactionResult{Meta: meta, Transaction: env}
}

func tokenBalance(index uint16, owner solana.PublicKey, mint solana.PublicKey, raw string, decimals uint8) rpc.TokenBalance {
	o := owner
	return rpc.TokenBalance{
		AccountIndex: index,
		Mint:         mint,
		Owner:        &o,
		UiTokenAmount: &rpc.UiTokenAmount{
			Amount:   raw,
			Decimals: decimals,
		},
	}
}

func TestHasSwapMarker(t *testing.T) {
	assert.True(t, hasSwapMarker([]string{"Program log: Instruction: Swap"}))
	assert.True(t, hasSwapMarker([]string{"Program log: ray_log: AAAA"}))
	assert.False(t, hasSwapMarker([]string{"Program log: Instruction: Transfer"}))
	assert.False(t, hasSwapMarker(nil))
}

func TestParseIgnoresFailedAndUnmarkedTransactions(t *testing.T) {
	p := NewParser(&stubTxSource{}, rpc.CommitmentConfirmed)

	intent, err := p.Parse(context.Background(), logActivity([]string{"Program log: Instruction: Transfer"}, false))
	assert.NoError(t, err)
	assert.Nil(t, intent)

	intent, err = p.Parse(context.Background(), logActivity([]string{"Program log: Instruction: Swap"}, true))
	assert.NoError(t, err)
	assert.Nil(t, intent)

	intent, err = p.Parse(context.Background(), chain.Activity{Raw: "not a log result"})
	assert.NoError(t, err)
	assert.Nil(t, intent)
}

func TestParseBuyFromNativeOutflow(t *testing.T) {
	meta := &rpc.TransactionMeta{
		PreBalances:  []uint64{5_000_000_000, 0},
		PostBalances: []uint64{3_000_000_000, 0}, // spent 2 SOL
		PostTokenBalances: []rpc.TokenBalance{
			tokenBalance(2, testWallet, testMint, "150000000", 6), // received 150 tokens
		},
	}
	p := NewParser(&stubTxSource{result: txResult(t, meta)}, rpc.CommitmentConfirmed)

	intent, err := p.Parse(context.Background(), logActivity([]string{"Program log: Instruction: Swap"}, false))
	require.NoError(t, err)
	require.NotNil(t, intent)

	assert.Equal(t, model.TradeBuy, intent.Kind)
	assert.Equal(t, NativeAsset, intent.AssetIn)
	assert.Equal(t, testMint.String(), intent.AssetOut)
	assert.True(t, intent.Amount.Equal(decimal.NewFromInt(2)), "got %s", intent.Amount)
	assert.InDelta(t, 0.7, intent.Confidence, 0.001)
}

func TestParseSellFromNativeInflow(t *testing.T) {
	meta := &rpc.TransactionMeta{
		PreBalances:  []uint64{1_000_000_000, 0},
		PostBalances: []uint64{2_500_000_000, 0}, // gained 1.5 SOL
		PreTokenBalances: []rpc.TokenBalance{
			tokenBalance(2, testWallet, testMint, "75000000", 6),
		},
		PostTokenBalances: []rpc.TokenBalance{
			tokenBalance(2, testWallet, testMint, "25000000", 6), // sold 50 tokens
		},
	}
	p := NewParser(&stubTxSource{result: txResult(t, meta)}, rpc.CommitmentConfirmed)

	intent, err := p.Parse(context.Background(), logActivity([]string{"Program log: ray_log: AAAA"}, false))
	require.NoError(t, err)
	require.NotNil(t, intent)

	assert.Equal(t, model.TradeSell, intent.Kind)
	assert.Equal(t, testMint.String(), intent.AssetIn)
	assert.Equal(t, NativeAsset, intent.AssetOut)
	assert.True(t, intent.Amount.Equal(decimal.NewFromInt(50)), "got %s", intent.Amount)
	assert.Equal(t, int32(6), intent.AssetDecimals)
}

func TestParseSellWithoutTokenDeltaIsDiscarded(t *testing.T) {
	meta := &rpc.TransactionMeta{
		PreBalances:  []uint64{1_000_000_000, 0},
		PostBalances: []uint64{1_200_000_000, 0},
	}
	p := NewParser(&stubTxSource{result: txResult(t, meta)}, rpc.CommitmentConfirmed)

	intent, err := p.Parse(context.Background(), logActivity([]string{"Program log: Instruction: Swap"}, false))
	assert.NoError(t, err)
	assert.Nil(t, intent, "unsizeable sell must not produce an intent")
}

func TestParseSkipsWhenTransactionUnavailable(t *testing.T) {
	p := NewParser(&stubTxSource{err: assert.AnError}, rpc.CommitmentConfirmed)

	intent, err := p.Parse(context.Background(), logActivity([]string{"Program log: Instruction: Swap"}, false))
	assert.NoError(t, err)
	assert.Nil(t, intent)
}
