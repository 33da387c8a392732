package sol

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/config"
	"github.com/swapmirror/swapmirror/internal/custody"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
	"github.com/swapmirror/swapmirror/internal/quoting"
)

// NativeAsset is the asset identifier for SOL in quote requests.
const NativeAsset = "SOL"

const swapDeadline = 2 * time.Minute // blockhash freshness, much tighter than gas-market chains

var computeBudgetProgram = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

type txPayload struct {
	Tx *solana.Transaction
}

type Adapter struct {
	cfg       config.SolanaConfig
	quoter    quoting.Service
	endpoints *chain.Endpoints

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

func NewAdapter(cfg config.SolanaConfig, quoter quoting.Service) *Adapter {
	return &Adapter{
		cfg:       cfg,
		quoter:    quoter,
		endpoints: chain.NewEndpoints(cfg.RPCEndpoints),
		clients:   make(map[string]*rpc.Client),
	}
}

func (a *Adapter) Name() model.Chain { return model.ChainSolana }

func (a *Adapter) client() (*rpc.Client, error) {
	url := a.endpoints.Current()
	if url == "" {
		return nil, apperrors.New(apperrors.ErrInternal, "no rpc endpoints configured", nil)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[url]; ok {
		return c, nil
	}
	c := rpc.New(url)
	a.clients[url] = c
	return c, nil
}

func (a *Adapter) RotateEndpoint() {
	a.endpoints.Rotate()
}

// GetTransaction satisfies the parser's TxSource.
func (a *Adapter) GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	return client.GetTransaction(ctx, sig, opts)
}

// Commitment exposes the configured commitment level for collaborators
// that subscribe or fetch on their own connections.
func (a *Adapter) Commitment() rpc.CommitmentType {
	return a.commitment()
}

func (a *Adapter) ValidAddress(addr string) bool {
	raw, err := base58.Decode(addr)
	return err == nil && len(raw) == 32
}

func (a *Adapter) commitment() rpc.CommitmentType {
	switch a.cfg.Commitment {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

func (a *Adapter) GetQuote(ctx context.Context, inputAsset, outputAsset string, amount *big.Int, maxSlippageBps int) (*model.Quote, error) {
	return a.quoter.Quote(ctx, model.ChainSolana, inputAsset, outputAsset, amount, maxSlippageBps)
}

func (a *Adapter) BuildSwap(ctx context.Context, quote *model.Quote, minOutput *big.Int, recipient string) (*chain.UnsignedTx, error) {
	if quote.Expired(time.Now()) {
		return nil, apperrors.New(apperrors.ErrInvalidRequest, "quote expired, re-quote before building", nil)
	}
	if !a.ValidAddress(recipient) {
		return nil, apperrors.New(apperrors.ErrInvalidAddress, "recipient is not a valid address", nil)
	}

	payload, err := a.quoter.BuildSwapTx(ctx, quote, minOutput, recipient)
	if err != nil {
		return nil, err
	}
	if payload.TxBase64 == "" {
		return nil, apperrors.New(apperrors.ErrUpstream, "aggregator returned no transaction", nil)
	}

	tx, err := solana.TransactionFromBase64(payload.TxBase64)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "aggregator returned undecodable transaction", err)
	}

	value := big.NewInt(0)
	if quote.InputAsset == NativeAsset {
		value = new(big.Int).Set(quote.InputAmount)
	}

	return &chain.UnsignedTx{
		Chain:    model.ChainSolana,
		Payload:  &txPayload{Tx: tx},
		Value:    value,
		Deadline: time.Now().Add(swapDeadline),
	}, nil
}

func (a *Adapter) EstimateCost(ctx context.Context, tx *chain.UnsignedTx, tier model.CostTier) (*model.CostEstimate, error) {
	p, ok := tx.Payload.(*txPayload)
	if !ok {
		return nil, apperrors.New(apperrors.ErrInternal, "unexpected payload type for solana tx", nil)
	}

	base := a.priorityFee(ctx)

	var limit uint64
	var price uint64
	switch tier {
	case model.TierPrecise:
		client, err := a.client()
		if err != nil {
			return nil, err
		}
		sim, err := client.SimulateTransaction(ctx, p.Tx)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrUpstream, "simulation failed", err)
		}
		if sim.Value == nil || sim.Value.Err != nil || sim.Value.UnitsConsumed == nil {
			return nil, apperrors.New(apperrors.ErrUpstream, "simulation returned no usable budget", nil)
		}
		limit = *sim.Value.UnitsConsumed * 2
		if limit < a.cfg.MinComputeUnits {
			limit = a.cfg.MinComputeUnits
		}
		price = base * 120 / 100
	case model.TierConservative:
		limit = a.cfg.ConservativeCU
		price = base * 130 / 100
	case model.TierEmergency:
		limit = a.cfg.EmergencyCU
		price = base * 150 / 100
	default:
		return nil, apperrors.New(apperrors.ErrInternal, fmt.Sprintf("unknown cost tier %q", tier), nil)
	}

	unitPrice := new(big.Int).SetUint64(price)
	// price is micro-lamports per CU; total priority cost plus the base signature fee
	total := new(big.Int).SetUint64(price * limit / 1_000_000)
	total.Add(total, big.NewInt(5000))

	return &model.CostEstimate{
		Tier:          tier,
		ResourceLimit: limit,
		UnitPrice:     unitPrice,
		TotalCost:     total,
	}, nil
}

func (a *Adapter) priorityFee(ctx context.Context) uint64 {
	client, err := a.client()
	if err != nil {
		return a.cfg.FallbackFeeMicro
	}
	fees, err := client.GetRecentPrioritizationFees(ctx, nil)
	if err != nil || len(fees) == 0 {
		return a.cfg.FallbackFeeMicro
	}
	var max uint64
	for _, f := range fees {
		if f.PrioritizationFee > max {
			max = f.PrioritizationFee
		}
	}
	if max == 0 {
		return a.cfg.FallbackFeeMicro
	}
	return max
}

func (a *Adapter) Submit(ctx context.Context, tx *chain.UnsignedTx, signer *custody.Signer, cost *model.CostEstimate) (string, error) {
	p, ok := tx.Payload.(*txPayload)
	if !ok {
		return "", apperrors.New(apperrors.ErrInternal, "unexpected payload type for solana tx", nil)
	}
	if !tx.Deadline.IsZero() && time.Now().After(tx.Deadline) {
		return "", apperrors.New(apperrors.ErrInvalidRequest, "transaction past its freshness deadline", nil)
	}

	client, err := a.client()
	if err != nil {
		return "", err
	}

	owner := signer.SolanaKey().PublicKey()

	balance, err := client.GetBalance(ctx, owner, a.commitment())
	if err != nil {
		return "", apperrors.New(apperrors.ErrUpstream, "balance lookup failed", err)
	}
	need := new(big.Int).Add(tx.Value, cost.TotalCost)
	if new(big.Int).SetUint64(balance.Value).Cmp(need) < 0 {
		return "", apperrors.New(apperrors.ErrInsufficientFunds,
			fmt.Sprintf("balance %d below required %s", balance.Value, need), nil)
	}

	patchComputeUnitPrice(p.Tx, cost.UnitPrice.Uint64())

	// Refresh the blockhash on every attempt; a retried transaction
	// with a stale hash is dropped silently by the cluster.
	latest, err := client.GetLatestBlockhash(ctx, a.commitment())
	if err != nil {
		return "", apperrors.New(apperrors.ErrUpstream, "blockhash fetch failed", err)
	}
	p.Tx.Message.RecentBlockhash = latest.Value.Blockhash
	p.Tx.Signatures = nil

	key := signer.SolanaKey()
	if _, err := p.Tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(owner) {
			return &key
		}
		return nil
	}); err != nil {
		return "", apperrors.New(apperrors.ErrInternal, "transaction signing failed", err)
	}

	sig, err := client.SendTransactionWithOpts(ctx, p.Tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: a.commitment(),
	})
	if err != nil {
		return "", classifySendError(err)
	}
	return sig.String(), nil
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient lamports") || strings.Contains(msg, "insufficient funds") {
		return apperrors.New(apperrors.ErrInsufficientFunds, "node rejected: insufficient funds", err)
	}
	return apperrors.New(apperrors.ErrUpstream, "broadcast failed", err)
}

// patchComputeUnitPrice rewrites the SetComputeUnitPrice instruction
// in place, or prepends one when the aggregator left it out, so every
// attempt carries the intended priority fee.
func patchComputeUnitPrice(tx *solana.Transaction, microLamports uint64) {
	msg := &tx.Message
	for i, ix := range msg.Instructions {
		if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
			continue
		}
		if !msg.AccountKeys[ix.ProgramIDIndex].Equals(computeBudgetProgram) {
			continue
		}
		// discriminator 3 = SetComputeUnitPrice(u64)
		if len(ix.Data) == 9 && ix.Data[0] == 3 {
			binary.LittleEndian.PutUint64(msg.Instructions[i].Data[1:], microLamports)
			return
		}
	}

	// Aggregators don't always set a price. Appending a static key to
	// a transaction with address table lookups would shift the
	// loaded-address indices, so those go out as built.
	if len(msg.AddressTableLookups) > 0 {
		return
	}
	program := -1
	for i, key := range msg.AccountKeys {
		if key.Equals(computeBudgetProgram) {
			program = i
			break
		}
	}
	if program < 0 {
		msg.AccountKeys = append(msg.AccountKeys, computeBudgetProgram)
		msg.Header.NumReadonlyUnsignedAccounts++
		program = len(msg.AccountKeys) - 1
	}
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	msg.Instructions = append([]solana.CompiledInstruction{{
		ProgramIDIndex: uint16(program),
		Data:           solana.Base58(data),
	}}, msg.Instructions...)
}

func (a *Adapter) AwaitConfirmation(ctx context.Context, reference string, confirmations int) (*chain.ConfirmationResult, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	sig, err := solana.SignatureFromBase58(reference)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidRequest, "malformed transaction reference", err)
	}

	want := rpc.ConfirmationStatusConfirmed
	if a.cfg.Commitment == "finalized" || confirmations > 1 {
		want = rpc.ConfirmationStatusFinalized
	}
	if a.cfg.ConfirmTimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.ConfirmTimeoutS)*time.Second)
		defer cancel()
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		statuses, err := client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			st := statuses.Value[0]
			if st.Err != nil {
				return &chain.ConfirmationResult{Reference: reference, Reverted: true},
					apperrors.New(apperrors.ErrTransactionReverted, "transaction failed on-chain", nil)
			}
			if st.ConfirmationStatus == want || st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				slot := uint64(st.Slot)
				return &chain.ConfirmationResult{Reference: reference, Confirmed: true, BlockHeight: slot}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.New(apperrors.ErrConfirmationTimeout, "confirmation wait exceeded bound", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *Adapter) Balance(ctx context.Context, owner string) (*big.Int, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	pub, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidAddress, "owner is not a valid address", err)
	}
	balance, err := client.GetBalance(ctx, pub, a.commitment())
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "balance lookup failed", err)
	}
	return new(big.Int).SetUint64(balance.Value), nil
}

func (a *Adapter) Transfer(ctx context.Context, signer *custody.Signer, recipient string, amount *big.Int) (string, error) {
	if !a.ValidAddress(recipient) {
		return "", apperrors.New(apperrors.ErrInvalidAddress, "transfer recipient is not a valid address", nil)
	}
	client, err := a.client()
	if err != nil {
		return "", err
	}

	key := signer.SolanaKey()
	from := key.PublicKey()
	to := solana.MustPublicKeyFromBase58(recipient)
	lamports := amount.Uint64()

	balance, err := client.GetBalance(ctx, from, a.commitment())
	if err != nil {
		return "", apperrors.New(apperrors.ErrUpstream, "balance lookup failed", err)
	}
	if balance.Value < lamports+5000 {
		return "", apperrors.New(apperrors.ErrInsufficientFunds, "balance cannot cover transfer plus fee", nil)
	}

	latest, err := client.GetLatestBlockhash(ctx, a.commitment())
	if err != nil {
		return "", apperrors.New(apperrors.ErrUpstream, "blockhash fetch failed", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, from, to).Build(),
		},
		latest.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return "", apperrors.New(apperrors.ErrInternal, "transfer build failed", err)
	}

	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(from) {
			return &key
		}
		return nil
	}); err != nil {
		return "", apperrors.New(apperrors.ErrInternal, "transaction signing failed", err)
	}

	sig, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: a.commitment()})
	if err != nil {
		return "", classifySendError(err)
	}
	return sig.String(), nil
}
