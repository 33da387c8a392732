package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/config"
	"github.com/swapmirror/swapmirror/internal/custody"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
	"github.com/swapmirror/swapmirror/internal/quoting"
)

// NativeAsset is the asset identifier for the chain's native coin in
// quote requests.
const NativeAsset = "native"

const swapDeadline = 20 * time.Minute

// txPayload is the executable material behind a chain.UnsignedTx.
type txPayload struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

type Adapter struct {
	cfg       config.EVMConfig
	quoter    quoting.Service
	endpoints *chain.Endpoints
	chainID   *big.Int
	nonces    *NonceManager

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

func NewAdapter(cfg config.EVMConfig, quoter quoting.Service) *Adapter {
	return &Adapter{
		cfg:       cfg,
		quoter:    quoter,
		endpoints: chain.NewEndpoints(cfg.RPCEndpoints),
		chainID:   big.NewInt(cfg.ChainID),
		nonces:    NewNonceManager(),
		clients:   make(map[string]*ethclient.Client),
	}
}

func (a *Adapter) Name() model.Chain { return model.ChainEVM }

// client returns a cached connection to the current endpoint, dialing
// lazily so a dead endpoint only costs us when it is actually selected.
func (a *Adapter) client() (*ethclient.Client, error) {
	url := a.endpoints.Current()
	if url == "" {
		return nil, apperrors.New(apperrors.ErrInternal, "no rpc endpoints configured", nil)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[url]; ok {
		return c, nil
	}
	c, err := ethclient.Dial(url)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "failed to connect to rpc endpoint", err)
	}
	a.clients[url] = c
	return c, nil
}

func (a *Adapter) RotateEndpoint() {
	a.endpoints.Rotate()
}

// TransactionReceipt satisfies the parser's ReceiptSource.
func (a *Adapter) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	return client.TransactionReceipt(ctx, hash)
}

func (a *Adapter) ValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

func (a *Adapter) GetQuote(ctx context.Context, inputAsset, outputAsset string, amount *big.Int, maxSlippageBps int) (*model.Quote, error) {
	return a.quoter.Quote(ctx, model.ChainEVM, inputAsset, outputAsset, amount, maxSlippageBps)
}

func (a *Adapter) BuildSwap(ctx context.Context, quote *model.Quote, minOutput *big.Int, recipient string) (*chain.UnsignedTx, error) {
	if quote.Expired(time.Now()) {
		return nil, apperrors.New(apperrors.ErrInvalidRequest, "quote expired, re-quote before building", nil)
	}
	if !common.IsHexAddress(recipient) {
		return nil, apperrors.New(apperrors.ErrInvalidAddress, "recipient is not a valid address", nil)
	}

	payload, err := a.quoter.BuildSwapTx(ctx, quote, minOutput, recipient)
	if err != nil {
		return nil, err
	}

	data, err := hexutil.Decode(payload.Data)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "aggregator returned malformed calldata", err)
	}

	value := new(big.Int)
	if payload.Value != "" {
		raw, base := payload.Value, 10
		if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
			raw, base = raw[2:], 16
		}
		if _, ok := value.SetString(raw, base); !ok {
			return nil, apperrors.New(apperrors.ErrUpstream, "aggregator returned malformed value", nil)
		}
	}

	return &chain.UnsignedTx{
		Chain: model.ChainEVM,
		Payload: &txPayload{
			To:    common.HexToAddress(payload.To),
			Data:  data,
			Value: value,
		},
		Value:    value,
		Deadline: time.Now().Add(swapDeadline),
	}, nil
}

func (a *Adapter) EstimateCost(ctx context.Context, tx *chain.UnsignedTx, tier model.CostTier) (*model.CostEstimate, error) {
	p, ok := tx.Payload.(*txPayload)
	if !ok {
		return nil, apperrors.New(apperrors.ErrInternal, "unexpected payload type for evm tx", nil)
	}

	base := a.gasPrice(ctx)

	var limit uint64
	var price *big.Int
	switch tier {
	case model.TierPrecise:
		client, err := a.client()
		if err != nil {
			return nil, err
		}
		gas, err := client.EstimateGas(ctx, ethereum.CallMsg{
			To:    &p.To,
			Data:  p.Data,
			Value: p.Value,
		})
		if err != nil {
			return nil, apperrors.New(apperrors.ErrUpstream, "gas simulation failed", err)
		}
		limit = gas * 2
		if limit < a.cfg.MinGasLimit {
			limit = a.cfg.MinGasLimit
		}
		price = scale(base, 120)
	case model.TierConservative:
		limit = a.cfg.ConservativeGas
		price = scale(base, 130)
	case model.TierEmergency:
		limit = a.cfg.EmergencyGas
		price = scale(base, 150)
	default:
		return nil, apperrors.New(apperrors.ErrInternal, fmt.Sprintf("unknown cost tier %q", tier), nil)
	}

	total := new(big.Int).Mul(price, new(big.Int).SetUint64(limit))
	return &model.CostEstimate{
		Tier:          tier,
		ResourceLimit: limit,
		UnitPrice:     price,
		TotalCost:     total,
	}, nil
}

// gasPrice asks the node, falling back to the configured price so the
// conservative and emergency tiers still work on a flaky endpoint.
func (a *Adapter) gasPrice(ctx context.Context) *big.Int {
	if client, err := a.client(); err == nil {
		if price, err := client.SuggestGasPrice(ctx); err == nil && price.Sign() > 0 {
			return price
		}
	}
	return big.NewInt(a.cfg.FallbackGasPrice)
}

func (a *Adapter) Submit(ctx context.Context, tx *chain.UnsignedTx, signer *custody.Signer, cost *model.CostEstimate) (string, error) {
	p, ok := tx.Payload.(*txPayload)
	if !ok {
		return "", apperrors.New(apperrors.ErrInternal, "unexpected payload type for evm tx", nil)
	}
	if !tx.Deadline.IsZero() && time.Now().After(tx.Deadline) {
		return "", apperrors.New(apperrors.ErrInvalidRequest, "transaction past its freshness deadline", nil)
	}

	client, err := a.client()
	if err != nil {
		return "", err
	}

	from := common.HexToAddress(signer.Address())

	// Pre-flight: never broadcast a transaction we can see failing.
	balance, err := client.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", apperrors.New(apperrors.ErrUpstream, "balance lookup failed", err)
	}
	need := new(big.Int).Add(tx.Value, cost.TotalCost)
	if balance.Cmp(need) < 0 {
		return "", apperrors.New(apperrors.ErrInsufficientFunds,
			fmt.Sprintf("balance %s below required %s", balance, need), nil)
	}

	nonce, err := a.nonces.Next(ctx, client, from)
	if err != nil {
		return "", apperrors.New(apperrors.ErrUpstream, "nonce fetch failed", err)
	}

	raw := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: cost.UnitPrice,
		Gas:      cost.ResourceLimit,
		To:       &p.To,
		Value:    p.Value,
		Data:     p.Data,
	})

	signed, err := types.SignTx(raw, types.LatestSignerForChainID(a.chainID), signer.EVMKey())
	if err != nil {
		return "", apperrors.New(apperrors.ErrInternal, "transaction signing failed", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", classifySendError(err, a.nonces, from)
	}

	a.nonces.Bump(from)
	return signed.Hash().Hex(), nil
}

func classifySendError(err error, nonces *NonceManager, from common.Address) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return apperrors.New(apperrors.ErrInsufficientFunds, "node rejected: insufficient funds", err)
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "replacement transaction underpriced"):
		nonces.Reset(from)
		return apperrors.New(apperrors.ErrUpstream, "nonce conflict, re-synced", err)
	}
	return apperrors.New(apperrors.ErrUpstream, "broadcast failed", err)
}

func (a *Adapter) AwaitConfirmation(ctx context.Context, reference string, confirmations int) (*chain.ConfirmationResult, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	if confirmations < 1 {
		confirmations = a.cfg.Confirmations
		if confirmations < 1 {
			confirmations = 1
		}
	}
	if a.cfg.ConfirmTimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.ConfirmTimeoutS)*time.Second)
		defer cancel()
	}

	hash := common.HexToHash(reference)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return &chain.ConfirmationResult{
					Reference:   reference,
					Reverted:    true,
					BlockHeight: receipt.BlockNumber.Uint64(),
				}, apperrors.New(apperrors.ErrTransactionReverted, "transaction reverted on-chain", nil)
			}

			head, err := client.BlockNumber(ctx)
			if err == nil && head-receipt.BlockNumber.Uint64()+1 >= uint64(confirmations) {
				return &chain.ConfirmationResult{
					Reference:   reference,
					Confirmed:   true,
					BlockHeight: receipt.BlockNumber.Uint64(),
				}, nil
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
	return client.BalanceAt(ctx, common.HexToAddress(owner), nil)
}

func (a *Adapter) Transfer(ctx context.Context, signer *custody.Signer, recipient string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(recipient) {
		return "", apperrors.New(apperrors.ErrInvalidAddress, "transfer recipient is not a valid address", nil)
	}
	client, err := a.client()
	if err != nil {
		return "", err
	}

	from := common.HexToAddress(signer.Address())
	price := a.gasPrice(ctx)
	const transferGas = 21000
	cost := new(big.Int).Mul(price, big.NewInt(transferGas))

	balance, err := client.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", apperrors.New(apperrors.ErrUpstream, "balance lookup failed", err)
	}
	if balance.Cmp(new(big.Int).Add(amount, cost)) < 0 {
		return "", apperrors.New(apperrors.ErrInsufficientFunds, "balance cannot cover transfer plus gas", nil)
	}

	nonce, err := a.nonces.Next(ctx, client, from)
	if err != nil {
		return "", apperrors.New(apperrors.ErrUpstream, "nonce fetch failed", err)
	}

	to := common.HexToAddress(recipient)
	raw := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      transferGas,
		To:       &to,
		Value:    amount,
	})
	signed, err := types.SignTx(raw, types.LatestSignerForChainID(a.chainID), signer.EVMKey())
	if err != nil {
		return "", apperrors.New(apperrors.ErrInternal, "transaction signing failed", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", classifySendError(err, a.nonces, from)
	}
	a.nonces.Bump(from)
	return signed.Hash().Hex(), nil
}

// scale returns price * pct / 100.
func scale(price *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(price, big.NewInt(pct))
	return out.Div(out, big.NewInt(100))
}
