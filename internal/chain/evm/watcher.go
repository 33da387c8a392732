package evm

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/logger"
	"github.com/swapmirror/swapmirror/internal/pkg/metrics"
)

// WalletWatcher pushes every transaction sent by a watched wallet.
// It holds one raw JSON-RPC subscription to newHeads per Watch call
// and scans each block for the wallet's outbound transactions; log
// subscriptions alone cannot see plain native transfers.
type WalletWatcher struct {
	wsURL     string
	adapter   *Adapter
	chainID   *big.Int
	reconnect time.Duration
}

func NewWalletWatcher(wsURL string, adapter *Adapter) *WalletWatcher {
	return &WalletWatcher{
		wsURL:     wsURL,
		adapter:   adapter,
		chainID:   adapter.chainID,
		reconnect: 10 * time.Second,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type headNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

func (w *WalletWatcher) Watch(ctx context.Context, wallet string) (<-chan chain.Activity, error) {
	out := make(chan chain.Activity, 64)

	go func() {
		defer close(out)
		for {
			if err := w.streamOnce(ctx, wallet, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.WatcherReconnects.WithLabelValues(string(model.ChainEVM)).Inc()
				logger.Warn("evm watcher disconnected, reconnecting",
					"wallet", wallet, "error", err.Error())
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.reconnect):
			}
		}
	}()

	return out, nil
}

func (w *WalletWatcher) streamOnce(ctx context.Context, wallet string, out chan<- chain.Activity) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Drop the read loop when the context goes away.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sub := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []any{"newHeads"}}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var head headNotification
		if err := json.Unmarshal(msg, &head); err != nil || head.Method != "eth_subscription" {
			continue // subscription ack or unrelated frame
		}
		number, err := hexutil.DecodeBig(head.Params.Result.Number)
		if err != nil {
			continue
		}
		w.scanBlock(ctx, wallet, number, out)
	}
}

func (w *WalletWatcher) scanBlock(ctx context.Context, wallet string, number *big.Int, out chan<- chain.Activity) {
	client, err := w.adapter.client()
	if err != nil {
		return
	}
	block, err := client.BlockByNumber(ctx, number)
	if err != nil {
		w.adapter.RotateEndpoint()
		return
	}

	signer := types.LatestSignerForChainID(w.chainID)
	for _, tx := range block.Transactions() {
		from, err := types.Sender(signer, tx)
		if err != nil {
			continue
		}
		if !strings.EqualFold(from.Hex(), wallet) {
			continue
		}
		act := chain.Activity{
			Chain:      model.ChainEVM,
			Wallet:     wallet,
			Reference:  tx.Hash().Hex(),
			Raw:        tx,
			ObservedAt: time.Now(),
		}
		select {
		case out <- act:
		case <-ctx.Done():
			return
		}
	}
}
