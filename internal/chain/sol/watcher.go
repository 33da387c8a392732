package sol

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
	"github.com/swapmirror/swapmirror/internal/pkg/logger"
	"github.com/swapmirror/swapmirror/internal/pkg/metrics"
)

// WalletWatcher delivers log notifications that mention a watched
// wallet. One subscription per Watch call; on a dropped connection it
// reconnects with a fixed interval and keeps feeding the same channel.
type WalletWatcher struct {
	wsURL      string
	commitment rpc.CommitmentType
	reconnect  time.Duration
}

func NewWalletWatcher(wsURL string, commitment rpc.CommitmentType) *WalletWatcher {
	return &WalletWatcher{
		wsURL:      wsURL,
		commitment: commitment,
		reconnect:  10 * time.Second,
	}
}

func (w *WalletWatcher) Watch(ctx context.Context, wallet string) (<-chan chain.Activity, error) {
	pub, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidAddress, "wallet is not a valid address", err)
	}

	out := make(chan chain.Activity, 64)

	go func() {
		defer close(out)
		for {
			if err := w.streamOnce(ctx, pub, wallet, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.WatcherReconnects.WithLabelValues(string(model.ChainSolana)).Inc()
				logger.Warn("solana watcher disconnected, reconnecting",
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

func (w *WalletWatcher) streamOnce(ctx context.Context, pub solana.PublicKey, wallet string, out chan<- chain.Activity) error {
	client, err := ws.Connect(ctx, w.wsURL)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.LogsSubscribeMentions(pub, w.commitment)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		notification, err := sub.Recv(ctx)
		if err != nil {
			return err
		}
		if notification == nil {
			continue
		}
		act := chain.Activity{
			Chain:      model.ChainSolana,
			Wallet:     wallet,
			Reference:  notification.Value.Signature.String(),
			Raw:        notification,
			ObservedAt: time.Now(),
		}
		select {
		case out <- act:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
