package evm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// NonceManager keeps an optimistic local nonce per sender so retries
// with a bumped gas price replace the stuck transaction instead of
// queueing behind it.
type NonceManager struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
}

func NewNonceManager() *NonceManager {
	return &NonceManager{nonces: make(map[common.Address]uint64)}
}

// Next returns the nonce for the sender's next transaction, fetching
// the pending nonce from the node on first use.
func (m *NonceManager) Next(ctx context.Context, client *ethclient.Client, addr common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if nonce, ok := m.nonces[addr]; ok {
		return nonce, nil
	}

	fetched, err := client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending nonce: %w", err)
	}
	m.nonces[addr] = fetched
	return fetched, nil
}

// Bump advances the local nonce after a successful broadcast.
func (m *NonceManager) Bump(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nonces[addr]; ok {
		m.nonces[addr]++
	}
}

// Reset drops the cached nonce so the next use re-syncs from chain.
// Call after "nonce too low" or "replacement underpriced" rejections.
func (m *NonceManager) Reset(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nonces, addr)
}
