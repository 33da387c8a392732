package mirror

import (
	"context"
	"fmt"
	"sync"

	"github.com/swapmirror/swapmirror/internal/chain"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/logger"
)

// Dispatch receives parsed intents for a target. Implementations must
// return quickly; per-follower execution is scheduled off the
// delivery path.
type Dispatch interface {
	Dispatch(target string, intent *model.TradeIntent)
}

// WatchManager runs one consumer goroutine per monitored wallet per
// chain. Detaching cancels the subscription but not any mirror
// execution already handed to the dispatcher.
type WatchManager struct {
	base       context.Context
	watchers   map[model.Chain]chain.Watcher
	parsers    map[model.Chain]chain.IntentParser
	dispatcher Dispatch

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewWatchManager(base context.Context, watchers map[model.Chain]chain.Watcher, parsers map[model.Chain]chain.IntentParser, dispatcher Dispatch) *WatchManager {
	return &WatchManager{
		base:       base,
		watchers:   watchers,
		parsers:    parsers,
		dispatcher: dispatcher,
		cancels:    make(map[string]context.CancelFunc),
	}
}

func (m *WatchManager) Attach(target string, c model.Chain) error {
	watcher, ok := m.watchers[c]
	if !ok {
		return fmt.Errorf("no watcher for chain %q", c)
	}

	key := targetKey(c, target)
	m.mu.Lock()
	if _, exists := m.cancels[key]; exists {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(m.base)
	m.cancels[key] = cancel
	m.mu.Unlock()

	activity, err := watcher.Watch(ctx, target)
	if err != nil {
		m.mu.Lock()
		delete(m.cancels, key)
		m.mu.Unlock()
		cancel()
		return err
	}

	go m.consume(ctx, c, target, activity)
	logger.Info("activity watcher attached", "target", target, "chain", c)
	return nil
}

func (m *WatchManager) Detach(target string, c model.Chain) {
	key := targetKey(c, target)
	m.mu.Lock()
	cancel, ok := m.cancels[key]
	if ok {
		delete(m.cancels, key)
	}
	m.mu.Unlock()
	if ok {
		cancel()
		logger.Info("activity watcher detached", "target", target, "chain", c)
	}
}

// Close detaches every watcher; used on shutdown.
func (m *WatchManager) Close() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for key, cancel := range m.cancels {
		cancels = append(cancels, cancel)
		delete(m.cancels, key)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (m *WatchManager) consume(ctx context.Context, c model.Chain, target string, activity <-chan chain.Activity) {
	parser := m.parsers[c]
	for act := range activity {
		if parser == nil {
			continue
		}
		intent, err := parser.Parse(ctx, act)
		if err != nil {
			logger.Debug("activity parse error, ignored",
				"target", target, "reference", act.Reference, "error", err.Error())
			continue
		}
		if intent == nil {
			continue // not a trade we recognize; by design not an error
		}
		logger.Info("trade intent observed",
			"target", target, "chain", c, "kind", intent.Kind,
			"amount", intent.Amount.String(), "confidence", intent.Confidence,
			"reference", intent.OriginRef)
		m.dispatcher.Dispatch(target, intent)
	}
}
