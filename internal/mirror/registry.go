package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
	"github.com/swapmirror/swapmirror/internal/pkg/logger"
	"github.com/swapmirror/swapmirror/internal/service"
)

// Store is the persistence collaborator for mirror state. Records are
// opaque structured values to the engine; the repository package owns
// their durable shape.
type Store interface {
	SaveConfig(ctx context.Context, cfg *model.MirrorConfig) error
	DeleteConfig(ctx context.Context, followerID string) error
	GetConfig(ctx context.Context, followerID string) (*model.MirrorConfig, error)
	ListConfigs(ctx context.Context) ([]*model.MirrorConfig, error)
	RecordOutcome(ctx context.Context, outcome *model.MirrorOutcome) error
	RecentOutcomes(ctx context.Context, followerID string, limit int) ([]*model.MirrorOutcome, error)
}

// WatcherControl attaches/detaches the per-wallet activity
// subscription as targets gain their first or lose their last
// follower.
type WatcherControl interface {
	Attach(target string, c model.Chain) error
	Detach(target string, c model.Chain)
}

// Registry is the bidirectional subscription index. The two maps are
// only ever mutated together under one mutex so follower→config and
// target→followers can never disagree.
type Registry struct {
	mu         sync.Mutex
	byFollower map[string]*model.MirrorConfig
	byTarget   map[string]map[string]struct{} // chain|wallet → follower set

	validators map[model.Chain]func(string) bool
	store      Store
	gate       service.Gate
	watch      WatcherControl
}

func NewRegistry(store Store, gate service.Gate, validators map[model.Chain]func(string) bool) *Registry {
	return &Registry{
		byFollower: make(map[string]*model.MirrorConfig),
		byTarget:   make(map[string]map[string]struct{}),
		validators: validators,
		store:      store,
		gate:       gate,
	}
}

// SetWatcherControl breaks the construction cycle with the watch
// manager; must be called before the first Subscribe.
func (r *Registry) SetWatcherControl(w WatcherControl) {
	r.watch = w
}

func targetKey(c model.Chain, wallet string) string {
	return string(c) + "|" + wallet
}

func (r *Registry) validate(cfg *model.MirrorConfig) error {
	hundred := decimal.NewFromInt(100)
	if cfg.CopyPercentage.LessThanOrEqual(decimal.Zero) || cfg.CopyPercentage.GreaterThan(hundred) {
		return apperrors.New(apperrors.ErrInvalidRequest, "copy percentage must be in (0, 100]", nil)
	}
	if cfg.SlippageBps < 0 || cfg.SlippageBps >= 10000 {
		return apperrors.New(apperrors.ErrInvalidRequest, "slippage bps must be in [0, 10000)", nil)
	}
	valid, ok := r.validators[cfg.Chain]
	if !ok {
		return apperrors.New(apperrors.ErrInvalidRequest, fmt.Sprintf("unsupported chain %q", cfg.Chain), nil)
	}
	if !valid(cfg.TargetWallet) {
		return apperrors.New(apperrors.ErrInvalidAddress, "target wallet matches no supported address grammar", nil)
	}
	return nil
}

// Subscribe registers a follower's mirroring policy, indexes the
// target, and attaches a watcher when the target gains its first
// follower.
func (r *Registry) Subscribe(ctx context.Context, cfg *model.MirrorConfig) (*model.MirrorConfig, error) {
	if err := r.validate(cfg); err != nil {
		return nil, err
	}
	if r.gate != nil {
		if err := r.gate.CheckLimit(ctx, cfg.FollowerID, service.ActionSubscribe, decimal.Zero); err != nil {
			return nil, err
		}
	}

	cfg.Active = true
	cfg.StartedAt = time.Now()

	r.mu.Lock()
	if _, exists := r.byFollower[cfg.FollowerID]; exists {
		r.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrAlreadySubscribed, "follower already has an active mirror config", nil)
	}

	key := targetKey(cfg.Chain, cfg.TargetWallet)
	set, exists := r.byTarget[key]
	if !exists {
		set = make(map[string]struct{})
		r.byTarget[key] = set
	}
	set[cfg.FollowerID] = struct{}{}
	clone := *cfg
	r.byFollower[cfg.FollowerID] = &clone
	firstFollower := len(set) == 1
	r.mu.Unlock()

	if err := r.store.SaveConfig(ctx, cfg); err != nil {
		r.rollback(cfg.FollowerID, key)
		return nil, apperrors.Wrap(err)
	}

	if firstFollower && r.watch != nil {
		if err := r.watch.Attach(cfg.TargetWallet, cfg.Chain); err != nil {
			r.rollback(cfg.FollowerID, key)
			_ = r.store.DeleteConfig(ctx, cfg.FollowerID)
			return nil, apperrors.Wrap(err)
		}
	}

	logger.Info("mirror subscription added",
		"follower", cfg.FollowerID, "target", cfg.TargetWallet, "chain", cfg.Chain)
	out := *cfg
	return &out, nil
}

func (r *Registry) rollback(followerID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byFollower, followerID)
	if set, ok := r.byTarget[key]; ok {
		delete(set, followerID)
		if len(set) == 0 {
			delete(r.byTarget, key)
		}
	}
}

// Unsubscribe removes the follower from both indices and detaches the
// watcher when the target's follower set empties. An in-flight mirror
// execution is not cancelled; it runs to its terminal outcome.
func (r *Registry) Unsubscribe(ctx context.Context, followerID string) bool {
	r.mu.Lock()
	cfg, ok := r.byFollower[followerID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byFollower, followerID)

	key := targetKey(cfg.Chain, cfg.TargetWallet)
	lastFollower := false
	if set, exists := r.byTarget[key]; exists {
		delete(set, followerID)
		if len(set) == 0 {
			delete(r.byTarget, key)
			lastFollower = true
		}
	}
	r.mu.Unlock()

	if lastFollower && r.watch != nil {
		r.watch.Detach(cfg.TargetWallet, cfg.Chain)
	}
	_ = r.store.DeleteConfig(ctx, followerID)

	logger.Info("mirror subscription removed", "follower", followerID, "target", cfg.TargetWallet)
	return true
}

func (r *Registry) Get(followerID string) (*model.MirrorConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.byFollower[followerID]
	if !ok {
		return nil, false
	}
	clone := *cfg
	return &clone, true
}

// Patch applies a partial update to an existing config.
func (r *Registry) Patch(ctx context.Context, followerID string, patch model.MirrorPatch) (*model.MirrorConfig, error) {
	r.mu.Lock()
	cfg, ok := r.byFollower[followerID]
	if !ok {
		r.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrNotSubscribed, "no active mirror config for follower", nil)
	}

	updated := *cfg
	if patch.CopyPercentage != nil {
		updated.CopyPercentage = *patch.CopyPercentage
	}
	if patch.MaxAmountPerTrade != nil {
		updated.MaxAmountPerTrade = *patch.MaxAmountPerTrade
	}
	if patch.EnabledAssets != nil {
		updated.EnabledAssets = patch.EnabledAssets
	}
	if patch.SlippageBps != nil {
		updated.SlippageBps = *patch.SlippageBps
	}
	if patch.Active != nil {
		updated.Active = *patch.Active
	}
	r.mu.Unlock()

	if err := r.validate(&updated); err != nil {
		return nil, err
	}

	// Re-check under the lock: an Unsubscribe may have raced the
	// unlocked validation, and persisting a removed config would
	// resurrect it on the next Restore. SaveConfig stays inside the
	// critical section so it orders against Unsubscribe's index
	// removal.
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byFollower[followerID]; !ok || cur != cfg {
		return nil, apperrors.New(apperrors.ErrNotSubscribed, "subscription removed while updating", nil)
	}
	if err := r.store.SaveConfig(ctx, &updated); err != nil {
		return nil, apperrors.Wrap(err)
	}
	*cfg = updated
	out := updated
	return &out, nil
}

// FollowersOf snapshots the configs of every follower mirroring the
// target. Safe to iterate without holding the registry lock.
func (r *Registry) FollowersOf(c model.Chain, target string) []*model.MirrorConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byTarget[targetKey(c, target)]
	if !ok {
		return nil
	}
	out := make([]*model.MirrorConfig, 0, len(set))
	for followerID := range set {
		if cfg, exists := r.byFollower[followerID]; exists {
			clone := *cfg
			out = append(out, &clone)
		}
	}
	return out
}

// Counts returns (followers, targets) currently indexed.
func (r *Registry) Counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byFollower), len(r.byTarget)
}

// Restore rebuilds the in-memory indices from the persistence
// collaborator on startup and re-attaches watchers.
func (r *Registry) Restore(ctx context.Context) error {
	configs, err := r.store.ListConfigs(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		r.mu.Lock()
		key := targetKey(cfg.Chain, cfg.TargetWallet)
		set, exists := r.byTarget[key]
		if !exists {
			set = make(map[string]struct{})
			r.byTarget[key] = set
		}
		set[cfg.FollowerID] = struct{}{}
		clone := *cfg
		r.byFollower[cfg.FollowerID] = &clone
		first := len(set) == 1
		r.mu.Unlock()

		if first && r.watch != nil {
			if err := r.watch.Attach(cfg.TargetWallet, cfg.Chain); err != nil {
				logger.Error("failed to re-attach watcher on restore",
					"target", cfg.TargetWallet, "chain", cfg.Chain, "error", err.Error())
			}
		}
	}
	logger.Info("mirror registry restored", "configs", len(configs))
	return nil
}
