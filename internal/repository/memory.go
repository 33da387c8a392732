package repository

import (
	"context"
	"sync"

	"github.com/swapmirror/swapmirror/internal/model"
)

// MemoryMirrorStore is the fallback persistence collaborator used
// when no database is configured. Same semantics, nothing survives a
// restart.
type MemoryMirrorStore struct {
	mu       sync.RWMutex
	configs  map[string]*model.MirrorConfig
	outcomes []*model.MirrorOutcome
}

func NewMemoryMirrorStore() *MemoryMirrorStore {
	return &MemoryMirrorStore{configs: make(map[string]*model.MirrorConfig)}
}

func (s *MemoryMirrorStore) SaveConfig(ctx context.Context, cfg *model.MirrorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cfg
	s.configs[cfg.FollowerID] = &clone
	return nil
}

func (s *MemoryMirrorStore) DeleteConfig(ctx context.Context, followerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, followerID)
	return nil
}

func (s *MemoryMirrorStore) GetConfig(ctx context.Context, followerID string) (*model.MirrorConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[followerID]
	if !ok {
		return nil, ErrConfigNotFound
	}
	clone := *cfg
	return &clone, nil
}

func (s *MemoryMirrorStore) ListConfigs(ctx context.Context) ([]*model.MirrorConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.MirrorConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		clone := *cfg
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryMirrorStore) RecordOutcome(ctx context.Context, outcome *model.MirrorOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *outcome
	s.outcomes = append(s.outcomes, &clone)
	return nil
}

func (s *MemoryMirrorStore) RecentOutcomes(ctx context.Context, followerID string, limit int) ([]*model.MirrorOutcome, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.MirrorOutcome, 0, limit)
	for i := len(s.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
		if s.outcomes[i].FollowerID == followerID {
			clone := *s.outcomes[i]
			out = append(out, &clone)
		}
	}
	return out, nil
}
