package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/swapmirror/swapmirror/internal/config"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
	"github.com/swapmirror/swapmirror/internal/pkg/metrics"
)

const (
	ActionTrade     = "trade"
	ActionSubscribe = "subscribe"
)

// UsageStore tracks per-owner daily trade count and volume.
type UsageStore interface {
	GetDailyUsage(ctx context.Context, owner string) (int, float64, error)
	AddDailyUsage(ctx context.Context, owner string, trades int, volume float64) error
}

// Gate is the rate-limit/security collaborator consulted before
// dispatching a mirror trade and before accepting a subscription.
type Gate interface {
	CheckLimit(ctx context.Context, owner, action string, amount decimal.Decimal) error
}

type LimitGate struct {
	cfg   config.GateConfig
	usage UsageStore

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLimitGate(cfg config.GateConfig, usage UsageStore) *LimitGate {
	return &LimitGate{
		cfg:      cfg,
		usage:    usage,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (g *LimitGate) limiterFor(owner string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.limiters[owner]
	if !ok {
		limit := rate.Limit(g.cfg.QPS)
		if g.cfg.QPS <= 0 {
			limit = rate.Inf
		}
		burst := g.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(limit, burst)
		g.limiters[owner] = limiter
	}
	return limiter
}

func (g *LimitGate) CheckLimit(ctx context.Context, owner, action string, amount decimal.Decimal) error {
	if !g.limiterFor(owner).Allow() {
		metrics.GateRejects.WithLabelValues("qps").Inc()
		return apperrors.New(apperrors.ErrRateLimitExceeded,
			fmt.Sprintf("too many %s requests", action), nil)
	}

	if action != ActionTrade || g.usage == nil {
		return nil
	}

	count, volume, err := g.usage.GetDailyUsage(ctx, owner)
	if err != nil {
		// Usage store being down must not freeze trading; the token
		// bucket above still bounds throughput.
		return nil
	}

	if g.cfg.MaxDailyTrades > 0 && count >= g.cfg.MaxDailyTrades {
		metrics.GateRejects.WithLabelValues("daily_trades").Inc()
		return apperrors.New(apperrors.ErrRateLimitExceeded,
			fmt.Sprintf("daily trade cap %d reached", g.cfg.MaxDailyTrades), nil)
	}

	amt, _ := amount.Float64()
	if g.cfg.MaxDailyVolume > 0 && volume+amt > g.cfg.MaxDailyVolume {
		metrics.GateRejects.WithLabelValues("daily_volume").Inc()
		return apperrors.New(apperrors.ErrRateLimitExceeded,
			fmt.Sprintf("daily volume cap %.2f reached", g.cfg.MaxDailyVolume), nil)
	}

	_ = g.usage.AddDailyUsage(ctx, owner, 1, amt)
	return nil
}

// MemoryUsageStore is the in-process fallback when redis is not
// configured.
type MemoryUsageStore struct {
	mu    sync.Mutex
	day   string
	count map[string]int
	vol   map[string]float64
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{
		count: make(map[string]int),
		vol:   make(map[string]float64),
	}
}

func (s *MemoryUsageStore) roll(today string) {
	if s.day != today {
		s.day = today
		s.count = make(map[string]int)
		s.vol = make(map[string]float64)
	}
}

func (s *MemoryUsageStore) GetDailyUsage(ctx context.Context, owner string) (int, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(todayUTC())
	return s.count[owner], s.vol[owner], nil
}

func (s *MemoryUsageStore) AddDailyUsage(ctx context.Context, owner string, trades int, volume float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(todayUTC())
	s.count[owner] += trades
	s.vol[owner] += volume
	return nil
}
