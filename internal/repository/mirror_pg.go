package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/swapmirror/swapmirror/internal/model"
)

var ErrConfigNotFound = errors.New("mirror config not found")

type mirrorConfigRow struct {
	FollowerID        string    `gorm:"primaryKey;column:follower_id"`
	TargetWallet      string    `gorm:"index;column:target_wallet"`
	Chain             string    `gorm:"column:chain"`
	CopyPercentage    string    `gorm:"column:copy_percentage"`
	MaxAmountPerTrade string    `gorm:"column:max_amount_per_trade"`
	EnabledAssets     []byte    `gorm:"column:enabled_assets;type:jsonb"`
	SlippageBps       int       `gorm:"column:slippage_bps"`
	KeyRef            string    `gorm:"column:key_ref"`
	Active            bool      `gorm:"column:active"`
	StartedAt         time.Time `gorm:"column:started_at"`
}

func (mirrorConfigRow) TableName() string { return "mirror_configs" }

type mirrorOutcomeRow struct {
	ID             string    `gorm:"primaryKey;column:id"`
	FollowerID     string    `gorm:"index;column:follower_id"`
	Chain          string    `gorm:"column:chain"`
	OriginRef      string    `gorm:"column:origin_ref"`
	OriginalAmount string    `gorm:"column:original_amount"`
	CopiedAmount   string    `gorm:"column:copied_amount"`
	ResultRef      string    `gorm:"column:result_ref"`
	Success        bool      `gorm:"column:success"`
	Pending        bool      `gorm:"column:pending"`
	FailureReason  string    `gorm:"column:failure_reason"`
	Timestamp      time.Time `gorm:"index;column:timestamp"`
}

func (mirrorOutcomeRow) TableName() string { return "mirror_outcomes" }

// PostgresMirrorStore is the durable side of the persistence
// collaborator: configs survive restarts, outcomes build history.
type PostgresMirrorStore struct {
	db *gorm.DB
}

func NewPostgresMirrorStore(db *gorm.DB) *PostgresMirrorStore {
	return &PostgresMirrorStore{db: db}
}

func (s *PostgresMirrorStore) SaveConfig(ctx context.Context, cfg *model.MirrorConfig) error {
	row, err := configToRow(cfg)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "follower_id"}},
		UpdateAll: true,
	}).Create(row).Error
}

func (s *PostgresMirrorStore) DeleteConfig(ctx context.Context, followerID string) error {
	return s.db.WithContext(ctx).Delete(&mirrorConfigRow{}, "follower_id = ?", followerID).Error
}

func (s *PostgresMirrorStore) GetConfig(ctx context.Context, followerID string) (*model.MirrorConfig, error) {
	var row mirrorConfigRow
	err := s.db.WithContext(ctx).First(&row, "follower_id = ?", followerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToConfig(&row)
}

func (s *PostgresMirrorStore) ListConfigs(ctx context.Context) ([]*model.MirrorConfig, error) {
	var rows []mirrorConfigRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.MirrorConfig, 0, len(rows))
	for i := range rows {
		cfg, err := rowToConfig(&rows[i])
		if err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *PostgresMirrorStore) RecordOutcome(ctx context.Context, outcome *model.MirrorOutcome) error {
	row := &mirrorOutcomeRow{
		ID:             outcome.ID,
		FollowerID:     outcome.FollowerID,
		Chain:          string(outcome.Chain),
		OriginRef:      outcome.OriginRef,
		OriginalAmount: outcome.OriginalAmount.String(),
		CopiedAmount:   outcome.CopiedAmount.String(),
		ResultRef:      outcome.ResultRef,
		Success:        outcome.Success,
		Pending:        outcome.Pending,
		FailureReason:  outcome.FailureReason,
		Timestamp:      outcome.Timestamp,
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *PostgresMirrorStore) RecentOutcomes(ctx context.Context, followerID string, limit int) ([]*model.MirrorOutcome, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []mirrorOutcomeRow
	err := s.db.WithContext(ctx).
		Where("follower_id = ?", followerID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*model.MirrorOutcome, 0, len(rows))
	for i := range rows {
		out = append(out, rowToOutcome(&rows[i]))
	}
	return out, nil
}

func configToRow(cfg *model.MirrorConfig) (*mirrorConfigRow, error) {
	assets, err := json.Marshal(cfg.EnabledAssets)
	if err != nil {
		return nil, err
	}
	return &mirrorConfigRow{
		FollowerID:        cfg.FollowerID,
		TargetWallet:      cfg.TargetWallet,
		Chain:             string(cfg.Chain),
		CopyPercentage:    cfg.CopyPercentage.String(),
		MaxAmountPerTrade: cfg.MaxAmountPerTrade.String(),
		EnabledAssets:     assets,
		SlippageBps:       cfg.SlippageBps,
		KeyRef:            cfg.KeyRef,
		Active:            cfg.Active,
		StartedAt:         cfg.StartedAt,
	}, nil
}

func rowToConfig(row *mirrorConfigRow) (*model.MirrorConfig, error) {
	pct, err := decimal.NewFromString(row.CopyPercentage)
	if err != nil {
		return nil, err
	}
	max, err := decimal.NewFromString(row.MaxAmountPerTrade)
	if err != nil {
		return nil, err
	}
	var assets []string
	if len(row.EnabledAssets) > 0 {
		_ = json.Unmarshal(row.EnabledAssets, &assets)
	}
	return &model.MirrorConfig{
		FollowerID:        row.FollowerID,
		TargetWallet:      row.TargetWallet,
		Chain:             model.Chain(row.Chain),
		CopyPercentage:    pct,
		MaxAmountPerTrade: max,
		EnabledAssets:     assets,
		SlippageBps:       row.SlippageBps,
		KeyRef:            row.KeyRef,
		Active:            row.Active,
		StartedAt:         row.StartedAt,
	}, nil
}

func rowToOutcome(row *mirrorOutcomeRow) *model.MirrorOutcome {
	original, _ := decimal.NewFromString(row.OriginalAmount)
	copied, _ := decimal.NewFromString(row.CopiedAmount)
	return &model.MirrorOutcome{
		ID:             row.ID,
		FollowerID:     row.FollowerID,
		Chain:          model.Chain(row.Chain),
		OriginRef:      row.OriginRef,
		OriginalAmount: original,
		CopiedAmount:   copied,
		ResultRef:      row.ResultRef,
		Success:        row.Success,
		Pending:        row.Pending,
		FailureReason:  row.FailureReason,
		Timestamp:      row.Timestamp,
	}
}
