package repository

import (
	"context"
	"time"

	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/sifan077/HookRelay/internal/infra/sqlite"
	"gorm.io/gorm"
)

const incrementStatSQL = `INSERT INTO webhook_stats (path, guild_id, request_count, fanout_count, last_used_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(path, guild_id) DO UPDATE SET
    request_count = request_count + excluded.request_count,
    fanout_count = fanout_count + excluded.fanout_count,
    last_used_at = excluded.last_used_at,
    updated_at = CURRENT_TIMESTAMP`

// StatIncrement is the aggregated usage of one (path, guild) pair.
type StatIncrement struct {
	Path       string
	GuildID    string
	Requests   int64
	Fanout     int64
	LastUsedAt time.Time
}

// StatRepository persists and reports delivery counters.
type StatRepository interface {
	ApplyIncrements(ctx context.Context, increments []StatIncrement) error
	ListByGuild(ctx context.Context, guildID string) ([]model.DeliveryStat, error)
}

type statRepository struct {
	dal *sqlite.DAL
	db  *gorm.DB
}

// NewStatRepository writes through the DAL and reads reports through GORM.
func NewStatRepository(dal *sqlite.DAL, db *gorm.DB) StatRepository {
	return &statRepository{dal: dal, db: db}
}

// ApplyIncrements writes every increment in one transaction.
func (r *statRepository) ApplyIncrements(ctx context.Context, increments []StatIncrement) error {
	if len(increments) == 0 {
		return nil
	}
	return r.dal.Transaction(ctx, func(tx *sqlite.Tx) error {
		for _, inc := range increments {
			if _, err := tx.Exec(ctx, incrementStatSQL,
				inc.Path, inc.GuildID, inc.Requests, inc.Fanout, inc.LastUsedAt.UTC(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *statRepository) ListByGuild(ctx context.Context, guildID string) ([]model.DeliveryStat, error) {
	var result []model.DeliveryStat
	if err := r.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("request_count DESC").
		Order("path ASC").
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}
