package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/search-projector/internal/model"
)

// DedupeKey 去重键
type DedupeKey struct {
	EventType string
	EntityID  string
	SubID     string
	ActorID   string
	Window    time.Duration
}

// DedupeRepository 高频事件去重门
type DedupeRepository interface {
	// TryAdvance 以 at 所在时间桶推进 last_bucket；仅当本次推进成功（首次出现或进入新桶）时返回 true
	TryAdvance(ctx context.Context, key DedupeKey, at time.Time) (bool, error)
}

type dedupeRepository struct {
	db *gorm.DB
}

// NewDedupeRepository db 应为生产方事务句柄
func NewDedupeRepository(db *gorm.DB) DedupeRepository {
	return &dedupeRepository{db: db}
}

func (r *dedupeRepository) TryAdvance(ctx context.Context, key DedupeKey, at time.Time) (bool, error) {
	window := int64(key.Window / time.Second)
	if window <= 0 {
		window = 1
	}
	row := model.DedupeState{
		EventType:     key.EventType,
		EntityID:      key.EntityID,
		SubID:         key.SubID,
		ActorID:       key.ActorID,
		WindowSeconds: window,
		LastBucket:    model.Bucket(at, window),
		UpdatedAt:     at.UTC(),
	}
	// 单条语句：冲突时仅在新桶更大时更新，否则不改行（RowsAffected = 0）
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "event_type"}, {Name: "entity_id"}, {Name: "sub_id"}, {Name: "actor_id"}, {Name: "window_seconds"},
		},
		DoUpdates: clause.Assignments(map[string]any{
			"last_bucket": gorm.Expr("excluded.last_bucket"),
			"updated_at":  gorm.Expr("excluded.updated_at"),
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("dedupe_state.last_bucket < excluded.last_bucket"),
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
