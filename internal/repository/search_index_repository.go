package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/search-projector/internal/model"
)

// EntityRef 实体引用
type EntityRef struct {
	EntityType string
	EntityID   string
}

// SearchIndexRepository 搜索读模型仓储
type SearchIndexRepository interface {
	// Get 读取读模型行，不存在返回 ErrNotFound
	Get(ctx context.Context, entityType, entityID string) (*model.SearchIndex, error)

	// GetMany 批量读取，结果按文档 ID 索引；缺失的实体不在结果中
	GetMany(ctx context.Context, refs []EntityRef) (map[string]*model.SearchIndex, error)

	// Upsert 写入或覆盖读模型行（生产方事务内调用）
	Upsert(ctx context.Context, row *model.SearchIndex) error

	// Delete 删除读模型行
	Delete(ctx context.Context, entityType, entityID string) error
}

type searchIndexRepository struct {
	db *gorm.DB
}

// NewSearchIndexRepository 创建读模型仓储；db 可以是事务句柄
func NewSearchIndexRepository(db *gorm.DB) SearchIndexRepository {
	return &searchIndexRepository{db: db}
}

func (r *searchIndexRepository) Get(ctx context.Context, entityType, entityID string) (*model.SearchIndex, error) {
	var row model.SearchIndex
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *searchIndexRepository) GetMany(ctx context.Context, refs []EntityRef) (map[string]*model.SearchIndex, error) {
	out := make(map[string]*model.SearchIndex, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	pairs := make([][]any, len(refs))
	for i, ref := range refs {
		pairs[i] = []any{ref.EntityType, ref.EntityID}
	}
	var rows []*model.SearchIndex
	if err := r.db.WithContext(ctx).
		Where("(entity_type, entity_id) IN ?", pairs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[model.DocID(row.EntityType, row.EntityID)] = row
	}
	return out, nil
}

func (r *searchIndexRepository) Upsert(ctx context.Context, row *model.SearchIndex) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			UpdateAll: true,
		}).
		Create(row).Error
}

func (r *searchIndexRepository) Delete(ctx context.Context, entityType, entityID string) error {
	return r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Delete(&model.SearchIndex{}).Error
}
