package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/search-projector/internal/model"
)

// ProjectionStatusRepository 投影重建状态（worker 只读，重建流程写）
type ProjectionStatusRepository interface {
	List(ctx context.Context) ([]model.ProjectionStatus, error)
	Save(ctx context.Context, s *model.ProjectionStatus) error
}

type projectionStatusRepository struct {
	db *gorm.DB
}

func NewProjectionStatusRepository(db *gorm.DB) ProjectionStatusRepository {
	return &projectionStatusRepository{db: db}
}

func (r *projectionStatusRepository) List(ctx context.Context) ([]model.ProjectionStatus, error) {
	var rows []model.ProjectionStatus
	err := r.db.WithContext(ctx).Order("projection_name").Find(&rows).Error
	return rows, err
}

func (r *projectionStatusRepository) Save(ctx context.Context, s *model.ProjectionStatus) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "projection_name"}}, UpdateAll: true}).
		Create(s).Error
}
