package repository

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/d60-Lab/search-projector/internal/model"
)

// AutoMigrate 建表（测试与本地实验用；生产 schema 由写侧迁移负责）
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.OutboxEvent{},
		&model.SearchIndex{},
		&model.ProjectionStatus{},
		&model.DedupeState{},
	); err != nil {
		return fmt.Errorf("failed to migrate projection tables: %w", err)
	}
	return nil
}
