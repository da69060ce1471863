package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/search-projector/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

func insertEvent(t *testing.T, db *gorm.DB, entityType, entityID string, op model.Op, version int64) *model.OutboxEvent {
	t.Helper()
	e := &model.OutboxEvent{
		ID:           uuid.NewString(),
		EntityType:   entityType,
		EntityID:     entityID,
		Op:           op,
		EventVersion: version,
		Status:       model.StatusPending,
		CreatedAt:    t0.Add(time.Duration(version) * time.Millisecond),
		UpdatedAt:    t0,
	}
	require.NoError(t, db.Create(e).Error)
	return e
}

func reload(t *testing.T, db *gorm.DB, id string) *model.OutboxEvent {
	t.Helper()
	var e model.OutboxEvent
	require.NoError(t, db.Where("id = ?", id).Take(&e).Error)
	return &e
}
