// Package database gorm 连接初始化
package database

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/search-projector/config"
)

const sqlitePrefix = "sqlite://"

// InitDB 按 DATABASE_URL 打开数据库。sqlite:// 前缀用于本地实验。
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	return Open(cfg.DatabaseURL, cfg.DBPoolSize())
}

// Open 打开连接并设置连接池
func Open(dsn string, poolSize int) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, sqlitePrefix) {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
		// sqlite 单写者
		poolSize = 1
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if poolSize <= 0 {
		poolSize = 1
	}
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// IsSQLite 是否为 sqlite 连接
func IsSQLite(db *gorm.DB) bool { return db.Dialector.Name() == "sqlite" }
