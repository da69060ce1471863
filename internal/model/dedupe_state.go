package model

import "time"

// DedupeState 高频事件去重窗口状态
// 主键 = (event_type, entity_id, sub_id, actor_id, window_seconds)
type DedupeState struct {
	EventType     string `gorm:"primaryKey;type:varchar(64)"`
	EntityID      string `gorm:"primaryKey;type:varchar(128)"`
	SubID         string `gorm:"primaryKey;type:varchar(128)"`
	ActorID       string `gorm:"primaryKey;type:varchar(128)"`
	WindowSeconds int64  `gorm:"primaryKey;autoIncrement:false"`
	LastBucket    int64  `gorm:"not null"`
	UpdatedAt     time.Time
}

func (DedupeState) TableName() string { return "dedupe_state" }

// Bucket floor(epoch_seconds / window)
func Bucket(t time.Time, windowSeconds int64) int64 {
	if windowSeconds <= 0 {
		return t.Unix()
	}
	return t.Unix() / windowSeconds
}
