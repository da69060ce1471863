package model

import "time"

// ProjectionStatus 每个投影一行，重建流程写入，worker 只读（导出 gauge）
type ProjectionStatus struct {
	ProjectionName        string     `json:"projection_name" gorm:"primaryKey;type:varchar(64)"`
	LastRebuildDuration   float64    `json:"last_rebuild_duration_seconds"`
	LastRebuildFinishedAt *time.Time `json:"last_rebuild_finished_at"`
	LastRebuildSuccess    *bool      `json:"last_rebuild_success"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (ProjectionStatus) TableName() string { return "projection_status" }
