package model

import "time"

// Status 投递状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// IsTerminal done/failed 为终态，终态行不会再被认领
func (s Status) IsTerminal() bool { return s == StatusDone || s == StatusFailed }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Op 投影操作
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

func (o Op) Valid() bool { return o == OpUpsert || o == OpDelete }

// Ops 所有操作，用于指标预热
var Ops = []Op{OpUpsert, OpDelete}

// OutboxEvent 事件外发盒：与领域写入同事务落地，由 projector 投影到搜索索引
type OutboxEvent struct {
	ID           string `gorm:"primaryKey;type:varchar(36)"`
	EntityType   string `gorm:"type:varchar(64);not null;index:idx_outbox_entity,priority:1"`
	EntityID     string `gorm:"type:varchar(128);not null;index:idx_outbox_entity,priority:2"`
	Op           Op     `gorm:"type:varchar(16);not null"`
	EventVersion int64  `gorm:"not null;default:0;index:idx_outbox_entity,priority:3"`

	Status      Status     `gorm:"type:varchar(16);not null;default:pending;index:idx_outbox_claim,priority:1"`
	Attempts    int        `gorm:"not null;default:0"`
	NextRetryAt *time.Time `gorm:"index:idx_outbox_claim,priority:2"`

	// 租约：仅在 processing 期间非空
	Owner               *string `gorm:"type:varchar(128)"`
	LeaseUntil          *time.Time
	ProcessingStartedAt *time.Time
	ClaimBatchID        *string `gorm:"type:varchar(36);index"`

	ErrorReason *string `gorm:"type:varchar(64)"`
	Error       *string `gorm:"type:text"`
	Traceparent *string `gorm:"type:varchar(128)"`
	Tracestate  *string `gorm:"type:varchar(512)"`

	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "outbox_event" }

// DocID 索引文档 ID：{entity_type}:{entity_id}
func (e *OutboxEvent) DocID() string { return DocID(e.EntityType, e.EntityID) }

// EntityKey 实体串行化键
func (e *OutboxEvent) EntityKey() string { return e.EntityType + "\x00" + e.EntityID }

// OwnedBy owner 为当前 worker、状态为 processing 且租约未过期
func (e *OutboxEvent) OwnedBy(owner string, now time.Time) bool {
	return e.Status == StatusProcessing &&
		e.Owner != nil && *e.Owner == owner &&
		e.LeaseUntil != nil && e.LeaseUntil.After(now)
}

// Clean 终态行不得残留 owner/lease 字段
func (e *OutboxEvent) Clean() bool {
	if e.ProcessedAt == nil && !e.Status.IsTerminal() {
		return true
	}
	return e.Owner == nil && e.LeaseUntil == nil && e.ProcessingStartedAt == nil
}

func DocID(entityType, entityID string) string { return entityType + ":" + entityID }
