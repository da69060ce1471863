package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/search-projector/internal/fault"
	"github.com/d60-Lab/search-projector/internal/model"
)

var (
	// ErrOwnerMismatch 受保护更新命中 0 行：行已不属于本 worker（被回收、租约过期或已终态）
	ErrOwnerMismatch = errors.New("outbox row no longer owned by this worker")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
)

// ClaimMode 认领方式
type ClaimMode string

const (
	// ClaimAtomic 单事务内 SELECT ... FOR UPDATE SKIP LOCKED + UPDATE
	ClaimAtomic ClaimMode = "atomic"
	// ClaimSelectThenUpdate 无行锁的先查后改，仅用于复现 owner mismatch
	ClaimSelectThenUpdate ClaimMode = "select_then_update"
)

// Claim 一次认领结果
type Claim struct {
	BatchID string
	Events  []*model.OutboxEvent
}

// Failure 写回行的失败信息
type Failure struct {
	Attempts    int
	Reason      fault.Reason
	Error       string
	NextRetryAt time.Time
}

// Stats outbox 队列快照
type Stats struct {
	Pending         int64      `json:"pending"`
	Processing      int64      `json:"processing"`
	Done            int64      `json:"done"`
	Failed          int64      `json:"failed"`
	Lag             int64      `json:"lag"`
	Stuck           int64      `json:"stuck"`
	OldestCreatedAt *time.Time `json:"oldest_created_at,omitempty"`
	OldestAge       float64    `json:"oldest_age_seconds"`
}

// RedriveFilter 运维重放条件：按 ID 或按失败原因
type RedriveFilter struct {
	IDs    []string
	Reason string
	Limit  int
}

// OutboxRepository outbox 投递状态仓储。除 Claim/Reclaim/Sanitize/Redrive 外，
// 所有写操作都以 (owner = me, status = processing, lease_until > now) 为前提。
type OutboxRepository interface {
	// Claim 认领最多 limit 行，租约 lease
	Claim(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) (*Claim, error)

	// Reclaim 把租约过期或处理超时的 processing 行退回 pending
	Reclaim(ctx context.Context, now time.Time, maxProcessing time.Duration) (int64, error)

	// Sanitize 修复终态行残留的 owner/lease 字段
	Sanitize(ctx context.Context, now time.Time) (int64, error)

	// Get 按 ID 重新加载
	Get(ctx context.Context, id string) (*model.OutboxEvent, error)

	// GetMany 批量重新加载，结果按 ID 索引
	GetMany(ctx context.Context, ids []string) (map[string]*model.OutboxEvent, error)

	// Append 写入新事件（生产方事务内调用）
	Append(ctx context.Context, e *model.OutboxEvent) error

	// LatestVersion 实体当前最大 event_version，无事件时为 0
	LatestVersion(ctx context.Context, entityType, entityID string) (int64, error)

	MarkDone(ctx context.Context, id, owner string, now time.Time) error
	ScheduleRetry(ctx context.Context, id, owner string, f Failure, now time.Time) error
	MarkFailed(ctx context.Context, id, owner string, f Failure, now time.Time) error

	// RenewLease 单条语句续租仍属于本 worker 的行
	RenewLease(ctx context.Context, ids []string, owner string, lease time.Duration, now time.Time) (int64, error)

	// Release 停机时把未完成的认领行退回 pending
	Release(ctx context.Context, ids []string, owner string, now time.Time) (int64, error)

	Stats(ctx context.Context, now time.Time, maxProcessing time.Duration) (*Stats, error)

	// Redrive failed → pending，attempts 归零
	Redrive(ctx context.Context, f RedriveFilter, now time.Time) (int64, error)

	Ping(ctx context.Context) error
}

type outboxRepository struct {
	db   *gorm.DB
	mode ClaimMode
}

// NewOutboxRepository 创建 outbox 仓储
func NewOutboxRepository(db *gorm.DB, mode ClaimMode) OutboxRepository {
	if mode == "" {
		mode = ClaimAtomic
	}
	return &outboxRepository{db: db, mode: mode}
}

// 同一实体存在更早且未终态的事件时，后续事件不可认领
const headOfLineGate = `NOT EXISTS (
	SELECT 1 FROM outbox_event prev
	WHERE prev.entity_type = outbox_event.entity_type
	  AND prev.entity_id = outbox_event.entity_id
	  AND prev.event_version < outbox_event.event_version
	  AND prev.status IN ('pending', 'processing'))`

func claimable(db *gorm.DB, now time.Time, limit int) *gorm.DB {
	return db.Model(&model.OutboxEvent{}).
		Where("processed_at IS NULL AND status = ?", model.StatusPending).
		Where("(next_retry_at IS NULL OR next_retry_at <= ?)", now).
		Where(headOfLineGate).
		Order("event_version ASC, created_at ASC, id ASC").
		Limit(limit)
}

func claimValues(owner, batchID string, lease time.Duration, now time.Time) map[string]any {
	return map[string]any{
		"status":                model.StatusProcessing,
		"owner":                 owner,
		"lease_until":           now.Add(lease),
		"processing_started_at": now,
		"claim_batch_id":        batchID,
		"error_reason":          nil,
		"error":                 nil,
		"updated_at":            now,
	}
}

func markClaimed(e *model.OutboxEvent, owner, batchID string, lease time.Duration, now time.Time) {
	until := now.Add(lease)
	started := now
	o, b := owner, batchID
	e.Status = model.StatusProcessing
	e.Owner = &o
	e.LeaseUntil = &until
	e.ProcessingStartedAt = &started
	e.ClaimBatchID = &b
	e.ErrorReason = nil
	e.Error = nil
	e.UpdatedAt = now
}

func (r *outboxRepository) Claim(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) (*Claim, error) {
	if limit <= 0 {
		return &Claim{}, nil
	}
	if r.mode == ClaimSelectThenUpdate {
		return r.claimSelectThenUpdate(ctx, owner, limit, lease, now)
	}

	claim := &Claim{BatchID: uuid.NewString()}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []*model.OutboxEvent
		if err := claimable(tx, now, limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		for i, e := range rows {
			ids[i] = e.ID
		}
		if err := tx.Model(&model.OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(claimValues(owner, claim.BatchID, lease, now)).Error; err != nil {
			return err
		}
		for _, e := range rows {
			markClaimed(e, owner, claim.BatchID, lease, now)
		}
		claim.Events = rows
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return claim, nil
}

// claimSelectThenUpdate 查询与更新之间无锁，两个 worker 可能同时认领同一行，
// 后写入者覆盖 owner，先写入者随后的受保护更新得到 ErrOwnerMismatch。
func (r *outboxRepository) claimSelectThenUpdate(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) (*Claim, error) {
	var rows []*model.OutboxEvent
	if err := claimable(r.db.WithContext(ctx), now, limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	claim := &Claim{BatchID: uuid.NewString()}
	if len(rows) == 0 {
		return claim, nil
	}
	ids := make([]string, len(rows))
	for i, e := range rows {
		ids[i] = e.ID
	}
	if err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id IN ? AND processed_at IS NULL", ids).
		Updates(claimValues(owner, claim.BatchID, lease, now)).Error; err != nil {
		return nil, fmt.Errorf("update claimed: %w", err)
	}
	for _, e := range rows {
		markClaimed(e, owner, claim.BatchID, lease, now)
	}
	claim.Events = rows
	return claim, nil
}

func leaseCleared(now time.Time) map[string]any {
	return map[string]any{
		"owner":                 nil,
		"lease_until":           nil,
		"processing_started_at": nil,
		"claim_batch_id":        nil,
		"updated_at":            now,
	}
}

func (r *outboxRepository) Reclaim(ctx context.Context, now time.Time, maxProcessing time.Duration) (int64, error) {
	values := leaseCleared(now)
	values["status"] = model.StatusPending
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("status = ?", model.StatusProcessing).
		Where("(lease_until IS NULL OR lease_until <= ? OR processing_started_at <= ?)", now, now.Add(-maxProcessing)).
		Updates(values)
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim stuck rows: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *outboxRepository) Sanitize(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("(status IN ? OR processed_at IS NOT NULL)", []model.Status{model.StatusDone, model.StatusFailed}).
		Where("(owner IS NOT NULL OR lease_until IS NOT NULL OR processing_started_at IS NOT NULL OR claim_batch_id IS NOT NULL)").
		Updates(leaseCleared(now))
	if res.Error != nil {
		return 0, fmt.Errorf("sanitize terminal rows: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *outboxRepository) Get(ctx context.Context, id string) (*model.OutboxEvent, error) {
	var e model.OutboxEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *outboxRepository) GetMany(ctx context.Context, ids []string) (map[string]*model.OutboxEvent, error) {
	out := make(map[string]*model.OutboxEvent, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []*model.OutboxEvent
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, e := range rows {
		out[e.ID] = e
	}
	return out, nil
}

func (r *outboxRepository) Append(ctx context.Context, e *model.OutboxEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = model.StatusPending
	}
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *outboxRepository) LatestVersion(ctx context.Context, entityType, entityID string) (int64, error) {
	var v int64
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Select("COALESCE(MAX(event_version), 0)").
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Scan(&v).Error
	return v, err
}

// guarded 以所有权三元组为前提的更新
func (r *outboxRepository) guarded(ctx context.Context, id, owner string, now time.Time, values map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND owner = ? AND status = ? AND lease_until > ?", id, owner, model.StatusProcessing, now).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOwnerMismatch
	}
	return nil
}

func (r *outboxRepository) MarkDone(ctx context.Context, id, owner string, now time.Time) error {
	values := leaseCleared(now)
	values["status"] = model.StatusDone
	values["processed_at"] = now
	values["next_retry_at"] = nil
	values["error_reason"] = nil
	values["error"] = nil
	return r.guarded(ctx, id, owner, now, values)
}

func (r *outboxRepository) ScheduleRetry(ctx context.Context, id, owner string, f Failure, now time.Time) error {
	values := leaseCleared(now)
	values["status"] = model.StatusPending
	values["attempts"] = f.Attempts
	values["next_retry_at"] = f.NextRetryAt
	values["error_reason"] = f.Reason.String()
	values["error"] = fault.SanitizeText(f.Error)
	return r.guarded(ctx, id, owner, now, values)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id, owner string, f Failure, now time.Time) error {
	values := leaseCleared(now)
	values["status"] = model.StatusFailed
	values["attempts"] = f.Attempts
	values["next_retry_at"] = nil
	values["error_reason"] = f.Reason.String()
	values["error"] = fault.SanitizeText(f.Error)
	return r.guarded(ctx, id, owner, now, values)
}

func (r *outboxRepository) RenewLease(ctx context.Context, ids []string, owner string, lease time.Duration, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id IN ? AND owner = ? AND status = ? AND lease_until > ?", ids, owner, model.StatusProcessing, now).
		Updates(map[string]any{"lease_until": now.Add(lease), "updated_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("renew lease: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *outboxRepository) Release(ctx context.Context, ids []string, owner string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	values := leaseCleared(now)
	values["status"] = model.StatusPending
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id IN ? AND owner = ? AND status = ?", ids, owner, model.StatusProcessing).
		Updates(values)
	if res.Error != nil {
		return 0, fmt.Errorf("release claimed rows: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *outboxRepository) Stats(ctx context.Context, now time.Time, maxProcessing time.Duration) (*Stats, error) {
	db := r.db.WithContext(ctx)
	var counts []struct {
		Status model.Status
		N      int64
	}
	if err := db.Model(&model.OutboxEvent{}).
		Select("status, count(*) AS n").
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	s := &Stats{}
	for _, c := range counts {
		switch c.Status {
		case model.StatusPending:
			s.Pending = c.N
		case model.StatusProcessing:
			s.Processing = c.N
		case model.StatusDone:
			s.Done = c.N
		case model.StatusFailed:
			s.Failed = c.N
		}
	}

	unprocessed := func() *gorm.DB {
		return db.Model(&model.OutboxEvent{}).
			Where("processed_at IS NULL AND status IN ?", []model.Status{model.StatusPending, model.StatusProcessing})
	}
	if err := unprocessed().Count(&s.Lag).Error; err != nil {
		return nil, fmt.Errorf("count lag: %w", err)
	}
	if err := db.Model(&model.OutboxEvent{}).
		Where("status = ?", model.StatusProcessing).
		Where("(lease_until IS NULL OR lease_until <= ? OR processing_started_at <= ?)", now, now.Add(-maxProcessing)).
		Count(&s.Stuck).Error; err != nil {
		return nil, fmt.Errorf("count stuck: %w", err)
	}

	var oldest []model.OutboxEvent
	if err := unprocessed().Order("created_at ASC").Limit(1).Find(&oldest).Error; err != nil {
		return nil, fmt.Errorf("oldest unprocessed: %w", err)
	}
	if len(oldest) == 1 {
		created := oldest[0].CreatedAt.UTC()
		s.OldestCreatedAt = &created
		if age := now.Sub(created); age > 0 {
			s.OldestAge = age.Seconds()
		}
	}
	return s, nil
}

func (r *outboxRepository) Redrive(ctx context.Context, f RedriveFilter, now time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("status = ?", model.StatusFailed)
	switch {
	case len(f.IDs) > 0:
		q = q.Where("id IN ?", f.IDs)
	case f.Reason != "":
		limit := f.Limit
		if limit <= 0 {
			limit = 100
		}
		sub := r.db.Model(&model.OutboxEvent{}).Select("id").
			Where("status = ? AND error_reason = ?", model.StatusFailed, f.Reason).
			Order("created_at ASC").
			Limit(limit)
		q = q.Where("id IN (?)", sub)
	default:
		return 0, errors.New("redrive requires ids or reason")
	}
	values := leaseCleared(now)
	values["status"] = model.StatusPending
	values["attempts"] = 0
	values["next_retry_at"] = nil
	values["error_reason"] = nil
	values["error"] = nil
	values["processed_at"] = nil
	res := q.Updates(values)
	if res.Error != nil {
		return 0, fmt.Errorf("redrive failed rows: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *outboxRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
