package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/search-projector/internal/model"
	"github.com/d60-Lab/search-projector/internal/repository"
	"github.com/d60-Lab/search-projector/pkg/clock"
	"github.com/d60-Lab/search-projector/pkg/tracing"
)

// ErrInvalidDocument 文档缺少实体标识
var ErrInvalidDocument = errors.New("document requires entity_type and entity_id")

// SearchDocument 生产方提交的读模型内容
type SearchDocument struct {
	EntityType string
	EntityID   string
	LibraryID  string
	Text       string
	Snippet    string
	RankScore  float64
}

// Publisher 生产方：在调用方事务内写读模型 + outbox
type Publisher struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewPublisher(db *gorm.DB, clk clock.Clock) *Publisher {
	if clk == nil {
		clk = clock.Real()
	}
	return &Publisher{db: db, clock: clk}
}

// InTx 在一个事务内执行领域写入与事件落地
func (p *Publisher) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return p.db.WithContext(ctx).Transaction(fn)
}

// Upsert 写入读模型行并追加 upsert 事件
func (p *Publisher) Upsert(ctx context.Context, tx *gorm.DB, doc SearchDocument) (*model.OutboxEvent, error) {
	if doc.EntityType == "" || doc.EntityID == "" {
		return nil, ErrInvalidDocument
	}
	events := repository.NewOutboxRepository(tx, repository.ClaimAtomic)
	version, err := p.nextVersion(ctx, events, doc.EntityType, doc.EntityID)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	row := &model.SearchIndex{
		EntityType:   doc.EntityType,
		EntityID:     doc.EntityID,
		LibraryID:    doc.LibraryID,
		Text:         doc.Text,
		Snippet:      doc.Snippet,
		RankScore:    doc.RankScore,
		EventVersion: version,
		UpdatedAt:    now,
	}
	if err := repository.NewSearchIndexRepository(tx).Upsert(ctx, row); err != nil {
		return nil, fmt.Errorf("upsert read model: %w", err)
	}
	return p.append(ctx, events, doc.EntityType, doc.EntityID, model.OpUpsert, version)
}

// Delete 删除读模型行并追加 delete 事件
func (p *Publisher) Delete(ctx context.Context, tx *gorm.DB, entityType, entityID string) (*model.OutboxEvent, error) {
	if entityType == "" || entityID == "" {
		return nil, ErrInvalidDocument
	}
	events := repository.NewOutboxRepository(tx, repository.ClaimAtomic)
	version, err := p.nextVersion(ctx, events, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if err := repository.NewSearchIndexRepository(tx).Delete(ctx, entityType, entityID); err != nil {
		return nil, fmt.Errorf("delete read model: %w", err)
	}
	return p.append(ctx, events, entityType, entityID, model.OpDelete, version)
}

// EmitDeduped 去重门：同一时间桶内重复的事实不落 outbox（返回 nil, false）
func (p *Publisher) EmitDeduped(ctx context.Context, tx *gorm.DB, key repository.DedupeKey, doc SearchDocument) (*model.OutboxEvent, bool, error) {
	if key.EntityID == "" {
		key.EntityID = doc.EntityID
	}
	ok, err := repository.NewDedupeRepository(tx).TryAdvance(ctx, key, p.clock.Now())
	if err != nil {
		return nil, false, fmt.Errorf("dedupe gate: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	e, err := p.Upsert(ctx, tx, doc)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (p *Publisher) nextVersion(ctx context.Context, events repository.OutboxRepository, entityType, entityID string) (int64, error) {
	v, err := events.LatestVersion(ctx, entityType, entityID)
	if err != nil {
		return 0, fmt.Errorf("latest event version: %w", err)
	}
	return v + 1, nil
}

func (p *Publisher) append(ctx context.Context, events repository.OutboxRepository, entityType, entityID string, op model.Op, version int64) (*model.OutboxEvent, error) {
	now := p.clock.Now()
	e := &model.OutboxEvent{
		ID:           uuid.New().String(),
		EntityType:   entityType,
		EntityID:     entityID,
		Op:           op,
		EventVersion: version,
		Status:       model.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if tp, ts := tracing.Capture(ctx); tp != "" {
		e.Traceparent = &tp
		if ts != "" {
			e.Tracestate = &ts
		}
	}
	if err := events.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append outbox event: %w", err)
	}
	return e, nil
}
