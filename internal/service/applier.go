package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/d60-Lab/search-projector/internal/esclient"
	"github.com/d60-Lab/search-projector/internal/fault"
	"github.com/d60-Lab/search-projector/internal/metrics"
	"github.com/d60-Lab/search-projector/internal/model"
	"github.com/d60-Lab/search-projector/internal/repository"
)

// Applier 单事件应用：重新加载并校验所有权，执行 PUT/DELETE，写回结果
type Applier struct {
	settler
	reads     repository.SearchIndexRepository
	index     esclient.Client
	indexName string
}

func NewApplier(rt *Runtime, repo repository.OutboxRepository, reads repository.SearchIndexRepository,
	index esclient.Client, indexName, owner string, policy RetryPolicy) *Applier {
	return &Applier{
		settler:   settler{rt: rt, repo: repo, policy: policy, owner: owner},
		reads:     reads,
		index:     index,
		indexName: indexName,
	}
}

func eventAttrs(e *model.OutboxEvent) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("outbox_event_id", e.ID),
		attribute.String("entity_type", e.EntityType),
		attribute.String("entity_id", e.EntityID),
		attribute.String("op", string(e.Op)),
		attribute.Int("attempt", e.Attempts+1),
	}
	if e.ClaimBatchID != nil {
		attrs = append(attrs, attribute.String("claim_batch_id", *e.ClaimBatchID))
	}
	return attrs
}

// Apply 处理一个已认领事件；panic 会被恢复并按确定性错误终结
func (a *Applier) Apply(ctx context.Context, claimed *model.OutboxEvent) (out Outcome) {
	ctx, span := a.rt.Tracer.Start(ctx, "outbox.process", trace.WithAttributes(eventAttrs(claimed)...))
	e := claimed
	defer func() {
		if v := recover(); v != nil {
			err := fault.FromPanic(v)
			span.RecordError(err)
			out = a.fail(ctx, e, fault.Classify(err), err)
		}
		span.SetAttributes(attribute.String("result", out.Result.String()))
		if out.Reason != fault.ReasonNone {
			span.SetStatus(codes.Error, out.Reason.String())
		}
		span.End()
	}()

	fresh, err := a.repo.Get(ctx, claimed.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		a.rt.Metrics.OwnerMismatch.Inc()
		return Outcome{Event: claimed, Result: ResultOwnerMismatch, Reason: fault.ReasonOwnerMismatch}
	case err != nil:
		return a.writeFailed(ctx, claimed, err)
	}
	e = fresh
	if o, ok := a.verify(ctx, e); !ok {
		return o
	}

	switch e.Op {
	case model.OpUpsert:
		return a.upsert(ctx, e)
	case model.OpDelete:
		return a.delete(ctx, e)
	default:
		err := fault.Deterministic(fmt.Errorf("unsupported op %q", e.Op))
		return a.fail(ctx, e, fault.Classify(err), err)
	}
}

func (a *Applier) upsert(ctx context.Context, e *model.OutboxEvent) Outcome {
	row, err := a.reads.Get(ctx, e.EntityType, e.EntityID)
	if errors.Is(err, repository.ErrNotFound) {
		// 读模型已删除：upsert 被后续 delete 折叠
		return a.done(ctx, e, metrics.NoopReadModelMissing)
	}
	if err != nil {
		return a.writeFailed(ctx, e, fmt.Errorf("load read model: %w", err))
	}
	body, err := json.Marshal(row.Document())
	if err != nil {
		return a.fail(ctx, e, fault.Classify(err), err)
	}
	if err := a.index.Put(ctx, a.indexName, e.DocID(), body); err != nil {
		return a.indexError(ctx, e, err)
	}
	return a.done(ctx, e, "")
}

func (a *Applier) delete(ctx context.Context, e *model.OutboxEvent) Outcome {
	row, err := a.reads.Get(ctx, e.EntityType, e.EntityID)
	switch {
	case err == nil && row.EventVersion > e.EventVersion:
		// 读模型已被更新版本覆盖：旧 delete 不再生效
		return a.done(ctx, e, metrics.NoopSuperseded)
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return a.writeFailed(ctx, e, fmt.Errorf("load read model: %w", err))
	}
	err = a.index.Delete(ctx, a.indexName, e.DocID())
	switch {
	case err == nil:
		return a.done(ctx, e, "")
	case esclient.IsNotFound(err):
		return a.done(ctx, e, metrics.NoopNotFound)
	default:
		return a.indexError(ctx, e, err)
	}
}
