package service

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/search-projector/internal/esclient"
	"github.com/d60-Lab/search-projector/internal/fault"
	"github.com/d60-Lab/search-projector/internal/metrics"
	"github.com/d60-Lab/search-projector/internal/model"
	"github.com/d60-Lab/search-projector/internal/repository"
)

// BulkApplier 整批事件合并为一个 NDJSON bulk 请求，逐项解析结果后分别写回
type BulkApplier struct {
	settler
	reads     repository.SearchIndexRepository
	index     esclient.Client
	indexName string
}

func NewBulkApplier(rt *Runtime, repo repository.OutboxRepository, reads repository.SearchIndexRepository,
	index esclient.Client, indexName, owner string, policy RetryPolicy) *BulkApplier {
	return &BulkApplier{
		settler:   settler{rt: rt, repo: repo, policy: policy, owner: owner},
		reads:     reads,
		index:     index,
		indexName: indexName,
	}
}

// itemVerdict 单项结论，ok 时 noop 可能非空
type itemVerdict struct {
	ok   bool
	noop string
	c    fault.Classification
	err  error
}

// ApplyBatch stop 结束时未发出的请求整体取消；请求本身使用 work
func (b *BulkApplier) ApplyBatch(stop, work context.Context, claimed []*model.OutboxEvent) []Outcome {
	outcomes := make([]Outcome, len(claimed))
	if len(claimed) == 0 {
		return outcomes
	}
	if stop.Err() != nil {
		for i, e := range claimed {
			outcomes[i] = Outcome{Event: e, Result: ResultCanceled}
		}
		return outcomes
	}

	ids := make([]string, len(claimed))
	for i, e := range claimed {
		ids[i] = e.ID
	}
	fresh, err := b.repo.GetMany(work, ids)
	if err != nil {
		for i, e := range claimed {
			outcomes[i] = b.writeFailed(work, e, err)
		}
		return outcomes
	}

	// 重新加载并校验所有权；收集读模型（upsert 取文档，delete 判断是否已被覆盖）
	events := make([]*model.OutboxEvent, len(claimed))
	var refs []repository.EntityRef
	for i, c := range claimed {
		e, ok := fresh[c.ID]
		if !ok {
			b.rt.Metrics.OwnerMismatch.Inc()
			outcomes[i] = Outcome{Event: c, Result: ResultOwnerMismatch, Reason: fault.ReasonOwnerMismatch}
			continue
		}
		if o, owned := b.verify(work, e); !owned {
			outcomes[i] = o
			continue
		}
		events[i] = e
		refs = append(refs, repository.EntityRef{EntityType: e.EntityType, EntityID: e.EntityID})
	}
	rows, err := b.reads.GetMany(work, refs)
	if err != nil {
		for i, e := range events {
			if e != nil {
				outcomes[i] = b.writeFailed(work, e, err)
			}
		}
		return outcomes
	}

	verdicts := make([]*itemVerdict, len(events))
	var actions []esclient.BulkAction
	var positions []int
	for i, e := range events {
		if e == nil {
			continue
		}
		switch e.Op {
		case model.OpDelete:
			if row, ok := rows[e.DocID()]; ok && row.EventVersion > e.EventVersion {
				verdicts[i] = &itemVerdict{ok: true, noop: metrics.NoopSuperseded}
				continue
			}
			actions = append(actions, esclient.BulkAction{Action: esclient.ActionDelete, ID: e.DocID()})
			positions = append(positions, i)
		case model.OpUpsert:
			row, ok := rows[e.DocID()]
			if !ok {
				verdicts[i] = &itemVerdict{ok: true, noop: metrics.NoopReadModelMissing}
				continue
			}
			doc, err := json.Marshal(row.Document())
			if err != nil {
				verdicts[i] = &itemVerdict{c: fault.Classify(err), err: err}
				continue
			}
			actions = append(actions, esclient.BulkAction{Action: esclient.ActionIndex, ID: e.DocID(), Doc: doc})
			positions = append(positions, i)
		default:
			err := fault.Deterministic(errors.New("unsupported op " + string(e.Op)))
			verdicts[i] = &itemVerdict{c: fault.Classify(err), err: err}
		}
	}

	if len(actions) > 0 {
		if stop.Err() != nil {
			return b.settleAll(work, events, verdicts, outcomes)
		}
		b.send(work, actions, positions, verdicts)
	}
	return b.settleAll(work, events, verdicts, outcomes)
}

// send 发出 bulk 请求并把逐项结果填入 verdicts
func (b *BulkApplier) send(ctx context.Context, actions []esclient.BulkAction, positions []int, verdicts []*itemVerdict) {
	m := b.rt.Metrics
	ctx, span := b.rt.Tracer.Start(ctx, "outbox.bulk_request", trace.WithAttributes(
		attribute.Int("items", len(actions))))
	defer span.End()

	demux := func(v itemVerdict) {
		for _, pos := range positions {
			vv := v
			verdicts[pos] = &vv
		}
	}

	body, err := esclient.EncodeBulk(b.indexName, actions)
	if err != nil {
		m.BulkRequests.WithLabelValues(metrics.BulkFailed).Inc()
		demux(itemVerdict{c: fault.Classify(err), err: err})
		b.countItems(actions, positions, verdicts)
		return
	}

	start := b.rt.Clock.Now()
	resp, err := b.index.Bulk(ctx, b.indexName, body)
	m.BulkDuration.Observe(b.rt.Clock.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			demux(itemVerdict{err: ctx.Err()})
		} else {
			demux(itemVerdict{c: fault.Classify(err), err: err})
		}
		m.BulkRequests.WithLabelValues(metrics.BulkFailed).Inc()
		b.countItems(actions, positions, verdicts)
		span.RecordError(err)
		return
	}

	items, ok := resp.Match(actions)
	if !ok {
		err := errors.New("bulk response items missing or mismatched")
		demux(itemVerdict{c: fault.Classification{Reason: fault.ReasonESUnknown, Retryable: true}, err: err})
		m.BulkRequests.WithLabelValues(metrics.BulkFailed).Inc()
		b.countItems(actions, positions, verdicts)
		b.log(ctx).Warn("outbox.bulk_unmatched", zap.Int("items", len(actions)), zap.Int("returned", len(resp.Items)))
		return
	}

	succeeded := 0
	for k, item := range items {
		isDelete := actions[k].Action == esclient.ActionDelete
		c, ok := fault.ForStatus(item.Status, isDelete)
		if ok {
			v := &itemVerdict{ok: true}
			if isDelete && item.Status == 404 {
				v.noop = metrics.NoopNotFound
			}
			verdicts[positions[k]] = v
			succeeded++
			continue
		}
		verdicts[positions[k]] = &itemVerdict{c: c, err: &esclient.StatusError{
			Op: "bulk " + actions[k].Action, StatusCode: item.Status, Body: item.ErrorType(),
		}}
	}
	result := metrics.BulkPartial
	switch succeeded {
	case len(items):
		result = metrics.BulkSuccess
	case 0:
		result = metrics.BulkFailed
	}
	m.BulkRequests.WithLabelValues(result).Inc()
	span.SetAttributes(attribute.String("result", result))
	b.countItems(actions, positions, verdicts)
}

func (b *BulkApplier) countItems(actions []esclient.BulkAction, positions []int, verdicts []*itemVerdict) {
	m := b.rt.Metrics
	for k, a := range actions {
		v := verdicts[positions[k]]
		if v == nil {
			continue
		}
		if v.ok {
			m.BulkItems.WithLabelValues(a.Action, metrics.ItemSuccess).Inc()
			continue
		}
		m.BulkItems.WithLabelValues(a.Action, metrics.ItemFailure).Inc()
		if v.c.Reason != fault.ReasonNone {
			m.BulkItemFailures.WithLabelValues(a.Action, metrics.FailureClass(v.c.Reason)).Inc()
		}
	}
}

// settleAll 按 verdict 写回每一行；没有 verdict 的项（请求未发出）视为取消
func (b *BulkApplier) settleAll(ctx context.Context, events []*model.OutboxEvent, verdicts []*itemVerdict, outcomes []Outcome) []Outcome {
	for i, e := range events {
		if e == nil {
			continue
		}
		v := verdicts[i]
		switch {
		case v == nil:
			outcomes[i] = Outcome{Event: e, Result: ResultCanceled}
		case v.ok:
			outcomes[i] = b.done(ctx, e, v.noop)
		case v.c.Reason == fault.ReasonNone:
			// 停机打断了请求
			outcomes[i] = Outcome{Event: e, Result: ResultCanceled, Err: v.err}
		default:
			outcomes[i] = b.fail(ctx, e, v.c, v.err)
		}
	}
	return outcomes
}
