package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/d60-Lab/search-projector/internal/fault"
	"github.com/d60-Lab/search-projector/internal/model"
	"github.com/d60-Lab/search-projector/internal/repository"
	"github.com/d60-Lab/search-projector/pkg/logger"
)

// settler 把单个事件的结果写回 outbox 行并更新指标，单条与 bulk 两条路径共用
type settler struct {
	rt     *Runtime
	repo   repository.OutboxRepository
	policy RetryPolicy
	owner  string
}

func eventFields(e *model.OutboxEvent) []zap.Field {
	return []zap.Field{
		zap.String("outbox_event_id", e.ID),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.String("op", string(e.Op)),
		zap.Int64("event_version", e.EventVersion),
		zap.Int("attempt", e.Attempts+1),
	}
}

func (s *settler) log(ctx context.Context) *zap.Logger { return logger.WithContext(ctx, s.rt.Logger) }

// verify 校验行仍属于本 worker
func (s *settler) verify(ctx context.Context, fresh *model.OutboxEvent) (Outcome, bool) {
	now := s.rt.Clock.Now()
	if fresh.OwnedBy(s.owner, now) {
		return Outcome{}, true
	}
	out := Outcome{Event: fresh, Result: ResultOwnerMismatch, Reason: fault.ReasonOwnerMismatch}
	if fresh.Status == model.StatusProcessing && fresh.Owner != nil && *fresh.Owner == s.owner {
		out.Result, out.Reason = ResultLeaseExpired, fault.ReasonLeaseExpired
	}
	s.rt.Metrics.OwnerMismatch.Inc()
	s.log(ctx).Warn("outbox.owner_mismatch", append(eventFields(fresh),
		zap.String("reason", out.Reason.String()),
		zap.String("status", string(fresh.Status)))...)
	return out, false
}

// done 成功或幂等空操作（noop 非空）
func (s *settler) done(ctx context.Context, e *model.OutboxEvent, noop string) Outcome {
	now := s.rt.Clock.Now()
	if err := s.repo.MarkDone(ctx, e.ID, s.owner, now); err != nil {
		return s.writeFailed(ctx, e, err)
	}
	m := s.rt.Metrics
	op := string(e.Op)
	out := Outcome{Event: e, Result: ResultDone, Attempts: e.Attempts}
	if noop != "" {
		m.IdempotentNoop.WithLabelValues(op, noop).Inc()
		out.Result = ResultNoop
	} else {
		m.Processed.WithLabelValues(op).Inc()
	}
	m.LastSuccess.Set(float64(now.UnixNano()) / 1e9)
	fields := append(eventFields(e), zap.String("result", out.Result.String()))
	if noop != "" {
		fields = append(fields, zap.String("noop_reason", noop))
	}
	s.log(ctx).Debug("outbox.process", fields...)
	return out
}

// fail 分类后交给重试策略
func (s *settler) fail(ctx context.Context, e *model.OutboxEvent, c fault.Classification, cause error) Outcome {
	now := s.rt.Clock.Now()
	d := s.policy.Decide(e.Attempts, c, now)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	f := repository.Failure{Attempts: d.Attempts, Reason: c.Reason, Error: msg, NextRetryAt: d.NextRetryAt}

	m := s.rt.Metrics
	op, reason := string(e.Op), c.Reason.String()
	m.Failed.WithLabelValues(op, reason).Inc()

	var err error
	if d.Retry {
		err = s.repo.ScheduleRetry(ctx, e.ID, s.owner, f, now)
	} else {
		err = s.repo.MarkFailed(ctx, e.ID, s.owner, f, now)
	}
	if err != nil {
		return s.writeFailed(ctx, e, err)
	}

	fields := append(eventFields(e),
		zap.String("reason", reason),
		zap.Int("status_code", c.StatusCode),
		zap.String("error", fault.SanitizeText(msg)))
	out := Outcome{Event: e, Reason: c.Reason, Attempts: d.Attempts, Err: cause}
	if d.Retry {
		out.Result = ResultRetry
		m.RetryScheduled.WithLabelValues(op, reason).Inc()
		s.log(ctx).Warn("outbox.process", append(fields,
			zap.String("result", "retry"),
			zap.Duration("backoff", d.Backoff),
			zap.Time("next_retry_at", d.NextRetryAt))...)
		return out
	}
	out.Result = ResultFailed
	m.TerminalFailed.WithLabelValues(op, reason).Inc()
	s.log(ctx).Error("outbox.process", append(fields, zap.String("result", "failed"))...)
	s.rt.Reporter.CaptureError(ctx, cause, map[string]string{
		"reason":          reason,
		"op":              op,
		"entity_type":     e.EntityType,
		"outbox_event_id": e.ID,
	})
	return out
}

// writeFailed 写回失败：所有权丢失、停机或数据库错误
func (s *settler) writeFailed(ctx context.Context, e *model.OutboxEvent, err error) Outcome {
	switch {
	case errors.Is(err, repository.ErrOwnerMismatch):
		s.rt.Metrics.OwnerMismatch.Inc()
		s.log(ctx).Warn("outbox.owner_mismatch", append(eventFields(e),
			zap.String("reason", fault.ReasonOwnerMismatch.String()))...)
		return Outcome{Event: e, Result: ResultOwnerMismatch, Reason: fault.ReasonOwnerMismatch}
	case ctx.Err() != nil:
		return Outcome{Event: e, Result: ResultCanceled, Err: err}
	default:
		s.log(ctx).Error("outbox.write_result", append(eventFields(e), zap.Error(err))...)
		return Outcome{Event: e, Result: ResultError, Err: err}
	}
}

// indexError 索引调用失败：停机打断不计为失败
func (s *settler) indexError(ctx context.Context, e *model.OutboxEvent, err error) Outcome {
	if ctx.Err() != nil {
		return Outcome{Event: e, Result: ResultCanceled, Err: err}
	}
	return s.fail(ctx, e, fault.Classify(err), err)
}
