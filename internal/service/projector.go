package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/search-projector/internal/esclient"
	"github.com/d60-Lab/search-projector/internal/lock"
	"github.com/d60-Lab/search-projector/internal/model"
	"github.com/d60-Lab/search-projector/internal/repository"
	"github.com/d60-Lab/search-projector/pkg/logger"
	"github.com/d60-Lab/search-projector/pkg/tracing"
)

const (
	reclaimLockKey = "outbox:reclaim"
	releaseTimeout = 5 * time.Second
)

// Options projector 运行参数
type Options struct {
	Owner           string
	IndexName       string
	BatchSize       int
	Concurrency     int
	UseBulk         bool
	ClaimMode       repository.ClaimMode
	PollInterval    time.Duration
	Lease           time.Duration
	ReclaimInterval time.Duration
	MaxProcessing   time.Duration
	ShutdownGrace   time.Duration
	StatsInterval   time.Duration
	Policy          RetryPolicy
}

func (o *Options) normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.ClaimMode == "" {
		o.ClaimMode = repository.ClaimAtomic
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = 10 * time.Second
	}
	if o.MaxProcessing <= 0 {
		o.MaxProcessing = 300 * time.Second
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = 15 * time.Second
	}
}

// Gate 依赖健康门：false 时不认领新批次
type Gate interface {
	Ready() bool
}

type alwaysReady struct{}

func (alwaysReady) Ready() bool { return true }

// Projector outbox → 搜索索引投影循环：sanitize → claim → dispatch → 写回，周期性回收与统计
type Projector struct {
	rt         *Runtime
	opts       Options
	repo       repository.OutboxRepository
	statuses   repository.ProjectionStatusRepository
	locker     lock.Locker
	gate       Gate
	dispatcher *Dispatcher
	single     *Applier
	bulk       *BulkApplier

	lastTick atomic.Int64
}

func NewProjector(rt *Runtime, opts Options, repo repository.OutboxRepository, reads repository.SearchIndexRepository,
	statuses repository.ProjectionStatusRepository, index esclient.Client, locker lock.Locker, gate Gate) *Projector {
	opts.normalize()
	if locker == nil {
		locker = lock.Local{}
	}
	if gate == nil {
		gate = alwaysReady{}
	}
	return &Projector{
		rt:         rt,
		opts:       opts,
		repo:       repo,
		statuses:   statuses,
		locker:     locker,
		gate:       gate,
		dispatcher: NewDispatcher(opts.Concurrency),
		single:     NewApplier(rt, repo, reads, index, opts.IndexName, opts.Owner, opts.Policy),
		bulk:       NewBulkApplier(rt, repo, reads, index, opts.IndexName, opts.Owner, opts.Policy),
	}
}

func (p *Projector) touch() { p.lastTick.Store(p.rt.Clock.Now().UnixNano()) }

// LastTick 最近一次循环时间，healthz 使用
func (p *Projector) LastTick() time.Time {
	n := p.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (p *Projector) mode() string {
	if p.opts.UseBulk {
		return "bulk"
	}
	return "single"
}

// Run 主循环。ctx 取消后：不再认领，在途批次最多等待 ShutdownGrace，未完成的行退回 pending，然后返回。
func (p *Projector) Run(ctx context.Context) error {
	log := p.rt.Logger
	log.Info("outbox_worker.start",
		zap.String("owner", p.opts.Owner),
		zap.String("mode", p.mode()),
		zap.String("claim_mode", string(p.opts.ClaimMode)),
		zap.Int("batch_size", p.opts.BatchSize),
		zap.Int("concurrency", p.opts.Concurrency))

	p.touch()
	p.reclaim(ctx)
	p.refreshStats(ctx)

	reclaimTicker := time.NewTicker(p.opts.ReclaimInterval)
	defer reclaimTicker.Stop()
	statsTicker := time.NewTicker(p.opts.StatsInterval)
	defer statsTicker.Stop()

	for {
		p.touch()
		claimed := 0
		if p.gate.Ready() {
			n, err := p.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error("outbox_worker.loop", zap.Error(err))
			}
			claimed = n
		}
		if ctx.Err() != nil {
			log.Info("outbox_worker.stop", zap.String("owner", p.opts.Owner))
			return nil
		}

		// 满批立即继续，否则空闲等待
		if claimed >= p.opts.BatchSize {
			select {
			case <-reclaimTicker.C:
				p.reclaim(ctx)
			case <-statsTicker.C:
				p.refreshStats(ctx)
			default:
			}
			continue
		}
		idle := time.NewTimer(p.opts.PollInterval)
		select {
		case <-ctx.Done():
		case <-idle.C:
		case <-reclaimTicker.C:
			p.reclaim(ctx)
		case <-statsTicker.C:
			p.refreshStats(ctx)
		}
		idle.Stop()
	}
}

// RunOnce 一个周期：sanitize → claim → 处理。返回认领行数。
func (p *Projector) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	ctx, span := p.rt.Tracer.Start(ctx, "outbox_worker.loop")
	defer span.End()

	p.sanitize(ctx)

	claim, err := p.claim(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if len(claim.Events) == 0 {
		return 0, nil
	}
	p.process(ctx, claim)
	return len(claim.Events), nil
}

func (p *Projector) sanitize(ctx context.Context) {
	n, err := p.repo.Sanitize(ctx, p.rt.Clock.Now())
	if err != nil {
		if ctx.Err() == nil {
			p.rt.Logger.Warn("outbox.sanitize", zap.Error(err))
		}
		return
	}
	if n > 0 {
		p.rt.Metrics.Sanitized.Add(float64(n))
		p.rt.Logger.Info("outbox.sanitize", zap.Int64("fixed", n))
	}
}

func (p *Projector) claim(ctx context.Context) (*repository.Claim, error) {
	ctx, span := p.rt.Tracer.Start(ctx, "outbox.claim_batch", trace.WithAttributes(
		attribute.Int("batch_size", p.opts.BatchSize),
		attribute.String("claim_mode", string(p.opts.ClaimMode))))
	defer span.End()

	claim, err := p.repo.Claim(ctx, p.opts.Owner, p.opts.BatchSize, p.opts.Lease, p.rt.Clock.Now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("claim_batch_id", claim.BatchID),
		attribute.Int("claimed", len(claim.Events)))

	fields := []zap.Field{
		zap.String("claim_batch_id", claim.BatchID),
		zap.Int("claimed", len(claim.Events)),
		zap.Int("batch_size", p.opts.BatchSize),
		zap.String("claim_mode", string(p.opts.ClaimMode)),
	}
	log := logger.WithContext(ctx, p.rt.Logger)
	if len(claim.Events) == 0 {
		log.Debug("outbox.claim_batch", fields...)
		return claim, nil
	}
	p.rt.Metrics.Claimed.Add(float64(len(claim.Events)))
	log.Info("outbox.claim_batch", fields...)
	return claim, nil
}

// batchSpan 以首个携带 traceparent 的事件为父 span，其余事件作为 link
func (p *Projector) batchSpan(ctx context.Context, claim *repository.Claim) (context.Context, trace.Span) {
	var links []trace.Link
	parented := false
	for _, e := range claim.Events {
		sc, ok := tracing.Extract(deref(e.Traceparent), deref(e.Tracestate))
		if !ok {
			continue
		}
		if !parented {
			ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
			parented = true
			continue
		}
		links = append(links, trace.Link{SpanContext: sc})
	}
	return p.rt.Tracer.Start(ctx, "projection.process_batch",
		trace.WithLinks(links...),
		trace.WithAttributes(
			attribute.String("claim_batch_id", claim.BatchID),
			attribute.Int("claimed", len(claim.Events)),
			attribute.String("mode", p.mode())))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (p *Projector) process(stop context.Context, claim *repository.Claim) []Outcome {
	work, cancelWork := context.WithCancel(context.WithoutCancel(stop))
	defer cancelWork()
	work, span := p.batchSpan(work, claim)
	defer span.End()

	finished := make(chan struct{})
	var bg sync.WaitGroup
	bg.Add(2)
	// 停机宽限：stop 后最多再给在途事件 ShutdownGrace
	go func() {
		defer bg.Done()
		select {
		case <-stop.Done():
			t := time.NewTimer(p.opts.ShutdownGrace)
			defer t.Stop()
			select {
			case <-t.C:
				cancelWork()
			case <-finished:
			}
		case <-finished:
		}
	}()

	tracker := newClaimTracker(claim.Events)
	go func() {
		defer bg.Done()
		p.renewLeases(work, tracker, finished)
	}()

	m := p.rt.Metrics
	var outcomes []Outcome
	if p.opts.UseBulk {
		m.Inflight.Add(float64(len(claim.Events)))
		outcomes = p.bulk.ApplyBatch(stop, work, claim.Events)
		m.Inflight.Sub(float64(len(claim.Events)))
	} else {
		outcomes = p.dispatcher.Dispatch(stop, work, claim.Events, func(ctx context.Context, e *model.OutboxEvent) Outcome {
			m.Inflight.Inc()
			defer m.Inflight.Dec()
			out := p.single.Apply(ctx, e)
			if !out.Result.NeedsRelease() {
				tracker.settle(e.ID)
			}
			return out
		})
	}
	close(finished)
	bg.Wait()

	var release []string
	for _, o := range outcomes {
		if o.Result.NeedsRelease() {
			release = append(release, o.Event.ID)
		}
	}
	p.release(stop, claim.BatchID, release)

	s := Summarize(outcomes)
	span.SetAttributes(
		attribute.String("result", s.Result()),
		attribute.Int("ok_count", s.OK),
		attribute.Int("retry_count", s.Retry),
		attribute.Int("failed_count", s.Failed))
	logger.WithContext(work, p.rt.Logger).Info("projection.process_batch",
		zap.String("claim_batch_id", claim.BatchID),
		zap.String("result", s.Result()),
		zap.String("reason", s.Reason.String()),
		zap.Int("ok_count", s.OK),
		zap.Int("retry_count", s.Retry),
		zap.Int("failed_count", s.Failed),
		zap.Int("skipped_count", s.Skipped),
		zap.Int("released_count", s.Released),
		zap.String("mode", p.mode()))
	return outcomes
}

// renewLeases 每 lease/3 为仍未完成的行续租，单条语句；同时刷新 lastTick
func (p *Projector) renewLeases(ctx context.Context, tracker *claimTracker, finished <-chan struct{}) {
	every := p.opts.Lease / 3
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-finished:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 慢批次期间保持存活信号
			p.touch()
			ids := tracker.pending()
			if len(ids) == 0 {
				continue
			}
			n, err := p.repo.RenewLease(ctx, ids, p.opts.Owner, p.opts.Lease, p.rt.Clock.Now())
			if err != nil {
				if ctx.Err() == nil {
					p.rt.Logger.Warn("outbox.renew_lease", zap.Error(err), zap.Int("rows", len(ids)))
				}
				continue
			}
			if int(n) < len(ids) {
				p.rt.Logger.Debug("outbox.renew_lease", zap.Int("rows", len(ids)), zap.Int64("renewed", n))
			}
		}
	}
}

// release 未完成的认领行退回 pending。使用独立超时，停机后仍可执行。
func (p *Projector) release(parent context.Context, batchID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), releaseTimeout)
	defer cancel()
	n, err := p.repo.Release(ctx, ids, p.opts.Owner, p.rt.Clock.Now())
	if err != nil {
		p.rt.Logger.Error("outbox.release", zap.String("claim_batch_id", batchID), zap.Int("rows", len(ids)), zap.Error(err))
		return
	}
	p.rt.Metrics.Released.Add(float64(n))
	p.rt.Logger.Info("outbox.release", zap.String("claim_batch_id", batchID), zap.Int("rows", len(ids)), zap.Int64("released", n))
}

// reclaim 回收卡住的 processing 行；多实例时通过锁保证每个周期只有一个实例扫描
func (p *Projector) reclaim(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	unlock, ok, err := p.locker.TryLock(ctx, reclaimLockKey, p.opts.ReclaimInterval)
	if err != nil {
		// 锁服务不可用时仍执行回收
		p.rt.Logger.Warn("outbox.reclaim_lock", zap.Error(err))
		unlock, ok = nil, true
	}
	if !ok {
		return
	}
	n, err := p.repo.Reclaim(ctx, p.rt.Clock.Now(), p.opts.MaxProcessing)
	if err != nil {
		if unlock != nil {
			_ = unlock(context.WithoutCancel(ctx))
		}
		if ctx.Err() == nil {
			p.rt.Logger.Error("outbox.reclaim", zap.Error(err))
		}
		return
	}
	if n > 0 {
		p.rt.Metrics.Reclaimed.Add(float64(n))
		p.rt.Logger.Info("outbox.reclaim", zap.Int64("reclaimed", n))
	}
}

// refreshStats 刷新 lag/stuck/oldest 与投影状态 gauge
func (p *Projector) refreshStats(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m := p.rt.Metrics
	s, err := p.repo.Stats(ctx, p.rt.Clock.Now(), p.opts.MaxProcessing)
	if err != nil {
		p.rt.Logger.Warn("outbox.stats", zap.Error(err))
	} else {
		m.Lag.Set(float64(s.Lag))
		m.Stuck.Set(float64(s.Stuck))
		m.OldestAge.Set(s.OldestAge)
	}
	if p.statuses == nil {
		return
	}
	rows, err := p.statuses.List(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.rt.Logger.Warn("projection.status", zap.Error(err))
		}
		return
	}
	for _, r := range rows {
		m.RebuildDuration.WithLabelValues(r.ProjectionName).Set(r.LastRebuildDuration)
		if r.LastRebuildFinishedAt != nil {
			m.RebuildFinished.WithLabelValues(r.ProjectionName).Set(float64(r.LastRebuildFinishedAt.Unix()))
		}
		if r.LastRebuildSuccess != nil {
			v := 0.0
			if *r.LastRebuildSuccess {
				v = 1
			}
			m.RebuildSuccess.WithLabelValues(r.ProjectionName).Set(v)
		}
	}
}

// claimTracker 本批次中仍由本 worker 持有、尚未写回的行
type claimTracker struct {
	mu   sync.Mutex
	open map[string]struct{}
}

func newClaimTracker(events []*model.OutboxEvent) *claimTracker {
	t := &claimTracker{open: make(map[string]struct{}, len(events))}
	for _, e := range events {
		t.open[e.ID] = struct{}{}
	}
	return t
}

func (t *claimTracker) settle(id string) {
	t.mu.Lock()
	delete(t.open, id)
	t.mu.Unlock()
}

func (t *claimTracker) pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.open))
	for id := range t.open {
		ids = append(ids, id)
	}
	return ids
}
