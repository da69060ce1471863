package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// 工作状态
const (
	StateReady    = "READY"
	StateDraining = "DRAINING"
)

// Pinger 依赖探活
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus 最近一次探测结果
type HealthStatus struct {
	State        string    `json:"state"`
	DB           string    `json:"db"`
	Index        string    `json:"index"`
	RequireIndex bool      `json:"require_index"`
	ShuttingDown bool      `json:"shutting_down"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Prober 周期探测数据库与索引；失败时进入 DRAINING，停止认领新批次
type Prober struct {
	rt           *Runtime
	db           Pinger
	index        Pinger
	requireIndex bool
	interval     time.Duration
	timeout      time.Duration

	mu       sync.RWMutex
	status   HealthStatus
	shutdown atomic.Bool
}

func NewProber(rt *Runtime, db, index Pinger, requireIndex bool, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := interval / 2
	if timeout > 2*time.Second {
		timeout = 2 * time.Second
	}
	return &Prober{
		rt: rt, db: db, index: index, requireIndex: requireIndex, interval: interval, timeout: timeout,
		status: HealthStatus{State: StateDraining, DB: "unknown", Index: "unknown", RequireIndex: requireIndex},
	}
}

func probe(ctx context.Context, p Pinger, timeout time.Duration) string {
	if p == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return "down"
	}
	return "ok"
}

// Check 执行一次探测并更新状态
func (p *Prober) Check(ctx context.Context) HealthStatus {
	next := HealthStatus{
		DB:           probe(ctx, p.db, p.timeout),
		Index:        probe(ctx, p.index, p.timeout),
		RequireIndex: p.requireIndex,
		ShuttingDown: p.shutdown.Load(),
		CheckedAt:    p.rt.Clock.Now(),
	}
	ready := next.DB == "ok" && !next.ShuttingDown && (!p.requireIndex || next.Index == "ok")
	next.State = StateDraining
	if ready {
		next.State = StateReady
	}

	p.mu.Lock()
	prev := p.status
	p.status = next
	p.mu.Unlock()

	if prev.State != next.State {
		p.rt.Logger.Info("worker.state",
			zap.String("from", prev.State),
			zap.String("to", next.State),
			zap.String("db", next.DB),
			zap.String("index", next.Index))
	}
	if ready {
		p.rt.Metrics.Ready.Set(1)
	} else {
		p.rt.Metrics.Ready.Set(0)
	}
	return next
}

// Run 周期探测直到 ctx 结束
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Ready 允许认领新批次
func (p *Prober) Ready() bool {
	if p.shutdown.Load() {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.State == StateReady
}

// Drain 停机：readyz 立即失败
func (p *Prober) Drain() {
	p.shutdown.Store(true)
	p.mu.Lock()
	if p.status.State != StateDraining {
		p.rt.Logger.Info("worker.state", zap.String("from", p.status.State), zap.String("to", StateDraining), zap.String("cause", "shutdown"))
	}
	p.status.State = StateDraining
	p.status.ShuttingDown = true
	p.mu.Unlock()
	p.rt.Metrics.Ready.Set(0)
}

func (p *Prober) Status() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}
