package service

import (
	"time"

	"github.com/d60-Lab/search-projector/internal/fault"
)

// RetryPolicy 重试/终态判定，纯函数
type RetryPolicy struct {
	MaxAttempts         int
	TerminalOnTransient bool
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	Rand                func() float64
}

// Decision 判定结果
type Decision struct {
	Retry       bool
	Attempts    int
	Backoff     time.Duration
	NextRetryAt time.Time
}

// Decide attempts 为当前已尝试次数
func (p RetryPolicy) Decide(attempts int, c fault.Classification, now time.Time) Decision {
	next := attempts + 1
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	capped := next
	if capped > limit {
		capped = limit
	}

	switch {
	case !c.Retryable:
		return Decision{Attempts: capped}
	case c.Transient() && !p.TerminalOnTransient:
		// 瞬时故障不计入终态，但存储的 attempts 不超过上限
		return p.retry(next, capped, now)
	case next < limit:
		return p.retry(next, next, now)
	default:
		return Decision{Attempts: capped}
	}
}

func (p RetryPolicy) retry(n, stored int, now time.Time) Decision {
	d := Backoff(n, p.BaseBackoff, p.MaxBackoff, p.Rand)
	return Decision{Retry: true, Attempts: stored, Backoff: d, NextRetryAt: now.Add(d)}
}
