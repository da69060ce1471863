// Package clock 提供可替换的时钟，墙钟用于持久化时间戳，单调时钟用于耗时统计。
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	// Now 返回 UTC 墙钟时间（写库、租约、重试时间）
	Now() time.Time
	// Since 基于单调时钟的耗时
	Since(t time.Time) time.Duration
}

type realClock struct{}

// Real 系统时钟
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                  { return time.Now().UTC() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Manual 手动推进的时钟，供测试使用
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual { return &Manual{now: start.UTC()} }

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Since(t time.Time) time.Duration { return m.Now().Sub(t) }

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}
