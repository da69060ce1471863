// Package handler 运行时与运维 HTTP 接口
package handler

import (
	"time"

	"github.com/d60-Lab/search-projector/internal/service"
	"github.com/d60-Lab/search-projector/pkg/clock"
)

// HealthSource 就绪状态来源
type HealthSource interface {
	Status() service.HealthStatus
}

// Ticker 主循环心跳
type Ticker interface {
	LastTick() time.Time
}

type Handler struct {
	admin  service.OutboxAdminService
	health HealthSource
	loop   Ticker
	clock  clock.Clock
	stale  time.Duration
}

func NewHandler(admin service.OutboxAdminService, health HealthSource, loop Ticker, clk clock.Clock, stale time.Duration) *Handler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Handler{admin: admin, health: health, loop: loop, clock: clk, stale: stale}
}
