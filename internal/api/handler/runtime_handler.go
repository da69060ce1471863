package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/search-projector/internal/service"
	"github.com/d60-Lab/search-projector/pkg/response"
)

type liveness struct {
	LastTick   time.Time `json:"last_tick"`
	AgeSeconds float64   `json:"age_seconds"`
}

// Healthz 存活探针
// @Summary 存活探针（主循环心跳）
// @Tags 运行时
// @Produce json
// @Success 200 {object} response.Response{data=liveness}
// @Failure 503 {object} response.Response{data=liveness}
// @Router /healthz [get]
func (h *Handler) Healthz(c *gin.Context) {
	last := h.loop.LastTick()
	age := h.clock.Now().Sub(last)
	body := liveness{LastTick: last, AgeSeconds: age.Seconds()}
	if last.IsZero() || age > h.stale {
		response.ServiceUnavailable(c, body)
		return
	}
	response.Success(c, body)
}

// Readyz 就绪探针
// @Summary 就绪探针（依赖健康、未停机）
// @Tags 运行时
// @Produce json
// @Success 200 {object} response.Response{data=service.HealthStatus}
// @Failure 503 {object} response.Response{data=service.HealthStatus}
// @Router /readyz [get]
func (h *Handler) Readyz(c *gin.Context) {
	st := h.health.Status()
	if st.State != service.StateReady {
		response.ServiceUnavailable(c, st)
		return
	}
	response.Success(c, st)
}
