package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/search-projector/internal/service"
	"github.com/d60-Lab/search-projector/pkg/response"
)

type redriveRequest struct {
	IDs    []string `json:"ids" binding:"omitempty,max=1000,dive,uuid"`
	Reason string   `json:"reason"`
	Limit  int      `json:"limit" binding:"omitempty,min=1,max=1000"`
}

// OutboxStats outbox 状态统计
// @Summary outbox 状态统计与投影重建状态
// @Tags outbox
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response{data=service.OutboxOverview}
// @Failure 401 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /admin/outbox/stats [get]
func (h *Handler) OutboxStats(c *gin.Context) {
	o, err := h.admin.Stats(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, o)
}

// Redrive 重放失败事件
// @Summary 将 failed 事件重置为 pending（按 ID 或失败原因）
// @Tags outbox
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body redriveRequest true "重放条件"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /admin/outbox/redrive [post]
func (h *Handler) Redrive(c *gin.Context) {
	var req redriveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	n, err := h.admin.Redrive(c.Request.Context(), service.RedriveRequest{IDs: req.IDs, Reason: req.Reason, Limit: req.Limit})
	switch {
	case errors.Is(err, service.ErrRedriveFilter), errors.Is(err, service.ErrUnknownReason):
		response.BadRequest(c, err.Error())
		return
	case err != nil:
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"redriven": n})
}
