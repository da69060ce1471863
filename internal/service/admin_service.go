package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/search-projector/internal/fault"
	"github.com/d60-Lab/search-projector/internal/model"
	"github.com/d60-Lab/search-projector/internal/repository"
)

var (
	ErrRedriveFilter = errors.New("redrive requires ids or reason")
	ErrUnknownReason = errors.New("unknown error reason")
)

const maxRedriveLimit = 1000

// OutboxOverview 运维视图：状态计数 + 投影重建状态
type OutboxOverview struct {
	Outbox      *repository.Stats        `json:"outbox"`
	Projections []model.ProjectionStatus `json:"projections"`
}

// RedriveRequest 按 ID 或按失败原因重放
type RedriveRequest struct {
	IDs    []string `json:"ids"`
	Reason string   `json:"reason"`
	Limit  int      `json:"limit"`
}

// OutboxAdminService 运维接口
type OutboxAdminService interface {
	Stats(ctx context.Context) (*OutboxOverview, error)
	Redrive(ctx context.Context, req RedriveRequest) (int64, error)
}

type outboxAdminService struct {
	rt            *Runtime
	repo          repository.OutboxRepository
	statuses      repository.ProjectionStatusRepository
	maxProcessing time.Duration
}

func NewOutboxAdminService(rt *Runtime, repo repository.OutboxRepository, statuses repository.ProjectionStatusRepository, maxProcessing time.Duration) OutboxAdminService {
	return &outboxAdminService{rt: rt, repo: repo, statuses: statuses, maxProcessing: maxProcessing}
}

func (s *outboxAdminService) Stats(ctx context.Context) (*OutboxOverview, error) {
	st, err := s.repo.Stats(ctx, s.rt.Clock.Now(), s.maxProcessing)
	if err != nil {
		return nil, err
	}
	rows, err := s.statuses.List(ctx)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []model.ProjectionStatus{}
	}
	return &OutboxOverview{Outbox: st, Projections: rows}, nil
}

func (s *outboxAdminService) Redrive(ctx context.Context, req RedriveRequest) (int64, error) {
	if len(req.IDs) == 0 && req.Reason == "" {
		return 0, ErrRedriveFilter
	}
	if req.Reason != "" {
		if _, ok := fault.ParseReason(req.Reason); !ok {
			return 0, ErrUnknownReason
		}
	}
	if req.Limit <= 0 || req.Limit > maxRedriveLimit {
		req.Limit = 100
	}
	n, err := s.repo.Redrive(ctx, repository.RedriveFilter{IDs: req.IDs, Reason: req.Reason, Limit: req.Limit}, s.rt.Clock.Now())
	if err != nil {
		return 0, err
	}
	s.rt.Logger.Info("outbox.redrive",
		zap.Int("ids", len(req.IDs)),
		zap.String("reason", req.Reason),
		zap.Int64("redriven", n))
	return n, nil
}
