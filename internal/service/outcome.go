package service

import (
	"github.com/d60-Lab/search-projector/internal/fault"
	"github.com/d60-Lab/search-projector/internal/model"
)

// Result 单个事件的处理结果
type Result uint8

const (
	ResultDone Result = iota + 1
	ResultNoop
	ResultRetry
	ResultFailed
	ResultOwnerMismatch
	ResultLeaseExpired
	// ResultCanceled 未开始或被停机打断
	ResultCanceled
	// ResultDeferred 同实体更早的事件未完成，本事件未执行
	ResultDeferred
	// ResultError 写回数据库失败，行仍为 processing
	ResultError
)

var resultNames = map[Result]string{
	ResultDone:          "done",
	ResultNoop:          "noop",
	ResultRetry:         "retry",
	ResultFailed:        "failed",
	ResultOwnerMismatch: "owner_mismatch",
	ResultLeaseExpired:  "lease_expired",
	ResultCanceled:      "canceled",
	ResultDeferred:      "deferred",
	ResultError:         "error",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return "unknown"
}

// Succeeded done 或幂等空操作
func (r Result) Succeeded() bool { return r == ResultDone || r == ResultNoop }

// NeedsRelease 行仍由本 worker 持有，需要退回 pending
func (r Result) NeedsRelease() bool {
	return r == ResultCanceled || r == ResultDeferred || r == ResultError
}

// Outcome 事件处理结果
type Outcome struct {
	Event    *model.OutboxEvent
	Result   Result
	Reason   fault.Reason
	Attempts int
	Err      error
}

// BatchSummary projection.process_batch 汇总
type BatchSummary struct {
	OK       int
	Retry    int
	Failed   int
	Skipped  int
	Released int
	Reason   fault.Reason
}

// Summarize 汇总；Reason 取首个失败原因
func Summarize(outcomes []Outcome) BatchSummary {
	var s BatchSummary
	for _, o := range outcomes {
		switch {
		case o.Result.Succeeded():
			s.OK++
		case o.Result == ResultRetry:
			s.Retry++
		case o.Result == ResultFailed:
			s.Failed++
		case o.Result.NeedsRelease():
			s.Released++
		default:
			s.Skipped++
		}
		if s.Reason == fault.ReasonNone && o.Reason != fault.ReasonNone {
			s.Reason = o.Reason
		}
	}
	return s
}

// Result 批次结论：success | partial | failed | empty
func (s BatchSummary) Result() string {
	bad := s.Retry + s.Failed + s.Skipped + s.Released
	switch {
	case s.OK == 0 && bad == 0:
		return "empty"
	case bad == 0:
		return "success"
	case s.OK == 0:
		return "failed"
	default:
		return "partial"
	}
}
