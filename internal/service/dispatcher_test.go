package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/d60-Lab/search-projector/internal/fault"
	"github.com/d60-Lab/search-projector/internal/model"
)

func ev(id, entity string, version int64) *model.OutboxEvent {
	return &model.OutboxEvent{ID: id, EntityType: "book", EntityID: entity, Op: model.OpUpsert, EventVersion: version}
}

func TestDispatchOrdersWithinEntity(t *testing.T) {
	events := []*model.OutboxEvent{
		ev("a3", "a", 3), ev("b1", "b", 1), ev("a1", "a", 1), ev("a2", "a", 2), ev("b2", "b", 2),
	}
	var mu sync.Mutex
	seen := map[string][]int64{}

	d := NewDispatcher(4)
	ctx := context.Background()
	outcomes := d.Dispatch(ctx, ctx, events, func(_ context.Context, e *model.OutboxEvent) Outcome {
		mu.Lock()
		seen[e.EntityID] = append(seen[e.EntityID], e.EventVersion)
		mu.Unlock()
		return Outcome{Event: e, Result: ResultDone}
	})

	assert.Equal(t, []int64{1, 2, 3}, seen["a"])
	assert.Equal(t, []int64{1, 2}, seen["b"])
	for i, o := range outcomes {
		assert.Equal(t, events[i].ID, o.Event.ID)
		assert.Equal(t, ResultDone, o.Result)
	}
}

func TestDispatchDefersAfterFailure(t *testing.T) {
	events := []*model.OutboxEvent{ev("a1", "a", 1), ev("a2", "a", 2), ev("b1", "b", 1)}
	d := NewDispatcher(2)
	ctx := context.Background()
	outcomes := d.Dispatch(ctx, ctx, events, func(_ context.Context, e *model.OutboxEvent) Outcome {
		if e.ID == "a1" {
			return Outcome{Event: e, Result: ResultRetry, Reason: fault.ReasonES5xx}
		}
		return Outcome{Event: e, Result: ResultDone}
	})

	assert.Equal(t, ResultRetry, outcomes[0].Result)
	assert.Equal(t, ResultDeferred, outcomes[1].Result)
	assert.True(t, outcomes[1].Result.NeedsRelease())
	assert.Equal(t, ResultDone, outcomes[2].Result)
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	var events []*model.OutboxEvent
	for i := 0; i < 20; i++ {
		events = append(events, ev(string(rune('a'+i)), string(rune('a'+i)), 1))
	}
	var running, peak atomic.Int32
	d := NewDispatcher(3)
	ctx := context.Background()
	d.Dispatch(ctx, ctx, events, func(_ context.Context, e *model.OutboxEvent) Outcome {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return Outcome{Event: e, Result: ResultDone}
	})
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestDispatchStopCancelsUnstarted(t *testing.T) {
	events := []*model.OutboxEvent{ev("a1", "a", 1), ev("a2", "a", 2)}
	stop, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(1)
	outcomes := d.Dispatch(stop, context.Background(), events, func(ctx context.Context, e *model.OutboxEvent) Outcome {
		// 执行中的事件不受 stop 影响
		cancel()
		assert.NoError(t, ctx.Err())
		return Outcome{Event: e, Result: ResultDone}
	})
	assert.Equal(t, ResultDone, outcomes[0].Result)
	assert.Equal(t, ResultCanceled, outcomes[1].Result)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]Outcome{
		{Result: ResultDone},
		{Result: ResultNoop},
		{Result: ResultRetry, Reason: fault.ReasonES429},
		{Result: ResultFailed, Reason: fault.ReasonES4xx},
		{Result: ResultCanceled},
		{Result: ResultOwnerMismatch, Reason: fault.ReasonOwnerMismatch},
	})
	assert.Equal(t, 2, s.OK)
	assert.Equal(t, 1, s.Retry)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Released)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, fault.ReasonES429, s.Reason)
	assert.Equal(t, "partial", s.Result())

	assert.Equal(t, "empty", Summarize(nil).Result())
	assert.Equal(t, "success", Summarize([]Outcome{{Result: ResultDone}}).Result())
	assert.Equal(t, "failed", Summarize([]Outcome{{Result: ResultRetry}}).Result())
}
