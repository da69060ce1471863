package service

import (
	"context"
	"sort"
	"sync"

	"github.com/d60-Lab/search-projector/internal/model"
)

// Handler 处理单个事件
type Handler func(ctx context.Context, e *model.OutboxEvent) Outcome

// Dispatcher 有界并发 + 按实体串行。同一实体的事件组成一组，由一个 worker 按 event_version 顺序执行，
// 任一事件未成功时，同组后续事件不执行（Deferred）。
type Dispatcher struct {
	concurrency int
	locks       *KeyLocks
}

func NewDispatcher(concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{concurrency: concurrency, locks: NewKeyLocks(concurrency * 2)}
}

// Dispatch stop 结束后不再开始新事件；执行中的事件使用 work。返回结果与 events 一一对应。
func (d *Dispatcher) Dispatch(stop, work context.Context, events []*model.OutboxEvent, handle Handler) []Outcome {
	outcomes := make([]Outcome, len(events))
	groups := groupByEntity(events)
	if len(groups) == 0 {
		return outcomes
	}

	workers := d.concurrency
	if workers > len(groups) {
		workers = len(groups)
	}
	jobs := make(chan []int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range jobs {
				d.runGroup(stop, work, events, g, outcomes, handle)
			}
		}()
	}

feed:
	for gi, g := range groups {
		if stop.Err() != nil {
			markRest(events, groups[gi:], outcomes, ResultCanceled)
			break
		}
		select {
		case jobs <- g:
		case <-stop.Done():
			markRest(events, groups[gi:], outcomes, ResultCanceled)
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) runGroup(stop, work context.Context, events []*model.OutboxEvent, g []int, outcomes []Outcome, handle Handler) {
	for n, i := range g {
		e := events[i]
		if stop.Err() != nil {
			markRest(events, [][]int{g[n:]}, outcomes, ResultCanceled)
			return
		}
		key := e.EntityKey()
		if err := d.locks.Lock(work, key); err != nil {
			markRest(events, [][]int{g[n:]}, outcomes, ResultCanceled)
			return
		}
		out := handle(work, e)
		d.locks.Unlock(key)
		if out.Event == nil {
			out.Event = e
		}
		outcomes[i] = out
		if !out.Result.Succeeded() {
			markRest(events, [][]int{g[n+1:]}, outcomes, ResultDeferred)
			return
		}
	}
}

func markRest(events []*model.OutboxEvent, groups [][]int, outcomes []Outcome, r Result) {
	for _, g := range groups {
		for _, i := range g {
			outcomes[i] = Outcome{Event: events[i], Result: r}
		}
	}
}

// groupByEntity 按首次出现顺序分组，组内按 event_version 升序
func groupByEntity(events []*model.OutboxEvent) [][]int {
	index := make(map[string]int)
	var groups [][]int
	for i, e := range events {
		k := e.EntityKey()
		gi, ok := index[k]
		if !ok {
			gi = len(groups)
			index[k] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], i)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(a, b int) bool {
			return events[g[a]].EventVersion < events[g[b]].EventVersion
		})
	}
	return groups
}
