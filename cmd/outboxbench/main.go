// outboxbench 通过 Publisher 写入 N 个事件，启动 projector，统计 outbox→done 的落地延迟
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/d60-Lab/search-projector/config"
	"github.com/d60-Lab/search-projector/internal/esclient"
	"github.com/d60-Lab/search-projector/internal/model"
	"github.com/d60-Lab/search-projector/internal/repository"
	"github.com/d60-Lab/search-projector/internal/service"
	"github.com/d60-Lab/search-projector/pkg/database"
	"github.com/d60-Lab/search-projector/pkg/logger"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func main() {
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	if err := repository.AutoMigrate(db); err != nil {
		panic(err)
	}
	log := must(logger.New(cfg.LogLevel, cfg.LogFormat))

	events := envInt("EVENTS", 5000)
	entities := envInt("ENTITIES", 500)

	// 清理上次运行的数据
	_ = db.Exec("DELETE FROM outbox_event").Error
	_ = db.Exec("DELETE FROM search_index").Error

	index := must(esclient.New(esclient.Config{URL: cfg.IndexURL, Timeout: cfg.IndexTimeout(), MaxRPS: float64(cfg.IndexMaxRPS), Logger: log}))
	ctx := context.Background()
	if err := index.EnsureIndex(ctx, cfg.IndexName); err != nil {
		panic(err)
	}

	ids := make([]string, entities)
	for i := range ids {
		ids[i] = uuid.New().String()
	}
	publisher := service.NewPublisher(db, nil)
	pubDurations := make([]time.Duration, 0, events)
	for i := 0; i < events; i++ {
		st := time.Now()
		err := publisher.InTx(ctx, func(tx *gorm.DB) error {
			_, err := publisher.Upsert(ctx, tx, service.SearchDocument{
				EntityType: "book",
				EntityID:   ids[i%entities],
				LibraryID:  "bench",
				Text:       fmt.Sprintf("bench document %d", i),
				RankScore:  float64(i),
			})
			return err
		})
		if err != nil {
			panic(err)
		}
		pubDurations = append(pubDurations, time.Since(st))
	}

	rt := service.NewRuntime(log, nil, nil, nil, nil)
	outbox := repository.NewOutboxRepository(db, repository.ClaimMode(cfg.ClaimMode))
	p := service.NewProjector(rt, service.Options{
		Owner:         cfg.WorkerID,
		IndexName:     cfg.IndexName,
		BatchSize:     cfg.BatchSize,
		Concurrency:   cfg.Concurrency,
		UseBulk:       cfg.UseBulk,
		ClaimMode:     repository.ClaimMode(cfg.ClaimMode),
		PollInterval:  20 * time.Millisecond,
		Lease:         cfg.Lease(),
		MaxProcessing: cfg.MaxProcessing(),
		ShutdownGrace: cfg.ShutdownGrace(),
		Policy: service.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseBackoff: cfg.BaseBackoff(),
			MaxBackoff:  cfg.MaxBackoff(),
		},
	}, outbox, repository.NewSearchIndexRepository(db), nil, index, nil, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- p.Run(runCtx) }()

	timeout := time.After(5 * time.Minute)
	for {
		st := must(outbox.Stats(ctx, time.Now().UTC(), cfg.MaxProcessing()))
		if st.Lag == 0 {
			break
		}
		select {
		case <-timeout:
			fmt.Printf("timeout while draining outbox: lag=%d\n", st.Lag)
			goto PRINT
		case <-time.After(100 * time.Millisecond):
		}
	}

PRINT:
	elapsed := time.Since(start)
	cancel()
	<-done

	var rows []model.OutboxEvent
	_ = db.Where("status = ?", model.StatusDone).Find(&rows).Error
	land := make([]time.Duration, 0, len(rows))
	for _, r := range rows {
		if r.ProcessedAt != nil {
			land = append(land, r.ProcessedAt.Sub(r.CreatedAt))
		}
	}

	var pubSum time.Duration
	for _, d := range pubDurations {
		pubSum += d
	}
	fmt.Printf("EVENTS=%d ENTITIES=%d BATCH=%d CONCURRENCY=%d BULK=%v CLAIM_MODE=%s\n",
		events, entities, cfg.BatchSize, cfg.Concurrency, cfg.UseBulk, cfg.ClaimMode)
	fmt.Printf("Publish tx latency: avg=%v p95=%v p99=%v\n",
		pubSum/time.Duration(len(pubDurations)), pct(pubDurations, 0.95), pct(pubDurations, 0.99))
	if len(land) == 0 {
		fmt.Println("Projection landing: no samples")
		return
	}
	var landSum time.Duration
	for _, d := range land {
		landSum += d
	}
	fmt.Printf("Projection landing (outbox->done): samples=%d avg=%v p95=%v p99=%v drain=%v (%.0f events/s)\n",
		len(land), landSum/time.Duration(len(land)), pct(land, 0.95), pct(land, 0.99), elapsed,
		float64(len(land))/elapsed.Seconds())
}
