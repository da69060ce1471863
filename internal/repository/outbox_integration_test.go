//go:build integration

package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/search-projector/internal/model"
)

func setupPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("projector"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(16)
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestIntegrationConcurrentClaimIsDisjoint(t *testing.T) {
	db := setupPostgres(t)
	for i := 0; i < 200; i++ {
		insertEvent(t, db, "book", fmt.Sprintf("b-%03d", i), model.OpUpsert, 1)
	}

	repo := NewOutboxRepository(db, ClaimAtomic)
	now := time.Now().UTC()
	var mu sync.Mutex
	claimedBy := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		owner := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claim, err := repo.Claim(context.Background(), owner, 25, 30*time.Second, now)
				if !assert.NoError(t, err) || len(claim.Events) == 0 {
					return
				}
				mu.Lock()
				for _, e := range claim.Events {
					prev, dup := claimedBy[e.ID]
					assert.False(t, dup, "event %s claimed by %s and %s", e.ID, prev, owner)
					claimedBy[e.ID] = owner
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, claimedBy, 200)

	for id, owner := range claimedBy {
		got := reload(t, db, id)
		require.NotNil(t, got.Owner)
		assert.Equal(t, owner, *got.Owner)
		assert.Equal(t, model.StatusProcessing, got.Status)
	}
}

func TestIntegrationGuardedWriteRejectsStaleOwner(t *testing.T) {
	db := setupPostgres(t)
	e := insertEvent(t, db, "book", "b-1", model.OpUpsert, 1)
	repo := NewOutboxRepository(db, ClaimAtomic)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.Claim(ctx, "worker-a", 10, time.Second, now)
	require.NoError(t, err)
	later := now.Add(2 * time.Second)
	n, err := repo.Reclaim(ctx, later, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	claim, err := repo.Claim(ctx, "worker-b", 10, 30*time.Second, later)
	require.NoError(t, err)
	require.Len(t, claim.Events, 1)

	assert.ErrorIs(t, repo.MarkDone(ctx, e.ID, "worker-a", later), ErrOwnerMismatch)
	require.NoError(t, repo.MarkDone(ctx, e.ID, "worker-b", later))
	assert.Equal(t, model.StatusDone, reload(t, db, e.ID).Status)
}
