package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/search-projector/internal/model"
	"github.com/d60-Lab/search-projector/internal/repository"
)

func TestPublisherAssignsVersions(t *testing.T) {
	env := newEnv(t)
	e1 := env.upsert(t, "book", "b-1", "v1")
	e2 := env.upsert(t, "book", "b-1", "v2")
	other := env.upsert(t, "book", "b-2", "x")
	e3 := env.remove(t, "book", "b-1")

	assert.Equal(t, int64(1), e1.EventVersion)
	assert.Equal(t, int64(2), e2.EventVersion)
	assert.Equal(t, int64(1), other.EventVersion)
	assert.Equal(t, int64(3), e3.EventVersion)
	assert.Equal(t, model.OpDelete, e3.Op)
	assert.Equal(t, model.StatusPending, env.reload(t, e3.ID).Status)
	assert.Nil(t, e1.Traceparent)

	_, err := env.reads.Get(context.Background(), "book", "b-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	row, err := env.reads.Get(context.Background(), "book", "b-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.EventVersion)
}

func TestPublisherRollsBackWithDomainWrite(t *testing.T) {
	env := newEnv(t)
	boom := assert.AnError
	err := env.pub.InTx(context.Background(), func(tx *gorm.DB) error {
		if _, err := env.pub.Upsert(context.Background(), tx, SearchDocument{EntityType: "book", EntityID: "b-1"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int64
	require.NoError(t, env.db.Model(&model.OutboxEvent{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestPublisherRejectsMissingIdentity(t *testing.T) {
	env := newEnv(t)
	_, err := env.pub.Upsert(context.Background(), env.db, SearchDocument{EntityType: "book"})
	assert.ErrorIs(t, err, ErrInvalidDocument)
	_, err = env.pub.Delete(context.Background(), env.db, "", "b-1")
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestEmitDedupedSuppressesWithinWindow(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	key := repository.DedupeKey{EventType: "block.updated", SubID: "blk-1", ActorID: "u-1", Window: time.Minute}
	doc := SearchDocument{EntityType: "block", EntityID: "blk-1", Text: "draft"}

	emit := func() bool {
		var emitted bool
		require.NoError(t, env.pub.InTx(ctx, func(tx *gorm.DB) error {
			_, ok, err := env.pub.EmitDeduped(ctx, tx, key, doc)
			emitted = ok
			return err
		}))
		return emitted
	}

	env.clock.Set(t0)
	assert.True(t, emit())
	env.clock.Advance(10 * time.Second)
	assert.False(t, emit())
	env.clock.Advance(time.Minute)
	assert.True(t, emit())

	var n int64
	require.NoError(t, env.db.Model(&model.OutboxEvent{}).Where("entity_id = ?", "blk-1").Count(&n).Error)
	assert.Equal(t, int64(2), n)
}
