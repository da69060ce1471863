package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/search-projector/internal/model"
)

func TestAdminRedrive(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	a := env.upsert(t, "book", "b-1", "x")
	b := env.upsert(t, "book", "b-2", "y")
	for _, id := range []string{a.ID, b.ID} {
		require.NoError(t, env.db.Model(&model.OutboxEvent{}).Where("id = ?", id).Updates(map[string]any{
			"status":       model.StatusFailed,
			"attempts":     3,
			"error_reason": "es_4xx",
			"error":        "status 400",
		}).Error)
	}
	svc := NewOutboxAdminService(env.rt, env.repo, env.statuses, 5*time.Minute)

	_, err := svc.Redrive(ctx, RedriveRequest{})
	assert.ErrorIs(t, err, ErrRedriveFilter)
	_, err = svc.Redrive(ctx, RedriveRequest{Reason: "nope"})
	assert.ErrorIs(t, err, ErrUnknownReason)

	n, err := svc.Redrive(ctx, RedriveRequest{IDs: []string{a.ID}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got := env.reload(t, a.ID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.ErrorReason)

	n, err = svc.Redrive(ctx, RedriveRequest{Reason: "es_4xx"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, model.StatusPending, env.reload(t, b.ID).Status)
}

func TestAdminStats(t *testing.T) {
	env := newEnv(t)
	env.upsert(t, "book", "b-1", "x")
	svc := NewOutboxAdminService(env.rt, env.repo, env.statuses, 5*time.Minute)

	o, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), o.Outbox.Pending)
	assert.Equal(t, int64(1), o.Outbox.Lag)
	assert.NotNil(t, o.Projections)
	assert.Empty(t, o.Projections)
}
