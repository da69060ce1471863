package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/search-projector/internal/model"
)

func TestSearchIndexUpsertGetDelete(t *testing.T) {
	repo := NewSearchIndexRepository(setupDB(t))
	ctx := context.Background()

	_, err := repo.Get(ctx, "book", "b1")
	assert.ErrorIs(t, err, ErrNotFound)

	row := &model.SearchIndex{EntityType: "book", EntityID: "b1", Text: "hello", EventVersion: 1, UpdatedAt: t0}
	require.NoError(t, repo.Upsert(ctx, row))
	row.Text = "hello again"
	row.EventVersion = 2
	require.NoError(t, repo.Upsert(ctx, row))

	got, err := repo.Get(ctx, "book", "b1")
	require.NoError(t, err)
	assert.Equal(t, "hello again", got.Text)
	assert.EqualValues(t, 2, got.EventVersion)

	require.NoError(t, repo.Delete(ctx, "book", "b1"))
	_, err = repo.Get(ctx, "book", "b1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchIndexGetMany(t *testing.T) {
	repo := NewSearchIndexRepository(setupDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &model.SearchIndex{EntityType: "book", EntityID: "b1", Text: "one", UpdatedAt: t0}))
	require.NoError(t, repo.Upsert(ctx, &model.SearchIndex{EntityType: "block", EntityID: "b1", Text: "two", UpdatedAt: t0}))

	got, err := repo.GetMany(ctx, []EntityRef{{"book", "b1"}, {"book", "missing"}, {"block", "b1"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "one", got["book:b1"].Text)
	assert.Equal(t, "two", got["block:b1"].Text)

	empty, err := repo.GetMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestProjectionStatusSaveList(t *testing.T) {
	repo := NewProjectionStatusRepository(setupDB(t))
	ctx := context.Background()
	ok := true
	finished := t0.Add(-time.Hour)
	require.NoError(t, repo.Save(ctx, &model.ProjectionStatus{
		ProjectionName: "search_index", LastRebuildDuration: 12.5, LastRebuildFinishedAt: &finished, LastRebuildSuccess: &ok,
	}))
	rows, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 12.5, rows[0].LastRebuildDuration)
	assert.True(t, *rows[0].LastRebuildSuccess)
}

func TestDedupeTryAdvance(t *testing.T) {
	repo := NewDedupeRepository(setupDB(t))
	ctx := context.Background()
	key := DedupeKey{EventType: "block_updated", EntityID: "k1", ActorID: "u1", Window: time.Minute}

	base := time.Unix(1_700_000_040, 0).UTC() // 桶边界
	first, err := repo.TryAdvance(ctx, key, base)
	require.NoError(t, err)
	assert.True(t, first)

	same, err := repo.TryAdvance(ctx, key, base.Add(59*time.Second))
	require.NoError(t, err)
	assert.False(t, same, "same bucket is suppressed")

	// 时钟回退不会回写旧桶
	older, err := repo.TryAdvance(ctx, key, base.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.False(t, older)

	next, err := repo.TryAdvance(ctx, key, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, next)

	other := key
	other.SubID = "field:title"
	fresh, err := repo.TryAdvance(ctx, other, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, fresh, "sub id is part of the key")
}
