// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoshizora/mikanarr/internal/database"
	"github.com/hoshizora/mikanarr/internal/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnsureIsIdempotent(t *testing.T) {
	t.Parallel()

	store := models.NewSubscriptionStore(newTestDB(t))
	ctx := context.Background()

	first, err := store.Ensure(ctx, 424883, "葬送的芙莉莲", "3141")
	require.NoError(t, err)
	second, err := store.Ensure(ctx, 424883, "different title", "9999")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// The existing row wins; the second call does not overwrite it.
	assert.Equal(t, "葬送的芙莉莲", second.Title)
	assert.True(t, second.IsEnabled)
}

func TestEnsureRejectsNonPositiveBangumiID(t *testing.T) {
	t.Parallel()

	store := models.NewSubscriptionStore(newTestDB(t))

	_, err := store.Ensure(context.Background(), 0, "x", "1")
	assert.Error(t, err)
}

func TestListEnabledForPollOrdersNeverCheckedFirst(t *testing.T) {
	t.Parallel()

	store := models.NewSubscriptionStore(newTestDB(t))
	ctx := context.Background()

	oldest, err := store.Ensure(ctx, 1, "checked long ago", "1001")
	require.NoError(t, err)
	recent, err := store.Ensure(ctx, 2, "checked recently", "1002")
	require.NoError(t, err)
	fresh, err := store.Ensure(ctx, 3, "never checked", "1003")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.UpdateCheckTimestamps(ctx, oldest.ID, now.Add(-2*time.Hour), nil, 0))
	require.NoError(t, store.UpdateCheckTimestamps(ctx, recent.ID, now.Add(-5*time.Minute), nil, 0))

	subs, err := store.ListEnabledForPoll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, subs, 3)

	assert.Equal(t, fresh.ID, subs[0].ID)
	assert.Equal(t, oldest.ID, subs[1].ID)
	assert.Equal(t, recent.ID, subs[2].ID)
}

func TestListEnabledForPollSkipsDisabledAndSentinel(t *testing.T) {
	t.Parallel()

	store := models.NewSubscriptionStore(newTestDB(t))
	ctx := context.Background()

	_, err := store.EnsureSentinel(ctx)
	require.NoError(t, err)

	enabled, err := store.Ensure(ctx, 1, "enabled", "1001")
	require.NoError(t, err)

	disabled, err := store.Ensure(ctx, 2, "disabled", "1002")
	require.NoError(t, err)
	disabled.IsEnabled = false
	_, err = store.Update(ctx, disabled)
	require.NoError(t, err)

	subs, err := store.ListEnabledForPoll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, enabled.ID, subs[0].ID)
}

func TestUpdateCheckTimestamps(t *testing.T) {
	t.Parallel()

	store := models.NewSubscriptionStore(newTestDB(t))
	ctx := context.Background()

	sub, err := store.Ensure(ctx, 1, "show", "1001")
	require.NoError(t, err)
	require.Nil(t, sub.LastCheckedAt)

	checkedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpdateCheckTimestamps(ctx, sub.ID, checkedAt, nil, 0))

	afterCheck, err := store.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, afterCheck.LastCheckedAt)
	assert.Nil(t, afterCheck.LastDownloadAt)
	assert.Zero(t, afterCheck.DownloadCount)

	downloadAt := checkedAt.Add(time.Minute)
	require.NoError(t, store.UpdateCheckTimestamps(ctx, sub.ID, downloadAt, &downloadAt, 3))

	afterDownload, err := store.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, afterDownload.LastDownloadAt)
	assert.Equal(t, 3, afterDownload.DownloadCount)
}

func TestEnsureSentinelIsStableAndDisabled(t *testing.T) {
	t.Parallel()

	store := models.NewSubscriptionStore(newTestDB(t))
	ctx := context.Background()

	first, err := store.EnsureSentinel(ctx)
	require.NoError(t, err)
	second, err := store.EnsureSentinel(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.IsSentinel())
	assert.False(t, first.IsEnabled)
	assert.Equal(t, models.SentinelBangumiID, first.BangumiID)
}

func TestSentinelHiddenFromList(t *testing.T) {
	t.Parallel()

	store := models.NewSubscriptionStore(newTestDB(t))
	ctx := context.Background()

	_, err := store.EnsureSentinel(ctx)
	require.NoError(t, err)
	_, err = store.Ensure(ctx, 1, "visible", "1001")
	require.NoError(t, err)

	subs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "visible", subs[0].Title)
}

func TestDeleteRefusesSentinel(t *testing.T) {
	t.Parallel()

	store := models.NewSubscriptionStore(newTestDB(t))
	ctx := context.Background()

	sentinel, err := store.EnsureSentinel(ctx)
	require.NoError(t, err)

	err = store.Delete(ctx, sentinel.ID)
	assert.True(t, errors.Is(err, models.ErrSubscriptionNotFound))

	_, err = store.EnsureSentinel(ctx)
	assert.NoError(t, err)
}

func TestDeleteClearsHistoryAttribution(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	store := models.NewSubscriptionStore(db)
	history := models.NewDownloadHistoryStore(db)
	ctx := context.Background()

	sub, err := store.Ensure(ctx, 1, "show", "1001")
	require.NoError(t, err)

	hash := "AABBCCDDEEFF00112233445566778899AABBCCDD"
	_, _, err = history.InsertIfAbsent(ctx, &models.DownloadHistory{
		TorrentHash:    hash,
		SubscriptionID: &sub.ID,
		Title:          "ep 1",
		Status:         models.StatusCompleted,
		Source:         models.SourceSubscription,
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, sub.ID))

	row, err := history.FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, row.SubscriptionID)
	assert.Equal(t, models.StatusCompleted, row.Status)
}

func TestGetByMikanBangumiID(t *testing.T) {
	t.Parallel()

	store := models.NewSubscriptionStore(newTestDB(t))
	ctx := context.Background()

	sub, err := store.Ensure(ctx, 1, "show", "3141")
	require.NoError(t, err)

	found, err := store.GetByMikanBangumiID(ctx, "3141")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, found.ID)

	_, err = store.GetByMikanBangumiID(ctx, "9999")
	assert.True(t, errors.Is(err, models.ErrSubscriptionNotFound))
}
