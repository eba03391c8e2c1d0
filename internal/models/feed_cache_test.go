// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoshizora/mikanarr/internal/models"
)

func cacheItem(title, hash string, publishedAt time.Time) *models.FeedCacheItem {
	return &models.FeedCacheItem{
		Title:         title,
		TorrentHash:   hash,
		CanDownload:   true,
		FileSize:      650 * 1024 * 1024,
		FormattedSize: "650 MiB",
		PublishedAt:   &publishedAt,
	}
}

func TestFeedCacheReplaceSwapsAtomically(t *testing.T) {
	t.Parallel()

	store := models.NewFeedCacheStore(newTestDB(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	header := &models.FeedCacheHeader{
		MikanBangumiID: "3141",
		SeasonName:     "葬送的芙莉莲",
		LatestEpisode:  5,
		LatestTitle:    "ep 5",
	}

	require.NoError(t, store.Replace(ctx, header, []*models.FeedCacheItem{
		cacheItem("ep 4", strings.Repeat("A", 40), now.Add(-time.Hour)),
		cacheItem("ep 5", strings.Repeat("B", 40), now),
	}))

	items, err := store.GetItems(ctx, "3141")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "ep 5", items[0].Title)

	// A second refresh fully replaces the previous item set.
	header.LatestEpisode = 6
	header.LatestTitle = "ep 6"
	require.NoError(t, store.Replace(ctx, header, []*models.FeedCacheItem{
		cacheItem("ep 6", strings.Repeat("C", 40), now.Add(time.Hour)),
	}))

	items, err = store.GetItems(ctx, "3141")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ep 6", items[0].Title)

	got, err := store.GetHeader(ctx, "3141")
	require.NoError(t, err)
	assert.Equal(t, 6, got.LatestEpisode)
}

func TestFeedCacheIsolatedPerFeed(t *testing.T) {
	t.Parallel()

	store := models.NewFeedCacheStore(newTestDB(t))
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.Replace(ctx, &models.FeedCacheHeader{MikanBangumiID: "3141"}, []*models.FeedCacheItem{
		cacheItem("a", strings.Repeat("A", 40), now),
	}))
	require.NoError(t, store.Replace(ctx, &models.FeedCacheHeader{MikanBangumiID: "3142"}, []*models.FeedCacheItem{
		cacheItem("b", strings.Repeat("B", 40), now),
	}))

	// Refreshing one feed leaves the other untouched.
	require.NoError(t, store.Replace(ctx, &models.FeedCacheHeader{MikanBangumiID: "3141"}, nil))

	items, err := store.GetItems(ctx, "3142")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].Title)
}

func TestFeedCacheHeaderNotFound(t *testing.T) {
	t.Parallel()

	store := models.NewFeedCacheStore(newTestDB(t))

	_, err := store.GetHeader(context.Background(), "unknown")
	assert.True(t, errors.Is(err, models.ErrFeedCacheNotFound))
}

func TestFeedCacheReplaceRequiresID(t *testing.T) {
	t.Parallel()

	store := models.NewFeedCacheStore(newTestDB(t))

	err := store.Replace(context.Background(), &models.FeedCacheHeader{}, nil)
	assert.Error(t, err)
}
