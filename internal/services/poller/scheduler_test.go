// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoshizora/mikanarr/internal/database"
	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/services/downloads"
)

const emptyFeed = `<?xml version="1.0" encoding="utf-8"?>
<rss version="2.0"><channel><title>Mikan Project - empty</title></channel></rss>`

const oneItemFeed = `<?xml version="1.0" encoding="utf-8"?>
<rss version="2.0" xmlns:torrent="https://mikanani.me/0.1/">
<channel><title>Mikan Project - show</title>
<item>
  <title>[Sub] show [01][1080p]</title>
  <link>https://mikanani.me/Home/Episode/x</link>
  <pubDate>Mon, 05 Jan 2026 20:00:00 +0800</pubDate>
  <enclosure type="application/x-bittorrent" length="100" url="https://mikanani.me/Download/20260105/aabbccddeeff00112233445566778899aabbccdd.torrent"/>
</item>
</channel></rss>`

type stubSource struct {
	mu      sync.Mutex
	fetched []string
	body    []byte
	err     error
}

func (s *stubSource) FetchFeed(_ context.Context, mikanBangumiID, _ string) ([]byte, time.Time, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, mikanBangumiID)
	s.mu.Unlock()

	if s.err != nil {
		return nil, time.Time{}, s.err
	}
	return s.body, time.Now(), nil
}

func (s *stubSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetched)
}

type stubAdder struct {
	mu   sync.Mutex
	adds []downloads.TrackedAdd
	err  error
}

func (s *stubAdder) AddTorrentWithTracking(_ context.Context, req downloads.TrackedAdd) (*models.DownloadHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	s.adds = append(s.adds, req)
	return &models.DownloadHistory{TorrentHash: req.TorrentHash}, nil
}

func newSchedulerFixture(t *testing.T, cfg Config, source FeedSource, adder TorrentAdder) (*Scheduler, *models.SubscriptionStore) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	subs := models.NewSubscriptionStore(db)
	history := models.NewDownloadHistoryStore(db)
	subgroups := models.NewSubgroupStore(db)
	feedCache := models.NewFeedCacheStore(db)

	sched := NewScheduler(cfg, subs, feedCache, NewFilter(history, subgroups), source, adder)
	return sched, subs
}

func seedSubscriptions(t *testing.T, subs *models.SubscriptionStore, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		_, err := subs.Ensure(ctx, i, fmt.Sprintf("show %d", i), fmt.Sprintf("%d", 3000+i))
		require.NoError(t, err)
	}
}

func TestFairSelectionVisitsEveryoneWithinThreeTicks(t *testing.T) {
	t.Parallel()

	source := &stubSource{body: []byte(emptyFeed)}
	sched, subs := newSchedulerFixture(t, Config{MaxPerPoll: 50, MaxConcurrent: 3}, source, &stubAdder{})
	seedSubscriptions(t, subs, 120)
	ctx := context.Background()

	results := sched.runBatch(ctx)
	assert.Len(t, results, 50)
	assert.Equal(t, 50, source.fetchCount())

	checked := func() int {
		all, err := subs.List(ctx)
		require.NoError(t, err)
		n := 0
		for _, sub := range all {
			if sub.LastCheckedAt != nil {
				n++
			}
		}
		return n
	}

	assert.Equal(t, 50, checked())

	sched.runBatch(ctx)
	assert.Equal(t, 100, checked())

	sched.runBatch(ctx)
	assert.Equal(t, 120, checked())
}

func TestCheckUpdatesTimestampEvenOnFetchFailure(t *testing.T) {
	t.Parallel()

	source := &stubSource{err: errors.New("upstream down")}
	sched, subs := newSchedulerFixture(t, Config{MaxPerPoll: 10, MaxConcurrent: 2}, source, &stubAdder{})
	seedSubscriptions(t, subs, 1)
	ctx := context.Background()

	results := sched.runBatch(ctx)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)

	all, err := subs.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].LastCheckedAt)
	assert.Nil(t, all[0].LastDownloadAt)
}

func TestCheckSubmitsNewItems(t *testing.T) {
	t.Parallel()

	source := &stubSource{body: []byte(oneItemFeed)}
	adder := &stubAdder{}
	sched, subs := newSchedulerFixture(t, Config{MaxPerPoll: 10, MaxConcurrent: 2}, source, adder)
	seedSubscriptions(t, subs, 1)
	ctx := context.Background()

	results := sched.runBatch(ctx)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].DownloadsAdded)

	require.Len(t, adder.adds, 1)
	add := adder.adds[0]
	assert.Equal(t, "AABBCCDDEEFF00112233445566778899AABBCCDD", add.TorrentHash)
	assert.Equal(t, models.SourceSubscription, add.Source)
	require.NotNil(t, add.SubscriptionID)

	updated, err := subs.GetByID(ctx, *add.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.DownloadCount)
	assert.NotNil(t, updated.LastDownloadAt)
}

func TestKickSubscriptionWhilePollingDisabled(t *testing.T) {
	t.Parallel()

	source := &stubSource{body: []byte(emptyFeed)}
	sched, subs := newSchedulerFixture(t, Config{
		Enabled:  false,
		Interval: time.Hour,
	}, source, &stubAdder{})
	seedSubscriptions(t, subs, 1)
	ctx := context.Background()

	sub, err := subs.GetByBangumiID(ctx, 1)
	require.NoError(t, err)

	sched.Start(ctx)
	defer sched.Stop()

	result, err := sched.KickSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, result.SubscriptionID)
	require.NoError(t, result.Err)

	updated, err := subs.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, updated.LastCheckedAt)
}

func TestKickAllRunsFullBatch(t *testing.T) {
	t.Parallel()

	source := &stubSource{body: []byte(emptyFeed)}
	sched, subs := newSchedulerFixture(t, Config{
		Enabled:  false,
		Interval: time.Hour,
	}, source, &stubAdder{})
	seedSubscriptions(t, subs, 3)
	ctx := context.Background()

	sched.Start(ctx)
	defer sched.Stop()

	results, err := sched.KickAll(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}
