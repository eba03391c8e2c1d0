// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoshizora/mikanarr/internal/database"
	"github.com/hoshizora/mikanarr/internal/models"
)

type stubUpstream struct {
	feed        []byte
	feedErr     error
	searchPage  []byte
	searchErr   error
	bangumiPage []byte
	bangumiErr  error
}

func (s *stubUpstream) FetchFeed(context.Context, string, string) ([]byte, time.Time, error) {
	return s.feed, time.Now(), s.feedErr
}

func (s *stubUpstream) SearchAnime(context.Context, string) ([]byte, error) {
	return s.searchPage, s.searchErr
}

func (s *stubUpstream) FetchBangumiPage(context.Context, string) ([]byte, error) {
	return s.bangumiPage, s.bangumiErr
}

const mikanTestFeed = `<?xml version="1.0" encoding="utf-8"?>
<rss version="2.0" xmlns:torrent="https://mikanani.me/0.1/">
  <channel>
    <title>Mikan Project - 葬送的芙莉莲</title>
    <item>
      <title>[桜都字幕组] 葬送的芙莉莲 [05][1080p][简繁内封]</title>
      <link>https://mikanani.me/Home/Episode/aabbccddeeff00112233445566778899aabbccdd</link>
      <torrent xmlns="https://mikanani.me/0.1/">
        <contentLength>683671552</contentLength>
      </torrent>
      <pubDate>Mon, 05 Jan 2026 20:00:00 +0800</pubDate>
      <enclosure type="application/x-bittorrent" length="683671552" url="https://mikanani.me/Download/aabbccddeeff00112233445566778899aabbccdd.torrent"/>
    </item>
  </channel>
</rss>`

func newMikanRouter(t *testing.T, upstream Upstream) (*chi.Mux, *models.FeedCacheStore, *models.SubgroupStore) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	subs := models.NewSubscriptionStore(db)
	feedCache := models.NewFeedCacheStore(db)
	subgroups := models.NewSubgroupStore(db)
	h := NewMikanHandler(upstream, subs, feedCache, subgroups)

	r := chi.NewRouter()
	h.Routes(r)
	return r, feedCache, subgroups
}

func TestFeedRefreshesCache(t *testing.T) {
	t.Parallel()

	upstream := &stubUpstream{feed: []byte(mikanTestFeed)}
	r, feedCache, _ := newMikanRouter(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/bangumi/3141/feed", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp FeedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "AABBCCDDEEFF00112233445566778899AABBCCDD", resp.Items[0].TorrentHash)
	assert.Equal(t, 5, resp.Header.LatestEpisode)

	// The parsed state landed in the cache.
	items, err := feedCache.GetItems(context.Background(), "3141")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestFeedServesCacheWhenUpstreamDown(t *testing.T) {
	t.Parallel()

	upstream := &stubUpstream{feed: []byte(mikanTestFeed)}
	r, _, _ := newMikanRouter(t, upstream)

	// First request populates the cache.
	req := httptest.NewRequest(http.MethodGet, "/bangumi/3141/feed", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	upstream.feedErr = errors.New("connection refused")

	req = httptest.NewRequest(http.MethodGet, "/bangumi/3141/feed", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp FeedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, 5, resp.Header.LatestEpisode)
}

func TestFeedWithNoCacheAndUpstreamDown(t *testing.T) {
	t.Parallel()

	upstream := &stubUpstream{feedErr: errors.New("connection refused")}
	r, _, _ := newMikanRouter(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/bangumi/9999/feed", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchParsesResults(t *testing.T) {
	t.Parallel()

	upstream := &stubUpstream{searchPage: []byte(`<html><body>
		<a href="/Home/Bangumi/3141" title="葬送的芙莉莲">葬送的芙莉莲</a>
	</body></html>`)}
	r, _, _ := newMikanRouter(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/search?q=frieren", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var results []map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "3141", results[0]["mikanBangumiId"])
}

func TestSearchRequiresQuery(t *testing.T) {
	t.Parallel()

	r, _, _ := newMikanRouter(t, &stubUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubgroupsScrapeSyncsMapping(t *testing.T) {
	t.Parallel()

	upstream := &stubUpstream{bangumiPage: []byte(`<html><body>
		<a class="subgroup-name" data-anchor="#583">桜都字幕组</a>
		<a class="subgroup-name" data-anchor="#615">喵萌奶茶屋</a>
	</body></html>`)}
	r, _, subgroups := newMikanRouter(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/bangumi/3141/subgroups", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp []*models.SubgroupMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 2)

	stored, err := subgroups.List(context.Background(), "3141")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestSubgroupsScrapeFailureKeepsStoredMapping(t *testing.T) {
	t.Parallel()

	upstream := &stubUpstream{bangumiErr: errors.New("upstream down")}
	r, _, subgroups := newMikanRouter(t, upstream)

	require.NoError(t, subgroups.Sync(context.Background(), "3141", []*models.SubgroupMapping{
		{SubgroupID: "583", SubgroupName: "桜都字幕组"},
	}, true))

	req := httptest.NewRequest(http.MethodGet, "/bangumi/3141/subgroups", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp []*models.SubgroupMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "583", resp[0].SubgroupID)
}
