// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoshizora/mikanarr/internal/database"
	"github.com/hoshizora/mikanarr/internal/domain"
	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/qbittorrent"
	"github.com/hoshizora/mikanarr/internal/services/downloads"
	"github.com/hoshizora/mikanarr/internal/services/poller"
)

type noopClient struct{}

func (noopClient) AddTorrent(context.Context, qbittorrent.AddTorrentOptions) error { return nil }
func (noopClient) Pause(context.Context, []string) error                           { return nil }
func (noopClient) Resume(context.Context, []string) error                          { return nil }
func (noopClient) Delete(context.Context, []string, bool) error                    { return nil }

type noopLister struct{}

func (noopLister) ListTorrents(context.Context, string) ([]qbittorrent.Torrent, error) {
	return nil, nil
}

type noopUpstream struct{}

func (noopUpstream) FetchFeed(context.Context, string, string) ([]byte, time.Time, error) {
	return nil, time.Time{}, nil
}
func (noopUpstream) SearchAnime(context.Context, string) ([]byte, error)      { return nil, nil }
func (noopUpstream) FetchBangumiPage(context.Context, string) ([]byte, error) { return nil, nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	subscriptions := models.NewSubscriptionStore(db)
	history := models.NewDownloadHistoryStore(db)
	feedCache := models.NewFeedCacheStore(db)
	subgroups := models.NewSubgroupStore(db)

	downloadSvc := downloads.NewService(subscriptions, history, noopClient{}, downloads.Options{})

	scheduler := poller.NewScheduler(poller.Config{Interval: time.Hour},
		subscriptions, feedCache, poller.NewFilter(history, subgroups), noopUpstream{}, downloadSvc)

	return Router(Deps{
		Config:        &domain.Config{Version: "test"},
		Subscriptions: subscriptions,
		History:       history,
		FeedCache:     feedCache,
		Subgroups:     subgroups,
		Downloads:     downloadSvc,
		Scheduler:     scheduler,
		Upstream:      noopUpstream{},
		TorrentLister: noopLister{},
	})
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestRouteTreeMounted(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)

	for _, path := range []string{"/api/subscriptions", "/api/torrents"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
