// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hoshizora/mikanarr/internal/mikan"
	"github.com/hoshizora/mikanarr/internal/models"
)

// Upstream is the slice of the Mikan fetcher the API uses.
type Upstream interface {
	FetchFeed(ctx context.Context, mikanBangumiID, subgroupID string) ([]byte, time.Time, error)
	SearchAnime(ctx context.Context, title string) ([]byte, error)
	FetchBangumiPage(ctx context.Context, mikanBangumiID string) ([]byte, error)
}

// MikanHandler proxies search, feed and subgroup queries to the upstream site
type MikanHandler struct {
	upstream      Upstream
	subscriptions *models.SubscriptionStore
	feedCache     *models.FeedCacheStore
	subgroups     *models.SubgroupStore
}

func NewMikanHandler(upstream Upstream, subscriptions *models.SubscriptionStore, feedCache *models.FeedCacheStore, subgroups *models.SubgroupStore) *MikanHandler {
	return &MikanHandler{
		upstream:      upstream,
		subscriptions: subscriptions,
		feedCache:     feedCache,
		subgroups:     subgroups,
	}
}

// Routes registers upstream proxy routes on the given router
func (h *MikanHandler) Routes(r chi.Router) {
	r.Get("/search", h.Search)
	r.Get("/bangumi/{mikanId}/feed", h.Feed)
	r.Get("/bangumi/{mikanId}/subgroups", h.Subgroups)
}

func (h *MikanHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		RespondError(w, http.StatusBadRequest, "q query parameter is required")
		return
	}

	raw, err := h.upstream.SearchAnime(r.Context(), query)
	if err != nil {
		RespondError(w, http.StatusBadGateway, "Upstream search failed: "+err.Error())
		return
	}

	results, err := mikan.ParseSearchPage(raw)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	if results == nil {
		results = []mikan.SearchResult{}
	}
	RespondJSON(w, http.StatusOK, results)
}

type FeedResponse struct {
	Header *models.FeedCacheHeader `json:"header"`
	Items  []*models.FeedCacheItem `json:"items"`
}

// Feed fetches and parses the live feed, refreshes the cache and returns it.
// When the upstream is unreachable the last cached state is served instead.
func (h *MikanHandler) Feed(w http.ResponseWriter, r *http.Request) {
	mikanID := chi.URLParam(r, "mikanId")
	ctx := r.Context()

	raw, _, err := h.upstream.FetchFeed(ctx, mikanID, r.URL.Query().Get("subgroupId"))
	if err != nil {
		log.Warn().Err(err).Str("mikanBangumiID", mikanID).Msg("Feed fetch failed, serving cached state")
		h.respondCachedFeed(w, r, mikanID)
		return
	}

	totalEpisodes := 0
	if sub, err := h.subscriptions.GetByMikanBangumiID(ctx, mikanID); err == nil {
		totalEpisodes = sub.TotalEpisodes
	} else if !errors.Is(err, models.ErrSubscriptionNotFound) {
		RespondServiceError(w, err)
		return
	}

	parsed, err := mikan.ParseFeed(raw, totalEpisodes)
	if err != nil {
		RespondError(w, http.StatusBadGateway, "Upstream feed was not parseable: "+err.Error())
		return
	}

	header, items := parsed.CacheRows(mikanID)
	if err := h.feedCache.Replace(ctx, header, items); err != nil {
		log.Warn().Err(err).Str("mikanBangumiID", mikanID).Msg("Failed to refresh feed cache")
	}

	RespondJSON(w, http.StatusOK, FeedResponse{Header: header, Items: items})
}

func (h *MikanHandler) respondCachedFeed(w http.ResponseWriter, r *http.Request, mikanID string) {
	header, err := h.feedCache.GetHeader(r.Context(), mikanID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	items, err := h.feedCache.GetItems(r.Context(), mikanID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, FeedResponse{Header: header, Items: items})
}

// Subgroups scrapes the anime page and full-syncs the mapping. A failed
// scrape leaves the stored mapping untouched and serves it as-is.
func (h *MikanHandler) Subgroups(w http.ResponseWriter, r *http.Request) {
	mikanID := chi.URLParam(r, "mikanId")
	ctx := r.Context()

	raw, fetchErr := h.upstream.FetchBangumiPage(ctx, mikanID)
	if fetchErr == nil {
		scraped, err := mikan.ParseSubgroups(raw)
		if err != nil {
			RespondServiceError(w, err)
			return
		}

		current := make([]*models.SubgroupMapping, 0, len(scraped))
		for _, sg := range scraped {
			current = append(current, &models.SubgroupMapping{
				MikanBangumiID: mikanID,
				SubgroupID:     sg.ID,
				SubgroupName:   sg.Name,
			})
		}
		if err := h.subgroups.Sync(ctx, mikanID, current, true); err != nil {
			RespondServiceError(w, err)
			return
		}
	} else {
		log.Warn().Err(fetchErr).Str("mikanBangumiID", mikanID).Msg("Subgroup scrape failed, keeping stored mapping")
	}

	mappings, err := h.subgroups.List(ctx, mikanID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	if mappings == nil {
		mappings = []*models.SubgroupMapping{}
	}
	RespondJSON(w, http.StatusOK, mappings)
}
