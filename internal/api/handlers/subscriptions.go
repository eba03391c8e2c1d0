// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/services/poller"
)

// Checker triggers immediate subscription checks.
type Checker interface {
	KickSubscription(ctx context.Context, id int) (poller.CheckResult, error)
	KickAll(ctx context.Context) ([]poller.CheckResult, error)
}

// TorrentRemover removes a tracked torrent and its history row.
type TorrentRemover interface {
	Delete(ctx context.Context, hash string, deleteFiles bool) error
}

// SubscriptionsHandler handles subscription CRUD and check triggers
type SubscriptionsHandler struct {
	subscriptions *models.SubscriptionStore
	history       *models.DownloadHistoryStore
	checker       Checker
	remover       TorrentRemover
}

func NewSubscriptionsHandler(subscriptions *models.SubscriptionStore, history *models.DownloadHistoryStore, checker Checker, remover TorrentRemover) *SubscriptionsHandler {
	return &SubscriptionsHandler{
		subscriptions: subscriptions,
		history:       history,
		checker:       checker,
		remover:       remover,
	}
}

// Routes registers subscription routes on the given router
func (h *SubscriptionsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/ensure", h.Ensure)
	r.Post("/check", h.CheckAll)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/check", h.Check)
	r.Get("/{id}/history", h.History)
}

type SubscriptionRequest struct {
	BangumiID      int    `json:"bangumiId"`
	Title          string `json:"title"`
	MikanBangumiID string `json:"mikanBangumiId"`
	SubgroupID     string `json:"subgroupId"`
	SubgroupName   string `json:"subgroupName"`
	KeywordInclude string `json:"keywordInclude"`
	KeywordExclude string `json:"keywordExclude"`
	IsEnabled      *bool  `json:"isEnabled"`
	TotalEpisodes  int    `json:"totalEpisodes"`
}

type EnsureRequest struct {
	BangumiID      int    `json:"bangumiId"`
	Title          string `json:"title"`
	MikanBangumiID string `json:"mikanBangumiId"`
}

func (h *SubscriptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subscriptions.List(r.Context())
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	if subs == nil {
		subs = []*models.Subscription{}
	}
	RespondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.BangumiID <= 0 || req.Title == "" || req.MikanBangumiID == "" {
		RespondError(w, http.StatusBadRequest, "bangumiId, title and mikanBangumiId are required")
		return
	}

	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}

	sub, err := h.subscriptions.Create(r.Context(), &models.Subscription{
		BangumiID:      req.BangumiID,
		Title:          req.Title,
		MikanBangumiID: req.MikanBangumiID,
		SubgroupID:     req.SubgroupID,
		SubgroupName:   req.SubgroupName,
		KeywordInclude: req.KeywordInclude,
		KeywordExclude: req.KeywordExclude,
		IsEnabled:      enabled,
		TotalEpisodes:  req.TotalEpisodes,
	})
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, sub)
}

// Ensure is the idempotent upsert keyed by bangumiId: repeated calls return
// the same subscription without duplicating it.
func (h *SubscriptionsHandler) Ensure(w http.ResponseWriter, r *http.Request) {
	var req EnsureRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.BangumiID <= 0 {
		RespondError(w, http.StatusBadRequest, "bangumiId must be positive")
		return
	}

	sub, err := h.subscriptions.Ensure(r.Context(), req.BangumiID, req.Title, req.MikanBangumiID)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIDParam(w, r, "id")
	if !ok {
		return
	}

	sub, err := h.subscriptions.GetByID(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIDParam(w, r, "id")
	if !ok {
		return
	}

	existing, err := h.subscriptions.GetByID(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	if existing.IsSentinel() {
		RespondError(w, http.StatusBadRequest, "The manual tracking subscription cannot be edited")
		return
	}

	var req SubscriptionRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if req.Title != "" {
		existing.Title = req.Title
	}
	if req.MikanBangumiID != "" {
		existing.MikanBangumiID = req.MikanBangumiID
	}
	existing.SubgroupID = req.SubgroupID
	existing.SubgroupName = req.SubgroupName
	existing.KeywordInclude = req.KeywordInclude
	existing.KeywordExclude = req.KeywordExclude
	if req.IsEnabled != nil {
		existing.IsEnabled = *req.IsEnabled
	}
	if req.TotalEpisodes > 0 {
		existing.TotalEpisodes = req.TotalEpisodes
	}

	updated, err := h.subscriptions.Update(r.Context(), existing)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, updated)
}

// Delete cancels a subscription. With deleteFiles=true the torrents it
// submitted are removed from the client along with their files and history;
// otherwise history rows survive with subscription_id set to null.
func (h *SubscriptionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIDParam(w, r, "id")
	if !ok {
		return
	}
	deleteFiles := r.URL.Query().Get("deleteFiles") == "true"

	ctx := r.Context()

	if deleteFiles {
		rows, err := h.history.ListBySubscription(ctx, id, 500, 0)
		if err != nil {
			RespondServiceError(w, err)
			return
		}
		for _, row := range rows {
			if err := h.remover.Delete(ctx, row.TorrentHash, true); err != nil && !errors.Is(err, models.ErrDownloadNotFound) {
				log.Warn().Err(err).Str("hash", row.TorrentHash).Msg("Failed to remove torrent while cancelling subscription")
			}
		}
	}

	if err := h.subscriptions.Delete(ctx, id); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"message": "Subscription deleted"})
}

func (h *SubscriptionsHandler) Check(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIDParam(w, r, "id")
	if !ok {
		return
	}

	result, err := h.checker.KickSubscription(r.Context(), id)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	if result.Err != nil {
		RespondServiceError(w, result.Err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]int{"downloadsAdded": result.DownloadsAdded})
}

func (h *SubscriptionsHandler) CheckAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.checker.KickAll(r.Context())
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	checked, added := 0, 0
	for _, result := range results {
		checked++
		added += result.DownloadsAdded
	}
	RespondJSON(w, http.StatusOK, map[string]int{"checked": checked, "downloadsAdded": added})
}

func (h *SubscriptionsHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIDParam(w, r, "id")
	if !ok {
		return
	}
	limit, offset := ParsePagination(r)

	rows, err := h.history.ListBySubscription(r.Context(), id, limit, offset)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	if rows == nil {
		rows = []*models.DownloadHistory{}
	}
	RespondJSON(w, http.StatusOK, rows)
}
