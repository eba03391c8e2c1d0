// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/qbittorrent"
	"github.com/hoshizora/mikanarr/internal/services/downloads"
)

// DownloadManager is the download-controller surface the API exposes.
type DownloadManager interface {
	AddManual(ctx context.Context, req downloads.TrackedAdd) (*models.DownloadHistory, error)
	Retry(ctx context.Context, hash string) (*models.DownloadHistory, error)
}

// DownloadsHandler handles manual submissions and history queries
type DownloadsHandler struct {
	manager DownloadManager
	history *models.DownloadHistoryStore
}

func NewDownloadsHandler(manager DownloadManager, history *models.DownloadHistoryStore) *DownloadsHandler {
	return &DownloadsHandler{manager: manager, history: history}
}

// Routes registers download routes on the given router
func (h *DownloadsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Add)
	r.Post("/{hash}/retry", h.Retry)
}

type ManualDownloadRequest struct {
	TorrentURL          string `json:"torrentUrl"`
	MagnetLink          string `json:"magnetLink"`
	TorrentHash         string `json:"torrentHash"`
	Title               string `json:"title"`
	FileSize            int64  `json:"fileSize"`
	AnimeBangumiID      int    `json:"animeBangumiId"`
	AnimeMikanBangumiID string `json:"animeMikanBangumiId"`
	AnimeTitle          string `json:"animeTitle"`
}

// Add submits a manual download. A submission the client permanently refuses
// still comes back as the recorded failed row.
func (h *DownloadsHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req ManualDownloadRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	row, err := h.manager.AddManual(r.Context(), downloads.TrackedAdd{
		TorrentURL:          req.TorrentURL,
		MagnetLink:          req.MagnetLink,
		TorrentHash:         req.TorrentHash,
		Title:               req.Title,
		FileSize:            req.FileSize,
		AnimeBangumiID:      req.AnimeBangumiID,
		AnimeMikanBangumiID: req.AnimeMikanBangumiID,
		AnimeTitle:          req.AnimeTitle,
	})
	if err != nil {
		var rejected *qbittorrent.RejectedError
		if errors.As(err, &rejected) && row != nil {
			RespondJSON(w, http.StatusOK, row)
			return
		}
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, row)
}

// List returns history rows for one anime regardless of source.
func (h *DownloadsHandler) List(w http.ResponseWriter, r *http.Request) {
	bangumiID, err := strconv.Atoi(r.URL.Query().Get("bangumiId"))
	if err != nil || bangumiID == 0 {
		RespondError(w, http.StatusBadRequest, "bangumiId query parameter is required")
		return
	}
	limit, offset := ParsePagination(r)

	rows, listErr := h.history.ListByAnime(r.Context(), bangumiID, limit, offset)
	if listErr != nil {
		RespondServiceError(w, listErr)
		return
	}
	if rows == nil {
		rows = []*models.DownloadHistory{}
	}
	RespondJSON(w, http.StatusOK, rows)
}

func (h *DownloadsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	row, err := h.manager.Retry(r.Context(), hash)
	if err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, row)
}
