// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/qbittorrent"
)

// TorrentController pauses, resumes and removes tracked torrents.
type TorrentController interface {
	Pause(ctx context.Context, hash string) error
	Resume(ctx context.Context, hash string) error
	Delete(ctx context.Context, hash string, deleteFiles bool) error
}

// TorrentLister reads the client's realtime torrent list.
type TorrentLister interface {
	ListTorrents(ctx context.Context, category string) ([]qbittorrent.Torrent, error)
}

// TorrentsHandler handles realtime torrent queries and actions
type TorrentsHandler struct {
	controller TorrentController
	client     TorrentLister
	history    *models.DownloadHistoryStore
	category   string
}

func NewTorrentsHandler(controller TorrentController, client TorrentLister, history *models.DownloadHistoryStore, category string) *TorrentsHandler {
	return &TorrentsHandler{
		controller: controller,
		client:     client,
		history:    history,
		category:   category,
	}
}

// Routes registers torrent routes on the given router
func (h *TorrentsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/{hash}/pause", h.Pause)
	r.Post("/{hash}/resume", h.Resume)
	r.Delete("/{hash}", h.Delete)
}

// TorrentView merges the client's realtime state with the tracked history
// row, when one exists.
type TorrentView struct {
	qbittorrent.Torrent
	Tracked bool                    `json:"tracked"`
	History *models.DownloadHistory `json:"history,omitempty"`
}

// List returns the client's torrents in the configured category merged with
// their history rows.
func (h *TorrentsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	torrents, err := h.client.ListTorrents(ctx, h.category)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	hashes := make([]string, 0, len(torrents))
	for _, t := range torrents {
		hashes = append(hashes, t.Hash)
	}

	rows, err := h.history.ListByHashes(ctx, hashes)
	if err != nil {
		RespondServiceError(w, err)
		return
	}

	views := make([]TorrentView, 0, len(torrents))
	for _, t := range torrents {
		view := TorrentView{Torrent: t}
		if row, ok := rows[t.Hash]; ok {
			view.Tracked = true
			view.History = row
		}
		views = append(views, view)
	}
	RespondJSON(w, http.StatusOK, views)
}

func (h *TorrentsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Pause(r.Context(), chi.URLParam(r, "hash")); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"message": "Torrent paused"})
}

func (h *TorrentsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Resume(r.Context(), chi.URLParam(r, "hash")); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"message": "Torrent resumed"})
}

func (h *TorrentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	deleteFiles := r.URL.Query().Get("deleteFiles") == "true"

	if err := h.controller.Delete(r.Context(), chi.URLParam(r, "hash"), deleteFiles); err != nil {
		RespondServiceError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"message": "Torrent deleted"})
}
