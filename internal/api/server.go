// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api assembles the HTTP surface: router, middleware and the
// per-resource handlers.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/hoshizora/mikanarr/internal/api/handlers"
	"github.com/hoshizora/mikanarr/internal/domain"
	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/services/downloads"
	"github.com/hoshizora/mikanarr/internal/services/poller"
)

// Deps are the stores and services the handlers are built from.
type Deps struct {
	Config        *domain.Config
	Subscriptions *models.SubscriptionStore
	History       *models.DownloadHistoryStore
	FeedCache     *models.FeedCacheStore
	Subgroups     *models.SubgroupStore
	Downloads     *downloads.Service
	Scheduler     *poller.Scheduler
	Upstream      handlers.Upstream
	TorrentLister handlers.TorrentLister
}

// Server hosts the API.
type Server struct {
	cfg  *domain.Config
	http *http.Server
}

func NewServer(deps Deps) *Server {
	cfg := deps.Config

	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
			Handler:           Router(deps),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Router builds the chi router with the full route tree mounted under /api.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler)

	subscriptionsHandler := handlers.NewSubscriptionsHandler(deps.Subscriptions, deps.History, deps.Scheduler, deps.Downloads)
	downloadsHandler := handlers.NewDownloadsHandler(deps.Downloads, deps.History)
	torrentsHandler := handlers.NewTorrentsHandler(deps.Downloads, deps.TorrentLister, deps.History, deps.Config.TorrentClient.Category)
	mikanHandler := handlers.NewMikanHandler(deps.Upstream, deps.Subscriptions, deps.FeedCache, deps.Subgroups)
	healthHandler := handlers.NewHealthHandler(deps.Config.Version)

	r.Route("/api", func(r chi.Router) {
		healthHandler.Routes(r)
		mikanHandler.Routes(r)
		r.Route("/subscriptions", subscriptionsHandler.Routes)
		r.Route("/downloads", downloadsHandler.Routes)
		r.Route("/torrents", torrentsHandler.Routes)
	})

	return r
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("API server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}
