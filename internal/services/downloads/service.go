// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloads is the download controller: it submits torrents to the
// client and keeps exactly one history row per hash. Both the subscription
// path and the manual API path go through AddTorrentWithTracking.
package downloads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/qbittorrent"
	"github.com/hoshizora/mikanarr/pkg/hashutil"
)

// ValidationError marks a request the caller got wrong; surfaced as 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// TorrentClient is the slice of the torrent-client adapter this service uses.
type TorrentClient interface {
	AddTorrent(ctx context.Context, opts qbittorrent.AddTorrentOptions) error
	Pause(ctx context.Context, hashes []string) error
	Resume(ctx context.Context, hashes []string) error
	Delete(ctx context.Context, hashes []string, deleteFiles bool) error
}

// Options are the client-side defaults attached to every submission.
type Options struct {
	SavePath string
	Category string
	Tags     string
}

// TrackedAdd is one submission request: which torrent, where it came from and
// which anime it belongs to.
type TrackedAdd struct {
	TorrentURL          string
	MagnetLink          string
	TorrentHash         string
	Title               string
	FileSize            int64
	Source              models.DownloadSource
	SubscriptionID      *int
	AnimeBangumiID      int
	AnimeMikanBangumiID string
	AnimeTitle          string
	PublishedAt         *time.Time
}

type Service struct {
	subscriptions *models.SubscriptionStore
	history       *models.DownloadHistoryStore
	client        TorrentClient
	opts          Options

	sentinelMu sync.Mutex
	sentinelID int
}

func NewService(subscriptions *models.SubscriptionStore, history *models.DownloadHistoryStore, client TorrentClient, opts Options) *Service {
	return &Service{
		subscriptions: subscriptions,
		history:       history,
		client:        client,
		opts:          opts,
	}
}

// EnsureSentinel creates the manual-download tracking subscription if absent
// and caches its id. Called once at startup and lazily by the manual path.
func (s *Service) EnsureSentinel(ctx context.Context) (int, error) {
	s.sentinelMu.Lock()
	defer s.sentinelMu.Unlock()

	if s.sentinelID != 0 {
		return s.sentinelID, nil
	}

	sentinel, err := s.subscriptions.EnsureSentinel(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "could not ensure sentinel subscription")
	}

	s.sentinelID = sentinel.ID
	return s.sentinelID, nil
}

// AddTorrentWithTracking submits one torrent and records it in history.
//
// Ordering is submit-then-persist: a transient client failure leaves no row
// behind so the next tick re-observes the hash via dedup, while a permanent
// refusal is recorded as failed so it is never re-submitted. A hash already
// in history short-circuits without touching the client.
func (s *Service) AddTorrentWithTracking(ctx context.Context, req TrackedAdd) (*models.DownloadHistory, error) {
	hash := hashutil.Normalize(req.TorrentHash)
	if hash == "" {
		hash = hashutil.FromMagnet(req.MagnetLink)
	}
	if hash == "" {
		return nil, &ValidationError{Reason: "request carries no valid torrent hash or magnet"}
	}

	if existing, err := s.history.FindByHash(ctx, hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, models.ErrDownloadNotFound) {
		return nil, err
	}

	magnet := req.MagnetLink
	if magnet == "" && req.TorrentURL == "" {
		magnet = hashutil.Magnet(hash, req.Title)
	}

	urls := make([]string, 0, 2)
	if req.TorrentURL != "" {
		urls = append(urls, req.TorrentURL)
	} else if magnet != "" {
		urls = append(urls, magnet)
	}

	row := &models.DownloadHistory{
		SubscriptionID:      req.SubscriptionID,
		TorrentURL:          req.TorrentURL,
		MagnetLink:          magnet,
		TorrentHash:         hash,
		Title:               req.Title,
		FileSize:            req.FileSize,
		Source:              req.Source,
		AnimeBangumiID:      req.AnimeBangumiID,
		AnimeMikanBangumiID: req.AnimeMikanBangumiID,
		AnimeTitle:          req.AnimeTitle,
		SavePath:            s.opts.SavePath,
		Category:            s.opts.Category,
		PublishedAt:         req.PublishedAt,
	}

	err := s.client.AddTorrent(ctx, qbittorrent.AddTorrentOptions{
		URLs:     urls,
		SavePath: s.opts.SavePath,
		Category: s.opts.Category,
		Tags:     s.opts.Tags,
	})

	switch {
	case err == nil:
		now := time.Now()
		row.Status = models.StatusPending
		row.DownloadedAt = &now

	case isRejected(err):
		log.Warn().Err(err).Str("hash", hash).Str("title", req.Title).Msg("Torrent client rejected submission")
		row.Status = models.StatusFailed
		row.ErrorMessage = err.Error()

	default:
		// Transient failure: nothing is persisted so dedup cannot hide the
		// item from the next tick.
		return nil, err
	}

	inserted, created, insertErr := s.history.InsertIfAbsent(ctx, row)
	if insertErr != nil {
		return nil, insertErr
	}
	if !created {
		log.Debug().Str("hash", hash).Msg("Concurrent insert won the hash race, returning existing row")
	}

	if row.Status == models.StatusFailed {
		return inserted, err
	}
	return inserted, nil
}

// AddManual is the API manual-download path: same submission logic with the
// row attributed to the sentinel subscription.
func (s *Service) AddManual(ctx context.Context, req TrackedAdd) (*models.DownloadHistory, error) {
	sentinelID, err := s.EnsureSentinel(ctx)
	if err != nil {
		return nil, err
	}

	req.Source = models.SourceManual
	req.SubscriptionID = &sentinelID
	if req.Title == "" {
		req.Title = "manual download"
	}

	return s.AddTorrentWithTracking(ctx, req)
}

// Pause pauses the torrent and mirrors the state to history.
func (s *Service) Pause(ctx context.Context, hash string) error {
	normalized := hashutil.Normalize(hash)
	if normalized == "" {
		return &ValidationError{Reason: "invalid torrent hash"}
	}

	if err := s.client.Pause(ctx, []string{normalized}); err != nil {
		return err
	}

	if err := s.history.UpdateStatusByHash(ctx, normalized, models.StatusPending, ""); err != nil && !errors.Is(err, models.ErrDownloadNotFound) {
		return err
	}
	return nil
}

// Resume resumes the torrent and mirrors the state to history.
func (s *Service) Resume(ctx context.Context, hash string) error {
	normalized := hashutil.Normalize(hash)
	if normalized == "" {
		return &ValidationError{Reason: "invalid torrent hash"}
	}

	if err := s.client.Resume(ctx, []string{normalized}); err != nil {
		return err
	}

	if err := s.history.UpdateStatusByHash(ctx, normalized, models.StatusDownloading, ""); err != nil && !errors.Is(err, models.ErrDownloadNotFound) {
		return err
	}
	return nil
}

// Delete removes the torrent from the client and drops its history row. The
// only path that ever deletes history.
func (s *Service) Delete(ctx context.Context, hash string, deleteFiles bool) error {
	normalized := hashutil.Normalize(hash)
	if normalized == "" {
		return &ValidationError{Reason: "invalid torrent hash"}
	}

	if err := s.client.Delete(ctx, []string{normalized}, deleteFiles); err != nil {
		return err
	}

	if err := s.history.DeleteByHash(ctx, normalized); err != nil && !errors.Is(err, models.ErrDownloadNotFound) {
		return err
	}

	log.Info().Str("hash", normalized).Bool("deleteFiles", deleteFiles).Msg("Torrent removed")
	return nil
}

// Retry re-submits a failed download and moves it back to pending.
func (s *Service) Retry(ctx context.Context, hash string) (*models.DownloadHistory, error) {
	normalized := hashutil.Normalize(hash)
	if normalized == "" {
		return nil, &ValidationError{Reason: "invalid torrent hash"}
	}

	row, err := s.history.FindByHash(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if row.Status != models.StatusFailed {
		return nil, &ValidationError{Reason: fmt.Sprintf("download is %s, only failed downloads can be retried", row.Status)}
	}

	urls := make([]string, 0, 2)
	if row.TorrentURL != "" {
		urls = append(urls, row.TorrentURL)
	} else if row.MagnetLink != "" {
		urls = append(urls, row.MagnetLink)
	}
	if len(urls) == 0 {
		return nil, &ValidationError{Reason: "download carries no torrent url or magnet to retry"}
	}

	if err := s.client.AddTorrent(ctx, qbittorrent.AddTorrentOptions{
		URLs:     urls,
		SavePath: s.opts.SavePath,
		Category: s.opts.Category,
		Tags:     s.opts.Tags,
	}); err != nil {
		return nil, err
	}

	if err := s.history.UpdateStatusByHash(ctx, normalized, models.StatusPending, ""); err != nil {
		return nil, err
	}
	return s.history.FindByHash(ctx, normalized)
}

func isRejected(err error) bool {
	var rejected *qbittorrent.RejectedError
	return errors.As(err, &rejected)
}
