// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package progress reconciles history rows against the torrent client's
// realtime state on a fixed period.
package progress

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/qbittorrent"
)

const defaultInterval = 30 * time.Second

// TorrentLister is the client operation the reconciler needs.
type TorrentLister interface {
	ListTorrents(ctx context.Context, category string) ([]qbittorrent.Torrent, error)
}

// Service runs the reconciliation loop: one full torrent list, one batched
// history load, one transaction of updates per sweep.
type Service struct {
	history  *models.DownloadHistoryStore
	client   TorrentLister
	category string
	interval time.Duration
}

func NewService(history *models.DownloadHistoryStore, client TorrentLister, category string, interval time.Duration) *Service {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		history:  history,
		client:   client,
		category: category,
		interval: interval,
	}
}

// Start launches the loop; it stops when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sync(ctx); err != nil {
					log.Warn().Err(err).Msg("Progress sync failed, will retry next period")
				}
			}
		}
	}()
}

// Sync performs one reconciliation sweep. A client failure updates nothing.
func (s *Service) Sync(ctx context.Context) error {
	torrents, err := s.client.ListTorrents(ctx, s.category)
	if err != nil {
		return err
	}
	if len(torrents) == 0 {
		return nil
	}

	hashes := make([]string, 0, len(torrents))
	for _, t := range torrents {
		hashes = append(hashes, t.Hash)
	}

	rows, err := s.history.ListByHashes(ctx, hashes)
	if err != nil {
		return err
	}

	now := time.Now()
	changes := make([]models.ProgressChange, 0, len(torrents))

	for _, t := range torrents {
		row, tracked := rows[t.Hash]
		if !tracked {
			// Torrents the system never submitted are not adopted.
			continue
		}

		change, ok := buildChange(t, row, now)
		if !ok {
			continue
		}
		changes = append(changes, change)
	}

	if len(changes) == 0 {
		return nil
	}

	if err := s.history.UpdateProgressBatch(ctx, changes); err != nil {
		return err
	}

	log.Debug().Int("torrents", len(torrents)).Int("updated", len(changes)).Msg("Progress sync complete")
	return nil
}

// buildChange maps one client torrent onto a history update. Unknown client
// states leave the row untouched.
func buildChange(t qbittorrent.Torrent, row *models.DownloadHistory, now time.Time) (models.ProgressChange, bool) {
	change := models.ProgressChange{
		Hash:          t.Hash,
		Progress:      t.Progress * 100,
		DownloadSpeed: t.DlSpeed,
		ETA:           t.ETA,
		NumSeeds:      t.NumSeeds,
		NumLeechers:   t.NumLeechs,
		SavePath:      t.SavePath,
		SyncedAt:      now,
	}

	switch qbittorrent.GroupForState(t.State) {
	case qbittorrent.StateGroupDownloading:
		change.Status = models.StatusDownloading
	case qbittorrent.StateGroupCompleted:
		change.Status = models.StatusCompleted
		// The client can report 0.999 on a finished torrent.
		change.Progress = 100
	case qbittorrent.StateGroupPaused:
		change.Status = models.StatusPending
	case qbittorrent.StateGroupErrored:
		change.Status = models.StatusFailed
		change.ErrorMessage = "client state: " + t.State
	default:
		return models.ProgressChange{}, false
	}

	if change.Status != models.StatusFailed {
		change.ErrorMessage = row.ErrorMessage
	}
	return change, true
}
