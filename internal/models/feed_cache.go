// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hoshizora/mikanarr/internal/dbinterface"
)

var ErrFeedCacheNotFound = errors.New("feed cache not found")

// FeedCacheHeader summarizes the latest parsed state of one upstream feed.
type FeedCacheHeader struct {
	MikanBangumiID    string     `json:"mikanBangumiId"`
	SeasonName        string     `json:"seasonName"`
	LatestEpisode     int        `json:"latestEpisode"`
	LatestPublishedAt *time.Time `json:"latestPublishedAt,omitempty"`
	LatestTitle       string     `json:"latestTitle"`
	EpisodeOffset     int        `json:"episodeOffset"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// FeedCacheItem is one candidate torrent from the feed, owned by its header.
type FeedCacheItem struct {
	ID             int        `json:"id"`
	MikanBangumiID string     `json:"mikanBangumiId"`
	Title          string     `json:"title"`
	TorrentURL     string     `json:"torrentUrl"`
	MagnetLink     string     `json:"magnetLink"`
	TorrentHash    string     `json:"torrentHash"`
	CanDownload    bool       `json:"canDownload"`
	FileSize       int64      `json:"fileSize"`
	FormattedSize  string     `json:"formattedSize"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	Resolution     string     `json:"resolution"`
	Subgroup       string     `json:"subgroup"`
	SubtitleType   string     `json:"subtitleType"`
	Episode        int        `json:"episode"`
	IsCollection   bool       `json:"isCollection"`
}

type FeedCacheStore struct {
	db dbinterface.TxBeginner
}

func NewFeedCacheStore(db dbinterface.TxBeginner) *FeedCacheStore {
	return &FeedCacheStore{db: db}
}

// GetHeader returns the cached header for a feed.
func (s *FeedCacheStore) GetHeader(ctx context.Context, mikanBangumiID string) (*FeedCacheHeader, error) {
	var h FeedCacheHeader
	var latestPublished sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT mikan_bangumi_id, season_name, latest_episode, latest_published_at, latest_title, episode_offset, updated_at
		FROM feed_cache_headers
		WHERE mikan_bangumi_id = ?
	`, mikanBangumiID).Scan(
		&h.MikanBangumiID,
		&h.SeasonName,
		&h.LatestEpisode,
		&latestPublished,
		&h.LatestTitle,
		&h.EpisodeOffset,
		&h.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeedCacheNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed cache header: %w", err)
	}

	if latestPublished.Valid {
		h.LatestPublishedAt = &latestPublished.Time
	}
	return &h, nil
}

// GetItems returns the cached items for a feed, newest first.
func (s *FeedCacheStore) GetItems(ctx context.Context, mikanBangumiID string) ([]*FeedCacheItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mikan_bangumi_id, title, torrent_url, magnet_link, torrent_hash, can_download,
			file_size, formatted_size, published_at, resolution, subgroup, subtitle_type, episode, is_collection
		FROM feed_cache_items
		WHERE mikan_bangumi_id = ?
		ORDER BY published_at DESC, id DESC
	`, mikanBangumiID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feed cache items: %w", err)
	}
	defer rows.Close()

	var items []*FeedCacheItem
	for rows.Next() {
		var item FeedCacheItem
		var publishedAt sql.NullTime

		if err := rows.Scan(
			&item.ID,
			&item.MikanBangumiID,
			&item.Title,
			&item.TorrentURL,
			&item.MagnetLink,
			&item.TorrentHash,
			&item.CanDownload,
			&item.FileSize,
			&item.FormattedSize,
			&publishedAt,
			&item.Resolution,
			&item.Subgroup,
			&item.SubtitleType,
			&item.Episode,
			&item.IsCollection,
		); err != nil {
			return nil, fmt.Errorf("failed to scan feed cache item: %w", err)
		}
		if publishedAt.Valid {
			item.PublishedAt = &publishedAt.Time
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feed cache items: %w", err)
	}
	return items, nil
}

// Replace atomically swaps the cached header and items for a feed. Items of a
// previous refresh never survive: the delete cascades before the new rows go
// in, all inside one transaction.
func (s *FeedCacheStore) Replace(ctx context.Context, header *FeedCacheHeader, items []*FeedCacheItem) error {
	if header == nil || header.MikanBangumiID == "" {
		return errors.New("feed cache header requires a mikan bangumi id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin feed cache transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_cache_headers WHERE mikan_bangumi_id = ?`, header.MikanBangumiID); err != nil {
		return fmt.Errorf("failed to clear feed cache: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO feed_cache_headers (mikan_bangumi_id, season_name, latest_episode, latest_published_at, latest_title, episode_offset, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`,
		header.MikanBangumiID, header.SeasonName, header.LatestEpisode,
		nullableTime(header.LatestPublishedAt), header.LatestTitle, header.EpisodeOffset,
	); err != nil {
		return fmt.Errorf("failed to insert feed cache header: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feed_cache_items (mikan_bangumi_id, title, torrent_url, magnet_link, torrent_hash, can_download,
			file_size, formatted_size, published_at, resolution, subgroup, subtitle_type, episode, is_collection)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare feed cache insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx,
			header.MikanBangumiID, item.Title, item.TorrentURL, item.MagnetLink, item.TorrentHash, item.CanDownload,
			item.FileSize, item.FormattedSize, nullableTime(item.PublishedAt), item.Resolution, item.Subgroup,
			item.SubtitleType, item.Episode, item.IsCollection,
		); err != nil {
			return fmt.Errorf("failed to insert feed cache item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit feed cache: %w", err)
	}
	return nil
}
