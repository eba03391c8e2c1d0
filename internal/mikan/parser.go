// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mikan

import (
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mmcdole/gofeed"
	"github.com/pkg/errors"

	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/pkg/hashutil"
	"github.com/hoshizora/mikanarr/pkg/titleparse"
)

// FeedItem is one normalized candidate torrent from an RSS feed.
type FeedItem struct {
	Title        string
	TorrentURL   string
	MagnetLink   string
	TorrentHash  string
	CanDownload  bool
	FileSize     int64
	PublishedAt  time.Time
	Resolution   string
	Subgroup     string
	SubtitleType string
	Episode      int
	IsCollection bool
}

// FeedResult is the parsed view of one feed fetch: items sorted by
// published_at descending plus header-level aggregates.
type FeedResult struct {
	SeasonName        string
	Items             []FeedItem
	LatestEpisode     int
	LatestPublishedAt time.Time
	LatestTitle       string
	EpisodeOffset     int
}

var urlHashRe = regexp.MustCompile(`([0-9a-fA-F]{40})`)

// ParseFeed converts raw RSS XML into a FeedResult. totalEpisodes is the
// season's expected episode count from anime metadata (0 when unknown); it
// drives the episode-offset detection for groups that number episodes
// against the whole series.
func ParseFeed(raw []byte, totalEpisodes int) (*FeedResult, error) {
	feed, err := gofeed.NewParser().ParseString(string(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse RSS feed")
	}

	result := &FeedResult{
		SeasonName: feed.Title,
	}

	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		result.Items = append(result.Items, parseItem(item))
	}

	result.EpisodeOffset = detectEpisodeOffset(result.Items, totalEpisodes)
	if result.EpisodeOffset > 0 {
		for i := range result.Items {
			if result.Items[i].Episode > 0 {
				result.Items[i].Episode -= result.EpisodeOffset
			}
		}
	}

	sort.SliceStable(result.Items, func(i, j int) bool {
		return result.Items[i].PublishedAt.After(result.Items[j].PublishedAt)
	})

	for _, item := range result.Items {
		if item.Episode > result.LatestEpisode {
			result.LatestEpisode = item.Episode
		}
	}
	if len(result.Items) > 0 {
		result.LatestPublishedAt = result.Items[0].PublishedAt
		result.LatestTitle = result.Items[0].Title
	}

	return result, nil
}

func parseItem(item *gofeed.Item) FeedItem {
	info := titleparse.Parse(item.Title)

	fi := FeedItem{
		Title:        item.Title,
		Resolution:   info.Resolution,
		Subgroup:     info.Subgroup,
		SubtitleType: info.SubtitleType,
		Episode:      info.Episode,
		IsCollection: info.IsCollection,
	}

	if item.PublishedParsed != nil {
		fi.PublishedAt = *item.PublishedParsed
	} else if torrentDate := extensionValue(item, "torrent", "pubDate"); torrentDate != "" {
		if ts, err := time.Parse("2006-01-02T15:04:05", torrentDate); err == nil {
			fi.PublishedAt = ts
		}
	}

	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		fi.TorrentURL = enc.URL
		if enc.Length != "" {
			if n, err := strconv.ParseInt(enc.Length, 10, 64); err == nil {
				fi.FileSize = n
			}
		}
		break
	}

	if cl := extensionValue(item, "torrent", "contentLength"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > 0 {
			fi.FileSize = n
		}
	}

	// Hash resolution order: explicit magnet, then the torrent URL path
	// (Mikan names torrent files after their info hash), then the item link.
	if hash := hashutil.FromMagnet(item.Link); hash != "" {
		fi.TorrentHash = hash
		fi.MagnetLink = item.Link
	}
	if fi.TorrentHash == "" && fi.TorrentURL != "" {
		if m := urlHashRe.FindString(fi.TorrentURL); m != "" {
			fi.TorrentHash = hashutil.Normalize(m)
		}
	}
	if fi.TorrentHash == "" && item.Link != "" {
		if m := urlHashRe.FindString(item.Link); m != "" {
			fi.TorrentHash = hashutil.Normalize(m)
		}
	}

	if fi.TorrentHash != "" && fi.MagnetLink == "" {
		fi.MagnetLink = hashutil.Magnet(fi.TorrentHash, item.Title)
	}

	// Items with no usable hash are kept for display but never submitted.
	fi.CanDownload = fi.TorrentHash != "" && (fi.TorrentURL != "" || fi.MagnetLink != "")

	return fi
}

// CacheRows converts the parsed result into the header and item rows stored
// by the feed cache.
func (r *FeedResult) CacheRows(mikanBangumiID string) (*models.FeedCacheHeader, []*models.FeedCacheItem) {
	header := &models.FeedCacheHeader{
		MikanBangumiID: mikanBangumiID,
		SeasonName:     r.SeasonName,
		LatestEpisode:  r.LatestEpisode,
		LatestTitle:    r.LatestTitle,
		EpisodeOffset:  r.EpisodeOffset,
		UpdatedAt:      time.Now(),
	}
	if !r.LatestPublishedAt.IsZero() {
		published := r.LatestPublishedAt
		header.LatestPublishedAt = &published
	}

	items := make([]*models.FeedCacheItem, 0, len(r.Items))
	for _, item := range r.Items {
		cached := &models.FeedCacheItem{
			MikanBangumiID: mikanBangumiID,
			Title:          item.Title,
			TorrentURL:     item.TorrentURL,
			MagnetLink:     item.MagnetLink,
			TorrentHash:    item.TorrentHash,
			CanDownload:    item.CanDownload,
			FileSize:       item.FileSize,
			Resolution:     item.Resolution,
			Subgroup:       item.Subgroup,
			SubtitleType:   item.SubtitleType,
			Episode:        item.Episode,
			IsCollection:   item.IsCollection,
		}
		if item.FileSize > 0 {
			cached.FormattedSize = humanize.IBytes(uint64(item.FileSize))
		}
		if !item.PublishedAt.IsZero() {
			published := item.PublishedAt
			cached.PublishedAt = &published
		}
		items = append(items, cached)
	}
	return header, items
}

func extensionValue(item *gofeed.Item, namespace, field string) string {
	ns, ok := item.Extensions[namespace]
	if !ok {
		return ""
	}
	exts, ok := ns[field]
	if !ok || len(exts) == 0 {
		return ""
	}
	return exts[0].Value
}

// detectEpisodeOffset recognizes series-relative numbering: when every
// episode number sits above the season's expected count and the observed
// span still fits inside one season, the minimum observed episode is episode
// one. Returns the offset to subtract, or 0.
func detectEpisodeOffset(items []FeedItem, totalEpisodes int) int {
	if totalEpisodes <= 0 {
		return 0
	}

	minObserved, maxObserved := 0, 0
	for _, item := range items {
		if item.Episode <= 0 || item.IsCollection {
			continue
		}
		if minObserved == 0 || item.Episode < minObserved {
			minObserved = item.Episode
		}
		if item.Episode > maxObserved {
			maxObserved = item.Episode
		}
	}

	if minObserved == 0 || minObserved <= totalEpisodes {
		return 0
	}
	if maxObserved-minObserved+1 > totalEpisodes {
		return 0
	}
	return minObserved - 1
}
