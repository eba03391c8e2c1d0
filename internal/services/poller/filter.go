// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"strings"
	"unicode"

	"github.com/hoshizora/mikanarr/internal/mikan"
	"github.com/hoshizora/mikanarr/internal/models"
)

// Filter decides which parsed feed items are new and downloadable for a
// subscription. Steps run in a fixed order: hash dedup, subgroup match,
// include keywords, exclude keywords, downloadability.
type Filter struct {
	history   *models.DownloadHistoryStore
	subgroups *models.SubgroupStore
}

func NewFilter(history *models.DownloadHistoryStore, subgroups *models.SubgroupStore) *Filter {
	return &Filter{history: history, subgroups: subgroups}
}

// Apply returns the items that survive every step. Dedup is one batched
// query over all hashes in the feed.
func (f *Filter) Apply(ctx context.Context, sub *models.Subscription, items []mikan.FeedItem) ([]mikan.FeedItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	hashes := make([]string, 0, len(items))
	for _, item := range items {
		if item.TorrentHash != "" {
			hashes = append(hashes, item.TorrentHash)
		}
	}

	existing, err := f.history.BatchExistsByHashes(ctx, hashes)
	if err != nil {
		return nil, err
	}

	include := splitTokens(sub.KeywordInclude)
	exclude := splitTokens(sub.KeywordExclude)

	var kept []mikan.FeedItem
	for _, item := range items {
		if _, seen := existing[item.TorrentHash]; seen {
			continue
		}

		if sub.SubgroupID != "" {
			match, err := f.subgroupMatches(ctx, sub, item.Subgroup)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}

		if !containsAll(item.Title, include) {
			continue
		}
		if containsAny(item.Title, exclude) {
			continue
		}

		if !item.CanDownload {
			continue
		}

		kept = append(kept, item)
	}

	return kept, nil
}

// subgroupMatches resolves the parsed subgroup name against the mapping cache
// and falls back to a direct name comparison when the mapping is absent.
func (f *Filter) subgroupMatches(ctx context.Context, sub *models.Subscription, parsedName string) (bool, error) {
	if parsedName == "" {
		return false, nil
	}

	id, found, err := f.subgroups.IDByName(ctx, sub.MikanBangumiID, parsedName)
	if err != nil {
		return false, err
	}
	if found {
		return id == sub.SubgroupID, nil
	}
	return parsedName == sub.SubgroupName, nil
}

// splitTokens tokenizes a keyword field on commas and whitespace.
func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

func containsAll(title string, tokens []string) bool {
	lower := strings.ToLower(title)
	for _, token := range tokens {
		if !strings.Contains(lower, strings.ToLower(token)) {
			return false
		}
	}
	return true
}

func containsAny(title string, tokens []string) bool {
	lower := strings.ToLower(title)
	for _, token := range tokens {
		if strings.Contains(lower, strings.ToLower(token)) {
			return true
		}
	}
	return false
}
