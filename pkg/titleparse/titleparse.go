// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package titleparse extracts structured release information from fansub
// torrent titles: the releasing subgroup, resolution, subtitle flavor,
// episode number and whether the release is a batch/collection.
//
// Fansub titles have no common grammar, so extraction is best-effort: a field
// the parser cannot recognize is returned as its zero value and callers must
// treat it as unknown rather than wrong.
package titleparse

import (
	"regexp"
	"strconv"
	"strings"
)

// Info is the parsed view of a single release title.
type Info struct {
	Subgroup     string
	Resolution   string
	SubtitleType string
	Episode      int
	IsCollection bool
}

var (
	subgroupRe = regexp.MustCompile(`^[\[【]([^\]】]+)[\]】]`)

	res2160Re = regexp.MustCompile(`(?i)(2160p|4k|3840x2160)`)
	res1080Re = regexp.MustCompile(`(?i)(1080p|1920x1080)`)
	res720Re  = regexp.MustCompile(`(?i)(720p|1280x720)`)

	// Ordered most-specific first so "简日内嵌" is not reported as "内嵌".
	subtitleKeywords = []string{
		"简繁日内封", "简日内嵌", "繁日内嵌", "简繁内嵌", "简繁内封",
		"简体内嵌", "繁体内嵌", "繁體內嵌", "简日双语", "繁日双语",
		"简日", "繁日", "简繁", "内嵌", "内封", "外挂",
		"CHT", "CHS", "BIG5", "GB",
	}

	episodePatterns = []*regexp.Regexp{
		regexp.MustCompile(`第(\d{1,4})[话話集]`),
		regexp.MustCompile(`[\[【](\d{1,4})(?:[vV]\d)?[\]】]`),
		regexp.MustCompile(`(?i)\bS\d{1,2}E(\d{1,4})\b`),
		regexp.MustCompile(`\s-\s(\d{1,4})(?:[vV]\d)?(?:\s|$|\[|【)`),
		regexp.MustCompile(`(?i)\bEP?(\d{1,4})\b`),
	}

	collectionRe = regexp.MustCompile(`合集|全集|全\d{1,4}[话話集]|(?i)\bfin\b|(?i)\bbatch\b`)
	rangeRe      = regexp.MustCompile(`[\[【\s](\d{1,4})\s*[-~]\s*(\d{1,4})(?:[话話集]|[\]】]|\s|$)`)
)

// Parse extracts release information from a torrent title.
func Parse(title string) Info {
	return Info{
		Subgroup:     Subgroup(title),
		Resolution:   Resolution(title),
		SubtitleType: SubtitleType(title),
		Episode:      Episode(title),
		IsCollection: IsCollection(title),
	}
}

// Subgroup returns the first bracketed prefix of the title, which fansub
// groups conventionally use for their name. Empty when the title does not
// start with a bracket.
func Subgroup(title string) string {
	m := subgroupRe.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Resolution normalizes the video resolution to one of "4K", "1080p" or
// "720p"; empty when no resolution marker is present.
func Resolution(title string) string {
	switch {
	case res2160Re.MatchString(title):
		return "4K"
	case res1080Re.MatchString(title):
		return "1080p"
	case res720Re.MatchString(title):
		return "720p"
	default:
		return ""
	}
}

// SubtitleType returns the subtitle flavor keyword found in the title, or
// empty when none matches.
func SubtitleType(title string) string {
	for _, kw := range subtitleKeywords {
		if strings.Contains(title, kw) {
			return kw
		}
	}
	return ""
}

// Episode extracts the episode number from the title, or 0 when no episode
// can be recognized. Resolution markers and years inside brackets are not
// mistaken for episodes.
func Episode(title string) int {
	for _, re := range episodePatterns {
		for _, m := range re.FindAllStringSubmatch(title, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if looksLikeNonEpisode(n) {
				continue
			}
			return n
		}
	}
	return 0
}

// IsCollection reports whether the title describes a batch release, either by
// keyword (合集, 全集, Fin, batch) or by spanning an episode range.
func IsCollection(title string) bool {
	if collectionRe.MatchString(title) {
		return true
	}
	if m := rangeRe.FindStringSubmatch(title); m != nil {
		lo, err1 := strconv.Atoi(m[1])
		hi, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil && hi > lo && !looksLikeNonEpisode(lo) && !looksLikeNonEpisode(hi) {
			return true
		}
	}
	return false
}

// looksLikeNonEpisode filters values that show up in brackets but are never
// episode numbers: resolutions (480/720/1080/2160) and 4-digit years.
func looksLikeNonEpisode(n int) bool {
	switch n {
	case 480, 720, 1080, 2160:
		return true
	}
	return n >= 1900 && n <= 2100
}
