// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mikan

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
)

// SearchResult is one anime entry scraped from the search page.
type SearchResult struct {
	MikanBangumiID string `json:"mikanBangumiId"`
	Title          string `json:"title"`
}

// Subgroup is one fansub group scraped from an anime detail page.
type Subgroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var bangumiHrefRe = regexp.MustCompile(`/Home/Bangumi/(\d+)`)

// ParseSearchPage scrapes anime id/title tuples out of the search results
// HTML. Duplicate ids are collapsed to their first occurrence.
func ParseSearchPage(raw []byte) ([]SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse search page")
	}

	var results []SearchResult
	seen := make(map[string]struct{})

	doc.Find(`a[href*="/Home/Bangumi/"]`).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		m := bangumiHrefRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		id := m[1]
		if _, ok := seen[id]; ok {
			return
		}

		title := strings.TrimSpace(sel.AttrOr("title", ""))
		if title == "" {
			title = strings.TrimSpace(sel.Text())
		}
		if title == "" {
			return
		}

		seen[id] = struct{}{}
		results = append(results, SearchResult{MikanBangumiID: id, Title: title})
	})

	return results, nil
}

// ParseSubgroups scrapes the fansub group list from an anime detail page.
// The anchors carry the numeric subgroup id in their data-anchor attribute
// (e.g. data-anchor="#583").
func ParseSubgroups(raw []byte) ([]Subgroup, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse bangumi page")
	}

	var subgroups []Subgroup
	seen := make(map[string]struct{})

	doc.Find("a.subgroup-name").Each(func(_ int, sel *goquery.Selection) {
		anchor := sel.AttrOr("data-anchor", "")
		id := strings.TrimPrefix(anchor, "#")
		name := strings.TrimSpace(sel.Text())
		if id == "" || name == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		subgroups = append(subgroups, Subgroup{ID: id, Name: name})
	})

	return subgroups, nil
}
