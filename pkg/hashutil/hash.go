// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hashutil provides utility functions for normalizing torrent info
// hashes consistently across the codebase. The canonical stored form is
// 40-character uppercase hex; base-32 encoded hashes (32 characters, seen in
// older magnet links) are converted to hex during normalization.
package hashutil

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strings"
)

const (
	hexLength    = 40
	base32Length = 32
)

// Normalize canonicalizes a torrent info hash: whitespace is trimmed, base-32
// input is converted to hex, and the result is uppercased. Returns an empty
// string when the input is not a valid info hash in either encoding.
func Normalize(hash string) string {
	h := strings.TrimSpace(hash)

	switch len(h) {
	case hexLength:
		if _, err := hex.DecodeString(h); err != nil {
			return ""
		}
		return strings.ToUpper(h)
	case base32Length:
		raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(h))
		if err != nil {
			return ""
		}
		return strings.ToUpper(hex.EncodeToString(raw))
	default:
		return ""
	}
}

// NormalizeAll normalizes a slice of hashes, dropping invalid entries and
// duplicates while preserving the order of first occurrence.
func NormalizeAll(hashes []string) []string {
	if len(hashes) == 0 {
		return nil
	}

	result := make([]string, 0, len(hashes))
	seen := make(map[string]struct{}, len(hashes))

	for _, hash := range hashes {
		normalized := Normalize(hash)
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}

	return result
}

// FromMagnet extracts and normalizes the info hash from a magnet link's
// xt=urn:btih: parameter. Returns an empty string when the link carries no
// usable hash.
func FromMagnet(magnet string) string {
	magnet = strings.TrimSpace(magnet)
	if magnet == "" {
		return ""
	}

	u, err := url.Parse(magnet)
	if err != nil || u.Scheme != "magnet" {
		return ""
	}

	for _, xt := range u.Query()["xt"] {
		if rest, ok := strings.CutPrefix(xt, "urn:btih:"); ok {
			if normalized := Normalize(rest); normalized != "" {
				return normalized
			}
		}
	}

	return ""
}

// Magnet synthesizes a magnet link from a normalized hash and optional
// display name.
func Magnet(hash, displayName string) string {
	normalized := Normalize(hash)
	if normalized == "" {
		return ""
	}

	magnet := "magnet:?xt=urn:btih:" + normalized
	if displayName != "" {
		magnet += "&dn=" + url.QueryEscape(displayName)
	}
	return magnet
}
