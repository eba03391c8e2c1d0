// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mikan talks to the Mikan Project RSS/search site and turns its
// responses into normalized feed data.
package mikan

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultCacheTTL = 10 * time.Second
	maxResponseSize = 8 << 20
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d for %s", e.Code, e.URL)
}

// ErrTimeout marks an upstream request that exceeded the fetch timeout.
var ErrTimeout = errors.New("upstream request timed out")

type cacheEntry struct {
	body      []byte
	fetchedAt time.Time
}

// Fetcher retrieves RSS and HTML pages from the Mikan site. Responses are
// cached for a short TTL keyed by URL so concurrent identical requests
// coalesce. No retries happen here; transient failures are retried by the
// next scheduler tick.
type Fetcher struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	group   singleflight.Group

	cacheTTL time.Duration
	cacheMu  sync.Mutex
	cache    map[string]cacheEntry
}

// NewFetcher builds a fetcher for the given site base URL.
func NewFetcher(baseURL string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Fetcher{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(500*time.Millisecond), 3),
		cacheTTL: defaultCacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// FetchFeed retrieves the RSS feed for one anime, optionally narrowed to a
// subgroup. Returns the raw XML and the fetch time.
func (f *Fetcher) FetchFeed(ctx context.Context, mikanBangumiID, subgroupID string) ([]byte, time.Time, error) {
	q := url.Values{}
	q.Set("bangumiId", mikanBangumiID)
	if subgroupID != "" {
		q.Set("subgroupid", subgroupID)
	}

	return f.fetchCached(ctx, f.baseURL+"/RSS/Bangumi?"+q.Encode())
}

// SearchAnime retrieves the HTML search page for a title query.
func (f *Fetcher) SearchAnime(ctx context.Context, title string) ([]byte, error) {
	q := url.Values{}
	q.Set("searchstr", title)

	body, _, err := f.fetchCached(ctx, f.baseURL+"/Home/Search?"+q.Encode())
	return body, err
}

// FetchBangumiPage retrieves the HTML detail page for one anime, which
// carries the subgroup list.
func (f *Fetcher) FetchBangumiPage(ctx context.Context, mikanBangumiID string) ([]byte, error) {
	body, _, err := f.fetchCached(ctx, f.baseURL+"/Home/Bangumi/"+url.PathEscape(mikanBangumiID))
	return body, err
}

func (f *Fetcher) fetchCached(ctx context.Context, requestURL string) ([]byte, time.Time, error) {
	f.cacheMu.Lock()
	if entry, ok := f.cache[requestURL]; ok && time.Since(entry.fetchedAt) < f.cacheTTL {
		f.cacheMu.Unlock()
		return entry.body, entry.fetchedAt, nil
	}
	f.cacheMu.Unlock()

	v, err, _ := f.group.Do(requestURL, func() (any, error) {
		body, err := f.fetch(ctx, requestURL)
		if err != nil {
			return nil, err
		}

		entry := cacheEntry{body: body, fetchedAt: time.Now()}
		f.cacheMu.Lock()
		f.cache[requestURL] = entry
		f.cacheMu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}

	entry := v.(cacheEntry)
	return entry.body, entry.fetchedAt, nil
}

func (f *Fetcher) fetch(ctx context.Context, requestURL string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not build upstream request")
	}
	req.Header.Set("User-Agent", "mikanarr")

	resp, err := f.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, errors.Wrap(err, "upstream request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, URL: requestURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read upstream response")
	}

	log.Trace().Str("url", requestURL).Int("bytes", len(body)).Msg("Fetched upstream resource")
	return body, nil
}
