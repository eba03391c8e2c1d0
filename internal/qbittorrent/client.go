// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent is a minimal qBittorrent WebUI API client. It owns the
// cookie session: login on demand, proactive re-auth when the SID expires and
// one forced re-auth plus retry when the client answers 403.
package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hoshizora/mikanarr/pkg/hashutil"
)

const (
	apiBase           = "/api/v2"
	defaultTimeout    = 30 * time.Second
	defaultSessionTTL = time.Hour
)

// Config describes one qBittorrent endpoint plus credentials.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	SessionTTL time.Duration
}

// Client talks to a single qBittorrent instance. Safe for concurrent use;
// authentication is serialized so parallel callers never race logins.
type Client struct {
	cfg  Config
	http *http.Client

	authMu       sync.Mutex
	sid          string
	sidExpiresAt time.Time

	retryInterval time.Duration
}

// NewClient builds a client; no network traffic happens until the first call.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}

	return &Client{
		cfg:           cfg,
		http:          &http.Client{Timeout: cfg.Timeout},
		retryInterval: 30 * time.Minute,
	}
}

// SetRetryInterval sets the hint attached to UnavailableError, normally the
// polling interval.
func (c *Client) SetRetryInterval(d time.Duration) {
	if d > 0 {
		c.retryInterval = d
	}
}

func (c *Client) unavailable(reason string) *UnavailableError {
	return &UnavailableError{Reason: reason, RetryAfter: time.Now().Add(c.retryInterval)}
}

// Login authenticates and stores the SID cookie with its expiry.
func (c *Client) Login(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	var sid string

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+apiBase+"/auth/login", strings.NewReader(form.Encode()))
			if err != nil {
				return retry.Unrecoverable(errors.Wrap(err, "could not build login request"))
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			resp, err := c.http.Do(req)
			if err != nil {
				return errors.Wrap(err, "login request failed")
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

			if resp.StatusCode != http.StatusOK {
				return errors.Errorf("login returned status %d", resp.StatusCode)
			}
			if strings.HasPrefix(string(body), "Fails") {
				return retry.Unrecoverable(errors.New("login rejected: bad credentials"))
			}

			for _, cookie := range resp.Cookies() {
				if cookie.Name == "SID" {
					sid = cookie.Value
					return nil
				}
			}
			return errors.New("login response carried no SID cookie")
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return c.unavailable(err.Error())
	}

	c.sid = sid
	c.sidExpiresAt = time.Now().Add(c.cfg.SessionTTL)

	log.Debug().Str("host", c.cfg.BaseURL).Time("expiresAt", c.sidExpiresAt).Msg("qBittorrent session established")
	return nil
}

// ensureSession re-authenticates when no cookie is held or it has expired.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.sid == "" || time.Now().After(c.sidExpiresAt) {
		if err := c.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.sid, nil
}

// forceRelogin drops the held cookie and authenticates again. Used after 403.
func (c *Client) forceRelogin(ctx context.Context) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	c.sid = ""
	if err := c.loginLocked(ctx); err != nil {
		return "", err
	}
	return c.sid, nil
}

// do issues one authenticated call. GET encodes params in the query string,
// POST as a form body. A single 403 triggers one forced re-auth and retry.
func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values) (*http.Response, error) {
	sid, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, endpoint, params, sid)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		log.Debug().Str("endpoint", endpoint).Msg("qBittorrent returned 403, forcing re-auth")

		sid, err = c.forceRelogin(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, method, endpoint, params, sid)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, c.unavailable(fmt.Sprintf("%s returned status %d", endpoint, resp.StatusCode))
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &RejectedError{Reason: fmt.Sprintf("%s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	return resp, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, params url.Values, sid string) (*http.Response, error) {
	reqURL := c.cfg.BaseURL + apiBase + endpoint

	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, errors.Wrap(err, "could not build request")
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.AddCookie(&http.Cookie{Name: "SID", Value: sid})

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, c.unavailable("request timed out")
		}
		return nil, c.unavailable(err.Error())
	}
	return resp, nil
}

// AddTorrent submits magnets or torrent URLs via torrents/add.
func (c *Client) AddTorrent(ctx context.Context, opts AddTorrentOptions) error {
	if len(opts.URLs) == 0 {
		return &RejectedError{Reason: "no torrent urls or magnets supplied"}
	}

	form := url.Values{}
	form.Set("urls", strings.Join(opts.URLs, "\n"))
	if opts.SavePath != "" {
		form.Set("savepath", opts.SavePath)
	}
	if opts.Category != "" {
		form.Set("category", opts.Category)
	}
	if opts.Tags != "" {
		form.Set("tags", opts.Tags)
	}
	if opts.Paused {
		form.Set("paused", "true")
	}

	resp, err := c.do(ctx, http.MethodPost, "/torrents/add", form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if strings.HasPrefix(string(body), "Fails") {
		return &RejectedError{Reason: "torrents/add refused the submission"}
	}
	return nil
}

// ListTorrents returns the client's torrents, optionally filtered by
// category. Returned hashes are normalized to uppercase.
func (c *Client) ListTorrents(ctx context.Context, category string) ([]Torrent, error) {
	params := url.Values{}
	if category != "" {
		params.Set("category", category)
	}

	resp, err := c.do(ctx, http.MethodGet, "/torrents/info", params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var torrents []Torrent
	if err := json.NewDecoder(resp.Body).Decode(&torrents); err != nil {
		return nil, c.unavailable("could not decode torrents/info response: " + err.Error())
	}

	for i := range torrents {
		if normalized := hashutil.Normalize(torrents[i].Hash); normalized != "" {
			torrents[i].Hash = normalized
		} else {
			torrents[i].Hash = strings.ToUpper(torrents[i].Hash)
		}
	}
	return torrents, nil
}

// GetTorrent returns one torrent by hash, or nil when the client does not
// know it.
func (c *Client) GetTorrent(ctx context.Context, hash string) (*Torrent, error) {
	normalized := hashutil.Normalize(hash)
	if normalized == "" {
		return nil, &RejectedError{Reason: "invalid torrent hash"}
	}

	params := url.Values{}
	params.Set("hashes", strings.ToLower(normalized))

	resp, err := c.do(ctx, http.MethodGet, "/torrents/info", params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var torrents []Torrent
	if err := json.NewDecoder(resp.Body).Decode(&torrents); err != nil {
		return nil, c.unavailable("could not decode torrents/info response: " + err.Error())
	}
	if len(torrents) == 0 {
		return nil, nil
	}

	t := torrents[0]
	if n := hashutil.Normalize(t.Hash); n != "" {
		t.Hash = n
	}
	return &t, nil
}

// Pause pauses the given torrents.
func (c *Client) Pause(ctx context.Context, hashes []string) error {
	return c.hashAction(ctx, "/torrents/pause", hashes, nil)
}

// Resume resumes the given torrents.
func (c *Client) Resume(ctx context.Context, hashes []string) error {
	return c.hashAction(ctx, "/torrents/resume", hashes, nil)
}

// Delete removes the given torrents, optionally deleting their files.
func (c *Client) Delete(ctx context.Context, hashes []string, deleteFiles bool) error {
	extra := url.Values{}
	extra.Set("deleteFiles", strconv.FormatBool(deleteFiles))
	return c.hashAction(ctx, "/torrents/delete", hashes, extra)
}

func (c *Client) hashAction(ctx context.Context, endpoint string, hashes []string, extra url.Values) error {
	normalized := hashutil.NormalizeAll(hashes)
	if len(normalized) == 0 {
		return &RejectedError{Reason: "no valid torrent hashes supplied"}
	}

	lower := make([]string, len(normalized))
	for i, h := range normalized {
		lower[i] = strings.ToLower(h)
	}

	form := url.Values{}
	form.Set("hashes", strings.Join(lower, "|"))
	for k, vs := range extra {
		for _, v := range vs {
			form.Add(k, v)
		}
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint, form)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
