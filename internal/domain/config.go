// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"fmt"
	"strings"
)

// Config represents the application configuration.
type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DatabasePath  string `toml:"databasePath" mapstructure:"databasePath"`

	// Mikan upstream.
	MikanBaseURL            string `toml:"mikanBaseUrl" mapstructure:"mikanBaseUrl"`
	FeedFetchTimeoutSeconds int    `toml:"feedFetchTimeoutSeconds" mapstructure:"feedFetchTimeoutSeconds"`

	// Subscription polling.
	EnablePolling           bool `toml:"enablePolling" mapstructure:"enablePolling"`
	PollingIntervalMinutes  int  `toml:"pollingIntervalMinutes" mapstructure:"pollingIntervalMinutes"`
	MaxSubscriptionsPerPoll int  `toml:"maxSubscriptionsPerPoll" mapstructure:"maxSubscriptionsPerPoll"`
	StartupDelaySeconds     int  `toml:"startupDelaySeconds" mapstructure:"startupDelaySeconds"`
	MaxConcurrentFetches    int  `toml:"maxConcurrentFetches" mapstructure:"maxConcurrentFetches"`

	// Progress reconciliation.
	ProgressSyncIntervalSeconds int `toml:"progressSyncIntervalSeconds" mapstructure:"progressSyncIntervalSeconds"`

	TorrentClient TorrentClientConfig `toml:"torrentClient" mapstructure:"torrentClient"`
}

// TorrentClientConfig holds the qBittorrent WebUI endpoint and defaults
// applied to every submitted torrent.
type TorrentClientConfig struct {
	Host            string `toml:"host" mapstructure:"host"`
	Port            int    `toml:"port" mapstructure:"port"`
	Username        string `toml:"username" mapstructure:"username"`
	Password        string `toml:"password" mapstructure:"password"`
	DefaultSavePath string `toml:"defaultSavePath" mapstructure:"defaultSavePath"`
	Category        string `toml:"category" mapstructure:"category"`
	Tags            string `toml:"tags" mapstructure:"tags"`
}

// BaseURL returns the WebUI endpoint, e.g. "http://localhost:8080".
func (c TorrentClientConfig) BaseURL() string {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = "localhost"
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		if c.Port > 0 && !strings.Contains(strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://"), ":") {
			return fmt.Sprintf("%s:%d", host, c.Port)
		}
		return host
	}
	if c.Port > 0 {
		return fmt.Sprintf("http://%s:%d", host, c.Port)
	}
	return "http://" + host
}

// Validate enforces the documented bounds on polling options.
func (c *Config) Validate() error {
	if c.PollingIntervalMinutes < 5 {
		return fmt.Errorf("pollingIntervalMinutes must be >= 5, got %d", c.PollingIntervalMinutes)
	}
	if c.MaxSubscriptionsPerPoll <= 0 {
		return fmt.Errorf("maxSubscriptionsPerPoll must be positive, got %d", c.MaxSubscriptionsPerPoll)
	}
	if c.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("maxConcurrentFetches must be positive, got %d", c.MaxConcurrentFetches)
	}
	if c.MikanBaseURL == "" {
		return fmt.Errorf("mikanBaseUrl is required")
	}
	return nil
}
