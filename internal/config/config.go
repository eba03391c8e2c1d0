// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/hoshizora/mikanarr/internal/domain"
)

const envPrefix = "MIKANARR__"

// AppConfig wraps the loaded configuration together with the viper instance
// so the config file can be watched for changes.
type AppConfig struct {
	Config *domain.Config
	viper  *viper.Viper
	mu     sync.Mutex
}

// New loads configuration from the given path (a config.toml file or a
// directory containing one), creating a default file when none exists.
// Environment variables prefixed with MIKANARR__ override file values.
func New(configPath string, version string) (*AppConfig, error) {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults(version)

	c.viper.SetConfigType("toml")
	c.viper.SetEnvPrefix(strings.TrimSuffix(envPrefix, "__"))
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()

	if configPath != "" {
		if err := c.load(configPath); err != nil {
			return nil, err
		}
	}

	cfg := &domain.Config{Version: version}
	if err := c.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(filepath.Dir(c.viper.ConfigFileUsed()), "mikanarr.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c.Config = cfg
	return c, nil
}

func (c *AppConfig) defaults(version string) {
	v := c.viper

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7810)
	v.SetDefault("baseUrl", "/")
	v.SetDefault("logLevel", "INFO")
	v.SetDefault("logPath", "")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)

	v.SetDefault("mikanBaseUrl", "https://mikanani.me")
	v.SetDefault("feedFetchTimeoutSeconds", 30)

	v.SetDefault("enablePolling", true)
	v.SetDefault("pollingIntervalMinutes", 30)
	v.SetDefault("maxSubscriptionsPerPoll", 50)
	v.SetDefault("startupDelaySeconds", 30)
	v.SetDefault("maxConcurrentFetches", 3)

	v.SetDefault("progressSyncIntervalSeconds", 30)

	v.SetDefault("torrentClient.host", "localhost")
	v.SetDefault("torrentClient.port", 8080)
	v.SetDefault("torrentClient.username", "admin")
	v.SetDefault("torrentClient.password", "")
	v.SetDefault("torrentClient.defaultSavePath", "")
	v.SetDefault("torrentClient.category", "mikanarr")
	v.SetDefault("torrentClient.tags", "")
}

func (c *AppConfig) load(configPath string) error {
	info, err := os.Stat(configPath)
	switch {
	case err == nil && info.IsDir():
		c.viper.AddConfigPath(configPath)
		c.viper.SetConfigName("config")
	case err == nil:
		c.viper.SetConfigFile(configPath)
	default:
		if err := os.MkdirAll(configPath, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		c.viper.AddConfigPath(configPath)
		c.viper.SetConfigName("config")
	}

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := c.writeDefaultFile(configPath); err != nil {
			return err
		}
		if err := c.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read generated config: %w", err)
		}
	}

	return nil
}

func (c *AppConfig) writeDefaultFile(configPath string) error {
	file := configPath
	if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		file = filepath.Join(configPath, "config.toml")
	} else if filepath.Ext(configPath) == "" {
		file = filepath.Join(configPath, "config.toml")
	}

	if err := os.WriteFile(file, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	c.viper.SetConfigFile(file)

	log.Info().Str("path", file).Msg("Generated default config file")
	return nil
}

// Watch reloads the dynamic parts of the config (currently the log level)
// when the config file changes on disk.
func (c *AppConfig) Watch() {
	c.viper.OnConfigChange(func(_ fsnotify.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()

		level := c.viper.GetString("logLevel")
		if level == "" {
			return
		}
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			log.Warn().Str("logLevel", level).Msg("Ignoring invalid log level from config change")
			return
		}
		zerolog.SetGlobalLevel(parsed)
		c.Config.LogLevel = level
		log.Info().Str("logLevel", level).Msg("Log level updated from config file")
	})
	c.viper.WatchConfig()
}

const defaultConfigTemplate = `# mikanarr configuration

host = "127.0.0.1"
port = 7810

# TRACE, DEBUG, INFO, WARN, ERROR
logLevel = "INFO"
# Leave empty to log to stderr only
logPath = ""

mikanBaseUrl = "https://mikanani.me"

enablePolling = true
pollingIntervalMinutes = 30
maxSubscriptionsPerPoll = 50
startupDelaySeconds = 30
maxConcurrentFetches = 3
progressSyncIntervalSeconds = 30

[torrentClient]
host = "localhost"
port = 8080
username = "admin"
password = ""
defaultSavePath = ""
category = "mikanarr"
tags = ""
`
