// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hoshizora/mikanarr/internal/api"
	"github.com/hoshizora/mikanarr/internal/config"
	"github.com/hoshizora/mikanarr/internal/database"
	"github.com/hoshizora/mikanarr/internal/mikan"
	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/qbittorrent"
	"github.com/hoshizora/mikanarr/internal/services/downloads"
	"github.com/hoshizora/mikanarr/internal/services/poller"
	"github.com/hoshizora/mikanarr/internal/services/progress"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mikanarr",
		Short: "Anime subscription and auto-download engine for Mikan Project feeds",
	}

	rootCmd.AddCommand(runServeCommand())
	rootCmd.AddCommand(runVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("mikanarr %s\n", version)
			if commit != "" {
				cmd.Printf("commit: %s\n", commit)
			}
			if date != "" {
				cmd.Printf("built:  %s\n", date)
			}
			cmd.Printf("go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func runServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server and the polling loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appCfg, err := config.New(configPath, version)
			if err != nil {
				return err
			}
			cfg := appCfg.Config

			setupLogger(cfg.LogLevel, cfg.LogPath, cfg.LogMaxSize, cfg.LogMaxBackups)
			appCfg.Watch()

			log.Info().
				Str("version", version).
				Str("configPath", configPath).
				Msg("Starting mikanarr")

			db, err := database.New(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			subscriptions := models.NewSubscriptionStore(db)
			history := models.NewDownloadHistoryStore(db)
			feedCache := models.NewFeedCacheStore(db)
			subgroups := models.NewSubgroupStore(db)

			pollInterval := time.Duration(cfg.PollingIntervalMinutes) * time.Minute

			client := qbittorrent.NewClient(qbittorrent.Config{
				BaseURL:  cfg.TorrentClient.BaseURL(),
				Username: cfg.TorrentClient.Username,
				Password: cfg.TorrentClient.Password,
			})
			client.SetRetryInterval(pollInterval)

			downloadSvc := downloads.NewService(subscriptions, history, client, downloads.Options{
				SavePath: cfg.TorrentClient.DefaultSavePath,
				Category: cfg.TorrentClient.Category,
				Tags:     cfg.TorrentClient.Tags,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if _, err := downloadSvc.EnsureSentinel(ctx); err != nil {
				return fmt.Errorf("failed to prepare manual download tracking: %w", err)
			}

			fetcher := mikan.NewFetcher(cfg.MikanBaseURL, time.Duration(cfg.FeedFetchTimeoutSeconds)*time.Second)

			scheduler := poller.NewScheduler(poller.Config{
				Enabled:       cfg.EnablePolling,
				Interval:      pollInterval,
				StartupDelay:  time.Duration(cfg.StartupDelaySeconds) * time.Second,
				MaxPerPoll:    cfg.MaxSubscriptionsPerPoll,
				MaxConcurrent: cfg.MaxConcurrentFetches,
			}, subscriptions, feedCache, poller.NewFilter(history, subgroups), fetcher, downloadSvc)
			scheduler.Start(ctx)
			defer scheduler.Stop()

			progressSvc := progress.NewService(history, client, cfg.TorrentClient.Category,
				time.Duration(cfg.ProgressSyncIntervalSeconds)*time.Second)
			progressSvc.Start(ctx)

			server := api.NewServer(api.Deps{
				Config:        cfg,
				Subscriptions: subscriptions,
				History:       history,
				FeedCache:     feedCache,
				Subgroups:     subgroups,
				Downloads:     downloadSvc,
				Scheduler:     scheduler,
				Upstream:      fetcher,
				TorrentLister: client,
			})

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Server shutdown failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the config file or directory")

	return cmd
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/mikanarr"
	}
	return "."
}

func setupLogger(level, path string, maxSize, maxBackups int) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	var w io.Writer = console
	if path != "" {
		w = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		})
	}

	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}
