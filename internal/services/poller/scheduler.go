// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package poller drives the periodic subscription checks: fair selection of
// the next batch, bounded-concurrency feed fetches, the filter pipeline and
// submission of surviving items to the download controller.
package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hoshizora/mikanarr/internal/mikan"
	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/qbittorrent"
	"github.com/hoshizora/mikanarr/internal/services/downloads"
)

const stopDeadline = 30 * time.Second

// Config are the scheduler knobs, already validated by the config layer.
type Config struct {
	Enabled       bool
	Interval      time.Duration
	StartupDelay  time.Duration
	MaxPerPoll    int
	MaxConcurrent int
}

// FeedSource retrieves raw RSS for one feed.
type FeedSource interface {
	FetchFeed(ctx context.Context, mikanBangumiID, subgroupID string) ([]byte, time.Time, error)
}

// TorrentAdder is the download-controller operation the scheduler submits
// surviving items through.
type TorrentAdder interface {
	AddTorrentWithTracking(ctx context.Context, req downloads.TrackedAdd) (*models.DownloadHistory, error)
}

// CheckResult is the outcome of checking one subscription.
type CheckResult struct {
	SubscriptionID int
	DownloadsAdded int
	Err            error
}

type kickRequest struct {
	subscriptionID int // 0 means all
	resultCh       chan []CheckResult
}

// Scheduler owns the polling loop. One instance per process.
type Scheduler struct {
	cfg       Config
	subs      *models.SubscriptionStore
	feedCache *models.FeedCacheStore
	filter    *Filter
	source    FeedSource
	adder     TorrentAdder

	kickCh   chan kickRequest
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(cfg Config, subs *models.SubscriptionStore, feedCache *models.FeedCacheStore, filter *Filter, source FeedSource, adder TorrentAdder) *Scheduler {
	if cfg.MaxPerPoll <= 0 {
		cfg.MaxPerPoll = 50
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}

	return &Scheduler{
		cfg:       cfg,
		subs:      subs,
		feedCache: feedCache,
		filter:    filter,
		source:    source,
		adder:     adder,
		kickCh:    make(chan kickRequest),
		done:      make(chan struct{}),
	}
}

// Start launches the loop. The first batch runs after the startup delay;
// kicks are served immediately even while polling is disabled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop signals shutdown and waits for the in-flight batch, giving up after a
// hard deadline.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		select {
		case <-s.done:
		case <-time.After(stopDeadline):
			log.Warn().Msg("Scheduler stop deadline elapsed with checks still in flight")
		}
	})
}

// KickSubscription checks one subscription immediately, bypassing the
// interval, and returns its result.
func (s *Scheduler) KickSubscription(ctx context.Context, id int) (CheckResult, error) {
	results, err := s.kick(ctx, id)
	if err != nil {
		return CheckResult{}, err
	}
	if len(results) == 0 {
		return CheckResult{}, errors.New("no check was performed")
	}
	return results[0], nil
}

// KickAll runs a full fair-selection batch immediately.
func (s *Scheduler) KickAll(ctx context.Context) ([]CheckResult, error) {
	return s.kick(ctx, 0)
}

func (s *Scheduler) kick(ctx context.Context, id int) ([]CheckResult, error) {
	req := kickRequest{subscriptionID: id, resultCh: make(chan []CheckResult, 1)}

	select {
	case s.kickCh <- req:
	case <-s.done:
		return nil, errors.New("scheduler is stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case results := <-req.resultCh:
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	delay := time.NewTimer(s.cfg.StartupDelay)
	defer delay.Stop()

	// Kicks are honored during the startup delay.
	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			return
		case req := <-s.kickCh:
			req.resultCh <- s.serveKick(ctx, req)
		case <-delay.C:
			waiting = false
		}
	}

	if s.cfg.Enabled {
		s.runBatch(ctx)
	} else {
		log.Info().Msg("Subscription polling is disabled, serving manual checks only")
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.kickCh:
			req.resultCh <- s.serveKick(ctx, req)
		case <-ticker.C:
			if s.cfg.Enabled {
				s.runBatch(ctx)
			}
		}
	}
}

func (s *Scheduler) serveKick(ctx context.Context, req kickRequest) []CheckResult {
	if req.subscriptionID == 0 {
		return s.runBatch(ctx)
	}

	sub, err := s.subs.GetByID(ctx, req.subscriptionID)
	if err != nil {
		return []CheckResult{{SubscriptionID: req.subscriptionID, Err: err}}
	}
	return []CheckResult{s.checkSubscription(ctx, sub)}
}

// runBatch selects the next fair batch and checks it on a bounded worker
// pool. A failed tick never aborts the loop.
func (s *Scheduler) runBatch(ctx context.Context) []CheckResult {
	subs, err := s.subs.ListEnabledForPoll(ctx, s.cfg.MaxPerPoll)
	if err != nil {
		log.Error().Err(err).Msg("Failed to select subscriptions for poll")
		return nil
	}
	if len(subs) == 0 {
		log.Debug().Msg("No enabled subscriptions to poll")
		return nil
	}

	log.Info().Int("count", len(subs)).Msg("Polling subscriptions")

	results := make([]CheckResult, len(subs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			results[i] = s.checkSubscription(gctx, sub)
			return nil
		})
	}
	_ = g.Wait()

	added := 0
	for _, r := range results {
		added += r.DownloadsAdded
	}
	log.Info().Int("subscriptions", len(subs)).Int("downloadsAdded", added).Msg("Poll batch finished")

	return results
}

// checkSubscription runs one full check: fetch, parse, cache, filter,
// submit. last_checked_at moves forward on every completed check so the fair
// selection window rotates; a cancelled check commits nothing.
func (s *Scheduler) checkSubscription(ctx context.Context, sub *models.Subscription) CheckResult {
	result := CheckResult{SubscriptionID: sub.ID}

	raw, _, err := s.source.FetchFeed(ctx, sub.MikanBangumiID, sub.SubgroupID)
	if err != nil {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			return result
		}
		log.Warn().Err(err).Int("subscriptionID", sub.ID).Str("title", sub.Title).Msg("Feed fetch failed, will retry next tick")
		result.Err = err
		s.recordCheck(ctx, sub.ID, 0)
		return result
	}

	parsed, err := mikan.ParseFeed(raw, sub.TotalEpisodes)
	if err != nil {
		log.Warn().Err(err).Int("subscriptionID", sub.ID).Msg("Feed parse failed")
		result.Err = err
		s.recordCheck(ctx, sub.ID, 0)
		return result
	}

	if err := s.storeFeedCache(ctx, sub.MikanBangumiID, parsed); err != nil {
		log.Warn().Err(err).Int("subscriptionID", sub.ID).Msg("Failed to refresh feed cache")
	}

	fresh, err := s.filter.Apply(ctx, sub, parsed.Items)
	if err != nil {
		result.Err = err
		s.recordCheck(ctx, sub.ID, 0)
		return result
	}

	// Older episodes are submitted before newer ones.
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].PublishedAt.Before(fresh[j].PublishedAt)
	})

	for _, item := range fresh {
		publishedAt := item.PublishedAt
		_, err := s.adder.AddTorrentWithTracking(ctx, downloads.TrackedAdd{
			TorrentURL:          item.TorrentURL,
			MagnetLink:          item.MagnetLink,
			TorrentHash:         item.TorrentHash,
			Title:               item.Title,
			FileSize:            item.FileSize,
			Source:              models.SourceSubscription,
			SubscriptionID:      &sub.ID,
			AnimeBangumiID:      sub.BangumiID,
			AnimeMikanBangumiID: sub.MikanBangumiID,
			AnimeTitle:          sub.Title,
			PublishedAt:         &publishedAt,
		})
		if err != nil {
			var unavailable *qbittorrent.UnavailableError
			if errors.As(err, &unavailable) {
				// Client is down. Nothing was persisted for this or the
				// remaining items, so the next tick re-observes all of them.
				log.Warn().Err(err).Int("subscriptionID", sub.ID).Msg("Torrent client unavailable, deferring remaining items")
				result.Err = err
				break
			}
			log.Warn().Err(err).Int("subscriptionID", sub.ID).Str("title", item.Title).Msg("Submission failed")
			continue
		}
		result.DownloadsAdded++
	}

	if ctx.Err() != nil {
		result.Err = ctx.Err()
		return result
	}

	s.recordCheck(ctx, sub.ID, result.DownloadsAdded)

	if result.DownloadsAdded > 0 {
		log.Info().Int("subscriptionID", sub.ID).Str("title", sub.Title).Int("added", result.DownloadsAdded).Msg("New episodes submitted")
	}
	return result
}

func (s *Scheduler) recordCheck(ctx context.Context, subscriptionID, added int) {
	if ctx.Err() != nil {
		return
	}

	now := time.Now()
	var downloadAt *time.Time
	if added > 0 {
		downloadAt = &now
	}

	if err := s.subs.UpdateCheckTimestamps(ctx, subscriptionID, now, downloadAt, added); err != nil {
		log.Error().Err(err).Int("subscriptionID", subscriptionID).Msg("Failed to update check timestamps")
	}
}

func (s *Scheduler) storeFeedCache(ctx context.Context, mikanBangumiID string, parsed *mikan.FeedResult) error {
	header, items := parsed.CacheRows(mikanBangumiID)
	return s.feedCache.Replace(ctx, header, items)
}
