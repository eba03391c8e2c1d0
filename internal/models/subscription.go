// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hoshizora/mikanarr/internal/dbinterface"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// SentinelTitle is the reserved title of the inactive subscription row that
// manual downloads are attributed to.
const SentinelTitle = "__manual_download_tracking__"

// SentinelBangumiID is the reserved bangumi id of the manual-download sentinel.
const SentinelBangumiID = -1

// Subscription represents a user's interest in one anime release track.
type Subscription struct {
	ID             int        `json:"id"`
	BangumiID      int        `json:"bangumiId"`
	Title          string     `json:"title"`
	MikanBangumiID string     `json:"mikanBangumiId"`
	SubgroupID     string     `json:"subgroupId"`
	SubgroupName   string     `json:"subgroupName"`
	KeywordInclude string     `json:"keywordInclude"`
	KeywordExclude string     `json:"keywordExclude"`
	IsEnabled      bool       `json:"isEnabled"`
	TotalEpisodes  int        `json:"totalEpisodes"`
	LastCheckedAt  *time.Time `json:"lastCheckedAt,omitempty"`
	LastDownloadAt *time.Time `json:"lastDownloadAt,omitempty"`
	DownloadCount  int        `json:"downloadCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsSentinel reports whether this is the manual-download tracking row.
func (s *Subscription) IsSentinel() bool {
	return s.BangumiID == SentinelBangumiID && s.Title == SentinelTitle
}

type SubscriptionStore struct {
	db dbinterface.TxBeginner
}

func NewSubscriptionStore(db dbinterface.TxBeginner) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `
	id, bangumi_id, title, mikan_bangumi_id, subgroup_id, subgroup_name,
	keyword_include, keyword_exclude, is_enabled, total_episodes,
	last_checked_at, last_download_at, download_count, created_at, updated_at
`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	var lastChecked, lastDownload sql.NullTime

	err := row.Scan(
		&sub.ID,
		&sub.BangumiID,
		&sub.Title,
		&sub.MikanBangumiID,
		&sub.SubgroupID,
		&sub.SubgroupName,
		&sub.KeywordInclude,
		&sub.KeywordExclude,
		&sub.IsEnabled,
		&sub.TotalEpisodes,
		&lastChecked,
		&lastDownload,
		&sub.DownloadCount,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastChecked.Valid {
		sub.LastCheckedAt = &lastChecked.Time
	}
	if lastDownload.Valid {
		sub.LastDownloadAt = &lastDownload.Time
	}
	return &sub, nil
}

// Create inserts a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if sub.Title == "" {
		return nil, errors.New("title cannot be empty")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (bangumi_id, title, mikan_bangumi_id, subgroup_id, subgroup_name,
			keyword_include, keyword_exclude, is_enabled, total_episodes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sub.BangumiID, sub.Title, sub.MikanBangumiID, sub.SubgroupID, sub.SubgroupName,
		sub.KeywordInclude, sub.KeywordExclude, sub.IsEnabled, sub.TotalEpisodes,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return s.GetByBangumiID(ctx, sub.BangumiID)
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return s.GetByID(ctx, int(id))
}

// GetByID retrieves one subscription by primary key.
func (s *SubscriptionStore) GetByID(ctx context.Context, id int) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetByBangumiID retrieves the subscription tracking the given anime.
func (s *SubscriptionStore) GetByBangumiID(ctx context.Context, bangumiID int) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE bangumi_id = ?`, bangumiID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by bangumi id: %w", err)
	}
	return sub, nil
}

// GetByMikanBangumiID retrieves the subscription tracking the given upstream
// feed, when one exists.
func (s *SubscriptionStore) GetByMikanBangumiID(ctx context.Context, mikanBangumiID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE mikan_bangumi_id = ? AND bangumi_id > 0
		ORDER BY id ASC
		LIMIT 1
	`, mikanBangumiID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by mikan bangumi id: %w", err)
	}
	return sub, nil
}

// List returns all non-sentinel subscriptions, newest first.
func (s *SubscriptionStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE bangumi_id > 0
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// ListEnabledForPoll returns up to limit enabled subscriptions ordered by
// last_checked_at ascending with never-checked rows first. This rotating
// selection guarantees every enabled subscription is visited within
// ceil(enabled/limit) ticks.
func (s *SubscriptionStore) ListEnabledForPoll(ctx context.Context, limit int) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE is_enabled = 1 AND bangumi_id > 0
		ORDER BY last_checked_at IS NOT NULL, last_checked_at ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for poll: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

func collectSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

// Update persists user-editable fields.
func (s *SubscriptionStore) Update(ctx context.Context, sub *Subscription) (*Subscription, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET title = ?, mikan_bangumi_id = ?, subgroup_id = ?, subgroup_name = ?,
			keyword_include = ?, keyword_exclude = ?, is_enabled = ?, total_episodes = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`,
		sub.Title, sub.MikanBangumiID, sub.SubgroupID, sub.SubgroupName,
		sub.KeywordInclude, sub.KeywordExclude, sub.IsEnabled, sub.TotalEpisodes,
		sub.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrSubscriptionNotFound
	}
	return s.GetByID(ctx, sub.ID)
}

// Ensure creates the subscription for bangumiID if absent and returns the
// existing row otherwise. The unique index on bangumi_id resolves concurrent
// ensures to one winner; the loser reads the winner's row.
func (s *SubscriptionStore) Ensure(ctx context.Context, bangumiID int, title, mikanBangumiID string) (*Subscription, error) {
	if bangumiID <= 0 {
		return nil, errors.New("bangumi id must be positive")
	}

	existing, err := s.GetByBangumiID(ctx, bangumiID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	return s.Create(ctx, &Subscription{
		BangumiID:      bangumiID,
		Title:          title,
		MikanBangumiID: mikanBangumiID,
		IsEnabled:      true,
	})
}

// EnsureSentinel returns the manual-download tracking row, creating it on
// first use.
func (s *SubscriptionStore) EnsureSentinel(ctx context.Context) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE bangumi_id = ? AND title = ?
	`, SentinelBangumiID, SentinelTitle)

	sub, err := scanSubscription(row)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up sentinel subscription: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (bangumi_id, title, is_enabled)
		VALUES (?, ?, 0)
	`, SentinelBangumiID, SentinelTitle)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentinel subscription: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return s.GetByID(ctx, int(id))
}

// UpdateCheckTimestamps records the outcome of a poll tick: last_checked_at
// always, last_download_at and download_count only when downloads happened.
func (s *SubscriptionStore) UpdateCheckTimestamps(ctx context.Context, id int, checkedAt time.Time, downloadAt *time.Time, downloadsAdded int) error {
	var err error
	if downloadAt != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE subscriptions
			SET last_checked_at = ?, last_download_at = ?, download_count = download_count + ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, checkedAt, *downloadAt, downloadsAdded, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE subscriptions
			SET last_checked_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, checkedAt, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update check timestamps: %w", err)
	}
	return nil
}

// Delete removes a subscription. History rows survive via ON DELETE SET NULL.
func (s *SubscriptionStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ? AND bangumi_id > 0`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
