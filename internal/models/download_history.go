// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hoshizora/mikanarr/internal/dbinterface"
	"github.com/hoshizora/mikanarr/pkg/hashutil"
)

var (
	ErrDownloadNotFound = errors.New("download history record not found")
	ErrInvalidHash      = errors.New("torrent hash is missing or malformed")
)

// DownloadStatus is the lifecycle state of a history record.
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "pending"
	StatusDownloading DownloadStatus = "downloading"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
	StatusSkipped     DownloadStatus = "skipped"
)

// DownloadSource records how a torrent entered the system.
type DownloadSource string

const (
	SourceManual       DownloadSource = "manual"
	SourceSubscription DownloadSource = "subscription"
)

// DownloadHistory is one record per torrent hash the system has ever offered
// to the torrent client. The hash is stored in normalized 40-char uppercase
// hex form and is unique.
type DownloadHistory struct {
	ID                  int            `json:"id"`
	SubscriptionID      *int           `json:"subscriptionId,omitempty"`
	TorrentURL          string         `json:"torrentUrl"`
	MagnetLink          string         `json:"magnetLink"`
	TorrentHash         string         `json:"torrentHash"`
	Title               string         `json:"title"`
	FileSize            int64          `json:"fileSize"`
	Status              DownloadStatus `json:"status"`
	Source              DownloadSource `json:"source"`
	AnimeBangumiID      int            `json:"animeBangumiId"`
	AnimeMikanBangumiID string         `json:"animeMikanBangumiId"`
	AnimeTitle          string         `json:"animeTitle"`
	Progress            float64        `json:"progress"`
	DownloadSpeed       int64          `json:"downloadSpeed"`
	ETA                 int64          `json:"eta"`
	NumSeeds            int            `json:"numSeeds"`
	NumLeechers         int            `json:"numLeechers"`
	SavePath            string         `json:"savePath"`
	Category            string         `json:"category"`
	ErrorMessage        string         `json:"errorMessage,omitempty"`
	PublishedAt         *time.Time     `json:"publishedAt,omitempty"`
	DiscoveredAt        time.Time      `json:"discoveredAt"`
	DownloadedAt        *time.Time     `json:"downloadedAt,omitempty"`
	LastSyncedAt        *time.Time     `json:"lastSyncedAt,omitempty"`
}

// ProgressChange carries one reconciler update for a history row, matched by
// normalized hash.
type ProgressChange struct {
	Hash          string
	Status        DownloadStatus
	Progress      float64
	DownloadSpeed int64
	ETA           int64
	NumSeeds      int
	NumLeechers   int
	SavePath      string
	ErrorMessage  string
	SyncedAt      time.Time
}

type DownloadHistoryStore struct {
	db dbinterface.TxBeginner
}

func NewDownloadHistoryStore(db dbinterface.TxBeginner) *DownloadHistoryStore {
	return &DownloadHistoryStore{db: db}
}

const downloadColumns = `
	id, subscription_id, torrent_url, magnet_link, torrent_hash, title, file_size,
	status, source, anime_bangumi_id, anime_mikan_bangumi_id, anime_title,
	progress, download_speed, eta, num_seeds, num_leechers, save_path, category,
	error_message, published_at, discovered_at, downloaded_at, last_synced_at
`

func scanDownload(row interface{ Scan(...any) error }) (*DownloadHistory, error) {
	var d DownloadHistory
	var subscriptionID sql.NullInt64
	var publishedAt, downloadedAt, lastSyncedAt sql.NullTime

	err := row.Scan(
		&d.ID,
		&subscriptionID,
		&d.TorrentURL,
		&d.MagnetLink,
		&d.TorrentHash,
		&d.Title,
		&d.FileSize,
		&d.Status,
		&d.Source,
		&d.AnimeBangumiID,
		&d.AnimeMikanBangumiID,
		&d.AnimeTitle,
		&d.Progress,
		&d.DownloadSpeed,
		&d.ETA,
		&d.NumSeeds,
		&d.NumLeechers,
		&d.SavePath,
		&d.Category,
		&d.ErrorMessage,
		&publishedAt,
		&d.DiscoveredAt,
		&downloadedAt,
		&lastSyncedAt,
	)
	if err != nil {
		return nil, err
	}

	if subscriptionID.Valid {
		id := int(subscriptionID.Int64)
		d.SubscriptionID = &id
	}
	if publishedAt.Valid {
		d.PublishedAt = &publishedAt.Time
	}
	if downloadedAt.Valid {
		d.DownloadedAt = &downloadedAt.Time
	}
	if lastSyncedAt.Valid {
		d.LastSyncedAt = &lastSyncedAt.Time
	}
	return &d, nil
}

// InsertIfAbsent inserts the record keyed by its normalized hash. When a
// concurrent insert for the same hash wins the race, the existing row is
// returned with created = false; the unique index resolves the winner.
func (s *DownloadHistoryStore) InsertIfAbsent(ctx context.Context, d *DownloadHistory) (*DownloadHistory, bool, error) {
	hash := hashutil.Normalize(d.TorrentHash)
	if hash == "" {
		return nil, false, ErrInvalidHash
	}

	discoveredAt := d.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO download_history (subscription_id, torrent_url, magnet_link, torrent_hash, title,
			file_size, status, source, anime_bangumi_id, anime_mikan_bangumi_id, anime_title,
			save_path, category, error_message, published_at, discovered_at, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		nullableInt(d.SubscriptionID), d.TorrentURL, d.MagnetLink, hash, d.Title,
		d.FileSize, d.Status, d.Source, d.AnimeBangumiID, d.AnimeMikanBangumiID, d.AnimeTitle,
		d.SavePath, d.Category, d.ErrorMessage, nullableTime(d.PublishedAt), discoveredAt, nullableTime(d.DownloadedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, findErr := s.FindByHash(ctx, hash)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert download history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	inserted, err := s.getByID(ctx, int(id))
	if err != nil {
		return nil, false, err
	}
	return inserted, true, nil
}

func (s *DownloadHistoryStore) getByID(ctx context.Context, id int) (*DownloadHistory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM download_history WHERE id = ?`, id)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDownloadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download history: %w", err)
	}
	return d, nil
}

// FindByHash retrieves the record for a normalized hash.
func (s *DownloadHistoryStore) FindByHash(ctx context.Context, hash string) (*DownloadHistory, error) {
	normalized := hashutil.Normalize(hash)
	if normalized == "" {
		return nil, ErrInvalidHash
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM download_history WHERE torrent_hash = ?`, normalized)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDownloadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find download by hash: %w", err)
	}
	return d, nil
}

// ExistsByHash reports whether a record exists for the hash.
func (s *DownloadHistoryStore) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	set, err := s.BatchExistsByHashes(ctx, []string{hash})
	if err != nil {
		return false, err
	}
	return len(set) > 0, nil
}

// BatchExistsByHashes returns the subset of the given hashes that already
// have history rows, using a single query.
func (s *DownloadHistoryStore) BatchExistsByHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	normalized := hashutil.NormalizeAll(hashes)
	if len(normalized) == 0 {
		return map[string]struct{}{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(normalized)), ",")
	args := make([]any, len(normalized))
	for i, h := range normalized {
		args[i] = h
	}

	rows, err := s.db.QueryContext(ctx, `SELECT torrent_hash FROM download_history WHERE torrent_hash IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch check hashes: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]struct{}, len(normalized))
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		existing[hashutil.Normalize(h)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hashes: %w", err)
	}
	return existing, nil
}

// ListBySubscription returns the history rows attributed to one subscription,
// newest first.
func (s *DownloadHistoryStore) ListBySubscription(ctx context.Context, subscriptionID, limit, offset int) ([]*DownloadHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+downloadColumns+`
		FROM download_history
		WHERE subscription_id = ?
		ORDER BY discovered_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, subscriptionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads by subscription: %w", err)
	}
	defer rows.Close()

	return collectDownloads(rows)
}

// ListByAnime returns the history rows for an anime regardless of source.
func (s *DownloadHistoryStore) ListByAnime(ctx context.Context, bangumiID, limit, offset int) ([]*DownloadHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+downloadColumns+`
		FROM download_history
		WHERE anime_bangumi_id = ?
		ORDER BY discovered_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, bangumiID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads by anime: %w", err)
	}
	defer rows.Close()

	return collectDownloads(rows)
}

// ListByHashes loads rows for the given hashes in one query.
func (s *DownloadHistoryStore) ListByHashes(ctx context.Context, hashes []string) (map[string]*DownloadHistory, error) {
	normalized := hashutil.NormalizeAll(hashes)
	if len(normalized) == 0 {
		return map[string]*DownloadHistory{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(normalized)), ",")
	args := make([]any, len(normalized))
	for i, h := range normalized {
		args[i] = h
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM download_history WHERE torrent_hash IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load downloads by hashes: %w", err)
	}
	defer rows.Close()

	byHash := make(map[string]*DownloadHistory, len(normalized))
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		byHash[d.TorrentHash] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating downloads: %w", err)
	}
	return byHash, nil
}

func collectDownloads(rows *sql.Rows) ([]*DownloadHistory, error) {
	var downloads []*DownloadHistory
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		downloads = append(downloads, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating downloads: %w", err)
	}
	return downloads, nil
}

// UpdateStatusByHash transitions one record's state, optionally recording an
// error message.
func (s *DownloadHistoryStore) UpdateStatusByHash(ctx context.Context, hash string, status DownloadStatus, errorMessage string) error {
	normalized := hashutil.Normalize(hash)
	if normalized == "" {
		return ErrInvalidHash
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE download_history
		SET status = ?, error_message = ?
		WHERE torrent_hash = ?
	`, status, errorMessage, normalized)
	if err != nil {
		return fmt.Errorf("failed to update download status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDownloadNotFound
	}
	return nil
}

// UpdateProgressBatch applies reconciler changes in one transaction.
// last_synced_at is only moved forward, never back.
func (s *DownloadHistoryStore) UpdateProgressBatch(ctx context.Context, changes []ProgressChange) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin progress transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE download_history
		SET status = ?, progress = ?, download_speed = ?, eta = ?, num_seeds = ?, num_leechers = ?,
			save_path = CASE WHEN ? != '' THEN ? ELSE save_path END,
			error_message = ?,
			last_synced_at = CASE WHEN last_synced_at IS NULL OR last_synced_at < ? THEN ? ELSE last_synced_at END
		WHERE torrent_hash = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare progress update: %w", err)
	}
	defer stmt.Close()

	for _, ch := range changes {
		hash := hashutil.Normalize(ch.Hash)
		if hash == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			ch.Status, ch.Progress, ch.DownloadSpeed, ch.ETA, ch.NumSeeds, ch.NumLeechers,
			ch.SavePath, ch.SavePath,
			ch.ErrorMessage,
			ch.SyncedAt, ch.SyncedAt,
			hash,
		); err != nil {
			return fmt.Errorf("failed to update progress for %s: %w", hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit progress updates: %w", err)
	}
	return nil
}

// DeleteByHash removes the record; used only when the torrent is removed via
// the API.
func (s *DownloadHistoryStore) DeleteByHash(ctx context.Context, hash string) error {
	normalized := hashutil.Normalize(hash)
	if normalized == "" {
		return ErrInvalidHash
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM download_history WHERE torrent_hash = ?`, normalized)
	if err != nil {
		return fmt.Errorf("failed to delete download history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDownloadNotFound
	}
	return nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}
