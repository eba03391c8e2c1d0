// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hoshizora/mikanarr/internal/dbinterface"
)

// SubgroupMapping associates a fansub group with a feed.
type SubgroupMapping struct {
	MikanBangumiID string `json:"mikanBangumiId"`
	SubgroupID     string `json:"subgroupId"`
	SubgroupName   string `json:"subgroupName"`
}

type SubgroupStore struct {
	db dbinterface.TxBeginner
}

func NewSubgroupStore(db dbinterface.TxBeginner) *SubgroupStore {
	return &SubgroupStore{db: db}
}

// List returns the known subgroups for a feed.
func (s *SubgroupStore) List(ctx context.Context, mikanBangumiID string) ([]*SubgroupMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mikan_bangumi_id, subgroup_id, subgroup_name
		FROM subgroup_mappings
		WHERE mikan_bangumi_id = ?
		ORDER BY subgroup_id
	`, mikanBangumiID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subgroups: %w", err)
	}
	defer rows.Close()

	var mappings []*SubgroupMapping
	for rows.Next() {
		var m SubgroupMapping
		if err := rows.Scan(&m.MikanBangumiID, &m.SubgroupID, &m.SubgroupName); err != nil {
			return nil, fmt.Errorf("failed to scan subgroup: %w", err)
		}
		mappings = append(mappings, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subgroups: %w", err)
	}
	return mappings, nil
}

// IDByName resolves a subgroup name to its id for one feed.
func (s *SubgroupStore) IDByName(ctx context.Context, mikanBangumiID, name string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT subgroup_id FROM subgroup_mappings
		WHERE mikan_bangumi_id = ? AND subgroup_name = ?
	`, mikanBangumiID, name).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to resolve subgroup name: %w", err)
	}
	return id, true, nil
}

// Sync applies full-sync semantics keyed on the fetch outcome. When the
// scrape succeeded, current rows are upserted and rows absent from the scrape
// are deleted; a successful scrape with zero rows clears the set. When the
// fetch failed, nothing is deleted.
func (s *SubgroupStore) Sync(ctx context.Context, mikanBangumiID string, current []*SubgroupMapping, fetchSucceeded bool) error {
	if !fetchSucceeded {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin subgroup sync: %w", err)
	}
	defer tx.Rollback()

	if len(current) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subgroup_mappings WHERE mikan_bangumi_id = ?`, mikanBangumiID); err != nil {
			return fmt.Errorf("failed to clear subgroups: %w", err)
		}
		return tx.Commit()
	}

	keep := make([]string, 0, len(current))
	for _, m := range current {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subgroup_mappings (mikan_bangumi_id, subgroup_id, subgroup_name, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (mikan_bangumi_id, subgroup_id)
			DO UPDATE SET subgroup_name = excluded.subgroup_name, updated_at = CURRENT_TIMESTAMP
		`, mikanBangumiID, m.SubgroupID, m.SubgroupName); err != nil {
			return fmt.Errorf("failed to upsert subgroup %s: %w", m.SubgroupID, err)
		}
		keep = append(keep, m.SubgroupID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
	args := make([]any, 0, len(keep)+1)
	args = append(args, mikanBangumiID)
	for _, id := range keep {
		args = append(args, id)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM subgroup_mappings
		WHERE mikan_bangumi_id = ? AND subgroup_id NOT IN (`+placeholders+`)
	`, args...); err != nil {
		return fmt.Errorf("failed to prune stale subgroups: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit subgroup sync: %w", err)
	}
	return nil
}
