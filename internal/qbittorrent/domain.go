// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"fmt"
	"time"
)

// Torrent is one entry from the torrents/info endpoint. Hashes are normalized
// to uppercase hex before the value leaves this package.
type Torrent struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	Size         int64   `json:"size"`
	Progress     float64 `json:"progress"`
	State        string  `json:"state"`
	DlSpeed      int64   `json:"dlspeed"`
	UpSpeed      int64   `json:"upspeed"`
	NumSeeds     int     `json:"num_seeds"`
	NumLeechs    int     `json:"num_leechs"`
	Category     string  `json:"category"`
	SavePath     string  `json:"save_path"`
	ETA          int64   `json:"eta"`
	AddedOn      int64   `json:"added_on"`
	CompletionOn int64   `json:"completion_on"`
}

// StateGroup buckets qBittorrent's torrent states into the lifecycle states
// the history tracks.
type StateGroup int

const (
	StateGroupUnknown StateGroup = iota
	StateGroupDownloading
	StateGroupCompleted
	StateGroupPaused
	StateGroupErrored
)

// GroupForState maps a raw client state string onto a StateGroup.
func GroupForState(state string) StateGroup {
	switch state {
	case "downloading", "forcedDL", "metaDL", "allocating", "checkingDL", "stalledDL":
		return StateGroupDownloading
	case "uploading", "stalledUP", "queuedUP", "checkingUP", "forcedUP":
		return StateGroupCompleted
	case "pausedDL", "queuedDL", "stoppedDL":
		return StateGroupPaused
	case "error", "missingFiles":
		return StateGroupErrored
	default:
		return StateGroupUnknown
	}
}

// AddTorrentOptions are the submission parameters for torrents/add.
type AddTorrentOptions struct {
	URLs     []string
	SavePath string
	Category string
	Tags     string
	Paused   bool
}

// UnavailableError marks transient client failures: connection refused,
// timeouts and 5xx responses. Callers surface it as 503 with a retry hint and
// must not record history for the attempted submission.
type UnavailableError struct {
	Reason     string
	RetryAfter time.Time
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("torrent client unavailable: %s", e.Reason)
}

// RejectedError marks permanent refusals (4xx, malformed magnet). The
// submission must not be retried.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("torrent client rejected request: %s", e.Reason)
}
