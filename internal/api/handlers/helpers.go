// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hoshizora/mikanarr/internal/models"
	"github.com/hoshizora/mikanarr/internal/qbittorrent"
	"github.com/hoshizora/mikanarr/internal/services/downloads"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error: message,
	})
}

// RespondServiceError maps service-layer errors onto HTTP statuses: torrent
// client unavailability becomes 503 with a Retry-After hint, validation 400,
// missing rows 404, everything else 500.
func RespondServiceError(w http.ResponseWriter, err error) {
	var unavailable *qbittorrent.UnavailableError
	if errors.As(err, &unavailable) {
		if retryAfter := time.Until(unavailable.RetryAfter); retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		}
		RespondError(w, http.StatusServiceUnavailable, unavailable.Error())
		return
	}

	var validation *downloads.ValidationError
	if errors.As(err, &validation) {
		RespondError(w, http.StatusBadRequest, validation.Error())
		return
	}

	switch {
	case errors.Is(err, models.ErrInvalidHash):
		RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrSubscriptionNotFound),
		errors.Is(err, models.ErrDownloadNotFound),
		errors.Is(err, models.ErrFeedCacheNotFound):
		RespondError(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		RespondError(w, http.StatusInternalServerError, err.Error())
	}
}

// DecodeJSON decodes the request body into the provided struct.
// Returns false if decoding fails (error already sent to client).
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// ParseIDParam extracts a positive integer URL parameter.
// Returns the value and true on success, or 0 and false if invalid (error already sent).
func ParseIDParam(w http.ResponseWriter, r *http.Request, paramName string) (int, bool) {
	value, err := strconv.Atoi(chi.URLParam(r, paramName))
	if err != nil || value <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid "+paramName)
		return 0, false
	}
	return value, true
}

// ParsePagination reads limit/offset query parameters with sane bounds.
func ParsePagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
