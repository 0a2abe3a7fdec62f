package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"tandem/internal/dispatch"
	"tandem/internal/player"
	"tandem/internal/playlist"
)

const maxQueueInsert = 500

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (cs *ControlServer) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		cs.logger.WithError(err).Warn("Failed to encode response")
	}
}

// respondWithValidationError sends a structured validation error response
func (cs *ControlServer) respondWithValidationError(w http.ResponseWriter, r *http.Request, errs ...ValidationError) {
	cs.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errs,
	}).Warn("Validation failed")

	cs.respondJSON(w, http.StatusBadRequest, ValidationResult{Valid: false, Errors: errs})
}

// respondWithError sends a structured error response
func (cs *ControlServer) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := cs.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})
	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Debug("Client error")
	}

	cs.respondJSON(w, statusCode, map[string]any{
		"error":   message,
		"code":    statusCode,
		"success": false,
	})
}

// respondWithOutcome maps the result of a dispatched operation to a
// response, rendering view on success.
func (cs *ControlServer) respondWithOutcome(w http.ResponseWriter, r *http.Request, err error, view func() any) {
	status, message := outcomeStatus(err)
	if status < 300 {
		cs.respondJSON(w, status, view())
		return
	}
	cs.respondWithError(w, r, status, message, err)
}

func outcomeStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, context.Canceled):
		// a newer selection replaced this one
		return http.StatusAccepted, ""
	case errors.Is(err, player.ErrNoCurrentItem):
		return http.StatusConflict, "nothing is selected"
	case errors.Is(err, player.ErrBlocked):
		return http.StatusForbidden, "playback is blocked on this device"
	case errors.Is(err, playlist.ErrSlotNotFound):
		return http.StatusNotFound, "queue slot not found"
	case errors.Is(err, playlist.ErrDesynchronized):
		return http.StatusConflict, "queue is resynchronizing"
	case errors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable, "player is shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "operation timed out"
	default:
		return http.StatusInternalServerError, "operation failed"
	}
}

// decodeJSON decodes the request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) *ValidationError {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ValidationError{
			Field:   "body",
			Message: "Request body must be valid JSON",
			Code:    "INVALID_JSON",
		}
	}
	return nil
}

// validateHash checks an order hash taken from the path or body.
func validateHash(field, hash string, required bool) *ValidationError {
	if hash == "" {
		if !required {
			return nil
		}
		return &ValidationError{
			Field:   field,
			Message: "Order hash is required",
			Code:    "MISSING_ORDER_HASH",
		}
	}
	if len(hash) > 64 || strings.ContainsAny(hash, "\x00/ ") {
		return &ValidationError{
			Field:   field,
			Message: "Order hash is malformed",
			Code:    "INVALID_ORDER_HASH",
		}
	}
	return nil
}

// validateTrackIDs checks the IDs of tracks to queue.
func validateTrackIDs(ids []int) *ValidationError {
	if len(ids) == 0 {
		return &ValidationError{
			Field:   "trackIds",
			Message: "At least one track ID is required",
			Code:    "MISSING_TRACK_IDS",
		}
	}
	if len(ids) > maxQueueInsert {
		return &ValidationError{
			Field:   "trackIds",
			Message: "Too many tracks in one request",
			Code:    "TOO_MANY_TRACKS",
		}
	}
	for _, id := range ids {
		if id <= 0 {
			return &ValidationError{
				Field:   "trackIds",
				Message: "Track IDs must be positive",
				Code:    "INVALID_TRACK_ID_VALUE",
			}
		}
	}
	return nil
}

// validateSearchQuery validates search query parameters
func validateSearchQuery(query string) *ValidationError {
	if len(query) > 1000 {
		return &ValidationError{
			Field:   "search",
			Message: "Search query too long (max 1000 characters)",
			Code:    "SEARCH_QUERY_TOO_LONG",
		}
	}
	if strings.Contains(query, "\x00") {
		return &ValidationError{
			Field:   "search",
			Message: "Search query contains invalid characters",
			Code:    "INVALID_SEARCH_CHARACTERS",
		}
	}
	return nil
}
