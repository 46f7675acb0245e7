package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/snapshelf/backend/internal/auth"
	"github.com/snapshelf/backend/internal/logging"
	"github.com/snapshelf/backend/internal/repositories"
	"github.com/snapshelf/backend/internal/search"
)

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

func respondMessage(ctx context.Context, w http.ResponseWriter, status int, message string) {
	respondJSON(ctx, w, status, map[string]string{"error": message})
}

// respondError maps a domain error onto its HTTP status. Client-correctable
// errors carry their message; everything else is reported generically.
func respondError(ctx context.Context, w http.ResponseWriter, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(ctx).Error("request error", "error", err)
	}
	respondMessage(ctx, w, status, message)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, search.ErrInvalidQuery):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, search.ErrNotFound), errors.Is(err, repositories.ErrNotFound):
		return http.StatusNotFound, "media item not found"
	case errors.Is(err, search.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable, "search is temporarily unavailable"
	case errors.Is(err, repositories.ErrStatusConflict):
		return http.StatusConflict, "only failed items can be reprocessed"
	case errors.Is(err, auth.ErrSessionExpired),
		errors.Is(err, auth.ErrInvalidAccessToken),
		errors.Is(err, auth.ErrSessionNotFound),
		errors.Is(err, auth.ErrRefreshTokenExpired):
		return http.StatusUnauthorized, "session expired"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
