package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snapshelf/backend/internal/logging"
	"github.com/snapshelf/backend/internal/models"
	"github.com/snapshelf/backend/internal/search"
)

// SearchHandler exposes semantic search over the caller's library.
type SearchHandler struct {
	Engine SearchService
}

// Search handles POST /api/search.
func (h SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var query models.SearchQuery
	if err := decodeJSON(w, r, &query); err != nil {
		respondMessage(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.Engine.Search(ctx, logging.UserIDFromContext(ctx), query)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, resp)
}

// Batch handles POST /api/search/batch.
func (h SearchHandler) Batch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondMessage(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}

	results, err := h.Engine.BatchSearch(ctx, logging.UserIDFromContext(ctx), req.Queries)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, batchResponse{Results: results})
}

// Suggestions handles GET /api/search/suggestions?q=.
func (h SearchHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	suggestions, err := h.Engine.Suggestions(ctx, logging.UserIDFromContext(ctx), r.URL.Query().Get("q"))
	if err != nil {
		if ctx.Err() != nil {
			// client went away
			return
		}
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, suggestions)
}

// Similar handles GET /api/search/similar/{id}?limit=.
func (h SearchHandler) Similar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := intParam(r.URL.Query().Get("limit"), 0, 1, 50)
	if err != nil {
		respondMessage(ctx, w, http.StatusBadRequest, "limit must be between 1 and 50")
		return
	}

	results, err := h.Engine.FindSimilar(ctx, logging.UserIDFromContext(ctx), chi.URLParam(r, "id"), limit)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, results)
}

// Stats handles GET /api/search/stats.
func (h SearchHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.Engine.Stats(ctx, logging.UserIDFromContext(ctx))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, stats)
}

type batchRequest struct {
	Queries []models.SearchQuery `json:"queries"`
}

type batchResponse struct {
	Results []search.BatchResult `json:"results"`
}
