package models

import "time"

// SearchFilters narrows a semantic search. All set filters must match.
type SearchFilters struct {
	FileTypes []FileType `json:"file_types,omitempty"`
	DateFrom  *time.Time `json:"date_from,omitempty"`
	DateTo    *time.Time `json:"date_to,omitempty"`
}

// Empty reports whether no filter is set.
func (f SearchFilters) Empty() bool {
	return len(f.FileTypes) == 0 && f.DateFrom == nil && f.DateTo == nil
}

// SearchQuery is a free-text semantic query issued by a user.
type SearchQuery struct {
	Text      string        `json:"query"`
	Filters   SearchFilters `json:"filters"`
	Threshold *float64      `json:"threshold,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}

// SearchResult is one ranked match.
type SearchResult struct {
	Item  MediaItem `json:"item"`
	Score float64   `json:"similarity_score"`
	Rank  int       `json:"rank"`
}

// SearchResponse wraps ranked results with timing and filter metadata.
type SearchResponse struct {
	Results        []SearchResult `json:"results"`
	TotalFound     int            `json:"total_found"`
	ReturnedCount  int            `json:"returned_count"`
	SearchTimeMs   float64        `json:"search_time_ms"`
	Query          string         `json:"query"`
	AppliedFilters SearchFilters  `json:"applied_filters"`
}

// MediaStats counts a user's items per processing status.
type MediaStats struct {
	Total    int                 `json:"total"`
	ByStatus map[MediaStatus]int `json:"by_status"`
}
