package models

import "fmt"

// MediaStatus is the processing state of a media item.
type MediaStatus string

const (
	StatusPending   MediaStatus = "pending"
	StatusAnalyzing MediaStatus = "analyzing"
	StatusEmbedding MediaStatus = "embedding"
	StatusCompleted MediaStatus = "completed"
	StatusFailed    MediaStatus = "failed"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []MediaStatus{StatusPending, StatusAnalyzing, StatusEmbedding, StatusCompleted, StatusFailed}

// ParseMediaStatus converts raw input into a MediaStatus.
func ParseMediaStatus(raw string) (MediaStatus, error) {
	s := MediaStatus(raw)
	for _, known := range AllStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown media status %q", raw)
}

// Terminal reports whether no automatic transition leaves this status.
func (s MediaStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether an item in this status is owned by a running pipeline stage.
func (s MediaStatus) InFlight() bool {
	return s == StatusAnalyzing || s == StatusEmbedding
}

// CanTransition reports whether moving from s to next is a legal write. The only
// backward edge is the explicit failed -> pending reset used for reprocessing.
func (s MediaStatus) CanTransition(next MediaStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusAnalyzing || next == StatusFailed
	case StatusAnalyzing:
		return next == StatusEmbedding || next == StatusFailed
	case StatusEmbedding:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}
