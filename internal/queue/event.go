// Package queue consumes events published by the review service and turns
// them into point awards and milestone checks.
package queue

import "time"

// Review-service event types.
const (
	EventReviewApproved      = "review_approved"
	EventHelpfulVoteRecorded = "helpful_vote_recorded"
	EventStreakUpdated       = "streak_updated"
)

// ReviewEvent is the envelope the review service publishes on the
// review.events queue.  Fields beyond ID, Type and UserID depend on Type.
type ReviewEvent struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	UserID uint64 `json:"user_id"`

	// review_approved
	ReviewID                 string `json:"review_id,omitempty"`
	BusinessID               string `json:"business_id,omitempty"`
	ContentLength            int    `json:"content_length,omitempty"`
	PhotoCount               int    `json:"photo_count,omitempty"`
	IsFirstReviewForBusiness bool   `json:"is_first_review_for_business,omitempty"`

	// helpful_vote_recorded; UserID is the review author
	VoteID string `json:"vote_id,omitempty"`

	// streak_updated
	StreakDays int `json:"streak_days,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}
