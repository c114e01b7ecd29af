package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a balance-affecting event in the points log.
type TransactionType string

const (
	TransactionEarn   TransactionType = "earn"
	TransactionRedeem TransactionType = "redeem"
	TransactionExpire TransactionType = "expire"
	TransactionAdjust TransactionType = "adjust"
	TransactionBonus  TransactionType = "bonus"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionEarn, TransactionRedeem, TransactionExpire, TransactionAdjust, TransactionBonus:
		return true
	}
	return false
}

// UserPointsAccount is the per-user balance aggregate stored in the
// `user_points` table.  It is created lazily with every counter at zero
// and is only ever mutated by the ledger.
//
// Fields:
//  UserID          – user the balance belongs to (identity lives elsewhere).
//  TotalPoints     – lifetime - redeemed - expired - deducted.
//  AvailablePoints – points redeemable right now; never negative.
//  LifetimePoints  – everything ever earned; never decreases.
//  RedeemedPoints  – everything ever redeemed; never decreases.
//  PendingPoints   – points awaiting confirmation; never negative.
//  ExpiredPoints   – everything ever expired by the sweep.
//  DeductedPoints  – magnitude of negative administrative adjustments.
//  LastEarnedAt    – time of the most recent earn or bonus (nullable).
type UserPointsAccount struct {
	UserID          uint64     `json:"user_id"`
	TotalPoints     int64      `json:"total_points"`
	AvailablePoints int64      `json:"available_points"`
	LifetimePoints  int64      `json:"lifetime_points"`
	RedeemedPoints  int64      `json:"redeemed_points"`
	PendingPoints   int64      `json:"pending_points"`
	ExpiredPoints   int64      `json:"expired_points"`
	DeductedPoints  int64      `json:"deducted_points"`
	LastEarnedAt    *time.Time `json:"last_earned_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Consistent reports whether the snapshot satisfies the balance invariants.
func (a UserPointsAccount) Consistent() bool {
	if a.AvailablePoints < 0 || a.TotalPoints < 0 || a.LifetimePoints < 0 ||
		a.RedeemedPoints < 0 || a.PendingPoints < 0 || a.ExpiredPoints < 0 || a.DeductedPoints < 0 {
		return false
	}
	return a.TotalPoints == a.LifetimePoints-a.RedeemedPoints-a.ExpiredPoints-a.DeductedPoints &&
		a.AvailablePoints == a.TotalPoints
}

// PointTransaction is an immutable row of the `point_transactions` log.
// Points is the signed delta actually applied (negative for redeem,
// expire and downward adjustments) and BalanceAfter is the available
// balance immediately after it was applied.
type PointTransaction struct {
	ID              uint64          `json:"id"`
	UserID          uint64          `json:"user_id"`
	TransactionType TransactionType `json:"transaction_type"`
	Points          int64           `json:"points"`
	BalanceAfter    int64           `json:"balance_after"`
	RuleID          *uint64         `json:"rule_id"`
	ReferenceType   *string         `json:"reference_type"`
	ReferenceID     *string         `json:"reference_id"`
	Description     string          `json:"description"`
	Multiplier      decimal.Decimal `json:"multiplier"`
	ExpiresAt       *time.Time      `json:"expires_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PointRule configures how many points an action earns and how often.
// Nil caps and cooldown mean "unlimited".
type PointRule struct {
	ID                  uint64    `json:"id"`
	ActionType          string    `json:"action_type"`
	Description         string    `json:"description"`
	PointsValue         int64     `json:"points_value"`
	MaxDailyOccurrences *int      `json:"max_daily_occurrences"`
	MaxTotalOccurrences *int      `json:"max_total_occurrences"`
	CooldownMinutes     *int      `json:"cooldown_minutes"`
	MultiplierEligible  bool      `json:"multiplier_eligible"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// UserDailyPoints counts occurrences of one action for one user on one
// UTC calendar day.  Rows are purged after a short retention window.
type UserDailyPoints struct {
	UserID           uint64    `json:"user_id"`
	ActionType       string    `json:"action_type"`
	OccurrenceDate   time.Time `json:"occurrence_date"`
	OccurrenceCount  int       `json:"occurrence_count"`
	PointsEarned     int64     `json:"points_earned"`
	LastOccurrenceAt time.Time `json:"last_occurrence_at"`
}

// PointMultiplier is a time-windowed bonus factor.  An empty ActionTypes
// set applies to every action.
type PointMultiplier struct {
	ID          uint64          `json:"id"`
	Name        string          `json:"name"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	ActionTypes []string        `json:"action_types"`
	StartsAt    time.Time       `json:"starts_at"`
	EndsAt      time.Time       `json:"ends_at"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ActiveAt reports whether the multiplier is enabled and t falls inside
// the closed window [StartsAt, EndsAt].
func (m PointMultiplier) ActiveAt(t time.Time) bool {
	return m.IsActive && !t.Before(m.StartsAt) && !t.After(m.EndsAt)
}

// AppliesTo reports whether the multiplier covers actionType.
func (m PointMultiplier) AppliesTo(actionType string) bool {
	if len(m.ActionTypes) == 0 {
		return true
	}
	for _, a := range m.ActionTypes {
		if a == actionType {
			return true
		}
	}
	return false
}

// RedemptionStatus tracks fulfilment of a redemption request.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionFulfilled RedemptionStatus = "fulfilled"
	RedemptionCancelled RedemptionStatus = "cancelled"
)

// PointRedemption records a reward request paid for with points.
type PointRedemption struct {
	ID              uint64           `json:"id"`
	UserID          uint64           `json:"user_id"`
	TransactionID   uint64           `json:"transaction_id"`
	Points          int64            `json:"points"`
	RewardType      string           `json:"reward_type"`
	RewardReference *string          `json:"reward_reference"`
	PhoneNumber     *string          `json:"phone_number"`
	ReferenceCode   string           `json:"reference_code"`
	Status          RedemptionStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// MilestoneKind names a cumulative metric that unlocks one-time bonuses.
type MilestoneKind string

const (
	MilestoneStreak       MilestoneKind = "streak"
	MilestoneReviewCount  MilestoneKind = "review_count"
	MilestoneHelpfulVotes MilestoneKind = "helpful_votes"
)

// Valid reports whether k is a known milestone kind.
func (k MilestoneKind) Valid() bool {
	switch k {
	case MilestoneStreak, MilestoneReviewCount, MilestoneHelpfulVotes:
		return true
	}
	return false
}

// ReferenceType is the reference_type stored on bonus transactions
// awarded for this milestone kind.
func (k MilestoneKind) ReferenceType() string { return "milestone:" + string(k) }

// UserMilestone marks a milestone threshold as achieved.  (UserID, Kind,
// Threshold) is unique; the row is written in the same transaction as the
// bonus it pays.
type UserMilestone struct {
	UserID        uint64        `json:"user_id"`
	Kind          MilestoneKind `json:"kind"`
	Threshold     int           `json:"threshold"`
	MetricValue   int           `json:"metric_value"`
	RewardPoints  int64         `json:"reward_points"`
	TransactionID uint64        `json:"transaction_id"`
	AchievedAt    time.Time     `json:"achieved_at"`
}
