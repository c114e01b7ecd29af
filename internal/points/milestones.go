package points

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/iliyamo/review-points-service/internal/metrics"
	"github.com/iliyamo/review-points-service/internal/model"
)

// MilestoneLevel pays Points the first time a metric reaches Threshold.
type MilestoneLevel struct {
	Threshold int   `json:"threshold"`
	Points    int64 `json:"points"`
}

// MilestoneTable maps each metric kind to its ascending threshold list.
type MilestoneTable map[model.MilestoneKind][]MilestoneLevel

// DefaultMilestones is used when no configuration is supplied.
func DefaultMilestones() MilestoneTable {
	return MilestoneTable{
		model.MilestoneStreak: {
			{Threshold: 7, Points: 25},
			{Threshold: 30, Points: 100},
			{Threshold: 100, Points: 500},
		},
		model.MilestoneReviewCount: {
			{Threshold: 25, Points: 50},
			{Threshold: 50, Points: 100},
			{Threshold: 100, Points: 250},
		},
		model.MilestoneHelpfulVotes: {
			{Threshold: 10, Points: 20},
			{Threshold: 50, Points: 75},
			{Threshold: 100, Points: 150},
		},
	}
}

// Normalize validates the table and returns a copy with every level list
// sorted by threshold.
func (t MilestoneTable) Normalize() (MilestoneTable, error) {
	out := make(MilestoneTable, len(t))
	for kind, levels := range t {
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown milestone kind %q", kind)
		}
		ls := append([]MilestoneLevel(nil), levels...)
		sort.Slice(ls, func(i, j int) bool { return ls[i].Threshold < ls[j].Threshold })
		for i, l := range ls {
			if l.Threshold <= 0 {
				return nil, fmt.Errorf("milestone %s: threshold must be positive", kind)
			}
			if l.Points < 0 {
				return nil, fmt.Errorf("milestone %s/%d: points must not be negative", kind, l.Threshold)
			}
			if i > 0 && ls[i-1].Threshold == l.Threshold {
				return nil, fmt.Errorf("milestone %s: duplicate threshold %d", kind, l.Threshold)
			}
		}
		out[kind] = ls
	}
	return out, nil
}

// CheckAndAwardMilestone pays the lowest configured threshold of kind
// that value has reached and the user has not yet been paid for.  At most
// one milestone is paid per call; nil means nothing new was reached.
func (l *Ledger) CheckAndAwardMilestone(ctx context.Context, userID uint64, kind model.MilestoneKind, value int) (txn *model.PointTransaction, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("milestone", start, err) }(time.Now())
	if userID == 0 {
		return nil, ErrInvalidUser
	}
	if !kind.Valid() {
		return nil, invalidf("unknown milestone kind %q", kind)
	}
	if value < 0 {
		return nil, invalidf("metric value must not be negative")
	}
	levels := l.milestones[kind]
	if len(levels) == 0 || value < levels[0].Threshold {
		return nil, nil
	}

	now := l.now().UTC()
	err = l.store.Update(ctx, userID, func(tx Tx) error {
		txn = nil
		acct, err := tx.EnsureAccount(ctx, userID)
		if err != nil {
			return err
		}
		done, err := tx.AchievedMilestones(ctx, userID, kind)
		if err != nil {
			return err
		}
		achieved := make(map[int]bool, len(done))
		for _, th := range done {
			achieved[th] = true
		}
		var next *MilestoneLevel
		for i := range levels {
			if levels[i].Threshold > value {
				break
			}
			if !achieved[levels[i].Threshold] {
				next = &levels[i]
				break
			}
		}
		if next == nil {
			return nil
		}

		credit(acct, next.Points, now)
		t := &model.PointTransaction{
			UserID:          userID,
			TransactionType: model.TransactionBonus,
			Points:          next.Points,
			BalanceAfter:    acct.AvailablePoints,
			ReferenceType:   optional(kind.ReferenceType()),
			ReferenceID:     optional(strconv.Itoa(next.Threshold)),
			Description:     fmt.Sprintf("%s milestone %d reached", kind, next.Threshold),
			Multiplier:      One,
			ExpiresAt:       l.expiresAt(now),
			CreatedAt:       now,
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		if err := tx.InsertMilestone(ctx, &model.UserMilestone{
			UserID:        userID,
			Kind:          kind,
			Threshold:     next.Threshold,
			MetricValue:   value,
			RewardPoints:  next.Points,
			TransactionID: t.ID,
			AchievedAt:    now,
		}); err != nil {
			return err
		}
		txn = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if txn != nil {
		metrics.PointsMoved.WithLabelValues(string(model.TransactionBonus)).Add(float64(txn.Points))
		l.log.Info().Uint64("user_id", userID).Str("kind", string(kind)).Str("threshold", *txn.ReferenceID).Msg("milestone reached")
		l.publish(ctx, EventMilestone, txn)
	}
	return txn, nil
}

// CheckAndAwardStreakMilestone checks the daily activity streak.
func (l *Ledger) CheckAndAwardStreakMilestone(ctx context.Context, userID uint64, streakDays int) (*model.PointTransaction, error) {
	return l.CheckAndAwardMilestone(ctx, userID, model.MilestoneStreak, streakDays)
}

// CheckAndAwardReviewMilestone checks the approved review count.
func (l *Ledger) CheckAndAwardReviewMilestone(ctx context.Context, userID uint64, approvedReviews int) (*model.PointTransaction, error) {
	return l.CheckAndAwardMilestone(ctx, userID, model.MilestoneReviewCount, approvedReviews)
}

// CheckAndAwardHelpfulVoteMilestone checks the helpful votes received.
func (l *Ledger) CheckAndAwardHelpfulVoteMilestone(ctx context.Context, userID uint64, helpfulVotes int) (*model.PointTransaction, error) {
	return l.CheckAndAwardMilestone(ctx, userID, model.MilestoneHelpfulVotes, helpfulVotes)
}

// FetchMetric reads the current value of a source-backed metric.  Streaks
// are not tracked by the review service and must be supplied by callers.
func FetchMetric(ctx context.Context, src MetricSource, userID uint64, kind model.MilestoneKind) (int, error) {
	switch kind {
	case model.MilestoneReviewCount:
		return src.ApprovedReviewCount(ctx, userID)
	case model.MilestoneHelpfulVotes:
		return src.TotalHelpfulVotes(ctx, userID)
	}
	return 0, invalidf("metric %q must be supplied by the caller", kind)
}
