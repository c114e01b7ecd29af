package points

import (
	"context"

	"github.com/iliyamo/review-points-service/internal/model"
)

// Summary is an account snapshot with per-type totals from the log.
type Summary struct {
	Account          *model.UserPointsAccount        `json:"account"`
	Totals           map[model.TransactionType]int64 `json:"totals"`
	TransactionCount int                             `json:"transaction_count"`
}

// GetPointsSummary returns the account alongside the signed point totals
// of its transaction log grouped by type.
func (l *Ledger) GetPointsSummary(ctx context.Context, userID uint64) (*Summary, error) {
	if userID == 0 {
		return nil, ErrInvalidUser
	}
	acct, err := l.store.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	totals, n, err := l.store.TransactionTotals(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Summary{Account: acct, Totals: totals, TransactionCount: n}, nil
}

// Reconciliation compares the account snapshot with its log.
type Reconciliation struct {
	UserID          uint64 `json:"user_id"`
	LedgerSum       int64  `json:"ledger_sum"`
	AvailablePoints int64  `json:"available_points"`
	TotalPoints     int64  `json:"total_points"`
	SnapshotValid   bool   `json:"snapshot_valid"`
	Consistent      bool   `json:"consistent"`
}

// ReconcileUserPoints checks that the log sum equals the available
// balance and that the snapshot counters agree with each other.
func (l *Ledger) ReconcileUserPoints(ctx context.Context, userID uint64) (*Reconciliation, error) {
	s, err := l.GetPointsSummary(ctx, userID)
	if err != nil {
		return nil, err
	}
	var sum int64
	for _, v := range s.Totals {
		sum += v
	}
	r := &Reconciliation{
		UserID:          userID,
		LedgerSum:       sum,
		AvailablePoints: s.Account.AvailablePoints,
		TotalPoints:     s.Account.TotalPoints,
		SnapshotValid:   s.Account.Consistent(),
	}
	r.Consistent = r.SnapshotValid && sum == s.Account.AvailablePoints
	if !r.Consistent {
		l.log.Warn().Uint64("user_id", userID).Int64("ledger_sum", sum).
			Int64("available", s.Account.AvailablePoints).Msg("points account out of balance")
	}
	return r, nil
}
