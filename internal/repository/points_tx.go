package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

// pointsTx implements points.Tx over one *sql.Tx.  The caller owns
// commit and rollback.
type pointsTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *pointsTx) LockAccount(ctx context.Context, userID uint64) (*model.UserPointsAccount, error) {
	const q = `SELECT ` + accountColumns + ` FROM user_points WHERE user_id = ? FOR UPDATE`
	acct, err := scanAccount(t.tx.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrAccountNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock user points")
	}
	return acct, nil
}

func (t *pointsTx) EnsureAccount(ctx context.Context, userID uint64) (*model.UserPointsAccount, error) {
	now := t.now().UTC()
	const q = `INSERT IGNORE INTO user_points (user_id, created_at, updated_at) VALUES (?, ?, ?)`
	if _, err := t.tx.ExecContext(ctx, q, userID, now, now); err != nil {
		return nil, errors.Wrap(err, "create user points")
	}
	return t.LockAccount(ctx, userID)
}

func (t *pointsTx) SaveAccount(ctx context.Context, a *model.UserPointsAccount) error {
	const q = `UPDATE user_points SET total_points = ?, available_points = ?, lifetime_points = ?,
	           redeemed_points = ?, pending_points = ?, expired_points = ?, deducted_points = ?,
	           last_earned_at = ?, updated_at = ? WHERE user_id = ?`
	_, err := t.tx.ExecContext(ctx, q, a.TotalPoints, a.AvailablePoints, a.LifetimePoints,
		a.RedeemedPoints, a.PendingPoints, a.ExpiredPoints, a.DeductedPoints,
		nullTime(a.LastEarnedAt), a.UpdatedAt.UTC(), a.UserID)
	return errors.Wrap(err, "update user points")
}

func (t *pointsTx) InsertTransaction(ctx context.Context, txn *model.PointTransaction) error {
	const q = `INSERT INTO point_transactions (user_id, transaction_type, points, balance_after, rule_id,
	           reference_type, reference_id, description, multiplier, expires_at, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var ruleID any
	if txn.RuleID != nil {
		ruleID = *txn.RuleID
	}
	res, err := t.tx.ExecContext(ctx, q, txn.UserID, string(txn.TransactionType), txn.Points, txn.BalanceAfter,
		ruleID, nullString(txn.ReferenceType), nullString(txn.ReferenceID), txn.Description,
		txn.Multiplier.StringFixed(3), nullTime(txn.ExpiresAt), txn.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert point transaction")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "point transaction id")
	}
	txn.ID = uint64(id)
	return nil
}

func (t *pointsTx) LatestDailyPoints(ctx context.Context, userID uint64, actionType string) (*model.UserDailyPoints, error) {
	const q = `SELECT user_id, action_type, occurrence_date, occurrence_count, points_earned, last_occurrence_at
	           FROM user_daily_points WHERE user_id = ? AND action_type = ?
	           ORDER BY occurrence_date DESC LIMIT 1 FOR UPDATE`
	var d model.UserDailyPoints
	err := t.tx.QueryRowContext(ctx, q, userID, actionType).Scan(
		&d.UserID, &d.ActionType, &d.OccurrenceDate, &d.OccurrenceCount, &d.PointsEarned, &d.LastOccurrenceAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select daily points")
	}
	d.OccurrenceDate = d.OccurrenceDate.UTC()
	return &d, nil
}

func (t *pointsTx) SaveDailyPoints(ctx context.Context, d *model.UserDailyPoints) error {
	const q = `INSERT INTO user_daily_points
	           (user_id, action_type, occurrence_date, occurrence_count, points_earned, last_occurrence_at)
	           VALUES (?, ?, ?, ?, ?, ?)
	           ON DUPLICATE KEY UPDATE occurrence_count = VALUES(occurrence_count),
	           points_earned = VALUES(points_earned), last_occurrence_at = VALUES(last_occurrence_at)`
	_, err := t.tx.ExecContext(ctx, q, d.UserID, d.ActionType, d.OccurrenceDate.Format("2006-01-02"),
		d.OccurrenceCount, d.PointsEarned, d.LastOccurrenceAt.UTC())
	return errors.Wrap(err, "upsert daily points")
}

func (t *pointsTx) CountRuleTransactions(ctx context.Context, userID, ruleID uint64) (int, error) {
	const q = `SELECT COUNT(*) FROM point_transactions
	           WHERE user_id = ? AND rule_id = ? AND transaction_type = 'earn'`
	var n int
	if err := t.tx.QueryRowContext(ctx, q, userID, ruleID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count rule transactions")
	}
	return n, nil
}

func (t *pointsTx) FindTransactionByReference(ctx context.Context, userID uint64, txType model.TransactionType, refType, refID string) (*model.PointTransaction, error) {
	const q = `SELECT ` + transactionColumns + ` FROM point_transactions
	           WHERE user_id = ? AND transaction_type = ? AND reference_type = ? AND reference_id = ?
	           ORDER BY id LIMIT 1`
	txn, err := scanTransaction(t.tx.QueryRowContext(ctx, q, userID, string(txType), refType, refID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select transaction by reference")
	}
	return txn, nil
}

func (t *pointsTx) CreditedThrough(ctx context.Context, userID, txnID uint64) (int64, error) {
	const q = `SELECT COALESCE(SUM(points), 0) FROM point_transactions
	           WHERE user_id = ? AND id <= ? AND points > 0
	             AND transaction_type IN ('earn', 'bonus', 'adjust')`
	var sum int64
	if err := t.tx.QueryRowContext(ctx, q, userID, txnID).Scan(&sum); err != nil {
		return 0, errors.Wrap(err, "sum credits")
	}
	return sum, nil
}

func (t *pointsTx) AchievedMilestones(ctx context.Context, userID uint64, kind model.MilestoneKind) ([]int, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT threshold FROM user_milestones WHERE user_id = ? AND kind = ?`, userID, string(kind))
	if err != nil {
		return nil, errors.Wrap(err, "select milestones")
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var th int
		if err := rows.Scan(&th); err != nil {
			return nil, errors.Wrap(err, "scan milestone")
		}
		out = append(out, th)
	}
	return out, errors.Wrap(rows.Err(), "iterate milestones")
}

func (t *pointsTx) InsertMilestone(ctx context.Context, m *model.UserMilestone) error {
	const q = `INSERT INTO user_milestones
	           (user_id, kind, threshold, metric_value, reward_points, transaction_id, achieved_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, q, m.UserID, string(m.Kind), m.Threshold, m.MetricValue,
		m.RewardPoints, m.TransactionID, m.AchievedAt.UTC())
	if isDuplicate(err) {
		return errors.Wrapf(ErrConflict, "milestone %s/%d already achieved", m.Kind, m.Threshold)
	}
	return errors.Wrap(err, "insert milestone")
}

func (t *pointsTx) InsertRedemption(ctx context.Context, red *model.PointRedemption) error {
	const q = `INSERT INTO point_redemptions (user_id, transaction_id, points, reward_type, reward_reference,
	           phone_number, reference_code, status, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := t.tx.ExecContext(ctx, q, red.UserID, red.TransactionID, red.Points, red.RewardType,
		nullString(red.RewardReference), nullString(red.PhoneNumber), red.ReferenceCode, string(red.Status),
		red.CreatedAt.UTC(), red.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert redemption")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "redemption id")
	}
	red.ID = uint64(id)
	return nil
}
