package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/iliyamo/review-points-service/internal/metrics"
	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

const accountColumns = `user_id, total_points, available_points, lifetime_points, redeemed_points,
	pending_points, expired_points, deducted_points, last_earned_at, created_at, updated_at`

const transactionColumns = `id, user_id, transaction_type, points, balance_after, rule_id,
	reference_type, reference_id, description, multiplier, expires_at, created_at`

const redemptionColumns = `id, user_id, transaction_id, points, reward_type, reward_reference,
	phone_number, reference_code, status, created_at, updated_at`

// PointsRepo is the MySQL implementation of points.Store,
// points.LeaderboardStore and the sweep queries.  Every unit of work runs
// in its own transaction that locks the user's user_points row, and is
// replayed on deadlock or lock wait timeout.
type PointsRepo struct {
	db         *sql.DB
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewPointsRepo returns a PointsRepo bound to db.  maxRetries is the
// number of replays after the first attempt.
func NewPointsRepo(db *sql.DB, maxRetries int, log zerolog.Logger) *PointsRepo {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &PointsRepo{db: db, maxRetries: maxRetries, backoff: 20 * time.Millisecond, now: time.Now, log: log}
}

// DB exposes the underlying handle for health checks.
func (r *PointsRepo) DB() *sql.DB { return r.db }

// Update implements points.Store.
func (r *PointsRepo) Update(ctx context.Context, userID uint64, fn func(tx points.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := r.updateOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt >= r.maxRetries {
			return errors.Wrapf(points.ErrConcurrencyConflict, "user %d after %d attempts: %v", userID, attempt+1, err)
		}
		metrics.ConflictRetries.Inc()
		r.log.Debug().Err(err).Uint64("user_id", userID).Int("attempt", attempt+1).Msg("retrying points transaction")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff * time.Duration(attempt+1)):
		}
	}
}

func (r *PointsRepo) updateOnce(ctx context.Context, fn func(tx points.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin points transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&pointsTx{tx: tx, now: r.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit points transaction")
	}
	committed = true
	return nil
}

// RuleByAction implements points.Store and points.CatalogStore.
func (r *PointsRepo) RuleByAction(ctx context.Context, actionType string) (*model.PointRule, error) {
	const q = `SELECT ` + ruleColumns + ` FROM point_rules WHERE action_type = ?`
	rule, err := scanRule(r.db.QueryRowContext(ctx, q, actionType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrRuleNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select point rule")
	}
	return rule, nil
}

// ActiveMultipliers implements points.Store.
func (r *PointsRepo) ActiveMultipliers(ctx context.Context, at time.Time) ([]model.PointMultiplier, error) {
	const q = `SELECT ` + multiplierColumns + ` FROM point_multipliers
	           WHERE is_active = TRUE AND starts_at <= ? AND ends_at >= ?`
	return r.queryMultipliers(ctx, q, at.UTC(), at.UTC())
}

// Account implements points.Store.
func (r *PointsRepo) Account(ctx context.Context, userID uint64) (*model.UserPointsAccount, error) {
	const q = `SELECT ` + accountColumns + ` FROM user_points WHERE user_id = ?`
	acct, err := scanAccount(r.db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrAccountNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select user points")
	}
	return acct, nil
}

// History implements points.Store.
func (r *PointsRepo) History(ctx context.Context, userID uint64, limit, offset int) ([]model.PointTransaction, error) {
	const q = `SELECT ` + transactionColumns + ` FROM point_transactions
	           WHERE user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`
	return r.queryTransactions(ctx, q, userID, limit, offset)
}

// TransactionTotals implements points.Store.
func (r *PointsRepo) TransactionTotals(ctx context.Context, userID uint64) (map[model.TransactionType]int64, int, error) {
	const q = `SELECT transaction_type, COALESCE(SUM(points), 0), COUNT(*)
	           FROM point_transactions WHERE user_id = ? GROUP BY transaction_type`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, 0, errors.Wrap(err, "sum point transactions")
	}
	defer rows.Close()
	totals := map[model.TransactionType]int64{}
	count := 0
	for rows.Next() {
		var t string
		var sum int64
		var n int
		if err := rows.Scan(&t, &sum, &n); err != nil {
			return nil, 0, errors.Wrap(err, "scan transaction totals")
		}
		totals[model.TransactionType(t)] = sum
		count += n
	}
	return totals, count, errors.Wrap(rows.Err(), "iterate transaction totals")
}

// Redemptions implements points.Store.
func (r *PointsRepo) Redemptions(ctx context.Context, userID uint64, limit, offset int) ([]model.PointRedemption, error) {
	const q = `SELECT ` + redemptionColumns + ` FROM point_redemptions
	           WHERE user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select redemptions")
	}
	defer rows.Close()
	out := []model.PointRedemption{}
	for rows.Next() {
		var red model.PointRedemption
		var ref, phone sql.NullString
		var status string
		if err := rows.Scan(&red.ID, &red.UserID, &red.TransactionID, &red.Points, &red.RewardType,
			&ref, &phone, &red.ReferenceCode, &status, &red.CreatedAt, &red.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan redemption")
		}
		red.RewardReference = stringPtr(ref)
		red.PhoneNumber = stringPtr(phone)
		red.Status = model.RedemptionStatus(status)
		out = append(out, red)
	}
	return out, errors.Wrap(rows.Err(), "iterate redemptions")
}

// TopAccounts implements points.LeaderboardStore.
func (r *PointsRepo) TopAccounts(ctx context.Context, limit int, userIDs []uint64) ([]model.UserPointsAccount, error) {
	if userIDs != nil && len(userIDs) == 0 {
		return []model.UserPointsAccount{}, nil
	}
	q := `SELECT ` + accountColumns + ` FROM user_points`
	args := make([]any, 0, len(userIDs)+1)
	if userIDs != nil {
		q += ` WHERE user_id IN (?` + strings.Repeat(", ?", len(userIDs)-1) + `)`
		for _, id := range userIDs {
			args = append(args, id)
		}
	}
	q += ` ORDER BY total_points DESC, lifetime_points DESC, created_at ASC, user_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select leaderboard")
	}
	defer rows.Close()
	out := []model.UserPointsAccount{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan leaderboard row")
		}
		out = append(out, *acct)
	}
	return out, errors.Wrap(rows.Err(), "iterate leaderboard")
}

// DueExpirations returns earn and bonus transactions whose expiry has
// passed and that no expire transaction references yet, oldest first.
func (r *PointsRepo) DueExpirations(ctx context.Context, now time.Time, limit int) ([]model.PointTransaction, error) {
	const q = `SELECT ` + transactionColumns + ` FROM point_transactions t
	           WHERE t.transaction_type IN ('earn', 'bonus') AND t.points > 0
	             AND t.expires_at IS NOT NULL AND t.expires_at <= ?
	             AND NOT EXISTS (
	                 SELECT 1 FROM point_transactions e
	                 WHERE e.user_id = t.user_id AND e.transaction_type = 'expire'
	                   AND e.reference_type = 'point_transaction'
	                   AND e.reference_id = CAST(t.id AS CHAR))
	           ORDER BY t.expires_at, t.id LIMIT ?`
	return r.queryTransactions(ctx, q, now.UTC(), limit)
}

// PurgeDailyPoints deletes counter rows dated before the cutoff day.
func (r *PointsRepo) PurgeDailyPoints(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_daily_points WHERE occurrence_date < ?`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "purge daily points")
	}
	return res.RowsAffected()
}

func (r *PointsRepo) queryTransactions(ctx context.Context, q string, args ...any) ([]model.PointTransaction, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select point transactions")
	}
	defer rows.Close()
	out := []model.PointTransaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan point transaction")
		}
		out = append(out, *txn)
	}
	return out, errors.Wrap(rows.Err(), "iterate point transactions")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*model.UserPointsAccount, error) {
	var a model.UserPointsAccount
	var lastEarned sql.NullTime
	if err := s.Scan(&a.UserID, &a.TotalPoints, &a.AvailablePoints, &a.LifetimePoints, &a.RedeemedPoints,
		&a.PendingPoints, &a.ExpiredPoints, &a.DeductedPoints, &lastEarned, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if lastEarned.Valid {
		t := lastEarned.Time
		a.LastEarnedAt = &t
	}
	return &a, nil
}

func scanTransaction(s scanner) (*model.PointTransaction, error) {
	var t model.PointTransaction
	var txType string
	var ruleID sql.NullInt64
	var refType, refID sql.NullString
	var expires sql.NullTime
	if err := s.Scan(&t.ID, &t.UserID, &txType, &t.Points, &t.BalanceAfter, &ruleID,
		&refType, &refID, &t.Description, &t.Multiplier, &expires, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.TransactionType = model.TransactionType(txType)
	if ruleID.Valid {
		id := uint64(ruleID.Int64)
		t.RuleID = &id
	}
	t.ReferenceType = stringPtr(refType)
	t.ReferenceID = stringPtr(refID)
	if expires.Valid {
		e := expires.Time
		t.ExpiresAt = &e
	}
	return &t, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
