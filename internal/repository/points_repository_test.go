package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

var (
	accountCols = []string{"user_id", "total_points", "available_points", "lifetime_points", "redeemed_points",
		"pending_points", "expired_points", "deducted_points", "last_earned_at", "created_at", "updated_at"}
	txnCols = []string{"id", "user_id", "transaction_type", "points", "balance_after", "rule_id",
		"reference_type", "reference_id", "description", "multiplier", "expires_at", "created_at"}
	created = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
)

func newRepo(t *testing.T, retries int) (*PointsRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := NewPointsRepo(db, retries, zerolog.Nop())
	r.backoff = 0
	r.now = func() time.Time { return created }
	return r, mock
}

func accountRow(userID uint64, available int64) *sqlmock.Rows {
	return sqlmock.NewRows(accountCols).
		AddRow(userID, available, available, available, 0, 0, 0, 0, nil, created, created)
}

var lockQuery = regexp.QuoteMeta("FROM user_points WHERE user_id = ? FOR UPDATE")

func TestUpdateCommits(t *testing.T) {
	r, mock := newRepo(t, 2)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO user_points")).
		WithArgs(uint64(7), created, created).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(lockQuery).WithArgs(uint64(7)).WillReturnRows(accountRow(7, 0))
	mock.ExpectCommit()

	var got *model.UserPointsAccount
	err := r.Update(context.Background(), 7, func(tx points.Tx) error {
		var err error
		got, err = tx.EnsureAccount(context.Background(), 7)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRollsBackOnError(t *testing.T) {
	r, mock := newRepo(t, 2)
	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs(uint64(7)).WillReturnRows(accountRow(7, 50))
	mock.ExpectRollback()

	err := r.Update(context.Background(), 7, func(tx points.Tx) error {
		acct, err := tx.LockAccount(context.Background(), 7)
		if err != nil {
			return err
		}
		return &points.InsufficientPointsError{Required: 100, Available: acct.AvailablePoints}
	})
	assert.ErrorIs(t, err, points.ErrInsufficientPoints)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRetriesDeadlock(t *testing.T) {
	r, mock := newRepo(t, 2)
	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WillReturnError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WillReturnRows(accountRow(7, 5))
	mock.ExpectCommit()

	calls := 0
	err := r.Update(context.Background(), 7, func(tx points.Tx) error {
		calls++
		_, err := tx.LockAccount(context.Background(), 7)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateGivesUpAfterRetries(t *testing.T) {
	r, mock := newRepo(t, 1)
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(lockQuery).WillReturnError(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout"})
		mock.ExpectRollback()
	}

	err := r.Update(context.Background(), 7, func(tx points.Tx) error {
		_, err := tx.LockAccount(context.Background(), 7)
		return err
	})
	assert.ErrorIs(t, err, points.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockAccountMissing(t *testing.T) {
	r, mock := newRepo(t, 0)
	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := r.Update(context.Background(), 9, func(tx points.Tx) error {
		_, err := tx.LockAccount(context.Background(), 9)
		return err
	})
	assert.ErrorIs(t, err, points.ErrAccountNotFound)
}

func TestInsertTransaction(t *testing.T) {
	r, mock := newRepo(t, 0)
	ruleID := uint64(3)
	txn := &model.PointTransaction{
		UserID: 7, TransactionType: model.TransactionEarn, Points: 15, BalanceAfter: 15,
		RuleID: &ruleID, Multiplier: decimal.RequireFromString("1.5"), CreatedAt: created,
	}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO point_transactions")).
		WithArgs(uint64(7), "earn", int64(15), int64(15), uint64(3), nil, nil, "", "1.500", nil, created).
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectCommit()

	err := r.Update(context.Background(), 7, func(tx points.Tx) error {
		return tx.InsertTransaction(context.Background(), txn)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), txn.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMilestoneDuplicate(t *testing.T) {
	r, mock := newRepo(t, 0)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_milestones")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	err := r.Update(context.Background(), 7, func(tx points.Tx) error {
		return tx.InsertMilestone(context.Background(), &model.UserMilestone{
			UserID: 7, Kind: model.MilestoneStreak, Threshold: 7, AchievedAt: created,
		})
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestFindTransactionByReference(t *testing.T) {
	r, mock := newRepo(t, 0)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = ? AND transaction_type = ? AND reference_type = ?")).
		WithArgs(uint64(7), "earn", "review", "r-1").
		WillReturnRows(sqlmock.NewRows(txnCols).
			AddRow(5, 7, "earn", 10, 10, 1, "review", "r-1", "review points", "1.000", nil, created))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = ? AND transaction_type = ? AND reference_type = ?")).
		WithArgs(uint64(7), "earn", "review", "r-2").
		WillReturnRows(sqlmock.NewRows(txnCols))
	mock.ExpectCommit()

	err := r.Update(context.Background(), 7, func(tx points.Tx) error {
		got, err := tx.FindTransactionByReference(context.Background(), 7, model.TransactionEarn, "review", "r-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, uint64(5), got.ID)
		assert.Equal(t, "r-1", *got.ReferenceID)
		assert.True(t, got.Multiplier.Equal(points.One))

		none, err := tx.FindTransactionByReference(context.Background(), 7, model.TransactionEarn, "review", "r-2")
		require.NoError(t, err)
		assert.Nil(t, none)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditedThrough(t *testing.T) {
	r, mock := newRepo(t, 0)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(points), 0) FROM point_transactions")).
		WithArgs(uint64(7), uint64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(35))
	mock.ExpectCommit()

	err := r.Update(context.Background(), 7, func(tx points.Tx) error {
		sum, err := tx.CreditedThrough(context.Background(), 7, 12)
		require.NoError(t, err)
		assert.Equal(t, int64(35), sum)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountNotFound(t *testing.T) {
	r, mock := newRepo(t, 0)
	mock.ExpectQuery(regexp.QuoteMeta("FROM user_points WHERE user_id = ?")).
		WillReturnRows(sqlmock.NewRows(accountCols))
	_, err := r.Account(context.Background(), 1)
	assert.ErrorIs(t, err, points.ErrAccountNotFound)
}

func TestTopAccounts(t *testing.T) {
	r, mock := newRepo(t, 0)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id IN (?, ?) ORDER BY total_points DESC")).
		WithArgs(uint64(1), uint64(2), 10).
		WillReturnRows(accountRow(2, 90).AddRow(1, 40, 40, 40, 0, 0, 0, 0, nil, created, created))

	got, err := r.TopAccounts(context.Background(), 10, []uint64{1, 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].UserID)

	empty, err := r.TopAccounts(context.Background(), 10, []uint64{})
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionTotals(t *testing.T) {
	r, mock := newRepo(t, 0)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY transaction_type")).WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"transaction_type", "sum", "count"}).
			AddRow("earn", 30, 3).AddRow("redeem", -10, 1))

	totals, n, err := r.TransactionTotals(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(30), totals[model.TransactionEarn])
	assert.Equal(t, int64(-10), totals[model.TransactionRedeem])
}

func TestDueExpirationsAndPurge(t *testing.T) {
	r, mock := newRepo(t, 0)
	exp := created.Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("NOT EXISTS")).WithArgs(created, 50).
		WillReturnRows(sqlmock.NewRows(txnCols).
			AddRow(8, 7, "earn", 10, 10, 1, nil, nil, "", "1.000", exp, created.Add(-48*time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_daily_points WHERE occurrence_date < ?")).
		WillReturnResult(sqlmock.NewResult(0, 12))

	due, err := r.DueExpirations(context.Background(), created, 50)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NotNil(t, due[0].ExpiresAt)
	assert.Equal(t, exp, *due[0].ExpiresAt)

	n, err := r.PurgeDailyPoints(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&mysql.MySQLError{Number: 1213}))
	assert.True(t, isRetryable(&mysql.MySQLError{Number: 1205}))
	assert.False(t, isRetryable(&mysql.MySQLError{Number: 1062}))
	assert.False(t, isRetryable(errors.New("boom")))
	assert.False(t, isRetryable(nil))
}
