package points

import (
	"context"
	"time"

	"github.com/iliyamo/review-points-service/internal/model"
)

// Store is the persistence boundary of the ledger.  Reads outside Update
// see committed state only.  Update runs fn as one atomic unit of work
// scoped to userID: writes made through tx are committed together when fn
// returns nil and discarded otherwise.  Implementations serialize
// concurrent Update calls for the same user and may retry fn on transient
// conflicts, so fn must not have side effects outside tx.
type Store interface {
	RuleByAction(ctx context.Context, actionType string) (*model.PointRule, error)
	ActiveMultipliers(ctx context.Context, at time.Time) ([]model.PointMultiplier, error)
	Account(ctx context.Context, userID uint64) (*model.UserPointsAccount, error)
	History(ctx context.Context, userID uint64, limit, offset int) ([]model.PointTransaction, error)
	TransactionTotals(ctx context.Context, userID uint64) (map[model.TransactionType]int64, int, error)
	Redemptions(ctx context.Context, userID uint64, limit, offset int) ([]model.PointRedemption, error)
	Update(ctx context.Context, userID uint64, fn func(tx Tx) error) error
}

// Tx is the view of one atomic unit of work.  The account returned by
// LockAccount or EnsureAccount is held exclusively until the unit ends.
type Tx interface {
	// LockAccount returns ErrAccountNotFound when the user has no account.
	LockAccount(ctx context.Context, userID uint64) (*model.UserPointsAccount, error)
	// EnsureAccount creates a zero-balance account when missing.
	EnsureAccount(ctx context.Context, userID uint64) (*model.UserPointsAccount, error)
	SaveAccount(ctx context.Context, acct *model.UserPointsAccount) error
	// InsertTransaction assigns ID on success.
	InsertTransaction(ctx context.Context, txn *model.PointTransaction) error
	// LatestDailyPoints returns the most recent counter row for the
	// user/action pair, or nil when none is retained.
	LatestDailyPoints(ctx context.Context, userID uint64, actionType string) (*model.UserDailyPoints, error)
	SaveDailyPoints(ctx context.Context, d *model.UserDailyPoints) error
	CountRuleTransactions(ctx context.Context, userID, ruleID uint64) (int, error)
	// FindTransactionByReference returns nil when no match exists.
	FindTransactionByReference(ctx context.Context, userID uint64, txType model.TransactionType, refType, refID string) (*model.PointTransaction, error)
	// CreditedThrough sums the positive earn, bonus and adjust
	// transactions of the user with an id up to and including txnID.
	CreditedThrough(ctx context.Context, userID, txnID uint64) (int64, error)
	AchievedMilestones(ctx context.Context, userID uint64, kind model.MilestoneKind) ([]int, error)
	InsertMilestone(ctx context.Context, m *model.UserMilestone) error
	// InsertRedemption assigns ID on success.
	InsertRedemption(ctx context.Context, r *model.PointRedemption) error
}

// CatalogStore persists rules and multipliers for operators.
type CatalogStore interface {
	Rules(ctx context.Context) ([]model.PointRule, error)
	RuleByAction(ctx context.Context, actionType string) (*model.PointRule, error)
	SaveRule(ctx context.Context, rule *model.PointRule) error
	SetRuleActive(ctx context.Context, actionType string, active bool) error
	Multipliers(ctx context.Context) ([]model.PointMultiplier, error)
	SaveMultiplier(ctx context.Context, m *model.PointMultiplier) error
	SetMultiplierActive(ctx context.Context, id uint64, active bool) error
}

// LeaderboardStore returns accounts ordered by total points descending,
// lifetime points descending, then account creation ascending.  A nil
// userIDs slice means every user; an empty non-nil slice means none.
type LeaderboardStore interface {
	TopAccounts(ctx context.Context, limit int, userIDs []uint64) ([]model.UserPointsAccount, error)
}

// GeolocationSource resolves which users were last seen in a state.
type GeolocationSource interface {
	UserIDsInState(ctx context.Context, state string) ([]uint64, error)
}

// MetricSource supplies the cumulative metrics behind milestone checks.
// It is called before a ledger operation, never inside one.
type MetricSource interface {
	ApprovedReviewCount(ctx context.Context, userID uint64) (int, error)
	TotalHelpfulVotes(ctx context.Context, userID uint64) (int, error)
}
