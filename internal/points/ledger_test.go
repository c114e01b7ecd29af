package points_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
	"github.com/iliyamo/review-points-service/internal/points/pointstest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []points.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e points.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func intp(v int) *int { return &v }

func setup(t *testing.T, opts ...points.Option) (*points.Ledger, *pointstest.Store, *clock) {
	t.Helper()
	store := pointstest.New()
	clk := newClock()
	store.Now = clk.Now
	store.AddRule(model.PointRule{ActionType: "review_submitted", PointsValue: 10, MultiplierEligible: true, IsActive: true})
	l := points.NewLedger(store, append([]points.Option{points.WithClock(clk.Now)}, opts...)...)
	return l, store, clk
}

func assertConsistent(t *testing.T, l *points.Ledger, userID uint64) {
	t.Helper()
	r, err := l.ReconcileUserPoints(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, r.SnapshotValid, "snapshot counters disagree")
	assert.True(t, r.Consistent, "ledger sum %d != available %d", r.LedgerSum, r.AvailablePoints)
}

func TestNewUserEarnThenRedeem(t *testing.T) {
	ctx := context.Background()
	l, store, _ := setup(t)

	acct, err := l.InitializeUserPoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.TotalPoints)
	assert.Equal(t, int64(0), acct.AvailablePoints)
	assert.Equal(t, int64(0), acct.LifetimePoints)
	assert.Equal(t, int64(0), acct.RedeemedPoints)

	res, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "review_submitted"})
	require.NoError(t, err)
	require.True(t, res.Awarded())
	assert.Equal(t, int64(10), res.Points)

	acct, err = l.GetUserPoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.TotalPoints)
	assert.Equal(t, int64(10), acct.AvailablePoints)
	assert.Equal(t, int64(10), acct.LifetimePoints)

	_, err = l.RedeemPoints(ctx, points.RedeemRequest{UserID: 1, Points: 5})
	require.NoError(t, err)

	acct, err = l.GetUserPoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), acct.AvailablePoints)
	assert.Equal(t, int64(5), acct.TotalPoints)
	assert.Equal(t, int64(5), acct.RedeemedPoints)

	txns := store.Transactions(1)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(10), txns[0].BalanceAfter)
	assert.Equal(t, int64(5), txns[1].BalanceAfter)
	assert.Equal(t, int64(-5), txns[1].Points)
	assertConsistent(t, l, 1)
}

func TestInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t)
	_, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 3, ActionType: "review_submitted"})
	require.NoError(t, err)

	acct, err := l.InitializeUserPoints(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.AvailablePoints)
}

func TestGetUserPointsMissingAccount(t *testing.T) {
	l, _, _ := setup(t)
	_, err := l.GetUserPoints(context.Background(), 99)
	assert.ErrorIs(t, err, points.ErrAccountNotFound)
	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestAwardUnknownOrInactiveRule(t *testing.T) {
	ctx := context.Background()
	l, store, _ := setup(t)
	store.AddRule(model.PointRule{ActionType: "photo_uploaded", PointsValue: 3, IsActive: false})

	_, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "no_such_action"})
	assert.ErrorIs(t, err, points.ErrRuleNotFound)

	_, err = l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "photo_uploaded"})
	assert.ErrorIs(t, err, points.ErrRuleNotFound)

	_, err = l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "Bad Action"})
	assert.ErrorIs(t, err, points.ErrInvalidInput)

	_, err = l.AwardPoints(ctx, points.AwardRequest{ActionType: "review_submitted"})
	assert.ErrorIs(t, err, points.ErrInvalidUser)
	assert.Empty(t, store.Transactions(1))
}

func TestDailyCap(t *testing.T) {
	ctx := context.Background()
	l, store, clk := setup(t)
	store.AddRule(model.PointRule{ActionType: "helpful_vote", PointsValue: 2, MaxDailyOccurrences: intp(3), IsActive: true})

	for i := 0; i < 3; i++ {
		res, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "helpful_vote"})
		require.NoError(t, err)
		require.Equal(t, points.AwardGranted, res.Status)
		clk.Advance(time.Minute)
	}
	res, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "helpful_vote"})
	require.NoError(t, err)
	assert.Equal(t, points.AwardDailyCapReached, res.Status)
	assert.Equal(t, int64(0), res.Points)

	acct, err := l.GetUserPoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), acct.AvailablePoints)
	assert.Len(t, store.Transactions(1), 3)

	clk.Advance(24 * time.Hour)
	res, err = l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "helpful_vote"})
	require.NoError(t, err)
	assert.Equal(t, points.AwardGranted, res.Status)
}

func TestCooldown(t *testing.T) {
	ctx := context.Background()
	l, store, clk := setup(t)
	store.AddRule(model.PointRule{ActionType: "check_in", PointsValue: 5, CooldownMinutes: intp(60), IsActive: true})

	res, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "check_in"})
	require.NoError(t, err)
	require.True(t, res.Awarded())

	clk.Advance(10 * time.Minute)
	res, err = l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "check_in"})
	require.NoError(t, err)
	assert.Equal(t, points.AwardCooldownActive, res.Status)
	require.NotNil(t, res.RetryAt)
	assert.Equal(t, clk.Now().Add(50*time.Minute), *res.RetryAt)

	clk.Advance(51 * time.Minute)
	res, err = l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "check_in"})
	require.NoError(t, err)
	assert.True(t, res.Awarded())

	acct, err := l.GetUserPoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.AvailablePoints)
}

func TestCooldownSpansMidnight(t *testing.T) {
	ctx := context.Background()
	l, store, clk := setup(t)
	store.AddRule(model.PointRule{ActionType: "check_in", PointsValue: 5, CooldownMinutes: intp(60), IsActive: true})

	clk.Advance(11*time.Hour + 50*time.Minute) // 23:50
	_, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "check_in"})
	require.NoError(t, err)

	clk.Advance(20 * time.Minute) // 00:10 next day
	res, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "check_in"})
	require.NoError(t, err)
	assert.Equal(t, points.AwardCooldownActive, res.Status)
}

func TestLifetimeCap(t *testing.T) {
	ctx := context.Background()
	l, store, clk := setup(t)
	store.AddRule(model.PointRule{ActionType: "profile_completed", PointsValue: 50, MaxTotalOccurrences: intp(1), IsActive: true})

	res, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "profile_completed"})
	require.NoError(t, err)
	require.True(t, res.Awarded())

	clk.Advance(72 * time.Hour)
	res, err = l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "profile_completed"})
	require.NoError(t, err)
	assert.Equal(t, points.AwardLifetimeCapReached, res.Status)
	assert.Len(t, store.Transactions(1), 1)
}

func TestDuplicateReference(t *testing.T) {
	ctx := context.Background()
	l, store, _ := setup(t)
	req := points.AwardRequest{UserID: 1, ActionType: "review_submitted", ReferenceType: "review", ReferenceID: "r-1"}

	first, err := l.AwardPoints(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Awarded())

	again, err := l.AwardPoints(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, points.AwardDuplicate, again.Status)
	require.NotNil(t, again.Transaction)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
	assert.Len(t, store.Transactions(1), 1)
}

func TestHighestMultiplierWins(t *testing.T) {
	ctx := context.Background()
	l, store, clk := setup(t)
	now := clk.Now()
	store.AddMultiplier(model.PointMultiplier{
		Name: "double weekend", Multiplier: decimal.RequireFromString("2.0"),
		StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour), IsActive: true,
	})
	store.AddMultiplier(model.PointMultiplier{
		Name: "spring promo", Multiplier: decimal.RequireFromString("1.5"),
		ActionTypes: []string{"review_submitted"},
		StartsAt:    now.Add(-time.Hour), EndsAt: now.Add(time.Hour), IsActive: true,
	})

	res, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "review_submitted"})
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Points)
	assert.True(t, res.Multiplier.Equal(decimal.NewFromInt(2)), "got %s", res.Multiplier)
	assert.True(t, res.Transaction.Multiplier.Equal(decimal.NewFromInt(2)))
}

func TestMultiplierIgnoredForIneligibleRule(t *testing.T) {
	ctx := context.Background()
	l, store, clk := setup(t)
	store.AddRule(model.PointRule{ActionType: "helpful_vote", PointsValue: 2, IsActive: true})
	now := clk.Now()
	store.AddMultiplier(model.PointMultiplier{
		Name: "triple", Multiplier: decimal.NewFromInt(3),
		StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour), IsActive: true,
	})

	res, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "helpful_vote"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Points)
	assert.True(t, res.Multiplier.Equal(points.One))
}

func TestRedeemInsufficientPoints(t *testing.T) {
	ctx := context.Background()
	l, store, _ := setup(t)
	store.AddRule(model.PointRule{ActionType: "bulk", PointsValue: 50, IsActive: true})
	_, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "bulk"})
	require.NoError(t, err)

	_, err = l.RedeemPoints(ctx, points.RedeemRequest{UserID: 1, Points: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, points.ErrInsufficientPoints)
	var ipe *points.InsufficientPointsError
	require.True(t, errors.As(err, &ipe))
	assert.Equal(t, int64(100), ipe.Required)
	assert.Equal(t, int64(50), ipe.Available)

	acct, err := l.GetUserPoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.AvailablePoints)
	assert.Len(t, store.Transactions(1), 1)
}

func TestRedeemValidation(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t)

	_, err := l.RedeemPoints(ctx, points.RedeemRequest{UserID: 1, Points: 0})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)
	_, err = l.RedeemPoints(ctx, points.RedeemRequest{UserID: 1, Points: -4})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)
	_, err = l.RedeemPoints(ctx, points.RedeemRequest{UserID: 1, Points: 4})
	assert.ErrorIs(t, err, points.ErrAccountNotFound)
}

func TestRedeemWithReward(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t)
	_, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "review_submitted"})
	require.NoError(t, err)

	res, err := l.RedeemPoints(ctx, points.RedeemRequest{
		UserID: 1, Points: 8, RewardType: "mobile_credit", PhoneNumber: "+15550100",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Redemption)
	assert.Equal(t, model.RedemptionPending, res.Redemption.Status)
	assert.Equal(t, res.Transaction.ID, res.Redemption.TransactionID)
	assert.NotEmpty(t, res.Redemption.ReferenceCode)
	require.NotNil(t, res.Transaction.ReferenceID)
	assert.Equal(t, res.Redemption.ReferenceCode, *res.Transaction.ReferenceID)

	list, err := l.ListRedemptions(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(8), list[0].Points)
}

func TestAdjustPoints(t *testing.T) {
	ctx := context.Background()
	l, store, _ := setup(t)

	txn, err := l.AdjustPoints(ctx, 1, 40, "goodwill credit")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionAdjust, txn.TransactionType)
	assert.Equal(t, int64(40), txn.BalanceAfter)

	txn, err = l.AdjustPoints(ctx, 1, -15, "fraud reversal")
	require.NoError(t, err)
	assert.Equal(t, int64(-15), txn.Points)
	assert.Equal(t, int64(25), txn.BalanceAfter)

	_, err = l.AdjustPoints(ctx, 1, -26, "too much")
	assert.ErrorIs(t, err, points.ErrInsufficientPoints)

	_, err = l.AdjustPoints(ctx, 1, 0, "nothing")
	assert.ErrorIs(t, err, points.ErrInvalidInput)
	_, err = l.AdjustPoints(ctx, 1, 5, "  ")
	assert.ErrorIs(t, err, points.ErrInvalidInput)

	acct, err := l.GetUserPoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(25), acct.AvailablePoints)
	assert.Equal(t, int64(40), acct.LifetimePoints)
	assert.Equal(t, int64(15), acct.DeductedPoints)
	assert.Len(t, store.Transactions(1), 2)
	assertConsistent(t, l, 1)
}

func TestAdjustPointsWithoutAccount(t *testing.T) {
	ctx := context.Background()
	l, store, _ := setup(t)

	_, err := l.AdjustPoints(ctx, 9, -5, "reversal")
	var insufficient *points.InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.Zero(t, insufficient.Available)
	_, err = l.GetUserPoints(ctx, 9)
	assert.ErrorIs(t, err, points.ErrAccountNotFound)

	txn, err := l.AdjustPoints(ctx, 9, 12, "welcome credit")
	require.NoError(t, err)
	assert.Equal(t, int64(12), txn.BalanceAfter)
	acct, err := l.GetUserPoints(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(12), acct.LifetimePoints)
	assert.Len(t, store.Transactions(9), 1)
}

func TestFailedInsertRollsBack(t *testing.T) {
	ctx := context.Background()
	l, store, _ := setup(t)
	_, err := l.AdjustPoints(ctx, 1, 30, "seed")
	require.NoError(t, err)

	boom := errors.New("disk full")
	store.FailInsert = boom
	_, err = l.AdjustPoints(ctx, 1, 10, "lost")
	assert.ErrorIs(t, err, boom)

	acct, err := l.GetUserPoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), acct.AvailablePoints)
	assert.Len(t, store.Transactions(1), 1)
	assertConsistent(t, l, 1)
}

func TestCancelledContextLeavesBalance(t *testing.T) {
	l, store, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "review_submitted"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Transactions(1))
}

func TestExpirePoints(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	l, store, _ := setup(t, points.WithPublisher(pub))
	_, err := l.AdjustPoints(ctx, 1, 30, "seed")
	require.NoError(t, err)

	req := points.ExpireRequest{UserID: 1, Points: 50, Reason: "expired", ReferenceType: "point_transaction", ReferenceID: "7"}
	txn, err := l.ExpirePoints(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(-30), txn.Points)
	assert.Equal(t, int64(0), txn.BalanceAfter)

	again, err := l.ExpirePoints(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, again.ID)
	assert.Len(t, store.Transactions(1), 2)

	zero, err := l.ExpirePoints(ctx, points.ExpireRequest{UserID: 1, Points: 5, Reason: "expired", ReferenceType: "point_transaction", ReferenceID: "8"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), zero.Points)

	acct, err := l.GetUserPoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.AvailablePoints)
	assert.Equal(t, int64(30), acct.ExpiredPoints)
	assertConsistent(t, l, 1)

	var expired int
	for _, e := range pub.events {
		if e.Type == points.EventPointsExpired {
			expired++
		}
	}
	assert.Equal(t, 2, expired)
}

func TestPublishFailureDoesNotFailAward(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{err: errors.New("broker down")}
	l, _, _ := setup(t, points.WithPublisher(pub))

	res, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "review_submitted"})
	require.NoError(t, err)
	assert.True(t, res.Awarded())
	require.Len(t, pub.events, 1)
	assert.Equal(t, points.EventPointsAwarded, pub.events[0].Type)
	assert.Equal(t, int64(10), pub.events[0].BalanceAfter)
}

func TestExpiryStamp(t *testing.T) {
	ctx := context.Background()
	l, _, clk := setup(t, points.WithExpiry(365*24*time.Hour))
	res, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "review_submitted"})
	require.NoError(t, err)
	require.NotNil(t, res.Transaction.ExpiresAt)
	assert.Equal(t, clk.Now().Add(365*24*time.Hour), *res.Transaction.ExpiresAt)
}

func TestHistoryPaging(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t)
	for i := 1; i <= 5; i++ {
		_, err := l.AdjustPoints(ctx, 1, int64(i), "seed")
		require.NoError(t, err)
	}
	page, err := l.GetPointsHistory(ctx, 1, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].Points)
	assert.Equal(t, int64(4), page[1].Points)

	page, err = l.GetPointsHistory(ctx, 1, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].Points)

	page, err = l.GetPointsHistory(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, 5)
}

func TestConcurrentAwardsAndRedeems(t *testing.T) {
	ctx := context.Background()
	l, store, _ := setup(t)
	store.AddRule(model.PointRule{ActionType: "tick", PointsValue: 3, IsActive: true})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.AwardPoints(ctx, points.AwardRequest{UserID: 1, ActionType: "tick"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := l.RedeemPoints(ctx, points.RedeemRequest{UserID: 1, Points: 2})
			if err != nil && !errors.Is(err, points.ErrInsufficientPoints) && !errors.Is(err, points.ErrAccountNotFound) {
				t.Errorf("unexpected redeem error: %v", err)
			}
		}()
	}
	wg.Wait()

	acct, err := l.GetUserPoints(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(120), acct.LifetimePoints)
	assert.GreaterOrEqual(t, acct.AvailablePoints, int64(0))
	assertConsistent(t, l, 1)

	var prev int64
	for _, txn := range store.Transactions(1) {
		assert.Equal(t, prev+txn.Points, txn.BalanceAfter)
		prev = txn.BalanceAfter
	}
}

func TestTransactionJSONRoundTrip(t *testing.T) {
	ruleID := uint64(4)
	refType, refID := "review", "r-9"
	exp := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	in := model.PointTransaction{
		ID:              11,
		UserID:          7,
		TransactionType: model.TransactionRedeem,
		Points:          -25,
		BalanceAfter:    75,
		RuleID:          &ruleID,
		ReferenceType:   &refType,
		ReferenceID:     &refID,
		Description:     "gift card",
		Multiplier:      decimal.RequireFromString("1.25"),
		ExpiresAt:       &exp,
		CreatedAt:       time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out model.PointTransaction
	require.NoError(t, json.Unmarshal(b, &out))
	assert.True(t, in.Multiplier.Equal(out.Multiplier))
	out.Multiplier = in.Multiplier
	assert.Equal(t, in, out)
}
