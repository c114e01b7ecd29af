package points_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

func TestCalculateReviewPoints(t *testing.T) {
	ctx := context.Background()
	l, store, _ := setup(t)

	q, err := l.CalculateReviewPoints(ctx, points.ReviewPointsInput{
		UserID: 1, ReviewID: "r-1", ContentLength: 250, PhotoCount: 7, IsFirstReviewForBusiness: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), q.BasePoints)
	assert.Equal(t, []points.ReviewBonus{
		{Reason: "detailed_review", Points: 5},
		{Reason: "photos", Points: 10},
		{Reason: "first_review_for_business", Points: 10},
	}, q.Bonuses)
	assert.Equal(t, int64(35), q.Subtotal)
	assert.Equal(t, int64(35), q.TotalPoints)
	assert.Empty(t, store.Transactions(1))
}

func TestCalculateReviewPointsShortReview(t *testing.T) {
	l, _, _ := setup(t)
	q, err := l.CalculateReviewPoints(context.Background(), points.ReviewPointsInput{UserID: 1, ContentLength: 40})
	require.NoError(t, err)
	assert.Empty(t, q.Bonuses)
	assert.Equal(t, int64(10), q.TotalPoints)

	_, err = l.CalculateReviewPoints(context.Background(), points.ReviewPointsInput{UserID: 1, PhotoCount: -1})
	assert.ErrorIs(t, err, points.ErrInvalidInput)
}

func TestAwardReviewPointsWithMultiplier(t *testing.T) {
	ctx := context.Background()
	l, store, clk := setup(t)
	now := clk.Now()
	store.AddMultiplier(model.PointMultiplier{
		Name: "launch", Multiplier: decimal.RequireFromString("1.5"),
		StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour), IsActive: true,
	})
	in := points.ReviewPointsInput{UserID: 1, ReviewID: "r-77", ContentLength: 300, PhotoCount: 1}

	award, err := l.AwardReviewPoints(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(17), award.Quote.Subtotal)
	// 17 * 1.5 = 25.5 rounds half up
	assert.Equal(t, int64(26), award.Quote.TotalPoints)
	require.True(t, award.Result.Awarded())
	assert.Equal(t, int64(26), award.Result.Points)
	assert.Equal(t, "r-77", *award.Result.Transaction.ReferenceID)

	again, err := l.AwardReviewPoints(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, points.AwardDuplicate, again.Result.Status)
	assert.Len(t, store.Transactions(1), 1)
}

func TestAwardReviewPointsRequiresReviewID(t *testing.T) {
	l, _, _ := setup(t)
	_, err := l.AwardReviewPoints(context.Background(), points.ReviewPointsInput{UserID: 1})
	assert.ErrorIs(t, err, points.ErrInvalidInput)
}
