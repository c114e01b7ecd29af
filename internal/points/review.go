package points

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// ReviewScoring configures the bonuses stacked on the review rule value.
type ReviewScoring struct {
	ActionType       string
	DetailedMinChars int
	DetailedBonus    int64
	PhotoBonus       int64
	MaxPhotos        int
	FirstReviewBonus int64
}

// DefaultReviewScoring is used when no configuration is supplied.
func DefaultReviewScoring() ReviewScoring {
	return ReviewScoring{
		ActionType:       "review_submitted",
		DetailedMinChars: 200,
		DetailedBonus:    5,
		PhotoBonus:       2,
		MaxPhotos:        5,
		FirstReviewBonus: 10,
	}
}

// ReviewPointsInput describes a review for scoring.
type ReviewPointsInput struct {
	UserID                   uint64 `json:"user_id"`
	ReviewID                 string `json:"review_id"`
	BusinessID               string `json:"business_id,omitempty"`
	ContentLength            int    `json:"content_length"`
	PhotoCount               int    `json:"photo_count"`
	IsFirstReviewForBusiness bool   `json:"is_first_review_for_business"`
}

// ReviewBonus is one line of a quote.
type ReviewBonus struct {
	Reason string `json:"reason"`
	Points int64  `json:"points"`
}

// ReviewPointsQuote is the calculated value of a review.
type ReviewPointsQuote struct {
	ActionType  string          `json:"action_type"`
	BasePoints  int64           `json:"base_points"`
	Bonuses     []ReviewBonus   `json:"bonuses"`
	Subtotal    int64           `json:"subtotal"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	TotalPoints int64           `json:"total_points"`
}

// Bonuses lists the bonus lines earned by in.
func (s ReviewScoring) Bonuses(in ReviewPointsInput) []ReviewBonus {
	out := []ReviewBonus{}
	if s.DetailedBonus > 0 && s.DetailedMinChars > 0 && in.ContentLength >= s.DetailedMinChars {
		out = append(out, ReviewBonus{Reason: "detailed_review", Points: s.DetailedBonus})
	}
	if s.PhotoBonus > 0 && in.PhotoCount > 0 {
		n := in.PhotoCount
		if s.MaxPhotos > 0 && n > s.MaxPhotos {
			n = s.MaxPhotos
		}
		out = append(out, ReviewBonus{Reason: "photos", Points: int64(n) * s.PhotoBonus})
	}
	if s.FirstReviewBonus > 0 && in.IsFirstReviewForBusiness {
		out = append(out, ReviewBonus{Reason: "first_review_for_business", Points: s.FirstReviewBonus})
	}
	return out
}

// CalculateReviewPoints prices a review without changing any state.
func (l *Ledger) CalculateReviewPoints(ctx context.Context, in ReviewPointsInput) (*ReviewPointsQuote, error) {
	if in.ContentLength < 0 || in.PhotoCount < 0 {
		return nil, invalidf("content length and photo count must not be negative")
	}
	rule, err := l.activeRule(ctx, l.review.ActionType)
	if err != nil {
		return nil, err
	}
	mult, err := l.multiplierFor(ctx, rule, l.now().UTC())
	if err != nil {
		return nil, err
	}
	q := &ReviewPointsQuote{
		ActionType: rule.ActionType,
		BasePoints: rule.PointsValue,
		Bonuses:    l.review.Bonuses(in),
		Multiplier: mult,
	}
	q.Subtotal = q.BasePoints
	for _, b := range q.Bonuses {
		q.Subtotal += b.Points
	}
	q.TotalPoints = ApplyMultiplier(q.Subtotal, mult)
	return q, nil
}

// ReviewAward combines the quote with the award outcome.
type ReviewAward struct {
	Quote  *ReviewPointsQuote `json:"quote"`
	Result *AwardResult       `json:"result"`
}

// AwardReviewPoints prices a review and earns the result through the
// regular award path, keyed on the review id so redelivery is a no-op.
func (l *Ledger) AwardReviewPoints(ctx context.Context, in ReviewPointsInput) (*ReviewAward, error) {
	if in.UserID == 0 {
		return nil, ErrInvalidUser
	}
	in.ReviewID = strings.TrimSpace(in.ReviewID)
	if in.ReviewID == "" {
		return nil, invalidf("review_id is required")
	}
	q, err := l.CalculateReviewPoints(ctx, in)
	if err != nil {
		return nil, err
	}
	rule, err := l.activeRule(ctx, q.ActionType)
	if err != nil {
		return nil, err
	}
	res, err := l.earn(ctx, AwardRequest{
		UserID:        in.UserID,
		ActionType:    rule.ActionType,
		ReferenceType: "review",
		ReferenceID:   in.ReviewID,
		Description:   "review points",
	}, rule, q.Subtotal)
	if err != nil {
		return nil, err
	}
	return &ReviewAward{Quote: q, Result: res}, nil
}
