package points

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/review-points-service/internal/model"
)

// One is the neutral multiplier.
var One = decimal.NewFromInt(1)

// SelectMultiplier returns the single highest multiplier that is active at
// t and covers actionType, or One when none applies.  Concurrent
// multipliers never stack.
func SelectMultiplier(ms []model.PointMultiplier, actionType string, t time.Time) decimal.Decimal {
	best := One
	found := false
	for _, m := range ms {
		if !m.ActiveAt(t) || !m.AppliesTo(actionType) || !m.Multiplier.IsPositive() {
			continue
		}
		if !found || m.Multiplier.GreaterThan(best) {
			best = m.Multiplier
			found = true
		}
	}
	return best
}

// ApplyMultiplier computes round(base * m) rounding halves up.  Negative
// results are clamped to zero.
func ApplyMultiplier(base int64, m decimal.Decimal) int64 {
	if base <= 0 {
		return 0
	}
	p := decimal.NewFromInt(base).Mul(m).Round(0).IntPart()
	if p < 0 {
		return 0
	}
	return p
}
