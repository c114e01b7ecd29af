package points

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/review-points-service/internal/model"
)

// maxMultiplier is the largest value a DECIMAL(6,3) column holds.
var maxMultiplier = decimal.RequireFromString("999.999")

// Catalog administers point rules and multipliers.  Changes affect only
// future awards; the transaction log is never rewritten.
type Catalog struct {
	store CatalogStore
	now   func() time.Time
}

// NewCatalog builds a Catalog over store.
func NewCatalog(store CatalogStore) *Catalog {
	if store == nil {
		panic("nil store passed to NewCatalog")
	}
	return &Catalog{store: store, now: time.Now}
}

// ListRules returns every rule ordered by action type.
func (c *Catalog) ListRules(ctx context.Context) ([]model.PointRule, error) {
	return c.store.Rules(ctx)
}

// SaveRule validates and upserts a rule keyed by its action type.
func (c *Catalog) SaveRule(ctx context.Context, rule *model.PointRule) error {
	rule.ActionType = strings.TrimSpace(rule.ActionType)
	if !ValidActionType(rule.ActionType) {
		return ErrInvalidActionType
	}
	if rule.PointsValue < 0 {
		return invalidf("points_value must not be negative")
	}
	for name, v := range map[string]*int{
		"max_daily_occurrences": rule.MaxDailyOccurrences,
		"max_total_occurrences": rule.MaxTotalOccurrences,
		"cooldown_minutes":      rule.CooldownMinutes,
	} {
		if v != nil && *v < 1 {
			return invalidf("%s must be at least 1 when set", name)
		}
	}
	return c.store.SaveRule(ctx, rule)
}

// SetRuleActive enables or disables a rule.
func (c *Catalog) SetRuleActive(ctx context.Context, actionType string, active bool) error {
	if !ValidActionType(actionType) {
		return ErrInvalidActionType
	}
	return c.store.SetRuleActive(ctx, actionType, active)
}

// ListMultipliers returns every multiplier, newest first.
func (c *Catalog) ListMultipliers(ctx context.Context) ([]model.PointMultiplier, error) {
	return c.store.Multipliers(ctx)
}

// CreateMultiplier validates and stores a new multiplier.
func (c *Catalog) CreateMultiplier(ctx context.Context, m *model.PointMultiplier) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return invalidf("name is required")
	}
	if !m.Multiplier.IsPositive() {
		return invalidf("multiplier must be greater than zero")
	}
	if m.Multiplier.GreaterThan(maxMultiplier) {
		return invalidf("multiplier must not exceed %s", maxMultiplier)
	}
	if !m.Multiplier.Equal(m.Multiplier.Truncate(3)) {
		return invalidf("multiplier allows at most three decimal places")
	}
	if !m.EndsAt.After(m.StartsAt) {
		return invalidf("ends_at must be after starts_at")
	}
	for _, a := range m.ActionTypes {
		if !ValidActionType(a) {
			return ErrInvalidActionType
		}
	}
	m.StartsAt, m.EndsAt = m.StartsAt.UTC(), m.EndsAt.UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = c.now().UTC()
	}
	return c.store.SaveMultiplier(ctx, m)
}

// SetMultiplierActive enables or disables a multiplier.
func (c *Catalog) SetMultiplierActive(ctx context.Context, id uint64, active bool) error {
	if id == 0 {
		return invalidf("multiplier id is required")
	}
	return c.store.SetMultiplierActive(ctx, id, active)
}
