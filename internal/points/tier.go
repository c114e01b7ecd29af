package points

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Tier is a named band of lifetime points.
type Tier struct {
	Name              string `json:"name"`
	MinLifetimePoints int64  `json:"min_lifetime_points"`
}

// DefaultTiers is used when no configuration is supplied.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "bronze", MinLifetimePoints: 0},
		{Name: "silver", MinLifetimePoints: 500},
		{Name: "gold", MinLifetimePoints: 2000},
		{Name: "platinum", MinLifetimePoints: 5000},
	}
}

// NormalizeTiers sorts tiers ascending and checks that the lowest tier
// starts at zero and names are unique.
func NormalizeTiers(tiers []Tier) ([]Tier, error) {
	if len(tiers) == 0 {
		return nil, errors.New("at least one tier is required")
	}
	out := append([]Tier(nil), tiers...)
	sort.Slice(out, func(i, j int) bool { return out[i].MinLifetimePoints < out[j].MinLifetimePoints })
	if out[0].MinLifetimePoints != 0 {
		return nil, errors.New("lowest tier must start at 0 lifetime points")
	}
	seen := map[string]bool{}
	for i, t := range out {
		if t.Name == "" || seen[t.Name] {
			return nil, fmt.Errorf("tier %d: name missing or duplicated", i)
		}
		seen[t.Name] = true
		if i > 0 && out[i-1].MinLifetimePoints == t.MinLifetimePoints {
			return nil, fmt.Errorf("tiers %q and %q share a threshold", out[i-1].Name, t.Name)
		}
	}
	return out, nil
}

// TierFor returns the tier for lifetime points and the next tier, if any.
func TierFor(tiers []Tier, lifetime int64) (Tier, *Tier) {
	cur := Tier{Name: "none"}
	var next *Tier
	for i, t := range tiers {
		if lifetime >= t.MinLifetimePoints {
			cur = t
			continue
		}
		next = &tiers[i]
		break
	}
	return cur, next
}

// TierStatus reports a user's tier and progress toward the next one.
type TierStatus struct {
	UserID           uint64 `json:"user_id"`
	Tier             string `json:"tier"`
	LifetimePoints   int64  `json:"lifetime_points"`
	NextTier         string `json:"next_tier,omitempty"`
	PointsToNextTier int64  `json:"points_to_next_tier"`
}

// GetUserTier maps the user's lifetime points onto the tier table.  Users
// without an account sit in the lowest tier.
func (l *Ledger) GetUserTier(ctx context.Context, userID uint64) (*TierStatus, error) {
	if userID == 0 {
		return nil, ErrInvalidUser
	}
	var lifetime int64
	acct, err := l.store.Account(ctx, userID)
	switch {
	case err == nil:
		lifetime = acct.LifetimePoints
	case errors.Is(err, ErrAccountNotFound):
	default:
		return nil, err
	}
	cur, next := TierFor(l.tiers, lifetime)
	st := &TierStatus{UserID: userID, Tier: cur.Name, LifetimePoints: lifetime}
	if next != nil {
		st.NextTier = next.Name
		st.PointsToNextTier = next.MinLifetimePoints - lifetime
	}
	return st, nil
}
