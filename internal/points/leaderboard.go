package points

import (
	"context"
	"sort"
	"strings"

	"github.com/iliyamo/review-points-service/internal/model"
)

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Rank           int    `json:"rank"`
	UserID         uint64 `json:"user_id"`
	TotalPoints    int64  `json:"total_points"`
	LifetimePoints int64  `json:"lifetime_points"`
}

// Leaderboard is a read-only ranking over points accounts.
type Leaderboard struct {
	store LeaderboardStore
	geo   GeolocationSource
}

// NewLeaderboard builds a Leaderboard.  geo may be nil, in which case
// location leaderboards are always empty.
func NewLeaderboard(store LeaderboardStore, geo GeolocationSource) *Leaderboard {
	if store == nil {
		panic("nil store passed to NewLeaderboard")
	}
	return &Leaderboard{store: store, geo: geo}
}

// GetLeaderboard ranks every account.  limit is clamped to [1, 100].
func (b *Leaderboard) GetLeaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	limit, _ = Page(limit, 0)
	accts, err := b.store.TopAccounts(ctx, limit, nil)
	if err != nil {
		return nil, err
	}
	return rank(accts), nil
}

// GetLocationLeaderboard ranks users whose last-known state is state.
// Users with no location are never included.
func (b *Leaderboard) GetLocationLeaderboard(ctx context.Context, state string, limit int) ([]LeaderboardEntry, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return nil, invalidf("state is required")
	}
	limit, _ = Page(limit, 0)
	if b.geo == nil {
		return []LeaderboardEntry{}, nil
	}
	ids, err := b.geo.UserIDsInState(ctx, state)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []LeaderboardEntry{}, nil
	}
	accts, err := b.store.TopAccounts(ctx, limit, ids)
	if err != nil {
		return nil, err
	}
	return rank(accts), nil
}

// SortAccounts orders accounts for ranking: total points descending, then
// lifetime points descending, then earliest account creation, then user id.
func SortAccounts(accts []model.UserPointsAccount) {
	sort.SliceStable(accts, func(i, j int) bool {
		a, b := accts[i], accts[j]
		if a.TotalPoints != b.TotalPoints {
			return a.TotalPoints > b.TotalPoints
		}
		if a.LifetimePoints != b.LifetimePoints {
			return a.LifetimePoints > b.LifetimePoints
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.UserID < b.UserID
	})
}

func rank(accts []model.UserPointsAccount) []LeaderboardEntry {
	out := make([]LeaderboardEntry, 0, len(accts))
	for i, a := range accts {
		out = append(out, LeaderboardEntry{
			Rank:           i + 1,
			UserID:         a.UserID,
			TotalPoints:    a.TotalPoints,
			LifetimePoints: a.LifetimePoints,
		})
	}
	return out
}
