// Package pointstest provides an in-memory points store for tests.  It
// honours the points.Store contract: per-user serialization, staged
// writes that only become visible when the unit of work commits, and
// rollback on error or context cancellation.
package pointstest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

// ErrDuplicate is returned when a unique key would be violated.
var ErrDuplicate = errors.New("duplicate key")

type dailyKey struct {
	userID uint64
	action string
	day    time.Time
}

// Store is an in-memory implementation of points.Store,
// points.CatalogStore, points.LeaderboardStore and
// points.GeolocationSource plus the sweep queries.
type Store struct {
	mu          sync.Mutex
	userLocks   map[uint64]*sync.Mutex
	rules       map[string]model.PointRule
	multipliers []model.PointMultiplier
	accounts    map[uint64]model.UserPointsAccount
	txns        []model.PointTransaction
	daily       map[dailyKey]model.UserDailyPoints
	milestones  []model.UserMilestone
	redemptions []model.PointRedemption
	states      map[uint64]string
	seq         uint64

	// Now stamps account creation times; defaults to time.Now.
	Now func() time.Time
	// FailInsert, when set, is returned by the next InsertTransaction.
	FailInsert error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		userLocks: map[uint64]*sync.Mutex{},
		rules:     map[string]model.PointRule{},
		accounts:  map[uint64]model.UserPointsAccount{},
		daily:     map[dailyKey]model.UserDailyPoints{},
		states:    map[uint64]string{},
		Now:       time.Now,
	}
}

func (s *Store) nextID() uint64 {
	s.seq++
	return s.seq
}

// AddRule stores r as-is and returns the stored copy.
func (s *Store) AddRule(r model.PointRule) model.PointRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.nextID()
	}
	s.rules[r.ActionType] = r
	return r
}

// AddMultiplier stores m and returns the stored copy.
func (s *Store) AddMultiplier(m model.PointMultiplier) model.PointMultiplier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.nextID()
	}
	s.multipliers = append(s.multipliers, m)
	return m
}

// SetState records the user's last-known state.
func (s *Store) SetState(userID uint64, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[userID] = state
}

// PutAccount overwrites an account snapshot directly.
func (s *Store) PutAccount(a model.UserPointsAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.UserID] = a
}

// Transactions returns the user's committed transactions oldest first.
func (s *Store) Transactions(userID uint64) []model.PointTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PointTransaction
	for _, t := range s.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

// DailyRows returns the number of retained daily counter rows.
func (s *Store) DailyRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.daily)
}

// Milestones returns the user's committed milestone markers.
func (s *Store) Milestones(userID uint64) []model.UserMilestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.UserMilestone
	for _, m := range s.milestones {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) userLock(userID uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

// RuleByAction implements points.Store.
func (s *Store) RuleByAction(_ context.Context, actionType string) (*model.PointRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[actionType]
	if !ok {
		return nil, points.ErrRuleNotFound
	}
	return &r, nil
}

// ActiveMultipliers implements points.Store.
func (s *Store) ActiveMultipliers(_ context.Context, at time.Time) ([]model.PointMultiplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PointMultiplier
	for _, m := range s.multipliers {
		if m.ActiveAt(at) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Account implements points.Store.
func (s *Store) Account(_ context.Context, userID uint64) (*model.UserPointsAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, points.ErrAccountNotFound
	}
	return &a, nil
}

// History implements points.Store.
func (s *Store) History(_ context.Context, userID uint64, limit, offset int) ([]model.PointTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []model.PointTransaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].UserID == userID {
			all = append(all, s.txns[i])
		}
	}
	return window(all, limit, offset), nil
}

// TransactionTotals implements points.Store.
func (s *Store) TransactionTotals(_ context.Context, userID uint64) (map[model.TransactionType]int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[model.TransactionType]int64{}
	n := 0
	for _, t := range s.txns {
		if t.UserID == userID {
			out[t.TransactionType] += t.Points
			n++
		}
	}
	return out, n, nil
}

// Redemptions implements points.Store.
func (s *Store) Redemptions(_ context.Context, userID uint64, limit, offset int) ([]model.PointRedemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []model.PointRedemption
	for i := len(s.redemptions) - 1; i >= 0; i-- {
		if s.redemptions[i].UserID == userID {
			all = append(all, s.redemptions[i])
		}
	}
	return window(all, limit, offset), nil
}

// Update implements points.Store.
func (s *Store) Update(ctx context.Context, userID uint64, fn func(tx points.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{s: s, daily: map[dailyKey]model.UserDailyPoints{}}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.account != nil {
		s.accounts[tx.account.UserID] = *tx.account
	}
	s.txns = append(s.txns, tx.txns...)
	for k, d := range tx.daily {
		s.daily[k] = d
	}
	s.milestones = append(s.milestones, tx.milestones...)
	s.redemptions = append(s.redemptions, tx.redemptions...)
}

type memTx struct {
	s           *Store
	account     *model.UserPointsAccount
	txns        []model.PointTransaction
	daily       map[dailyKey]model.UserDailyPoints
	milestones  []model.UserMilestone
	redemptions []model.PointRedemption
}

func (t *memTx) LockAccount(_ context.Context, userID uint64) (*model.UserPointsAccount, error) {
	if t.account != nil {
		a := *t.account
		return &a, nil
	}
	t.s.mu.Lock()
	a, ok := t.s.accounts[userID]
	t.s.mu.Unlock()
	if !ok {
		return nil, points.ErrAccountNotFound
	}
	return &a, nil
}

func (t *memTx) EnsureAccount(ctx context.Context, userID uint64) (*model.UserPointsAccount, error) {
	a, err := t.LockAccount(ctx, userID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, points.ErrAccountNotFound) {
		return nil, err
	}
	now := t.s.Now().UTC()
	created := model.UserPointsAccount{UserID: userID, CreatedAt: now, UpdatedAt: now}
	t.account = &created
	out := created
	return &out, nil
}

func (t *memTx) SaveAccount(_ context.Context, acct *model.UserPointsAccount) error {
	a := *acct
	t.account = &a
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *model.PointTransaction) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.s.FailInsert; err != nil {
		t.s.FailInsert = nil
		return err
	}
	txn.ID = t.s.nextID()
	t.txns = append(t.txns, *txn)
	return nil
}

func (t *memTx) LatestDailyPoints(_ context.Context, userID uint64, actionType string) (*model.UserDailyPoints, error) {
	var best *model.UserDailyPoints
	consider := func(k dailyKey, d model.UserDailyPoints) {
		if k.userID != userID || k.action != actionType {
			return
		}
		if best == nil || d.OccurrenceDate.After(best.OccurrenceDate) {
			c := d
			best = &c
		}
	}
	t.s.mu.Lock()
	for k, d := range t.s.daily {
		if _, staged := t.daily[k]; !staged {
			consider(k, d)
		}
	}
	t.s.mu.Unlock()
	for k, d := range t.daily {
		consider(k, d)
	}
	return best, nil
}

func (t *memTx) SaveDailyPoints(_ context.Context, d *model.UserDailyPoints) error {
	t.daily[dailyKey{userID: d.UserID, action: d.ActionType, day: d.OccurrenceDate}] = *d
	return nil
}

func (t *memTx) CountRuleTransactions(_ context.Context, userID, ruleID uint64) (int, error) {
	n := 0
	for _, txn := range t.all(userID) {
		if txn.TransactionType == model.TransactionEarn && txn.RuleID != nil && *txn.RuleID == ruleID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) FindTransactionByReference(_ context.Context, userID uint64, txType model.TransactionType, refType, refID string) (*model.PointTransaction, error) {
	for _, txn := range t.all(userID) {
		if txn.TransactionType == txType && txn.ReferenceType != nil && txn.ReferenceID != nil &&
			*txn.ReferenceType == refType && *txn.ReferenceID == refID {
			c := txn
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memTx) CreditedThrough(_ context.Context, userID, txnID uint64) (int64, error) {
	var sum int64
	for _, txn := range t.all(userID) {
		if txn.ID > txnID || txn.Points <= 0 {
			continue
		}
		switch txn.TransactionType {
		case model.TransactionEarn, model.TransactionBonus, model.TransactionAdjust:
			sum += txn.Points
		}
	}
	return sum, nil
}

func (t *memTx) AchievedMilestones(_ context.Context, userID uint64, kind model.MilestoneKind) ([]int, error) {
	var out []int
	t.s.mu.Lock()
	for _, m := range t.s.milestones {
		if m.UserID == userID && m.Kind == kind {
			out = append(out, m.Threshold)
		}
	}
	t.s.mu.Unlock()
	for _, m := range t.milestones {
		if m.UserID == userID && m.Kind == kind {
			out = append(out, m.Threshold)
		}
	}
	return out, nil
}

func (t *memTx) InsertMilestone(ctx context.Context, m *model.UserMilestone) error {
	done, _ := t.AchievedMilestones(ctx, m.UserID, m.Kind)
	for _, th := range done {
		if th == m.Threshold {
			return ErrDuplicate
		}
	}
	t.milestones = append(t.milestones, *m)
	return nil
}

func (t *memTx) InsertRedemption(_ context.Context, r *model.PointRedemption) error {
	t.s.mu.Lock()
	r.ID = t.s.nextID()
	t.s.mu.Unlock()
	t.redemptions = append(t.redemptions, *r)
	return nil
}

func (t *memTx) all(userID uint64) []model.PointTransaction {
	var out []model.PointTransaction
	t.s.mu.Lock()
	for _, txn := range t.s.txns {
		if txn.UserID == userID {
			out = append(out, txn)
		}
	}
	t.s.mu.Unlock()
	for _, txn := range t.txns {
		if txn.UserID == userID {
			out = append(out, txn)
		}
	}
	return out
}

// TopAccounts implements points.LeaderboardStore.
func (s *Store) TopAccounts(_ context.Context, limit int, userIDs []uint64) ([]model.UserPointsAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var allow map[uint64]bool
	if userIDs != nil {
		allow = make(map[uint64]bool, len(userIDs))
		for _, id := range userIDs {
			allow[id] = true
		}
	}
	out := make([]model.UserPointsAccount, 0, len(s.accounts))
	for id, a := range s.accounts {
		if allow == nil || allow[id] {
			out = append(out, a)
		}
	}
	points.SortAccounts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UserIDsInState implements points.GeolocationSource.
func (s *Store) UserIDsInState(_ context.Context, state string) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []uint64{}
	for id, st := range s.states {
		if st == state {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Rules implements points.CatalogStore.
func (s *Store) Rules(_ context.Context) ([]model.PointRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PointRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionType < out[j].ActionType })
	return out, nil
}

// SaveRule implements points.CatalogStore.
func (s *Store) SaveRule(_ context.Context, rule *model.PointRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.rules[rule.ActionType]; ok {
		rule.ID = prev.ID
		rule.CreatedAt = prev.CreatedAt
	} else {
		rule.ID = s.nextID()
		rule.CreatedAt = s.Now().UTC()
	}
	rule.UpdatedAt = s.Now().UTC()
	s.rules[rule.ActionType] = *rule
	return nil
}

// SetRuleActive implements points.CatalogStore.
func (s *Store) SetRuleActive(_ context.Context, actionType string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[actionType]
	if !ok {
		return points.ErrRuleNotFound
	}
	r.IsActive = active
	s.rules[actionType] = r
	return nil
}

// Multipliers implements points.CatalogStore.
func (s *Store) Multipliers(_ context.Context) ([]model.PointMultiplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PointMultiplier, len(s.multipliers))
	for i := range s.multipliers {
		out[len(out)-1-i] = s.multipliers[i]
	}
	return out, nil
}

// SaveMultiplier implements points.CatalogStore.
func (s *Store) SaveMultiplier(_ context.Context, m *model.PointMultiplier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextID()
	s.multipliers = append(s.multipliers, *m)
	return nil
}

// SetMultiplierActive implements points.CatalogStore.
func (s *Store) SetMultiplierActive(_ context.Context, id uint64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.multipliers {
		if s.multipliers[i].ID == id {
			s.multipliers[i].IsActive = active
			return nil
		}
	}
	return points.ErrMultiplierNotFound
}

// DueExpirations returns earn and bonus transactions whose expiry has
// passed and that no expire transaction references yet.
func (s *Store) DueExpirations(_ context.Context, now time.Time, limit int) ([]model.PointTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := map[string]bool{}
	for _, t := range s.txns {
		if t.TransactionType == model.TransactionExpire && t.ReferenceType != nil && *t.ReferenceType == "point_transaction" {
			expired[*t.ReferenceID] = true
		}
	}
	var out []model.PointTransaction
	for _, t := range s.txns {
		if t.TransactionType != model.TransactionEarn && t.TransactionType != model.TransactionBonus {
			continue
		}
		if t.ExpiresAt == nil || t.ExpiresAt.After(now) || t.Points <= 0 || expired[strconv.FormatUint(t.ID, 10)] {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PurgeDailyPoints deletes counter rows dated before the cutoff.
func (s *Store) PurgeDailyPoints(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, d := range s.daily {
		if d.OccurrenceDate.Before(before) {
			delete(s.daily, k)
			n++
		}
	}
	return n, nil
}

func window[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return []T{}
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}
