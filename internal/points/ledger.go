// Package points implements the points-and-rewards ledger: earning under
// configured rules, redemption, administrative adjustment, expiry,
// one-time milestone bonuses and the derived leaderboard.  Every balance
// change runs inside a single per-user unit of work provided by Store.
package points

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/review-points-service/internal/metrics"
	"github.com/iliyamo/review-points-service/internal/model"
)

var actionTypeRe = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)

// ValidActionType reports whether s is a well-formed action type key.
func ValidActionType(s string) bool { return actionTypeRe.MatchString(s) }

// Ledger is the points engine.  It holds no mutable state of its own and
// re-reads rules and multipliers on every call.
type Ledger struct {
	store      Store
	publisher  EventPublisher
	milestones MilestoneTable
	tiers      []Tier
	review     ReviewScoring
	expiry     time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithPublisher announces committed changes through p.
func WithPublisher(p EventPublisher) Option { return func(l *Ledger) { l.publisher = p } }

// WithMilestones replaces the milestone threshold table.
func WithMilestones(t MilestoneTable) Option { return func(l *Ledger) { l.milestones = t } }

// WithTiers replaces the tier table.  Tiers must be sorted ascending.
func WithTiers(t []Tier) Option { return func(l *Ledger) { l.tiers = t } }

// WithReviewScoring replaces the review bonus configuration.
func WithReviewScoring(r ReviewScoring) Option { return func(l *Ledger) { l.review = r } }

// WithExpiry stamps earned points with an expiry d after they are earned.
// Zero disables expiry.
func WithExpiry(d time.Duration) Option { return func(l *Ledger) { l.expiry = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option { return func(l *Ledger) { l.log = log } }

// NewLedger builds a Ledger over store.
func NewLedger(store Store, opts ...Option) *Ledger {
	if store == nil {
		panic("nil store passed to NewLedger")
	}
	l := &Ledger{
		store:      store,
		milestones: DefaultMilestones(),
		tiers:      DefaultTiers(),
		review:     DefaultReviewScoring(),
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AwardRequest asks for points for one occurrence of an action.
type AwardRequest struct {
	UserID        uint64 `json:"user_id"`
	ActionType    string `json:"action_type"`
	ReferenceType string `json:"reference_type,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	Description   string `json:"description,omitempty"`
}

// AwardStatus is the outcome of an award attempt.  Only AwardGranted
// changes the balance; the others are expected no-ops, not failures.
type AwardStatus string

const (
	AwardGranted            AwardStatus = "awarded"
	AwardDailyCapReached    AwardStatus = "daily_cap_reached"
	AwardCooldownActive     AwardStatus = "cooldown_active"
	AwardLifetimeCapReached AwardStatus = "lifetime_cap_reached"
	AwardDuplicate          AwardStatus = "duplicate"
)

// AwardResult reports what an award attempt did.  Transaction is the new
// transaction for AwardGranted and the original one for AwardDuplicate.
type AwardResult struct {
	Status      AwardStatus             `json:"status"`
	Points      int64                   `json:"points"`
	Multiplier  decimal.Decimal         `json:"multiplier"`
	Transaction *model.PointTransaction `json:"transaction,omitempty"`
	RetryAt     *time.Time              `json:"retry_at,omitempty"`
}

// Awarded reports whether the balance changed.
func (r *AwardResult) Awarded() bool { return r != nil && r.Status == AwardGranted }

// AwardPoints earns points for req.ActionType under its rule.  Caps,
// cooldown and duplicate references yield a no-op result with a nil
// error; a missing or inactive rule yields ErrRuleNotFound.
func (l *Ledger) AwardPoints(ctx context.Context, req AwardRequest) (res *AwardResult, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("award", start, err) }(time.Now())
	if req.UserID == 0 {
		return nil, ErrInvalidUser
	}
	req.ActionType = strings.TrimSpace(req.ActionType)
	if !ValidActionType(req.ActionType) {
		return nil, ErrInvalidActionType
	}
	rule, err := l.activeRule(ctx, req.ActionType)
	if err != nil {
		return nil, err
	}
	return l.earn(ctx, req, rule, rule.PointsValue)
}

func (l *Ledger) activeRule(ctx context.Context, actionType string) (*model.PointRule, error) {
	rule, err := l.store.RuleByAction(ctx, actionType)
	if err != nil {
		return nil, err
	}
	if !rule.IsActive {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

func (l *Ledger) multiplierFor(ctx context.Context, rule *model.PointRule, at time.Time) (decimal.Decimal, error) {
	if !rule.MultiplierEligible {
		return One, nil
	}
	ms, err := l.store.ActiveMultipliers(ctx, at)
	if err != nil {
		return decimal.Zero, err
	}
	return SelectMultiplier(ms, rule.ActionType, at), nil
}

// earn applies base (before multiplier) under rule's caps and cooldown.
func (l *Ledger) earn(ctx context.Context, req AwardRequest, rule *model.PointRule, base int64) (*AwardResult, error) {
	now := l.now().UTC()
	mult, err := l.multiplierFor(ctx, rule, now)
	if err != nil {
		return nil, err
	}
	pts := ApplyMultiplier(base, mult)
	today := dayOf(now)

	var res *AwardResult
	err = l.store.Update(ctx, req.UserID, func(tx Tx) error {
		res = &AwardResult{Multiplier: mult}
		acct, err := tx.EnsureAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		if req.ReferenceType != "" && req.ReferenceID != "" {
			prev, err := tx.FindTransactionByReference(ctx, req.UserID, model.TransactionEarn, req.ReferenceType, req.ReferenceID)
			if err != nil {
				return err
			}
			if prev != nil {
				res.Status = AwardDuplicate
				res.Transaction = prev
				return nil
			}
		}

		latest, err := tx.LatestDailyPoints(ctx, req.UserID, rule.ActionType)
		if err != nil {
			return err
		}
		var daily model.UserDailyPoints
		if latest != nil && latest.OccurrenceDate.Equal(today) {
			daily = *latest
		} else {
			daily = model.UserDailyPoints{UserID: req.UserID, ActionType: rule.ActionType, OccurrenceDate: today}
		}
		if rule.MaxDailyOccurrences != nil && daily.OccurrenceCount >= *rule.MaxDailyOccurrences {
			res.Status = AwardDailyCapReached
			return nil
		}
		if rule.CooldownMinutes != nil && *rule.CooldownMinutes > 0 && latest != nil {
			until := latest.LastOccurrenceAt.Add(time.Duration(*rule.CooldownMinutes) * time.Minute)
			if now.Before(until) {
				res.Status = AwardCooldownActive
				res.RetryAt = &until
				return nil
			}
		}
		if rule.MaxTotalOccurrences != nil {
			n, err := tx.CountRuleTransactions(ctx, req.UserID, rule.ID)
			if err != nil {
				return err
			}
			if n >= *rule.MaxTotalOccurrences {
				res.Status = AwardLifetimeCapReached
				return nil
			}
		}

		credit(acct, pts, now)
		ruleID := rule.ID
		txn := &model.PointTransaction{
			UserID:          req.UserID,
			TransactionType: model.TransactionEarn,
			Points:          pts,
			BalanceAfter:    acct.AvailablePoints,
			RuleID:          &ruleID,
			ReferenceType:   optional(req.ReferenceType),
			ReferenceID:     optional(req.ReferenceID),
			Description:     req.Description,
			Multiplier:      mult,
			ExpiresAt:       l.expiresAt(now),
			CreatedAt:       now,
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		daily.OccurrenceCount++
		daily.PointsEarned += pts
		daily.LastOccurrenceAt = now
		if err := tx.SaveDailyPoints(ctx, &daily); err != nil {
			return err
		}
		res.Status = AwardGranted
		res.Points = pts
		res.Transaction = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.AwardOutcomes.WithLabelValues(rule.ActionType, string(res.Status)).Inc()
	if res.Awarded() {
		metrics.PointsMoved.WithLabelValues(string(model.TransactionEarn)).Add(float64(res.Points))
		l.log.Debug().Uint64("user_id", req.UserID).Str("action_type", rule.ActionType).
			Int64("points", res.Points).Str("multiplier", mult.String()).Msg("points awarded")
		l.publish(ctx, EventPointsAwarded, res.Transaction)
	} else {
		l.log.Debug().Uint64("user_id", req.UserID).Str("action_type", rule.ActionType).
			Str("status", string(res.Status)).Msg("award skipped")
	}
	return res, nil
}

// RedeemRequest spends points.  When RewardType is set a redemption
// record is written alongside the transaction.
type RedeemRequest struct {
	UserID          uint64 `json:"user_id"`
	Points          int64  `json:"points"`
	Description     string `json:"description,omitempty"`
	RewardType      string `json:"reward_type,omitempty"`
	RewardReference string `json:"reward_reference,omitempty"`
	PhoneNumber     string `json:"phone_number,omitempty"`
}

// RedeemResult carries the redeem transaction and optional redemption.
type RedeemResult struct {
	Transaction *model.PointTransaction `json:"transaction"`
	Redemption  *model.PointRedemption  `json:"redemption,omitempty"`
}

// RedeemPoints spends req.Points from the available balance.  It fails
// with ErrInvalidAmount, ErrAccountNotFound or *InsufficientPointsError
// without touching the balance.
func (l *Ledger) RedeemPoints(ctx context.Context, req RedeemRequest) (res *RedeemResult, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("redeem", start, err) }(time.Now())
	if req.UserID == 0 {
		return nil, ErrInvalidUser
	}
	if req.Points <= 0 {
		return nil, ErrInvalidAmount
	}
	now := l.now().UTC()
	err = l.store.Update(ctx, req.UserID, func(tx Tx) error {
		res = nil
		acct, err := tx.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		if req.Points > acct.AvailablePoints {
			return &InsufficientPointsError{Required: req.Points, Available: acct.AvailablePoints}
		}
		acct.AvailablePoints -= req.Points
		acct.TotalPoints -= req.Points
		acct.RedeemedPoints += req.Points
		acct.UpdatedAt = now

		txn := &model.PointTransaction{
			UserID:          req.UserID,
			TransactionType: model.TransactionRedeem,
			Points:          -req.Points,
			BalanceAfter:    acct.AvailablePoints,
			Description:     req.Description,
			Multiplier:      One,
			CreatedAt:       now,
		}
		var red *model.PointRedemption
		if req.RewardType != "" {
			red = &model.PointRedemption{
				UserID:          req.UserID,
				Points:          req.Points,
				RewardType:      req.RewardType,
				RewardReference: optional(req.RewardReference),
				PhoneNumber:     optional(req.PhoneNumber),
				ReferenceCode:   newReferenceCode(),
				Status:          model.RedemptionPending,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			txn.ReferenceType = optional("redemption")
			txn.ReferenceID = optional(red.ReferenceCode)
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		if red != nil {
			red.TransactionID = txn.ID
			if err := tx.InsertRedemption(ctx, red); err != nil {
				return err
			}
		}
		res = &RedeemResult{Transaction: txn, Redemption: red}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PointsMoved.WithLabelValues(string(model.TransactionRedeem)).Add(float64(req.Points))
	l.publish(ctx, EventPointsRedeemed, res.Transaction)
	return res, nil
}

// AdjustPoints applies a signed administrative correction.  Access
// control is the caller's job.  A missing account is created, so support
// can credit users who never earned.  A negative adjustment larger than
// the available balance fails with *InsufficientPointsError.
func (l *Ledger) AdjustPoints(ctx context.Context, userID uint64, adjustment int64, reason string) (txn *model.PointTransaction, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("adjust", start, err) }(time.Now())
	if userID == 0 {
		return nil, ErrInvalidUser
	}
	if adjustment == 0 {
		return nil, invalidf("adjustment must be non-zero")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalidf("reason is required")
	}
	now := l.now().UTC()
	err = l.store.Update(ctx, userID, func(tx Tx) error {
		txn = nil
		acct, err := tx.EnsureAccount(ctx, userID)
		if err != nil {
			return err
		}
		if adjustment > 0 {
			acct.TotalPoints += adjustment
			acct.AvailablePoints += adjustment
			acct.LifetimePoints += adjustment
		} else {
			amount := -adjustment
			if amount > acct.AvailablePoints {
				return &InsufficientPointsError{Required: amount, Available: acct.AvailablePoints}
			}
			acct.TotalPoints -= amount
			acct.AvailablePoints -= amount
			acct.DeductedPoints += amount
		}
		acct.UpdatedAt = now
		t := &model.PointTransaction{
			UserID:          userID,
			TransactionType: model.TransactionAdjust,
			Points:          adjustment,
			BalanceAfter:    acct.AvailablePoints,
			Description:     reason,
			Multiplier:      One,
			CreatedAt:       now,
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		txn = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Info().Uint64("user_id", userID).Int64("adjustment", adjustment).Str("reason", reason).Msg("points adjusted")
	metrics.PointsMoved.WithLabelValues(string(model.TransactionAdjust)).Add(float64(abs(adjustment)))
	l.publish(ctx, EventPointsAdjusted, txn)
	return txn, nil
}

// ExpireRequest removes up to Points from the available balance.  When
// ReferenceType and ReferenceID are set, a repeated request with the same
// reference returns the original expire transaction unchanged.
//
// SourceTransactionID names the earn or bonus transaction being expired.
// Spending consumes credits oldest first, so only the part of the source
// that is still unspent is removed.
type ExpireRequest struct {
	UserID              uint64 `json:"user_id"`
	Points              int64  `json:"points"`
	Reason              string `json:"reason"`
	ReferenceType       string `json:"reference_type,omitempty"`
	ReferenceID         string `json:"reference_id,omitempty"`
	SourceTransactionID uint64 `json:"source_transaction_id,omitempty"`
}

// ExpirePoints reduces the balance by min(points, unspent source, available).  Clamping
// is intentional here and nowhere else.  A zero-point expiry is still
// logged so the reference is marked as processed.
func (l *Ledger) ExpirePoints(ctx context.Context, req ExpireRequest) (txn *model.PointTransaction, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("expire", start, err) }(time.Now())
	if req.UserID == 0 {
		return nil, ErrInvalidUser
	}
	if req.Points <= 0 {
		return nil, ErrInvalidAmount
	}
	now := l.now().UTC()
	applied := false
	err = l.store.Update(ctx, req.UserID, func(tx Tx) error {
		txn, applied = nil, false
		acct, err := tx.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		if req.ReferenceType != "" && req.ReferenceID != "" {
			prev, err := tx.FindTransactionByReference(ctx, req.UserID, model.TransactionExpire, req.ReferenceType, req.ReferenceID)
			if err != nil {
				return err
			}
			if prev != nil {
				txn = prev
				return nil
			}
		}
		amount := req.Points
		if req.SourceTransactionID != 0 {
			credited, err := tx.CreditedThrough(ctx, req.UserID, req.SourceTransactionID)
			if err != nil {
				return err
			}
			// credits up to the source minus everything ever spent or removed
			if left := credited - (acct.LifetimePoints - acct.AvailablePoints); left < amount {
				amount = left
			}
		}
		if amount > acct.AvailablePoints {
			amount = acct.AvailablePoints
		}
		if amount < 0 {
			amount = 0
		}
		acct.AvailablePoints -= amount
		acct.TotalPoints -= amount
		acct.ExpiredPoints += amount
		acct.UpdatedAt = now
		t := &model.PointTransaction{
			UserID:          req.UserID,
			TransactionType: model.TransactionExpire,
			Points:          -amount,
			BalanceAfter:    acct.AvailablePoints,
			ReferenceType:   optional(req.ReferenceType),
			ReferenceID:     optional(req.ReferenceID),
			Description:     req.Reason,
			Multiplier:      One,
			CreatedAt:       now,
		}
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		txn, applied = t, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		metrics.PointsMoved.WithLabelValues(string(model.TransactionExpire)).Add(float64(-txn.Points))
		l.publish(ctx, EventPointsExpired, txn)
	}
	return txn, nil
}

// InitializeUserPoints creates a zero-balance account if none exists and
// returns the current account either way.
func (l *Ledger) InitializeUserPoints(ctx context.Context, userID uint64) (*model.UserPointsAccount, error) {
	if userID == 0 {
		return nil, ErrInvalidUser
	}
	var out *model.UserPointsAccount
	err := l.store.Update(ctx, userID, func(tx Tx) error {
		acct, err := tx.EnsureAccount(ctx, userID)
		if err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetUserPoints returns the committed account snapshot.
func (l *Ledger) GetUserPoints(ctx context.Context, userID uint64) (*model.UserPointsAccount, error) {
	if userID == 0 {
		return nil, ErrInvalidUser
	}
	return l.store.Account(ctx, userID)
}

// GetPointsHistory returns transactions newest first.  limit is clamped
// to [1, 100] with a default of 20.
func (l *Ledger) GetPointsHistory(ctx context.Context, userID uint64, limit, offset int) ([]model.PointTransaction, error) {
	if userID == 0 {
		return nil, ErrInvalidUser
	}
	limit, offset = Page(limit, offset)
	return l.store.History(ctx, userID, limit, offset)
}

// ListRedemptions returns redemption records newest first.
func (l *Ledger) ListRedemptions(ctx context.Context, userID uint64, limit, offset int) ([]model.PointRedemption, error) {
	if userID == 0 {
		return nil, ErrInvalidUser
	}
	limit, offset = Page(limit, offset)
	return l.store.Redemptions(ctx, userID, limit, offset)
}

func (l *Ledger) publish(ctx context.Context, t EventType, txn *model.PointTransaction) {
	if l.publisher == nil || txn == nil {
		return
	}
	if err := l.publisher.Publish(ctx, eventFor(t, txn)); err != nil {
		l.log.Warn().Err(err).Str("event", string(t)).Uint64("transaction_id", txn.ID).Msg("publish points event failed")
	}
}

func (l *Ledger) expiresAt(now time.Time) *time.Time {
	if l.expiry <= 0 {
		return nil
	}
	t := now.Add(l.expiry)
	return &t
}

func credit(acct *model.UserPointsAccount, pts int64, now time.Time) {
	acct.TotalPoints += pts
	acct.AvailablePoints += pts
	acct.LifetimePoints += pts
	acct.LastEarnedAt = &now
	acct.UpdatedAt = now
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func Page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func newReferenceCode() string { return uuid.NewString() }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
