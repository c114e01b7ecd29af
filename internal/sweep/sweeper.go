// Package sweep runs the scheduled maintenance of the points ledger:
// expiring points past their expiry date and purging old daily counters.
package sweep

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/review-points-service/internal/metrics"
	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

// ReferenceType marks expire transactions written by the sweep.  The
// reference id is the id of the expired earn or bonus transaction.
const ReferenceType = "point_transaction"

// Store lists sweep work.
type Store interface {
	// DueExpirations returns earn and bonus transactions whose expiry is
	// at or before now and that no sweep expire transaction references.
	DueExpirations(ctx context.Context, now time.Time, limit int) ([]model.PointTransaction, error)
	PurgeDailyPoints(ctx context.Context, before time.Time) (int64, error)
}

// Expirer is satisfied by *points.Ledger.
type Expirer interface {
	ExpirePoints(ctx context.Context, req points.ExpireRequest) (*model.PointTransaction, error)
}

// Report summarises one run.
type Report struct {
	PurgedDailyRows int64 `json:"purged_daily_rows"`
	Expired         int   `json:"expired"`
	ExpiredPoints   int64 `json:"expired_points"`
	Failed          int   `json:"failed"`
}

// Sweeper is invoked by an external scheduler.  A failed or interrupted
// run is simply repeated: each expiry is idempotent on its source
// transaction.
type Sweeper struct {
	store     Store
	ledger    Expirer
	retention time.Duration
	batch     int
	now       func() time.Time
	log       zerolog.Logger
}

// New builds a Sweeper.  retention is how long daily counters are kept
// and batch is how many expiries are fetched per query.
func New(store Store, ledger Expirer, retention time.Duration, batch int, log zerolog.Logger) *Sweeper {
	if store == nil || ledger == nil {
		panic("nil dependency passed to sweep.New")
	}
	if batch < 1 {
		batch = 500
	}
	return &Sweeper{store: store, ledger: ledger, retention: retention, batch: batch, now: time.Now, log: log.With().Str("component", "sweeper").Logger()}
}

// Run purges daily counters and then expires due transactions.  Per-item
// failures are counted and logged and do not stop the run; the returned
// error is for failures of the sweep queries themselves.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	var rep Report
	now := s.now().UTC()

	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(-s.retention)
	n, err := s.store.PurgeDailyPoints(ctx, cutoff)
	if err != nil {
		return rep, err
	}
	rep.PurgedDailyRows = n
	metrics.SweepItems.WithLabelValues("daily_points", "purged").Add(float64(n))
	s.log.Info().Int64("rows", n).Time("before", cutoff).Msg("purged daily counters")

	failed := map[uint64]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		due, err := s.store.DueExpirations(ctx, now, s.batch)
		if err != nil {
			return rep, err
		}
		progress := 0
		for _, t := range due {
			if failed[t.ID] {
				continue
			}
			txn, err := s.ledger.ExpirePoints(ctx, points.ExpireRequest{
				UserID:              t.UserID,
				Points:              t.Points,
				Reason:              "points expired (transaction " + strconv.FormatUint(t.ID, 10) + ")",
				ReferenceType:       ReferenceType,
				ReferenceID:         strconv.FormatUint(t.ID, 10),
				SourceTransactionID: t.ID,
			})
			if err != nil {
				if ctx.Err() != nil {
					return rep, ctx.Err()
				}
				failed[t.ID] = true
				rep.Failed++
				metrics.SweepItems.WithLabelValues("expiry", "failed").Inc()
				s.log.Error().Err(err).Uint64("transaction_id", t.ID).Uint64("user_id", t.UserID).Msg("expire failed")
				continue
			}
			progress++
			rep.Expired++
			rep.ExpiredPoints -= txn.Points
			metrics.SweepItems.WithLabelValues("expiry", "expired").Inc()
		}
		// Failed rows stay due; without progress the next query returns them again.
		if len(due) < s.batch || progress == 0 {
			break
		}
	}
	s.log.Info().Int("expired", rep.Expired).Int64("points", rep.ExpiredPoints).Int("failed", rep.Failed).Msg("expiry sweep finished")
	return rep, nil
}
