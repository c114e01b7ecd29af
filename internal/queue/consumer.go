package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/iliyamo/review-points-service/internal/metrics"
	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

// HelpfulVoteAction is the rule that pays review authors per helpful vote.
// Deployments without such a rule only get helpful-vote milestones.
const HelpfulVoteAction = "helpful_vote_received"

// Ledger is the part of *points.Ledger the consumer drives.
type Ledger interface {
	AwardPoints(ctx context.Context, req points.AwardRequest) (*points.AwardResult, error)
	AwardReviewPoints(ctx context.Context, in points.ReviewPointsInput) (*points.ReviewAward, error)
	CheckAndAwardMilestone(ctx context.Context, userID uint64, kind model.MilestoneKind, value int) (*model.PointTransaction, error)
}

// errPermanent marks messages that can never succeed.  They are dropped
// instead of requeued.
var errPermanent = errors.New("permanent")

// Consumer reads review events from RabbitMQ.  Redelivered messages are
// safe: awards are keyed on the review or vote id and milestones are
// idempotent, so the id cache only saves work.
type Consumer struct {
	url     string
	queue   string
	ledger  Ledger
	metrics points.MetricSource
	seen    *lru.Cache
	log     zerolog.Logger
}

// NewConsumer builds a consumer for queue at url.  metrics may be nil, in
// which case review-count and helpful-vote milestones are not checked.
func NewConsumer(url, queue string, ledger Ledger, metrics points.MetricSource, log zerolog.Logger) *Consumer {
	if ledger == nil {
		panic("nil ledger passed to NewConsumer")
	}
	seen, _ := lru.New(4096)
	return &Consumer{
		url:     url,
		queue:   queue,
		ledger:  ledger,
		metrics: metrics,
		seen:    seen,
		log:     log.With().Str("component", "review-consumer").Str("queue", queue).Logger(),
	}
}

// Run consumes until ctx is cancelled, reconnecting with exponential
// backoff when the broker goes away.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("dial broker failed")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		c.log.Info().Msg("consuming review events")

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Msg("consume loop ended, reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn().Err(err).Msg("set qos failed")
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		err := c.Handle(ctx, d.Body)
		switch {
		case err == nil:
			_ = d.Ack(false)
		case errors.Is(err, errPermanent) || d.Redelivered:
			// One retry at most keeps a poison message from looping.
			c.log.Error().Err(err).Str("message_id", d.MessageId).Msg("dropping review event")
			_ = d.Nack(false, false)
		default:
			c.log.Warn().Err(err).Str("message_id", d.MessageId).Msg("requeueing review event")
			_ = d.Nack(false, true)
		}
	}
	return errors.New("deliveries channel closed")
}

// Handle processes one message body.  Errors wrapping errPermanent mean
// the message should be dropped.
func (c *Consumer) Handle(ctx context.Context, body []byte) (err error) {
	var ev ReviewEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.EventsConsumed.WithLabelValues("unknown", "malformed").Inc()
		return fmt.Errorf("%w: unmarshal: %v", errPermanent, err)
	}
	if ev.ID != "" && c.seen.Contains(ev.ID) {
		metrics.EventsConsumed.WithLabelValues(ev.Type, "duplicate").Inc()
		return nil
	}
	log := c.log.With().Str("event_id", ev.ID).Str("type", ev.Type).Uint64("user_id", ev.UserID).Logger()
	ctx = log.WithContext(ctx)

	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.EventsConsumed.WithLabelValues(ev.Type, result).Inc()
	}()

	if ev.UserID == 0 {
		return fmt.Errorf("%w: event without user_id", errPermanent)
	}
	switch ev.Type {
	case EventReviewApproved:
		err = c.reviewApproved(ctx, ev)
	case EventHelpfulVoteRecorded:
		err = c.helpfulVote(ctx, ev)
	case EventStreakUpdated:
		err = c.milestone(ctx, ev.UserID, model.MilestoneStreak, ev.StreakDays)
	default:
		return fmt.Errorf("%w: unknown event type %q", errPermanent, ev.Type)
	}
	if err != nil {
		if errors.Is(err, points.ErrInvalidInput) || errors.Is(err, points.ErrNotFound) {
			return fmt.Errorf("%w: %v", errPermanent, err)
		}
		return err
	}
	if ev.ID != "" {
		c.seen.Add(ev.ID, struct{}{})
	}
	log.Debug().Msg("review event processed")
	return nil
}

func (c *Consumer) reviewApproved(ctx context.Context, ev ReviewEvent) error {
	if ev.ReviewID == "" {
		return fmt.Errorf("%w: review_id is required", points.ErrInvalidInput)
	}
	res, err := c.ledger.AwardReviewPoints(ctx, points.ReviewPointsInput{
		UserID:                   ev.UserID,
		ReviewID:                 ev.ReviewID,
		BusinessID:               ev.BusinessID,
		ContentLength:            ev.ContentLength,
		PhotoCount:               ev.PhotoCount,
		IsFirstReviewForBusiness: ev.IsFirstReviewForBusiness,
	})
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Debug().Str("status", string(res.Result.Status)).Int64("points", res.Result.Points).Msg("review award")
	return c.sourcedMilestone(ctx, ev.UserID, model.MilestoneReviewCount)
}

func (c *Consumer) helpfulVote(ctx context.Context, ev ReviewEvent) error {
	if ev.VoteID != "" {
		_, err := c.ledger.AwardPoints(ctx, points.AwardRequest{
			UserID:        ev.UserID,
			ActionType:    HelpfulVoteAction,
			ReferenceType: "helpful_vote",
			ReferenceID:   ev.VoteID,
			Description:   "helpful vote received",
		})
		if err != nil && !errors.Is(err, points.ErrRuleNotFound) {
			return err
		}
	}
	return c.sourcedMilestone(ctx, ev.UserID, model.MilestoneHelpfulVotes)
}

// sourcedMilestone reads the metric from the review service, outside any
// ledger unit of work, then checks the milestone.
func (c *Consumer) sourcedMilestone(ctx context.Context, userID uint64, kind model.MilestoneKind) error {
	if c.metrics == nil {
		return nil
	}
	v, err := points.FetchMetric(ctx, c.metrics, userID, kind)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", kind, err)
	}
	return c.milestone(ctx, userID, kind, v)
}

func (c *Consumer) milestone(ctx context.Context, userID uint64, kind model.MilestoneKind, value int) error {
	txn, err := c.ledger.CheckAndAwardMilestone(ctx, userID, kind, value)
	if err != nil {
		return err
	}
	if txn != nil {
		zerolog.Ctx(ctx).Info().Str("kind", string(kind)).Int64("points", txn.Points).Msg("milestone awarded from event")
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
