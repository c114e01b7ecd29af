package points

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/review-points-service/internal/model"
)

// EventType names a committed ledger change announced to other services.
type EventType string

const (
	EventPointsAwarded  EventType = "points.awarded"
	EventMilestone      EventType = "points.milestone_reached"
	EventPointsRedeemed EventType = "points.redeemed"
	EventPointsAdjusted EventType = "points.adjusted"
	EventPointsExpired  EventType = "points.expired"
)

// Event describes a committed ledger transaction.
type Event struct {
	ID            string                `json:"id"`
	Type          EventType             `json:"type"`
	UserID        uint64                `json:"user_id"`
	TransactionID uint64                `json:"transaction_id"`
	TxType        model.TransactionType `json:"transaction_type"`
	Points        int64                 `json:"points"`
	BalanceAfter  int64                 `json:"balance_after"`
	ReferenceType string                `json:"reference_type,omitempty"`
	ReferenceID   string                `json:"reference_id,omitempty"`
	OccurredAt    time.Time             `json:"occurred_at"`
}

// EventPublisher delivers events after the unit of work has committed.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

func eventFor(t EventType, txn *model.PointTransaction) Event {
	ev := Event{
		ID:            uuid.NewString(),
		Type:          t,
		UserID:        txn.UserID,
		TransactionID: txn.ID,
		TxType:        txn.TransactionType,
		Points:        txn.Points,
		BalanceAfter:  txn.BalanceAfter,
		OccurredAt:    txn.CreatedAt,
	}
	if txn.ReferenceType != nil {
		ev.ReferenceType = *txn.ReferenceType
	}
	if txn.ReferenceID != nil {
		ev.ReferenceID = *txn.ReferenceID
	}
	return ev
}
