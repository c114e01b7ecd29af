// Package service holds outbound integrations used by the ledger.
package service

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/iliyamo/review-points-service/internal/metrics"
	"github.com/iliyamo/review-points-service/internal/points"
)

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialer opens a channel and returns a closer for the whole connection.
type dialer func(url string) (channel, func() error, error)

func dialAMQP(url string) (channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

// Publisher sends points events to a durable RabbitMQ queue.  It keeps one
// connection open and redials after a failure.  Errors are logged and
// returned; the ledger never rolls back because of them.
type Publisher struct {
	url   string
	queue string
	dial  dialer
	log   zerolog.Logger

	mu        sync.Mutex
	ch        channel
	closeConn func() error
}

var _ points.EventPublisher = (*Publisher)(nil)

// NewPublisher returns a publisher for queue at url.  Nothing is dialled
// until the first event.
func NewPublisher(url, queue string, log zerolog.Logger) *Publisher {
	return &Publisher{url: url, queue: queue, dial: dialAMQP, log: log.With().Str("component", "points-publisher").Logger()}
}

// Publish implements points.EventPublisher.  Messages are persistent and
// carry the event id as MessageId so consumers can deduplicate.
func (p *Publisher) Publish(ctx context.Context, ev points.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(); err != nil {
		metrics.EventsPublished.WithLabelValues(string(ev.Type), "error").Inc()
		p.log.Warn().Err(err).Msg("rabbitmq connect failed")
		return err
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Type),
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(ev.Type), "error").Inc()
		p.log.Warn().Err(err).Str("event_id", ev.ID).Msg("rabbitmq publish failed")
		p.resetLocked()
		return err
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type), "ok").Inc()
	return nil
}

// Close releases the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func (p *Publisher) connectLocked() error {
	if p.ch != nil {
		return nil
	}
	ch, closeConn, err := p.dial(p.url)
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = closeConn()
		return err
	}
	p.ch, p.closeConn = ch, closeConn
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.closeConn != nil {
		_ = p.closeConn()
	}
	p.ch, p.closeConn = nil, nil
}
