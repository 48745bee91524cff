package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	channel  *amqp.Channel
	exchange string
}

// NewPublisher opens a channel on conn and declares t so messages are routed
// even before any consumer has started.
func NewPublisher(conn *amqp.Connection, t Topology) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := declare(ch, t); err != nil {
		ch.Close()
		return nil, err
	}
	return &Publisher{channel: ch, exchange: t.Exchange}, nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, body []byte) error {
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
}

// PublishReport sends a finished report to the result queue.
func (p *Publisher) PublishReport(ctx context.Context, body []byte) error {
	return p.publish(ctx, reportRoutingKey, body)
}

// PublishRequest enqueues an analysis request.
func (p *Publisher) PublishRequest(ctx context.Context, body []byte) error {
	return p.publish(ctx, analyzeRoutingKey, body)
}

func (p *Publisher) Close() error {
	return p.channel.Close()
}
