package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDiscard marks messages that can never succeed; they are dropped instead
// of requeued.
var ErrDiscard = errors.New("discard message")

type MessageHandler func(ctx context.Context, body []byte) error

// attemptHeader counts deliveries of a message. Nack with requeue keeps
// headers unchanged, so failed messages are republished with it incremented.
const attemptHeader = "x-attempt"

type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	queue       string
	workerCount int
	baseDelay   time.Duration
	maxAttempts int
	handler     MessageHandler
	republish   func(ctx context.Context, d amqp.Delivery, attempt int) error
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// Topology names the exchange and the two queues bound to it.
type Topology struct {
	Exchange    string
	Queue       string
	ResultQueue string
}

type ConsumerConfig struct {
	Topology
	URL         string
	Prefetch    int
	WorkerCount int
	BaseDelay   time.Duration
	// MaxAttempts drops a message after this many failed deliveries; 0 retries forever.
	MaxAttempts int
}

const (
	analyzeRoutingKey = "video.analyze"
	reportRoutingKey  = "video.report"
)

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declare(ch, cfg.Topology); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	c := &Consumer{
		conn:        conn,
		channel:     ch,
		queue:       cfg.Queue,
		workerCount: workers,
		baseDelay:   cfg.BaseDelay,
		maxAttempts: cfg.MaxAttempts,
		handler:     handler,
		logger:      logger,
	}
	c.republish = c.publishRetry
	return c, nil
}

func declare(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	bindings := map[string]string{
		t.Queue:       analyzeRoutingKey,
		t.ResultQueue: reportRoutingKey,
	}
	for q, key := range bindings {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q, err)
		}
	}
	return nil
}

// Start consumes until ctx is cancelled, then waits for in-flight messages.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(
		ctx,
		c.queue,
		"",
		false, // autoAck=false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("starting worker pool", "workers", c.workerCount, "queue", c.queue)

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, deliveries)
	}

	<-ctx.Done()
	c.logger.Info("context cancelled, waiting for workers to finish")
	c.wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.With("worker_id", id)
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info("delivery channel closed")
				return
			}
			c.processDelivery(ctx, d, log)
		}
	}
}

func (c *Consumer) processDelivery(ctx context.Context, d amqp.Delivery, log *slog.Logger) {
	err := c.handler(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	if errors.Is(err, ErrDiscard) {
		log.Warn("dropping message", "error", err, "delivery_tag", d.DeliveryTag)
		_ = d.Nack(false, false)
		return
	}

	attempt := attemptFromHeaders(d.Headers)
	if c.maxAttempts > 0 && attempt >= c.maxAttempts {
		log.Error("dropping message after repeated failures", "error", err, "delivery_tag", d.DeliveryTag, "attempt", attempt)
		_ = d.Nack(false, false)
		return
	}
	delay := backoffDelay(c.baseDelay, attempt)
	log.Warn("message processing failed, retrying", "error", err, "delivery_tag", d.DeliveryTag, "delay", delay, "attempt", attempt)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}
	if err := c.republish(ctx, d, attempt+1); err != nil {
		log.Warn("republish failed, requeueing", "error", err, "delivery_tag", d.DeliveryTag)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// publishRetry puts a copy of d back on the work queue with its attempt
// counter set.
func (c *Consumer) publishRetry(ctx context.Context, d amqp.Delivery, attempt int) error {
	return c.channel.PublishWithContext(ctx, "", c.queue, false, false, retryPublishing(d, attempt))
}

func retryPublishing(d amqp.Delivery, attempt int) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptHeader] = int32(attempt)
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	}
}

// attemptFromHeaders returns which delivery this is, starting at 1.
func attemptFromHeaders(headers amqp.Table) int {
	switch n := headers[attemptHeader].(type) {
	case int32:
		return max(int(n), 1)
	case int64:
		return max(int(n), 1)
	case int:
		return max(n, 1)
	}
	if deaths, ok := headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
		return len(deaths) + 1
	}
	return 1
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
