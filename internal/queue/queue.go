// Package queue carries export requests over RabbitMQ. Delayed requests
// (redrives and restarts) wait in a delay queue whose messages expire into
// the request queue through the default exchange's dead-letter routing.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"bridge-exporter/internal/model"
)

// Config names the broker and queues
type Config struct {
	URL        string
	Queue      string
	DelayQueue string
	Prefetch   int
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Dial connects to the broker, retrying while it comes up
func Dial(ctx context.Context, url string, logger *slog.Logger) (*amqp.Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 0; attempt < 10; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		logger.Warn("broker not ready", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second * time.Duration(1+attempt)):
		}
	}
	return nil, fmt.Errorf("dial broker: %w", err)
}

// Declare creates the request queue and its delay queue
func Declare(ch *amqp.Channel, cfg Config) error {
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", cfg.Queue, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.Queue,
	}
	if _, err := ch.QueueDeclare(cfg.DelayQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare %s: %w", cfg.DelayQueue, err)
	}
	return nil
}

// Publisher publishes export requests
type Publisher struct {
	mu     sync.Mutex
	ch     publishChannel
	cfg    Config
	logger *slog.Logger
}

func NewPublisher(ch *amqp.Channel, cfg Config, logger *slog.Logger) *Publisher {
	return &Publisher{ch: ch, cfg: cfg, logger: logger}
}

// Publish sends req to the request queue, or to the delay queue with a
// per-message TTL when delay is positive.
func (p *Publisher) Publish(ctx context.Context, req model.ExportRequest, delay time.Duration) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode export request: %w", err)
	}
	key, msg := p.publishing(body, delay)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, "", key, false, false, msg); err != nil {
		return fmt.Errorf("publish export request to %s: %w", key, err)
	}
	p.logger.Info("published export request", "queue", key, "tag", req.Tag, "delay", delay,
		"redrive_count", req.RedriveCount)
	return nil
}

func (p *Publisher) publishing(body []byte, delay time.Duration) (string, amqp.Publishing) {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if delay <= 0 {
		return p.cfg.Queue, msg
	}
	msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	return p.cfg.DelayQueue, msg
}

// RequestHandler processes one export request
type RequestHandler interface {
	HandleRequest(ctx context.Context, req model.ExportRequest) error
}

// Consumer feeds queued requests to a handler one at a time
type Consumer struct {
	ch      *amqp.Channel
	cfg     Config
	handler RequestHandler
	logger  *slog.Logger
}

func NewConsumer(ch *amqp.Channel, cfg Config, handler RequestHandler, logger *slog.Logger) *Consumer {
	return &Consumer{ch: ch, cfg: cfg, handler: handler, logger: logger}
}

// Run consumes until ctx is done or the delivery channel closes
func (c *Consumer) Run(ctx context.Context) error {
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.logger.Info("waiting for export requests", "queue", c.cfg.Queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", c.cfg.Queue)
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	req, err := decodeRequest(d.Body)
	if err != nil {
		c.logger.Error("dropping malformed export request", "error", err)
		_ = d.Ack(false)
		return
	}
	if err := c.handler.HandleRequest(ctx, req); err != nil {
		// run failures are tracked with the run; the message is not retried
		c.logger.Error("export request failed", "tag", req.Tag, "date", req.Date, "error", err)
	}
	_ = d.Ack(false)
}

func decodeRequest(body []byte) (model.ExportRequest, error) {
	var req model.ExportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("decode export request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}
