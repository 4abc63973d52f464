package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zhejian/shortlink/internal/model"
)

var ErrPublisherClosed = errors.New("click publisher closed")

// Publisher fans recorded clicks out to downstream consumers
type Publisher interface {
	PublishClick(ctx context.Context, event *model.ClickEvent) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishClick(context.Context, *model.ClickEvent) error { return nil }
func (NopPublisher) Close() error                                            { return nil }

// RabbitPublisher publishes JSON click events to a durable queue
type RabbitPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	closed  bool
}

// NewRabbitPublisher opens a channel on conn and declares the queue
func NewRabbitPublisher(conn *amqp.Connection, queue string) (*RabbitPublisher, error) {
	ch, err := openChannel(conn, queue)
	if err != nil {
		return nil, err
	}
	return &RabbitPublisher{conn: conn, channel: ch, queue: queue}, nil
}

func openChannel(conn *amqp.Connection, queue string) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return ch, nil
}

// PublishClick sends one event. A channel closed by the broker is
// reopened once before giving up.
func (p *RabbitPublisher) PublishClick(ctx context.Context, event *model.ClickEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if p.channel.IsClosed() {
		ch, err := openChannel(p.conn, p.queue)
		if err != nil {
			return err
		}
		p.channel = ch
	}

	return p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID.String(),
		Timestamp:    event.Timestamp,
		Body:         body,
	})
}

// Close closes the channel; the connection belongs to the caller
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.channel.Close()
}

// Handler processes one decoded click
type Handler func(ctx context.Context, event model.ClickEvent) error

// Consumer reads click events from the queue with a fixed worker pool
type Consumer struct {
	conn    *amqp.Connection
	queue   string
	workers int
	logger  *slog.Logger
}

func NewConsumer(conn *amqp.Connection, queue string, workers int, logger *slog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{conn: conn, queue: queue, workers: workers, logger: logger}
}

// Consume blocks until ctx is cancelled or the delivery channel closes.
// Handler errors requeue the message; undecodable messages are dropped.
func (c *Consumer) Consume(ctx context.Context, handle Handler) error {
	ch, err := openChannel(c.conn, c.queue)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.workers*2, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.handle(ctx, d, handle)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return errors.New("delivery channel closed")
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handle Handler) {
	var event model.ClickEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		c.logger.WarnContext(ctx, "dropping malformed click event",
			slog.String("message_id", d.MessageId),
			slog.String("error", err.Error()))
		_ = d.Nack(false, false)
		return
	}

	if err := handle(ctx, event); err != nil {
		c.logger.ErrorContext(ctx, "click handler failed",
			slog.String("short_code", event.ShortCode),
			slog.String("error", err.Error()))
		// Redelivered messages that fail again are dropped to avoid a hot loop
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

// Ensure the publishers implement Publisher at compile time
var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*RabbitPublisher)(nil)
)

// publishTimeout bounds a best-effort publish issued from a request path
const publishTimeout = 2 * time.Second

// PublishAsync publishes without blocking the caller and logs failures
func PublishAsync(p Publisher, event model.ClickEvent, logger *slog.Logger) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.PublishClick(ctx, &event); err != nil {
			logger.Warn("click event publish failed",
				slog.String("short_code", event.ShortCode),
				slog.String("error", err.Error()))
		}
	}()
}
