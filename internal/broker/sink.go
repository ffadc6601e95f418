// ABOUTME: Mirrors bus events onto the RabbitMQ topic exchange
// ABOUTME: Forward never blocks; a background loop publishes and drops on overflow

package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/relaydesk/internal/events"
)

const defaultSinkBuffer = 1024

// publisher is the publishing side of Client.
type publisher interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// EventSink implements events.Sink.
type EventSink struct {
	pub      publisher
	exchange string
	queue    chan events.Event
	dropped  atomic.Uint64
	logger   *slog.Logger
}

// NewEventSink creates a sink publishing to the client's event exchange.
func NewEventSink(c *Client, logger *slog.Logger) *EventSink {
	return newEventSink(c, c.cfg.EventExchange, defaultSinkBuffer, logger)
}

func newEventSink(pub publisher, exchange string, buffer int, logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{
		pub:      pub,
		exchange: exchange,
		queue:    make(chan events.Event, buffer),
		logger:   logger.With("component", "broker-sink"),
	}
}

// Forward queues ev for publishing.
func (s *EventSink) Forward(ev events.Event) {
	select {
	case s.queue <- ev:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("event sink full, dropping events")
		}
	}
}

// Dropped reports events discarded because the queue was full.
func (s *EventSink) Dropped() uint64 { return s.dropped.Load() }

// Run publishes queued events until ctx is cancelled.
func (s *EventSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.queue:
			s.publishEvent(ctx, ev)
		}
	}
}

func (s *EventSink) publishEvent(ctx context.Context, ev events.Event) {
	body, err := json.Marshal(eventEnvelope(ev))
	if err != nil {
		s.logger.Error("failed to encode event", "event_id", ev.ID, "error", err)
		return
	}
	err = s.pub.publish(ctx, s.exchange, RoutingKey(ev.Topic), amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Type,
		Timestamp:    ev.OccurredAt,
		AppId:        Producer,
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("failed to mirror event", "topic", ev.Topic, "type", ev.Type, "error", err)
	}
}

var _ events.Sink = (*EventSink)(nil)
