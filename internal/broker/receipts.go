// ABOUTME: Consumes provider receipts from RabbitMQ into the campaign engine
// ABOUTME: Decides ack, requeue or drop for each delivery

package broker

import (
	"context"
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/relaydesk/internal/channel"
	"github.com/2389/relaydesk/internal/store"
)

// ReceiptHandler applies a receipt. campaign.Engine satisfies it.
type ReceiptHandler interface {
	HandleReceipt(ctx context.Context, r channel.Receipt) (bool, error)
}

type disposition int

const (
	ack disposition = iota
	requeue
	drop
)

// ReceiptConsumer returns a Consumer feeding the receipt queue into h.
func ReceiptConsumer(queue string, h ReceiptHandler, logger *slog.Logger) Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker-receipts")

	return Consumer{
		Name:     "relaydesk-receipts",
		Queue:    queue,
		Prefetch: 16,
		Handle: func(ctx context.Context, d amqp.Delivery) {
			var err error
			switch processReceipt(ctx, h, d.Body, d.Redelivered, logger) {
			case ack:
				err = d.Ack(false)
			case requeue:
				err = d.Nack(false, true)
			case drop:
				err = d.Nack(false, false)
			}
			if err != nil {
				logger.Warn("failed to settle delivery", "delivery_tag", d.DeliveryTag, "error", err)
			}
		},
	}
}

// processReceipt applies one delivery body. A receipt for an unknown
// provider id is requeued once, since it can race the dispatch recording.
func processReceipt(ctx context.Context, h ReceiptHandler, body []byte, redelivered bool, logger *slog.Logger) disposition {
	r, err := decodeReceipt(body)
	if err != nil {
		logger.Warn("dropping undecodable receipt", "error", err)
		return drop
	}

	applied, err := h.HandleReceipt(ctx, r)
	switch {
	case err == nil:
		logger.Debug("receipt processed", "provider_message_id", r.ProviderMessageID, "status", r.Status, "applied", applied)
		return ack
	case errors.Is(err, store.ErrInvalidInput):
		logger.Warn("dropping invalid receipt", "provider_message_id", r.ProviderMessageID, "error", err)
		return drop
	case errors.Is(err, store.ErrNotFound):
		if redelivered {
			logger.Warn("dropping receipt for unknown message", "provider_message_id", r.ProviderMessageID)
			return drop
		}
		return requeue
	default:
		logger.Error("failed to apply receipt", "provider_message_id", r.ProviderMessageID, "error", err)
		return requeue
	}
}
