// ABOUTME: Channel Provider that hands outbound messages to RabbitMQ
// ABOUTME: A send counts as accepted once the broker confirms the publish

package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/relaydesk/internal/channel"
	"github.com/2389/relaydesk/internal/clock"
)

// messageNamespace derives stable provider message ids from dispatch keys.
var messageNamespace = uuid.MustParse("6f1c4e52-8a0b-4c1e-9a53-2f7d0c6b9e11")

// SendRequest is the data of an outbound envelope.
type SendRequest struct {
	ProviderMessageID string          `json:"provider_message_id"`
	Message           channel.Message `json:"message"`
}

// Provider publishes send requests to the outbound queue. The downstream
// delivery worker reports receipts keyed by ProviderMessageID.
type Provider struct {
	pub   publisher
	queue string
	clock clock.Clock
}

// NewProvider creates a Provider on c's outbound queue.
func NewProvider(c *Client, clk clock.Clock) *Provider {
	return &Provider{pub: c, queue: c.cfg.OutboundQueue, clock: clock.OrReal(clk)}
}

// MessageID returns the provider message id assigned to a dispatch key.
// Resending the same key reuses the id.
func MessageID(key string) string {
	return uuid.NewSHA1(messageNamespace, []byte(key)).String()
}

// SendMessage implements channel.Provider.
func (p *Provider) SendMessage(ctx context.Context, msg channel.Message) (channel.SendResult, error) {
	id := MessageID(msg.Key)
	env := Envelope[SendRequest]{
		Meta: Meta{
			ID:            id,
			CorrelationID: msg.CampaignID,
			Producer:      Producer,
			Time:          p.clock.Now().UTC(),
			Type:          TypeSendRequest,
		},
		Data: SendRequest{ProviderMessageID: id, Message: msg},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return channel.SendResult{}, channel.Permanent("encode", err)
	}

	err = p.pub.publish(ctx, "", p.queue, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     id,
		CorrelationId: msg.CampaignID,
		Type:          TypeSendRequest,
		Timestamp:     env.Meta.Time,
		AppId:         Producer,
	})
	if err != nil {
		code := "broker_publish"
		if errors.Is(err, ErrNotConnected) {
			code = "broker_unavailable"
		}
		return channel.SendResult{}, channel.Transient(code, err)
	}
	return channel.SendResult{ProviderMessageID: id}, nil
}

var _ channel.Provider = (*Provider)(nil)
