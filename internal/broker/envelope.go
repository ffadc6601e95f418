// ABOUTME: Wire envelope for messages exchanged over RabbitMQ
// ABOUTME: Every body is {meta, data}; topics map to dotted routing keys

package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/relaydesk/internal/channel"
	"github.com/2389/relaydesk/internal/events"
)

// Producer identifies relaydesk in envelope metadata and AMQP app ids.
const Producer = "relaydesk"

// Message types carried in Meta.Type.
const (
	TypeSendRequest = "relaydesk.send_request.v1"
	TypeReceipt     = "relaydesk.receipt.v1"
)

// errPoison marks a delivery that can never be processed.
var errPoison = errors.New("poison message")

// Meta describes an envelope.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope wraps every message body.
type Envelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// RoutingKey converts a bus topic ("company:entity:id") into an AMQP topic
// routing key ("company.entity.id").
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// eventEnvelope wraps a bus event for the event exchange.
func eventEnvelope(ev events.Event) Envelope[events.Event] {
	return Envelope[events.Event]{
		Meta: Meta{
			ID:       ev.ID,
			Producer: Producer,
			Time:     ev.OccurredAt,
			Type:     ev.Type,
		},
		Data: ev,
	}
}

// decodeReceipt parses a receipt delivery. Bodies that cannot be decoded or
// that carry no usable receipt are poison.
func decodeReceipt(body []byte) (channel.Receipt, error) {
	var env Envelope[channel.Receipt]
	if err := json.Unmarshal(body, &env); err != nil {
		return channel.Receipt{}, fmt.Errorf("%w: %v", errPoison, err)
	}
	r := env.Data
	if r.ProviderMessageID == "" || !r.Status.Valid() {
		return channel.Receipt{}, fmt.Errorf("%w: incomplete receipt", errPoison)
	}
	if r.At.IsZero() {
		r.At = env.Meta.Time
	}
	return r, nil
}
