// ABOUTME: Tests for the RabbitMQ bridge without a live broker
// ABOUTME: Covers envelopes, receipt dispositions, the event sink and the provider

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relaydesk/internal/channel"
	"github.com/2389/relaydesk/internal/clock"
	"github.com/2389/relaydesk/internal/events"
	"github.com/2389/relaydesk/internal/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
	got  chan struct{}
}

func (f *fakePublisher) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange, key, msg})
	if f.got != nil {
		f.got <- struct{}{}
	}
	return nil
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "acme.campaign.c-1", RoutingKey("acme:campaign:c-1"))
	assert.Equal(t, "acme.conversation", RoutingKey("acme:conversation"))
}

func TestDecodeReceipt(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	body, err := json.Marshal(Envelope[channel.Receipt]{
		Meta: Meta{ID: "r1", Time: at, Type: TypeReceipt},
		Data: channel.Receipt{ProviderMessageID: "pm-1", Status: channel.ReceiptRead},
	})
	require.NoError(t, err)

	r, err := decodeReceipt(body)
	require.NoError(t, err)
	assert.Equal(t, "pm-1", r.ProviderMessageID)
	assert.Equal(t, channel.ReceiptRead, r.Status)
	assert.True(t, r.At.Equal(at), "receipt time falls back to envelope time")

	for _, bad := range []string{
		`not json`,
		`{"meta":{"id":"x"},"data":{"status":"read"}}`,
		`{"meta":{"id":"x"},"data":{"provider_message_id":"pm-1","status":"bounced"}}`,
	} {
		_, err := decodeReceipt([]byte(bad))
		assert.ErrorIs(t, err, errPoison, bad)
	}
}

type fakeHandler struct {
	err     error
	applied bool
	calls   int
}

func (f *fakeHandler) HandleReceipt(ctx context.Context, r channel.Receipt) (bool, error) {
	f.calls++
	return f.applied, f.err
}

func TestProcessReceipt_Dispositions(t *testing.T) {
	good := []byte(`{"meta":{"id":"x","type":"relaydesk.receipt.v1"},"data":{"provider_message_id":"pm-1","status":"delivered"}}`)

	tests := []struct {
		name        string
		body        []byte
		err         error
		redelivered bool
		want        disposition
	}{
		{"applied", good, nil, false, ack},
		{"poison", []byte("{"), nil, false, drop},
		{"invalid", good, fmt.Errorf("%w: bad", store.ErrInvalidInput), false, drop},
		{"unknown first time", good, store.ErrNotFound, false, requeue},
		{"unknown redelivered", good, store.ErrNotFound, true, drop},
		{"store failure", good, errors.New("db locked"), true, requeue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandler{err: tt.err, applied: true}
			got := processReceipt(t.Context(), h, tt.body, tt.redelivered, quiet)
			assert.Equal(t, tt.want, got)
		})
	}

	h := &fakeHandler{}
	processReceipt(t.Context(), h, []byte("{"), false, quiet)
	assert.Zero(t, h.calls, "poison never reaches the handler")
}

func TestEventSink_PublishesWithRoutingKey(t *testing.T) {
	pub := &fakePublisher{got: make(chan struct{}, 1)}
	sink := newEventSink(pub, "relaydesk.events", 4, quiet)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	ev := events.Event{
		ID:         "ev-1",
		Topic:      "acme:campaign:c-1",
		Seq:        3,
		Type:       "campaign.progress",
		Payload:    json.RawMessage(`{"sent":1}`),
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	sink.Forward(ev)

	select {
	case <-pub.got:
	case <-time.After(5 * time.Second):
		t.Fatal("event was not published")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	require.Len(t, pub.sent, 1)
	p := pub.sent[0]
	assert.Equal(t, "relaydesk.events", p.exchange)
	assert.Equal(t, "acme.campaign.c-1", p.key)
	assert.Equal(t, "ev-1", p.msg.MessageId)
	assert.Equal(t, "campaign.progress", p.msg.Type)

	var env Envelope[events.Event]
	require.NoError(t, json.Unmarshal(p.msg.Body, &env))
	assert.Equal(t, "ev-1", env.Meta.ID)
	assert.Equal(t, Producer, env.Meta.Producer)
	assert.Equal(t, uint64(3), env.Data.Seq)
	assert.JSONEq(t, `{"sent":1}`, string(env.Data.Payload))
}

func TestEventSink_ForwardNeverBlocks(t *testing.T) {
	sink := newEventSink(&fakePublisher{}, "x", 2, quiet)
	for i := range 5 {
		sink.Forward(events.Event{ID: fmt.Sprint(i)})
	}
	assert.Equal(t, uint64(3), sink.Dropped())
}

func TestProvider_SendMessage(t *testing.T) {
	pub := &fakePublisher{}
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	p := &Provider{pub: pub, queue: "relaydesk.outbound", clock: fake}

	msg := channel.Message{
		Key:        "camp-1:c1",
		CampaignID: "camp-1",
		Contact:    channel.Contact{ContactID: "c1", Address: "+15550001", ChannelType: store.ChannelWhatsApp},
		Content:    "hello",
	}
	res, err := p.SendMessage(t.Context(), msg)
	require.NoError(t, err)
	assert.Equal(t, MessageID("camp-1:c1"), res.ProviderMessageID)

	again, err := p.SendMessage(t.Context(), msg)
	require.NoError(t, err)
	assert.Equal(t, res, again, "resending a key reuses the provider id")
	assert.NotEqual(t, MessageID("camp-1:c2"), res.ProviderMessageID)

	require.Len(t, pub.sent, 2)
	assert.Equal(t, "", pub.sent[0].exchange)
	assert.Equal(t, "relaydesk.outbound", pub.sent[0].key)
	assert.Equal(t, "camp-1", pub.sent[0].msg.CorrelationId)

	var env Envelope[SendRequest]
	require.NoError(t, json.Unmarshal(pub.sent[0].msg.Body, &env))
	assert.Equal(t, TypeSendRequest, env.Meta.Type)
	assert.Equal(t, res.ProviderMessageID, env.Data.ProviderMessageID)
	assert.Equal(t, "hello", env.Data.Message.Content)
}

func TestProvider_FailuresAreTransient(t *testing.T) {
	pub := &fakePublisher{err: ErrNotConnected}
	p := &Provider{pub: pub, queue: "q", clock: clock.NewFake(time.Now())}

	_, err := p.SendMessage(t.Context(), channel.Message{Key: "k"})
	require.Error(t, err)
	assert.True(t, channel.IsTransient(err))

	var chErr *channel.Error
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "broker_unavailable", chErr.Code)

	pub.err = errors.New("nacked")
	_, err = p.SendMessage(t.Context(), channel.Message{Key: "k"})
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "broker_publish", chErr.Code)
}
