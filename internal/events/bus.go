// ABOUTME: Topic-scoped in-memory pub/sub with a bounded replay backlog per topic
// ABOUTME: Slow subscribers lose their oldest buffered events instead of blocking publishers

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relaydesk/internal/clock"
	"github.com/2389/relaydesk/internal/store"
)

const (
	// DefaultBacklogSize is how many recent events each topic retains.
	DefaultBacklogSize = 50

	// DefaultBufferSize is the channel buffer for each subscriber.
	DefaultBufferSize = 64

	journalTimeout = 5 * time.Second

	// hydrateRetry spaces journal reads for a topic whose hydration failed.
	hydrateRetry = time.Second
)

// Event is a domain event as delivered to subscribers.
type Event struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Journal persists recent events so backlogs survive a restart.
// store.EventJournal satisfies it.
type Journal interface {
	AppendEvent(ctx context.Context, rec store.EventRecord, keep int) error
	RecentEvents(ctx context.Context, topic string, limit int) ([]store.EventRecord, error)
}

// Sink receives a copy of every published event. Forward is called with
// the topic serialized and must not block.
type Sink interface {
	Forward(ev Event)
}

// Publisher is the write side of the bus, for components that only emit.
type Publisher interface {
	Publish(topic, eventType string, payload any) Event
}

// Options configures a Bus. Zero values select defaults.
type Options struct {
	BacklogSize int
	BufferSize  int
	Journal     Journal
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Bus fans events out to topic subscribers.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicState
	sinks  []Sink

	backlogSize int
	bufferSize  int
	journal     Journal
	clock       clock.Clock
	logger      *slog.Logger
	closed      atomic.Bool
}

// topicState is guarded by its own mutex; publishes on one topic are
// serialized, publishes on different topics are not.
type topicState struct {
	mu       sync.Mutex
	name     string
	seq      uint64
	ring     []Event
	start    int
	hydrated bool
	retryAt  time.Time
	evicted  bool
	subs     map[string]*Subscription
}

// New creates a Bus.
func New(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BacklogSize <= 0 {
		opts.BacklogSize = DefaultBacklogSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Bus{
		topics:      make(map[string]*topicState),
		backlogSize: opts.BacklogSize,
		bufferSize:  opts.BufferSize,
		journal:     opts.Journal,
		clock:       clock.OrReal(opts.Clock),
		logger:      logger.With("component", "events"),
	}
}

// AddSink registers a receiver for every subsequently published event.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Bus) topic(name string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, ok := b.topics[name]
	if !ok {
		ts = &topicState{
			name: name,
			ring: make([]Event, 0, b.backlogSize),
			subs: make(map[string]*Subscription),
		}
		b.topics[name] = ts
	}
	return ts
}

// lockTopic returns the live state for name with its mutex held.
func (b *Bus) lockTopic(name string) *topicState {
	for {
		ts := b.topic(name)
		ts.mu.Lock()
		if !ts.evicted {
			return ts
		}
		ts.mu.Unlock()
	}
}

// evictLocked forgets a topic that has neither subscribers nor backlog, so
// topics named only by subscribers do not accumulate. ts.mu must be held.
func (b *Bus) evictLocked(ts *topicState) {
	if len(ts.subs) > 0 || len(ts.ring) > 0 {
		return
	}
	b.mu.Lock()
	if b.topics[ts.name] == ts {
		delete(b.topics, ts.name)
	}
	b.mu.Unlock()
	ts.evicted = true
}

// Publish stamps an event and delivers it to every current subscriber of
// topic. payload is marshaled to JSON unless it already is a
// json.RawMessage. Publish never blocks on subscribers.
func (b *Bus) Publish(topic, eventType string, payload any) Event {
	ev := Event{
		ID:         uuid.New().String(),
		Topic:      topic,
		Type:       eventType,
		Payload:    b.encode(eventType, payload),
		OccurredAt: b.clock.Now().UTC(),
	}

	ts := b.lockTopic(topic)
	b.hydrateLocked(ts)

	ts.seq++
	ev.Seq = ts.seq
	ts.push(ev, b.backlogSize)

	for _, sub := range ts.subs {
		sub.deliver(ev)
	}

	b.mu.Lock()
	sinks := b.sinks
	b.mu.Unlock()
	for _, s := range sinks {
		s.Forward(ev)
	}

	// Until the backlog is hydrated the journal's sequence is unknown.
	journal := b.journal != nil && ts.hydrated
	subscribers := len(ts.subs)
	ts.mu.Unlock()

	if journal {
		b.appendJournal(ev)
	}

	b.logger.Debug("event published", "topic", topic, "type", eventType, "seq", ev.Seq, "subscribers", subscribers)
	return ev
}

func (b *Bus) encode(eventType string, payload any) json.RawMessage {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null")
	case json.RawMessage:
		return p
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("failed to encode event payload", "type", eventType, "error", err)
		return json.RawMessage("null")
	}
	return data
}

func (b *Bus) appendJournal(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	err := b.journal.AppendEvent(ctx, store.EventRecord{
		ID:         ev.ID,
		Topic:      ev.Topic,
		Seq:        ev.Seq,
		Type:       ev.Type,
		Payload:    ev.Payload,
		OccurredAt: ev.OccurredAt,
	}, b.backlogSize)
	if err != nil {
		b.logger.Warn("failed to journal event", "topic", ev.Topic, "seq", ev.Seq, "error", err)
	}
}

// hydrateLocked loads a topic's backlog from the journal the first time the
// topic is touched. A failed read is retried on a later touch; events
// published in between keep their sequence, and the sequence then resumes
// past whatever the journal holds. ts.mu must be held.
func (b *Bus) hydrateLocked(ts *topicState) {
	if ts.hydrated {
		return
	}
	if b.journal == nil {
		ts.hydrated = true
		return
	}
	now := b.clock.Now()
	if now.Before(ts.retryAt) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	recs, err := b.journal.RecentEvents(ctx, ts.name, b.backlogSize)
	if err != nil {
		ts.retryAt = now.Add(hydrateRetry)
		b.logger.Warn("failed to hydrate topic backlog", "topic", ts.name, "error", err)
		return
	}
	ts.hydrated = true
	if len(recs) == 0 {
		return
	}

	if ts.seq > 0 {
		// Live events are newer than anything journaled; keep them.
		if last := recs[len(recs)-1].Seq; last > ts.seq {
			ts.seq = last
		}
		return
	}
	for _, rec := range recs {
		ts.push(Event{
			ID:         rec.ID,
			Topic:      rec.Topic,
			Seq:        rec.Seq,
			Type:       rec.Type,
			Payload:    json.RawMessage(rec.Payload),
			OccurredAt: rec.OccurredAt,
		}, b.backlogSize)
		ts.seq = rec.Seq
	}
}

// push appends to the ring, overwriting the oldest entry when full.
func (ts *topicState) push(ev Event, capacity int) {
	if len(ts.ring) < capacity {
		ts.ring = append(ts.ring, ev)
		return
	}
	ts.ring[ts.start] = ev
	ts.start = (ts.start + 1) % capacity
}

// snapshot returns the backlog oldest first.
func (ts *topicState) snapshot() []Event {
	out := make([]Event, 0, len(ts.ring))
	out = append(out, ts.ring[ts.start:]...)
	out = append(out, ts.ring[:ts.start]...)
	return out
}

// Subscribe registers for live events on topic and returns the topic's
// backlog, oldest first. The backlog is captured atomically with the
// registration: every event published afterwards arrives on the
// subscription and none of them is also in the backlog. The subscription
// is closed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic string) ([]Event, *Subscription) {
	sub := &Subscription{
		id:    uuid.New().String(),
		topic: topic,
		bus:   b,
		ch:    make(chan Event, b.bufferSize),
		done:  make(chan struct{}),
	}

	ts := b.lockTopic(topic)
	b.hydrateLocked(ts)
	backlog := ts.snapshot()
	if b.closed.Load() {
		sub.closeLocked()
		b.evictLocked(ts)
	} else {
		ts.subs[sub.id] = sub
	}
	ts.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", sub.id, "backlog", len(backlog))

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return backlog, sub
}

// Backlog returns a copy of the topic's retained events, oldest first.
func (b *Bus) Backlog(topic string) []Event {
	ts := b.lockTopic(topic)
	defer ts.mu.Unlock()
	b.hydrateLocked(ts)
	backlog := ts.snapshot()
	b.evictLocked(ts)
	return backlog
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	ts, ok := b.topics[sub.topic]
	b.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.subs[sub.id]; !exists {
		return
	}
	delete(ts.subs, sub.id)
	sub.closeLocked()
	b.evictLocked(ts)

	b.logger.Debug("subscriber removed", "topic", sub.topic, "sub_id", sub.id, "dropped", sub.Dropped())
}

// Close closes every subscription. Publishing after Close still records
// events in the backlog but delivers them to no one.
func (b *Bus) Close() {
	b.closed.Store(true)

	b.mu.Lock()
	topics := make([]*topicState, 0, len(b.topics))
	for _, ts := range b.topics {
		topics = append(topics, ts)
	}
	b.mu.Unlock()

	for _, ts := range topics {
		ts.mu.Lock()
		for id, sub := range ts.subs {
			delete(ts.subs, id)
			sub.closeLocked()
		}
		ts.mu.Unlock()
	}

	b.logger.Debug("event bus closed")
}

// Subscription is one subscriber's live stream of a topic.
type Subscription struct {
	id      string
	topic   string
	bus     *Bus
	ch      chan Event
	done    chan struct{}
	closed  bool // guarded by the topic mutex
	dropped atomic.Uint64
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// Topic is the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Events returns the live event stream. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close ends the subscription. Calling it more than once is a no-op.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// deliver enqueues ev, discarding the oldest buffered events to make room.
// Called with the topic mutex held, so it is the only sender.
func (s *Subscription) deliver(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// closeLocked closes the channels once. The topic mutex must be held.
func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}
