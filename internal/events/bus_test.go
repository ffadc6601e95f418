// ABOUTME: Tests for the topic-scoped event bus
// ABOUTME: Covers backlog replay, ordering, drop-oldest overflow, cancellation and journaling

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relaydesk/internal/clock"
	"github.com/2389/relaydesk/internal/store"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishStampsAndDelivers(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := New(Options{Clock: clock.NewFake(start)})
	defer b.Close()

	_, sub := b.Subscribe(t.Context(), "acme:conversation:c1")

	ev := b.Publish("acme:conversation:c1", "conversation.assigned", map[string]string{"actor_id": "alice"})
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, start, ev.OccurredAt)
	assert.JSONEq(t, `{"actor_id":"alice"}`, string(ev.Payload))

	got := receive(t, sub)
	assert.Equal(t, ev, got)
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	_, sub := b.Subscribe(t.Context(), "acme:campaign:a")
	b.Publish("acme:campaign:b", "campaign.progress", nil)
	b.Publish("acme:campaign:a", "campaign.progress", nil)

	ev := receive(t, sub)
	assert.Equal(t, "acme:campaign:a", ev.Topic)
	assert.Empty(t, sub.Events())
}

func TestBus_BacklogIsBoundedAndChronological(t *testing.T) {
	b := New(Options{BacklogSize: 5})
	defer b.Close()

	for i := range 12 {
		b.Publish("t:x", "tick", i)
	}

	backlog, sub := b.Subscribe(t.Context(), "t:x")
	defer sub.Close()

	require.Len(t, backlog, 5)
	for i, ev := range backlog {
		assert.Equal(t, uint64(8+i), ev.Seq)
	}
}

func TestBus_NoGapNoDuplicateBetweenBacklogAndStream(t *testing.T) {
	b := New(Options{BacklogSize: 1000, BufferSize: 1000})
	defer b.Close()

	const total = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range total {
			b.Publish("t:x", "tick", i)
		}
	}()

	time.Sleep(time.Millisecond)
	backlog, sub := b.Subscribe(t.Context(), "t:x")
	wg.Wait()

	seen := make([]uint64, 0, total)
	for _, ev := range backlog {
		seen = append(seen, ev.Seq)
	}
	for len(seen) < total {
		seen = append(seen, receive(t, sub).Seq)
	}
	for i, seq := range seen {
		require.Equal(t, uint64(i+1), seq, "sequence broken at %d", i)
	}
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	b := New(Options{BufferSize: 3})
	defer b.Close()

	_, sub := b.Subscribe(t.Context(), "t:x")
	for i := range 10 {
		b.Publish("t:x", "tick", i)
	}

	assert.Equal(t, uint64(7), sub.Dropped())
	for want := uint64(8); want <= 10; want++ {
		assert.Equal(t, want, receive(t, sub).Seq)
	}
}

func TestBus_ContextCancellationUnsubscribes(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	_, sub := b.Subscribe(ctx, "t:x")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// Publishing to a topic with no subscribers is fine.
	b.Publish("t:x", "tick", nil)
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	b := New(Options{})
	_, sub := b.Subscribe(t.Context(), "t:x")

	sub.Close()
	sub.Close()
	b.Close()
	b.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, late := b.Subscribe(t.Context(), "t:x")
	_, ok = <-late.Events()
	assert.False(t, ok, "subscription after Close should be closed")
}

func TestBus_PerTopicOrderUnderConcurrentPublishers(t *testing.T) {
	b := New(Options{BufferSize: 1000})
	defer b.Close()

	_, sub := b.Subscribe(t.Context(), "t:x")

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				b.Publish("t:x", "tick", fmt.Sprintf("%d-%d", w, i))
			}
		}()
	}
	wg.Wait()

	var last uint64
	for range 200 {
		ev := receive(t, sub)
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Forward(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func TestBus_SinksReceiveEveryEvent(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sink := &recordingSink{}
	b.AddSink(sink)
	b.Publish("a:campaign", "campaign.progress", nil)
	b.Publish("b:campaign", "campaign.progress", nil)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.events, 2)
}

func TestBus_JournalHydratesBacklogAfterRestart(t *testing.T) {
	journal := store.NewMockStore()

	first := New(Options{BacklogSize: 3, Journal: journal})
	for i := range 5 {
		first.Publish("acme:campaign:c1", "campaign.progress", map[string]int{"n": i})
	}
	first.Close()

	second := New(Options{BacklogSize: 3, Journal: journal})
	defer second.Close()

	backlog, sub := second.Subscribe(t.Context(), "acme:campaign:c1")
	defer sub.Close()
	require.Len(t, backlog, 3)
	assert.Equal(t, uint64(3), backlog[0].Seq)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(backlog[2].Payload, &payload))
	assert.Equal(t, 4, payload["n"])

	next := second.Publish("acme:campaign:c1", "campaign.progress", nil)
	assert.Equal(t, uint64(6), next.Seq, "sequence continues after hydration")
}

func TestParseTopic(t *testing.T) {
	parts, err := ParseTopic(Topic("acme", EntityConversation, "c1"))
	require.NoError(t, err)
	assert.Equal(t, TopicParts{CompanyID: "acme", EntityType: "conversation", EntityID: "c1"}, parts)

	parts, err = ParseTopic(Topic("acme", EntityCampaign, ""))
	require.NoError(t, err)
	assert.Equal(t, "campaign", parts.EntityType)
	assert.Empty(t, parts.EntityID)

	for _, bad := range []string{"", "acme", "acme::c1", "a:b:c:d", "acme:anything", "acme:deal:d1"} {
		_, err := ParseTopic(bad)
		assert.ErrorIs(t, err, ErrInvalidTopic, bad)
	}
}

func TestBus_EvictsIdleTopics(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	for i := range 100 {
		_, sub := b.Subscribe(t.Context(), fmt.Sprintf("acme:conversation:ghost-%d", i))
		sub.Close()
	}
	assert.Empty(t, b.Backlog("acme:conversation:never"))

	b.mu.Lock()
	idle := len(b.topics)
	b.mu.Unlock()
	assert.Zero(t, idle, "topics without backlog or subscribers are forgotten")

	// A topic with history is kept, and a subscriber racing eviction still
	// sees every later event.
	b.Publish("acme:campaign:c1", "campaign.progress", nil)
	_, sub := b.Subscribe(t.Context(), "acme:conversation:c1")
	sub.Close()
	_, sub = b.Subscribe(t.Context(), "acme:conversation:c1")
	defer sub.Close()
	ev := b.Publish("acme:conversation:c1", "conversation.created", nil)
	assert.Equal(t, ev, receive(t, sub))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Len(t, b.topics, 2)
}

// blockingJournal holds AppendEvent until released.
type blockingJournal struct {
	*store.MockStore
	release chan struct{}
}

func (j *blockingJournal) AppendEvent(ctx context.Context, rec store.EventRecord, keep int) error {
	<-j.release
	return j.MockStore.AppendEvent(ctx, rec, keep)
}

func TestBus_JournalWriteDoesNotHoldTopic(t *testing.T) {
	journal := &blockingJournal{MockStore: store.NewMockStore(), release: make(chan struct{})}
	b := New(Options{Journal: journal})
	defer b.Close()

	go b.Publish("acme:campaign:c1", "campaign.progress", nil)

	// The stalled journal write must not block readers of the topic.
	require.Eventually(t, func() bool {
		done := make(chan []Event, 1)
		go func() { done <- b.Backlog("acme:campaign:c1") }()
		select {
		case backlog := <-done:
			return len(backlog) == 1
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	close(journal.release)
	require.Eventually(t, func() bool {
		recs, err := journal.RecentEvents(context.Background(), "acme:campaign:c1", 10)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// flakyJournal fails reads while down.
type flakyJournal struct {
	*store.MockStore
	mu   sync.Mutex
	down bool
}

func (j *flakyJournal) setDown(down bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.down = down
}

func (j *flakyJournal) RecentEvents(ctx context.Context, topic string, limit int) ([]store.EventRecord, error) {
	j.mu.Lock()
	down := j.down
	j.mu.Unlock()
	if down {
		return nil, errors.New("database unavailable")
	}
	return j.MockStore.RecentEvents(ctx, topic, limit)
}

func TestBus_FailedHydrationKeepsSequenceMonotonic(t *testing.T) {
	journal := &flakyJournal{MockStore: store.NewMockStore()}
	topic := "acme:campaign:c1"

	first := New(Options{BacklogSize: 3, Journal: journal})
	for range 5 {
		first.Publish(topic, "campaign.progress", nil)
	}
	first.Close()

	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	second := New(Options{BacklogSize: 3, Journal: journal, Clock: fake})
	defer second.Close()

	journal.setDown(true)
	assert.Equal(t, uint64(1), second.Publish(topic, "campaign.progress", nil).Seq)
	assert.Equal(t, uint64(2), second.Publish(topic, "campaign.progress", nil).Seq)

	recs, err := journal.MockStore.RecentEvents(context.Background(), topic, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3, "nothing is journaled until the backlog is hydrated")
	assert.Equal(t, uint64(5), recs[2].Seq)

	journal.setDown(false)
	fake.Advance(hydrateRetry)
	next := second.Publish(topic, "campaign.progress", nil)
	assert.Equal(t, uint64(6), next.Seq, "sequence resumes past the journal")

	recs, err = journal.MockStore.RecentEvents(context.Background(), topic, 10)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, next.ID, recs[len(recs)-1].ID, "newest journaled event is the newest published")
}
