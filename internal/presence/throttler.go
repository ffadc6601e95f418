// ABOUTME: Per-(conversation, actor) presence state with idempotent suppression
// ABOUTME: Non-paused states auto-demote to paused after a timeout via a re-armable timer

package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/relaydesk/internal/clock"
	"github.com/2389/relaydesk/internal/events"
)

// DefaultTimeout is how long a non-paused state stays live without a change.
const DefaultTimeout = 5 * time.Second

// EventChanged is the event type published on every broadcast state change.
const EventChanged = "presence.changed"

var (
	// ErrInvalidState is returned for a state other than composing,
	// recording or paused.
	ErrInvalidState = errors.New("invalid presence state")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("presence throttler closed")
)

// State is an actor's transient activity in a conversation.
type State string

const (
	Composing State = "composing"
	Recording State = "recording"
	Paused    State = "paused"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == Composing || s == Recording || s == Paused
}

// PresenceState is one live indicator.
type PresenceState struct {
	ConversationID string    `json:"conversation_id"`
	ActorID        string    `json:"actor_id"`
	State          State     `json:"state"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// changedPayload is the presence.changed event body.
type changedPayload struct {
	ConversationID string     `json:"conversation_id"`
	ActorID        string     `json:"actor_id"`
	State          State      `json:"state"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type pairKey struct {
	conversationID string
	actorID        string
}

type entry struct {
	companyID string
	state     State
	gen       uint64
	expiresAt time.Time
	timer     clock.Timer
}

// Throttler tracks live presence and publishes changes to the event bus.
type Throttler struct {
	mu      sync.Mutex
	entries map[pairKey]*entry
	gen     uint64
	closed  bool

	publisher events.Publisher
	clock     clock.Clock
	timeout   time.Duration
	logger    *slog.Logger
}

// NewThrottler creates a Throttler. A non-positive timeout selects
// DefaultTimeout; nil clock and logger select the real clock and
// slog.Default.
func NewThrottler(publisher events.Publisher, c clock.Clock, timeout time.Duration, logger *slog.Logger) *Throttler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Throttler{
		entries:   make(map[pairKey]*entry),
		publisher: publisher,
		clock:     clock.OrReal(c),
		timeout:   timeout,
		logger:    logger.With("component", "presence"),
	}
}

// SetPresence records state for the actor in the conversation. It reports
// whether an event was published; an unchanged state publishes nothing and
// leaves any pending demotion timer alone.
func (t *Throttler) SetPresence(companyID, conversationID, actorID string, state State) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	if companyID == "" || conversationID == "" || actorID == "" {
		return false, errors.New("company, conversation and actor are required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}

	k := pairKey{conversationID, actorID}
	current, ok := t.entries[k]
	last := Paused
	if ok {
		last = current.state
	}
	if state == last {
		return false, nil
	}

	if ok && current.timer != nil {
		current.timer.Stop()
	}

	if state == Paused {
		delete(t.entries, k)
		t.publishLocked(companyID, k, Paused, nil)
		return true, nil
	}

	t.gen++
	gen := t.gen
	e := &entry{
		companyID: companyID,
		state:     state,
		gen:       gen,
		expiresAt: t.clock.Now().Add(t.timeout).UTC(),
	}
	e.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(k, gen) })
	t.entries[k] = e

	t.publishLocked(companyID, k, state, &e.expiresAt)
	return true, nil
}

// expire demotes a pair to paused unless a newer call superseded the timer.
func (t *Throttler) expire(k pairKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[k]
	if t.closed || !ok || e.gen != gen {
		return
	}
	delete(t.entries, k)

	t.logger.Debug("presence expired", "conversation_id", k.conversationID, "actor_id", k.actorID, "state", e.state)
	t.publishLocked(e.companyID, k, Paused, nil)
}

// publishLocked runs under t.mu so events for one pair leave in the order
// their state changes happened.
func (t *Throttler) publishLocked(companyID string, k pairKey, state State, expiresAt *time.Time) {
	t.publisher.Publish(
		events.Topic(companyID, events.EntityConversation, k.conversationID),
		EventChanged,
		changedPayload{
			ConversationID: k.conversationID,
			ActorID:        k.actorID,
			State:          state,
			ExpiresAt:      expiresAt,
		},
	)
}

// Snapshot lists the live non-paused states in a conversation, ordered by actor.
func (t *Throttler) Snapshot(conversationID string) []PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []PresenceState
	for k, e := range t.entries {
		if k.conversationID != conversationID {
			continue
		}
		out = append(out, PresenceState{
			ConversationID: k.conversationID,
			ActorID:        k.actorID,
			State:          e.state,
			ExpiresAt:      e.expiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// Close stops every pending timer. Live states are dropped without
// publishing.
func (t *Throttler) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for k, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, k)
	}
}
