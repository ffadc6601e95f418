// ABOUTME: Survey Scheduler that announces due satisfaction surveys on the event bus
// ABOUTME: Delays run on the injected clock; pending surveys are dropped on Close

package survey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relaydesk/internal/channel"
	"github.com/2389/relaydesk/internal/clock"
	"github.com/2389/relaydesk/internal/events"
	"github.com/2389/relaydesk/internal/store"
)

// EventRequested is published when a survey becomes due.
const EventRequested = "conversation.survey_requested"

// ConversationGetter resolves the tenant of a conversation.
type ConversationGetter interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

type requestedPayload struct {
	ConversationID string `json:"conversation_id"`
	ContactID      string `json:"contact_id"`
	ChannelType    string `json:"channel_type"`
	DelaySeconds   int    `json:"delay_seconds"`
}

// BusScheduler implements channel.SurveyScheduler by publishing
// conversation.survey_requested once the delay has passed. The survey
// delivery itself belongs to whoever consumes that event.
type BusScheduler struct {
	mu      sync.Mutex
	pending map[clock.Timer]struct{}
	closed  bool

	conversations ConversationGetter
	publisher     events.Publisher
	clock         clock.Clock
	logger        *slog.Logger
}

// NewBusScheduler creates a BusScheduler.
func NewBusScheduler(conversations ConversationGetter, publisher events.Publisher, c clock.Clock, logger *slog.Logger) *BusScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusScheduler{
		pending:       make(map[clock.Timer]struct{}),
		conversations: conversations,
		publisher:     publisher,
		clock:         clock.OrReal(c),
		logger:        logger.With("component", "survey"),
	}
}

// ScheduleSurvey implements channel.SurveyScheduler. A zero delay publishes
// before returning.
func (s *BusScheduler) ScheduleSurvey(ctx context.Context, conversationID string, delaySeconds int) error {
	if delaySeconds < 0 {
		return fmt.Errorf("negative survey delay %d", delaySeconds)
	}
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation for survey: %w", err)
	}

	if delaySeconds == 0 {
		s.publish(conv, 0)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("survey scheduler closed")
	}

	var timer clock.Timer
	timer = s.clock.AfterFunc(time.Duration(delaySeconds)*time.Second, func() {
		s.mu.Lock()
		_, live := s.pending[timer]
		delete(s.pending, timer)
		s.mu.Unlock()
		if live {
			s.publish(conv, delaySeconds)
		}
	})
	s.pending[timer] = struct{}{}

	s.logger.Debug("survey scheduled", "conversation_id", conversationID, "delay_seconds", delaySeconds)
	return nil
}

func (s *BusScheduler) publish(conv *store.Conversation, delaySeconds int) {
	s.publisher.Publish(
		events.Topic(conv.CompanyID, events.EntityConversation, conv.ID),
		EventRequested,
		requestedPayload{
			ConversationID: conv.ID,
			ContactID:      conv.ContactID,
			ChannelType:    string(conv.ChannelType),
			DelaySeconds:   delaySeconds,
		},
	)
	s.logger.Info("survey requested", "conversation_id", conv.ID)
}

// Pending returns how many surveys are waiting for their delay.
func (s *BusScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every pending survey.
func (s *BusScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for t := range s.pending {
		t.Stop()
		delete(s.pending, t)
	}
}

var _ channel.SurveyScheduler = (*BusScheduler)(nil)
