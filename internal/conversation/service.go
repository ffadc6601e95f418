// ABOUTME: Conversation ownership state machine over the conversation store
// ABOUTME: Every transition is one conditional write followed by a domain event

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/relaydesk/internal/channel"
	"github.com/2389/relaydesk/internal/clock"
	"github.com/2389/relaydesk/internal/events"
	"github.com/2389/relaydesk/internal/store"
	"github.com/2389/relaydesk/internal/telemetry"
)

// Event types published by the service.
const (
	EventCreated         = "conversation.created"
	EventMessageReceived = "conversation.message_received"
	EventAssigned        = "conversation.assigned"
	EventClosed          = "conversation.closed"
	EventReopened        = "conversation.reopened"
	EventReassigned      = "conversation.reassigned"
	EventReleased        = "conversation.released"
	EventRead            = "conversation.read"
)

// surveyTimeout bounds the detached survey scheduling call.
const surveyTimeout = 30 * time.Second

var tracer = telemetry.Tracer("github.com/2389/relaydesk/internal/conversation")

// Options configures a Service.
type Options struct {
	// SurveyDelaySeconds is passed to the survey scheduler on resolve.
	SurveyDelaySeconds int
	Clock              clock.Clock
	Logger             *slog.Logger
}

// Service runs the ownership state machine:
//
//	unassigned -> active (claim) -> closed (resolve) -> active (reopen)
//	active -> unassigned (release)
type Service struct {
	store       store.ConversationStore
	publisher   events.Publisher
	surveys     channel.SurveyScheduler
	surveyDelay int
	clock       clock.Clock
	logger      *slog.Logger

	wg sync.WaitGroup
}

// New creates a Service. surveys may be nil to skip satisfaction surveys.
func New(st store.ConversationStore, publisher events.Publisher, surveys channel.SurveyScheduler, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		publisher:   publisher,
		surveys:     surveys,
		surveyDelay: opts.SurveyDelaySeconds,
		clock:       clock.OrReal(opts.Clock),
		logger:      logger.With("component", "conversation"),
	}
}

// InboundMessage is a contact message arriving on a channel.
type InboundMessage struct {
	CompanyID   string
	ContactID   string
	ChannelType store.ChannelType
}

// RecordInbound routes an inbound message to the contact's open conversation,
// creating an unassigned one if none exists.
func (s *Service) RecordInbound(ctx context.Context, msg InboundMessage) (conv *store.Conversation, err error) {
	ctx, span := tracer.Start(ctx, "conversation.record_inbound",
		trace.WithAttributes(attribute.String("contact.id", msg.ContactID)))
	defer func() { telemetry.End(span, err) }()

	if msg.CompanyID == "" || msg.ContactID == "" {
		return nil, fmt.Errorf("%w: company_id and contact_id are required", store.ErrInvalidInput)
	}
	if !msg.ChannelType.Valid() {
		return nil, fmt.Errorf("%w: unknown channel type %q", store.ErrInvalidInput, msg.ChannelType)
	}

	conv, created, err := s.store.UpsertInbound(ctx, store.InboundParams{
		CompanyID:   msg.CompanyID,
		ContactID:   msg.ContactID,
		ChannelType: msg.ChannelType,
		At:          s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	eventType := EventMessageReceived
	if created {
		eventType = EventCreated
		s.logger.Info("conversation created",
			"conversation_id", conv.ID,
			"contact_id", conv.ContactID,
			"channel", conv.ChannelType)
	}
	s.emit(conv, eventType, "")
	return conv, nil
}

// Claim takes ownership of an unassigned conversation. Exactly one of any
// number of concurrent claims wins; the others get store.ErrConflict, as
// does a claim on a conversation that is already active.
func (s *Service) Claim(ctx context.Context, id, actorID string) (conv *store.Conversation, err error) {
	ctx, span := s.startSpan(ctx, "conversation.claim", id)
	defer func() { telemetry.End(span, err) }()

	if actorID == "" {
		return nil, fmt.Errorf("%w: actor_id is required", store.ErrInvalidInput)
	}
	conv, err = s.store.TransitionConversation(ctx, store.ConversationTransition{
		ID:             id,
		From:           store.ConversationUnassigned,
		To:             store.ConversationActive,
		Assign:         store.AssignSet,
		ActorID:        actorID,
		RequireUnowned: true,
		At:             s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("claiming conversation %s: %w", id, err)
	}

	s.logger.Info("conversation claimed", "conversation_id", id, "actor_id", actorID)
	s.emit(conv, EventAssigned, actorID)
	return conv, nil
}

// Resolve closes an active conversation and schedules the satisfaction
// survey without waiting for it.
func (s *Service) Resolve(ctx context.Context, id string) (*store.Conversation, error) {
	return s.resolve(ctx, id, "")
}

// ResolveOwned is Resolve restricted to the assigned agent. Anyone else
// gets store.ErrNotOwner.
func (s *Service) ResolveOwned(ctx context.Context, id, actorID string) (*store.Conversation, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor_id is required", store.ErrInvalidInput)
	}
	return s.resolve(ctx, id, actorID)
}

func (s *Service) resolve(ctx context.Context, id, owner string) (conv *store.Conversation, err error) {
	ctx, span := s.startSpan(ctx, "conversation.resolve", id)
	defer func() { telemetry.End(span, err) }()

	conv, err = s.store.TransitionConversation(ctx, store.ConversationTransition{
		ID:           id,
		From:         store.ConversationActive,
		To:           store.ConversationClosed,
		Assign:       store.AssignClear,
		RequireOwner: owner,
		ResetUnread:  true,
		At:           s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("resolving conversation %s: %w", id, err)
	}

	s.logger.Info("conversation resolved", "conversation_id", id)
	s.emit(conv, EventClosed, "")
	s.scheduleSurvey(ctx, id)
	return conv, nil
}

// scheduleSurvey hands the survey to the scheduler on its own goroutine.
// Failures are logged; they never affect the resolve.
func (s *Service) scheduleSurvey(ctx context.Context, id string) {
	if s.surveys == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, surveyTimeout)
		defer cancel()

		if err := s.surveys.ScheduleSurvey(ctx, id, s.surveyDelay); err != nil {
			s.logger.Warn("failed to schedule survey", "conversation_id", id, "error", err)
		}
	}()
}

// Reopen reactivates a closed conversation with its last owner.
func (s *Service) Reopen(ctx context.Context, id string) (conv *store.Conversation, err error) {
	ctx, span := s.startSpan(ctx, "conversation.reopen", id)
	defer func() { telemetry.End(span, err) }()

	conv, err = s.store.TransitionConversation(ctx, store.ConversationTransition{
		ID:          id,
		From:        store.ConversationClosed,
		To:          store.ConversationActive,
		Assign:      store.AssignRestoreLast,
		ResetUnread: true,
		At:          s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("reopening conversation %s: %w", id, err)
	}

	s.logger.Info("conversation reopened", "conversation_id", id)
	s.emit(conv, EventReopened, "")
	return conv, nil
}

// Reassign overwrites the owner of an active conversation. The caller is
// expected to hold supervisor authority; there is no compare on the owner.
func (s *Service) Reassign(ctx context.Context, id, newActorID string) (conv *store.Conversation, err error) {
	ctx, span := s.startSpan(ctx, "conversation.reassign", id)
	defer func() { telemetry.End(span, err) }()

	if newActorID == "" {
		return nil, fmt.Errorf("%w: actor_id is required", store.ErrInvalidInput)
	}
	conv, err = s.store.TransitionConversation(ctx, store.ConversationTransition{
		ID:      id,
		From:    store.ConversationActive,
		To:      store.ConversationActive,
		Assign:  store.AssignSet,
		ActorID: newActorID,
		At:      s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("reassigning conversation %s: %w", id, err)
	}

	s.logger.Info("conversation reassigned", "conversation_id", id, "actor_id", newActorID)
	s.emit(conv, EventReassigned, newActorID)
	return conv, nil
}

// Release returns an active conversation to the unassigned queue.
func (s *Service) Release(ctx context.Context, id string) (*store.Conversation, error) {
	return s.release(ctx, id, "")
}

// ReleaseOwned is Release restricted to the assigned agent.
func (s *Service) ReleaseOwned(ctx context.Context, id, actorID string) (*store.Conversation, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor_id is required", store.ErrInvalidInput)
	}
	return s.release(ctx, id, actorID)
}

func (s *Service) release(ctx context.Context, id, owner string) (conv *store.Conversation, err error) {
	ctx, span := s.startSpan(ctx, "conversation.release", id)
	defer func() { telemetry.End(span, err) }()

	conv, err = s.store.TransitionConversation(ctx, store.ConversationTransition{
		ID:           id,
		From:         store.ConversationActive,
		To:           store.ConversationUnassigned,
		Assign:       store.AssignClear,
		RequireOwner: owner,
		At:           s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("releasing conversation %s: %w", id, err)
	}

	s.logger.Info("conversation released", "conversation_id", id)
	s.emit(conv, EventReleased, "")
	return conv, nil
}

// MarkRead zeroes the unread counter.
func (s *Service) MarkRead(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.ResetUnread(ctx, id, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("marking conversation %s read: %w", id, err)
	}
	s.emit(conv, EventRead, "")
	return conv, nil
}

// Get returns one conversation.
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// List returns conversations matching f.
func (s *Service) List(ctx context.Context, f store.ConversationFilter) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, f)
}

// Close waits for outstanding survey hand-offs.
func (s *Service) Close() {
	s.wg.Wait()
}

func (s *Service) startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("conversation.id", id)))
}

// emit publishes to the conversation's own topic and its company's
// collection topic.
func (s *Service) emit(conv *store.Conversation, eventType, actorID string) {
	payload := Event{View: ToView(conv), ActorID: actorID}
	s.publisher.Publish(events.Topic(conv.CompanyID, events.EntityConversation, conv.ID), eventType, payload)
	s.publisher.Publish(events.Topic(conv.CompanyID, events.EntityConversation, ""), eventType, payload)
}
