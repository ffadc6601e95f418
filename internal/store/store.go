// ABOUTME: Entity types and sentinel errors for relaydesk persistence
// ABOUTME: Conversations, campaigns, dispatch jobs, and the recent-event journal

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write lost a race against a
	// concurrent writer. Callers re-fetch; they do not retry blindly.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition is returned when a state machine transition is
	// attempted from a state that does not allow it. Nothing is written.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotOwner is returned when an owner-scoped transition targets a
	// conversation assigned to someone else.
	ErrNotOwner = errors.New("not the assigned agent")
)

// ChannelType is the messaging channel a conversation or contact lives on.
type ChannelType string

const (
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelInstagram ChannelType = "instagram"
	ChannelMessenger ChannelType = "messenger"
	ChannelTelegram  ChannelType = "telegram"
	ChannelWidget    ChannelType = "widget"
	ChannelEmail     ChannelType = "email"
)

// Valid reports whether c is a known channel.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelInstagram, ChannelMessenger, ChannelTelegram, ChannelWidget, ChannelEmail:
		return true
	}
	return false
}

// ConversationStatus is the ownership lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationUnassigned ConversationStatus = "unassigned"
	ConversationActive     ConversationStatus = "active"
	ConversationClosed     ConversationStatus = "closed"
)

// Conversation is a thread with one contact on one channel, owned by at most
// one actor at a time.
type Conversation struct {
	ID             string
	CompanyID      string
	ContactID      string
	ChannelType    ChannelType
	Status         ConversationStatus
	AssignedTo     *string
	LastAssignedTo *string // survives close so reopen can restore the owner
	UnreadCount    int
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// AssignMode says what a transition does to the owner columns.
type AssignMode int

const (
	AssignKeep AssignMode = iota
	AssignSet
	AssignClear
	AssignRestoreLast
)

// ConversationTransition is a single conditional update of a conversation.
// It applies only if the stored status equals From at commit time. With
// RequireUnowned the stored owner must also be null; with RequireOwner it
// must equal that actor.
type ConversationTransition struct {
	ID             string
	From           ConversationStatus
	To             ConversationStatus
	Assign         AssignMode
	ActorID        string
	RequireUnowned bool
	RequireOwner   string
	ResetUnread    bool
	At             time.Time
}

// InboundParams identifies an inbound message for conversation routing.
type InboundParams struct {
	CompanyID   string
	ContactID   string
	ChannelType ChannelType
	At          time.Time
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	CompanyID  string
	Status     ConversationStatus
	AssignedTo string
	Limit      int
}

// CampaignStatus is the dispatch lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// Campaign is a bulk outbound send with funnel counters.
type Campaign struct {
	ID             string
	CompanyID      string
	Name           string
	Content        string
	Status         CampaignStatus
	SendingRate    int // messages per minute
	TotalContacts  int
	SentCount      int
	DeliveredCount int
	ReadCount      int
	ReplyCount     int
	FailedCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// CampaignContact is one member of a campaign's materialized audience.
type CampaignContact struct {
	CampaignID  string
	ContactID   string
	Address     string
	ChannelType ChannelType
}

// CampaignFilter narrows ListCampaigns.
type CampaignFilter struct {
	CompanyID string
	Statuses  []CampaignStatus
	Limit     int
}

// JobState is the delivery state of one campaign x contact dispatch.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobSent      JobState = "sent"
	JobDelivered JobState = "delivered"
	JobRead      JobState = "read"
	JobReplied   JobState = "replied"
	JobFailed    JobState = "failed"
)

// Rank orders the sent..replied chain. Queued is 0, failed is -1.
func (s JobState) Rank() int {
	switch s {
	case JobQueued:
		return 0
	case JobSent:
		return 1
	case JobDelivered:
		return 2
	case JobRead:
		return 3
	case JobReplied:
		return 4
	}
	return -1
}

// DispatchJob is owned by the dispatch engine; nothing else writes it.
type DispatchJob struct {
	CampaignID        string
	ContactID         string
	Address           string
	ChannelType       ChannelType
	Position          int
	State             JobState
	Attempts          int
	LastError         string
	DispatchKey       string // idempotency key handed to the provider
	ProviderMessageID string
	InFlight          bool
	NextAttemptAt     time.Time
	UpdatedAt         time.Time
}

// DispatchResult is the outcome of one provider submission.
type DispatchResult string

const (
	ResultSent   DispatchResult = "sent"
	ResultRetry  DispatchResult = "retry"
	ResultFailed DispatchResult = "failed"
)

// DispatchOutcome records a submission result. The job update and the
// campaign counter increment commit together.
type DispatchOutcome struct {
	CampaignID        string
	ContactID         string
	Result            DispatchResult
	ProviderMessageID string
	Error             string
	NextAttemptAt     time.Time
	At                time.Time
}

// ReceiptUpdate advances the job carrying ProviderMessageID to Target.
// A non-empty CompanyID restricts the update to that company's campaigns;
// a job of another company is reported as ErrNotFound.
type ReceiptUpdate struct {
	CompanyID         string
	ProviderMessageID string
	Target            JobState
	At                time.Time
}

// JobFilter narrows ListDispatchJobs.
type JobFilter struct {
	CampaignID string
	State      JobState
	Limit      int
}

// EventRecord is a persisted domain event in the bounded recent-event log.
type EventRecord struct {
	ID         string
	Topic      string
	Seq        uint64
	Type       string
	Payload    []byte
	OccurredAt time.Time
}

// ConversationStore persists conversations. Every mutation is a single
// conditional write.
type ConversationStore interface {
	UpsertInbound(ctx context.Context, p InboundParams) (*Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error)
	TransitionConversation(ctx context.Context, t ConversationTransition) (*Conversation, error)
	ResetUnread(ctx context.Context, id string, at time.Time) (*Conversation, error)
}

// CampaignStore persists campaigns, their audiences and dispatch jobs.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, c *Campaign, audience []CampaignContact) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	ListCampaigns(ctx context.Context, f CampaignFilter) ([]*Campaign, error)
	LaunchCampaign(ctx context.Context, id string, at time.Time) (*Campaign, error)
	TransitionCampaign(ctx context.Context, id string, from []CampaignStatus, to CampaignStatus, at time.Time) (*Campaign, error)
	CompleteCampaignIfDone(ctx context.Context, id string, at time.Time) (*Campaign, bool, error)
	SetSendingRate(ctx context.Context, id string, rate int, at time.Time) (*Campaign, error)

	NextDispatchJob(ctx context.Context, campaignID string) (*DispatchJob, error)
	BeginDispatch(ctx context.Context, campaignID, contactID string, at time.Time) error
	FinishDispatch(ctx context.Context, o DispatchOutcome) (*Campaign, *DispatchJob, error)
	ApplyReceipt(ctx context.Context, u ReceiptUpdate) (*Campaign, *DispatchJob, bool, error)
	ListInFlightJobs(ctx context.Context, campaignID string) ([]*DispatchJob, error)
	RequeueInFlight(ctx context.Context, campaignID, contactID string, at time.Time) error
	ListDispatchJobs(ctx context.Context, f JobFilter) ([]*DispatchJob, error)
	GetDispatchJob(ctx context.Context, campaignID, contactID string) (*DispatchJob, error)
}

// EventJournal is the bounded per-topic recent-event log.
type EventJournal interface {
	AppendEvent(ctx context.Context, rec EventRecord, keep int) error
	RecentEvents(ctx context.Context, topic string, limit int) ([]EventRecord, error)
}

// Store is everything relaydesk persists.
type Store interface {
	ConversationStore
	CampaignStore
	EventJournal
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MockStore)(nil)
)
