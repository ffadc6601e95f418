// ABOUTME: In-memory Store implementation for testing
// ABOUTME: Mirrors SQLStore's conditional-write semantics without a database

package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type jobKey struct {
	campaignID string
	contactID  string
}

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	campaigns     map[string]*Campaign
	audiences     map[string][]CampaignContact
	jobs          map[jobKey]*DispatchJob
	jobsByMessage map[string]jobKey
	events        map[string][]EventRecord
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		campaigns:     make(map[string]*Campaign),
		audiences:     make(map[string][]CampaignContact),
		jobs:          make(map[jobKey]*DispatchJob),
		jobsByMessage: make(map[string]jobKey),
		events:        make(map[string][]EventRecord),
	}
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

func copyConversation(c *Conversation) *Conversation {
	out := *c
	if c.AssignedTo != nil {
		v := *c.AssignedTo
		out.AssignedTo = &v
	}
	if c.LastAssignedTo != nil {
		v := *c.LastAssignedTo
		out.LastAssignedTo = &v
	}
	return &out
}

func copyCampaign(c *Campaign) *Campaign {
	out := *c
	if c.StartedAt != nil {
		v := *c.StartedAt
		out.StartedAt = &v
	}
	if c.FinishedAt != nil {
		v := *c.FinishedAt
		out.FinishedAt = &v
	}
	return &out
}

func copyJob(j *DispatchJob) *DispatchJob {
	out := *j
	return &out
}

// UpsertInbound routes an inbound message to the open conversation or creates one.
func (m *MockStore) UpsertInbound(ctx context.Context, p InboundParams) (*Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := p.At.UTC()
	for _, c := range m.conversations {
		if c.CompanyID == p.CompanyID && c.ContactID == p.ContactID &&
			c.ChannelType == p.ChannelType && c.Status != ConversationClosed {
			c.UnreadCount++
			c.LastActivityAt = at
			c.UpdatedAt = at
			c.Version++
			return copyConversation(c), false, nil
		}
	}

	c := &Conversation{
		ID:             uuid.New().String(),
		CompanyID:      p.CompanyID,
		ContactID:      p.ContactID,
		ChannelType:    p.ChannelType,
		Status:         ConversationUnassigned,
		UnreadCount:    1,
		LastActivityAt: at,
		CreatedAt:      at,
		UpdatedAt:      at,
		Version:        1,
	}
	m.conversations[c.ID] = c
	return copyConversation(c), true, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// ListConversations returns conversations ordered by most recent activity.
func (m *MockStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if f.CompanyID != "" && c.CompanyID != f.CompanyID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.AssignedTo != "" && (c.AssignedTo == nil || *c.AssignedTo != f.AssignedTo) {
			continue
		}
		out = append(out, copyConversation(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// TransitionConversation applies t if its condition holds.
func (m *MockStore) TransitionConversation(ctx context.Context, t ConversationTransition) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[t.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != t.From || (t.RequireUnowned && c.AssignedTo != nil) ||
		(t.RequireOwner != "" && !ownedBy(c, t.RequireOwner)) {
		return nil, classifyTransitionMiss(copyConversation(c), t)
	}
	if t.To != ConversationClosed {
		for _, other := range m.conversations {
			if other.ID != c.ID && other.Status != ConversationClosed && other.CompanyID == c.CompanyID &&
				other.ContactID == c.ContactID && other.ChannelType == c.ChannelType {
				return nil, fmt.Errorf("%w: another open conversation exists for this contact", ErrConflict)
			}
		}
	}

	switch t.Assign {
	case AssignSet:
		actor := t.ActorID
		last := t.ActorID
		c.AssignedTo = &actor
		c.LastAssignedTo = &last
	case AssignClear:
		if c.AssignedTo != nil {
			c.LastAssignedTo = c.AssignedTo
		}
		c.AssignedTo = nil
	case AssignRestoreLast:
		if c.LastAssignedTo != nil {
			v := *c.LastAssignedTo
			c.AssignedTo = &v
		} else {
			c.AssignedTo = nil
		}
	}
	if t.ResetUnread {
		c.UnreadCount = 0
	}
	c.Status = t.To
	c.UpdatedAt = t.At.UTC()
	c.Version++
	return copyConversation(c), nil
}

// ResetUnread zeroes the unread counter.
func (m *MockStore) ResetUnread(ctx context.Context, id string, at time.Time) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.UnreadCount = 0
	c.UpdatedAt = at.UTC()
	c.Version++
	return copyConversation(c), nil
}

// CreateCampaign stores a draft campaign together with its audience.
func (m *MockStore) CreateCampaign(ctx context.Context, c *Campaign, audience []CampaignContact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.campaigns[c.ID]; exists {
		return fmt.Errorf("%w: campaign %s exists", ErrConflict, c.ID)
	}
	seen := make(map[string]bool, len(audience))
	members := make([]CampaignContact, 0, len(audience))
	for _, member := range audience {
		if seen[member.ContactID] {
			return fmt.Errorf("%w: contact %s listed twice", ErrConflict, member.ContactID)
		}
		seen[member.ContactID] = true
		member.CampaignID = c.ID
		members = append(members, member)
	}

	stored := copyCampaign(c)
	stored.Status = CampaignDraft
	stored.TotalContacts = 0
	m.campaigns[c.ID] = stored
	m.audiences[c.ID] = members
	return nil
}

// GetCampaign retrieves a campaign by ID.
func (m *MockStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCampaign(c), nil
}

// ListCampaigns returns campaigns newest first.
func (m *MockStore) ListCampaigns(ctx context.Context, f CampaignFilter) ([]*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Campaign
	for _, c := range m.campaigns {
		if f.CompanyID != "" && c.CompanyID != f.CompanyID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, c.Status) {
			continue
		}
		out = append(out, copyCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// LaunchCampaign moves a draft campaign to running and materializes its jobs.
func (m *MockStore) LaunchCampaign(ctx context.Context, id string, at time.Time) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != CampaignDraft {
		return nil, fmt.Errorf("%w: campaign is %s, cannot move to %s", ErrInvalidTransition, c.Status, CampaignRunning)
	}

	at = at.UTC()
	for i, member := range m.audiences[id] {
		m.jobs[jobKey{id, member.ContactID}] = &DispatchJob{
			CampaignID:    id,
			ContactID:     member.ContactID,
			Address:       member.Address,
			ChannelType:   member.ChannelType,
			Position:      i,
			State:         JobQueued,
			DispatchKey:   id + ":" + member.ContactID,
			NextAttemptAt: at,
			UpdatedAt:     at,
		}
	}

	c.Status = CampaignRunning
	c.TotalContacts = len(m.audiences[id])
	c.StartedAt = &at
	c.UpdatedAt = at
	if c.TotalContacts == 0 {
		c.Status = CampaignCompleted
		c.FinishedAt = &at
	}
	return copyCampaign(c), nil
}

// TransitionCampaign moves a campaign to `to` if its status is one of from.
func (m *MockStore) TransitionCampaign(ctx context.Context, id string, from []CampaignStatus, to CampaignStatus, at time.Time) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, c.Status) {
		return nil, fmt.Errorf("%w: campaign is %s, cannot move to %s", ErrInvalidTransition, c.Status, to)
	}
	at = at.UTC()
	c.Status = to
	c.UpdatedAt = at
	if to.Terminal() {
		c.FinishedAt = &at
	}
	return copyCampaign(c), nil
}

// CompleteCampaignIfDone completes a running campaign once every job is settled.
func (m *MockStore) CompleteCampaignIfDone(ctx context.Context, id string, at time.Time) (*Campaign, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if c.Status != CampaignRunning || c.SentCount+c.FailedCount != c.TotalContacts {
		return copyCampaign(c), false, nil
	}
	at = at.UTC()
	c.Status = CampaignCompleted
	c.FinishedAt = &at
	c.UpdatedAt = at
	return copyCampaign(c), true, nil
}

// SetSendingRate changes the rate of a non-terminal campaign.
func (m *MockStore) SetSendingRate(ctx context.Context, id string, rate int, at time.Time) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, c.Status)
	}
	c.SendingRate = rate
	c.UpdatedAt = at.UTC()
	return copyCampaign(c), nil
}

// NextDispatchJob returns the queued idle job that is due first.
func (m *MockStore) NextDispatchJob(ctx context.Context, campaignID string) (*DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *DispatchJob
	for _, j := range m.jobs {
		if j.CampaignID != campaignID || j.State != JobQueued || j.InFlight {
			continue
		}
		if next == nil || j.NextAttemptAt.Before(next.NextAttemptAt) ||
			(j.NextAttemptAt.Equal(next.NextAttemptAt) && j.Position < next.Position) {
			next = j
		}
	}
	if next == nil {
		return nil, ErrNotFound
	}
	return copyJob(next), nil
}

// BeginDispatch marks a job in flight while its campaign is running.
func (m *MockStore) BeginDispatch(ctx context.Context, campaignID, contactID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobKey{campaignID, contactID}]
	c := m.campaigns[campaignID]
	if !ok || c == nil || c.Status != CampaignRunning || j.State != JobQueued || j.InFlight {
		return ErrConflict
	}
	j.InFlight = true
	j.UpdatedAt = at.UTC()
	return nil
}

// FinishDispatch records a submission outcome and bumps the matching counter.
func (m *MockStore) FinishDispatch(ctx context.Context, o DispatchOutcome) (*Campaign, *DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobKey{o.CampaignID, o.ContactID}]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if j.State != JobQueued {
		return nil, nil, ErrConflict
	}
	c := m.campaigns[o.CampaignID]

	at := o.At.UTC()
	switch o.Result {
	case ResultSent:
		if o.ProviderMessageID != "" {
			if _, taken := m.jobsByMessage[o.ProviderMessageID]; taken {
				return nil, nil, fmt.Errorf("%w: provider message id %s already recorded", ErrConflict, o.ProviderMessageID)
			}
			m.jobsByMessage[o.ProviderMessageID] = jobKey{o.CampaignID, o.ContactID}
		}
		j.State = JobSent
		j.ProviderMessageID = o.ProviderMessageID
		j.LastError = ""
		c.SentCount++
	case ResultRetry:
		j.LastError = o.Error
		j.NextAttemptAt = o.NextAttemptAt.UTC()
	case ResultFailed:
		j.State = JobFailed
		j.LastError = o.Error
		c.FailedCount++
	default:
		return nil, nil, fmt.Errorf("unknown dispatch result %q", o.Result)
	}
	j.InFlight = false
	j.Attempts++
	j.UpdatedAt = at
	c.UpdatedAt = at
	return copyCampaign(c), copyJob(j), nil
}

// ApplyReceipt advances a sent job toward target, counting skipped stages.
func (m *MockStore) ApplyReceipt(ctx context.Context, u ReceiptUpdate) (*Campaign, *DispatchJob, bool, error) {
	target := u.Target
	if _, ok := stageCounters[target]; !ok {
		return nil, nil, false, fmt.Errorf("receipt target %q is not a delivery stage", target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.jobsByMessage[u.ProviderMessageID]
	if !ok {
		return nil, nil, false, ErrNotFound
	}
	j := m.jobs[key]
	c := m.campaigns[key.campaignID]
	if u.CompanyID != "" && c.CompanyID != u.CompanyID {
		return nil, nil, false, ErrNotFound
	}

	from := j.State.Rank()
	if from < JobSent.Rank() || target.Rank() <= from {
		return copyCampaign(c), copyJob(j), false, nil
	}

	for _, stage := range []JobState{JobDelivered, JobRead, JobReplied} {
		if stage.Rank() <= from || stage.Rank() > target.Rank() {
			continue
		}
		switch stage {
		case JobDelivered:
			c.DeliveredCount++
		case JobRead:
			c.ReadCount++
		case JobReplied:
			c.ReplyCount++
		}
	}
	at := u.At.UTC()
	j.State = target
	j.UpdatedAt = at
	c.UpdatedAt = at
	return copyCampaign(c), copyJob(j), true, nil
}

// ListInFlightJobs returns queued jobs still marked in flight.
func (m *MockStore) ListInFlightJobs(ctx context.Context, campaignID string) ([]*DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collectJobs(func(j *DispatchJob) bool {
		return j.CampaignID == campaignID && j.State == JobQueued && j.InFlight
	}, 0), nil
}

// RequeueInFlight clears the in-flight mark of a still-queued job.
func (m *MockStore) RequeueInFlight(ctx context.Context, campaignID, contactID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[jobKey{campaignID, contactID}]; ok && j.State == JobQueued && j.InFlight {
		j.InFlight = false
		j.UpdatedAt = at.UTC()
	}
	return nil
}

// ListDispatchJobs returns a campaign's jobs in audience order.
func (m *MockStore) ListDispatchJobs(ctx context.Context, f JobFilter) ([]*DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collectJobs(func(j *DispatchJob) bool {
		return j.CampaignID == f.CampaignID && (f.State == "" || j.State == f.State)
	}, f.Limit), nil
}

// GetDispatchJob retrieves one job.
func (m *MockStore) GetDispatchJob(ctx context.Context, campaignID, contactID string) (*DispatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobKey{campaignID, contactID}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MockStore) collectJobs(match func(*DispatchJob) bool, limit int) []*DispatchJob {
	var out []*DispatchJob
	for _, j := range m.jobs {
		if match(j) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Position < out[k].Position })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AppendEvent stores an event and trims its topic to keep events.
func (m *MockStore) AppendEvent(ctx context.Context, rec EventRecord, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Payload = slices.Clone(rec.Payload)
	list := m.events[rec.Topic]
	i, _ := slices.BinarySearchFunc(list, rec.Seq, func(e EventRecord, seq uint64) int {
		return cmp.Compare(e.Seq, seq)
	})
	list = slices.Insert(list, i, rec)
	if keep > 0 && len(list) > keep {
		list = slices.Clone(list[len(list)-keep:])
	}
	m.events[rec.Topic] = list
	return nil
}

// RecentEvents returns up to limit of the newest events in chronological order.
func (m *MockStore) RecentEvents(ctx context.Context, topic string, limit int) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.events[topic]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return slices.Clone(list), nil
}
