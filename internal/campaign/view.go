// ABOUTME: JSON views of campaigns and dispatch jobs
// ABOUTME: Campaign views carry the funnel and ETA alongside raw counters

package campaign

import (
	"time"

	"github.com/2389/relaydesk/internal/store"
)

// View is the wire representation of a campaign.
type View struct {
	ID             string     `json:"id"`
	CompanyID      string     `json:"company_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	SendingRate    int        `json:"sending_rate"`
	TotalContacts  int        `json:"total_contacts"`
	SentCount      int        `json:"sent_count"`
	DeliveredCount int        `json:"delivered_count"`
	ReadCount      int        `json:"read_count"`
	ReplyCount     int        `json:"reply_count"`
	FailedCount    int        `json:"failed_count"`
	Funnel         Funnel     `json:"funnel"`
	ETAMinutes     int        `json:"eta_minutes"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// ToView converts a stored campaign.
func ToView(c *store.Campaign) View {
	return View{
		ID:             c.ID,
		CompanyID:      c.CompanyID,
		Name:           c.Name,
		Status:         string(c.Status),
		SendingRate:    c.SendingRate,
		TotalContacts:  c.TotalContacts,
		SentCount:      c.SentCount,
		DeliveredCount: c.DeliveredCount,
		ReadCount:      c.ReadCount,
		ReplyCount:     c.ReplyCount,
		FailedCount:    c.FailedCount,
		Funnel:         ComputeFunnel(c),
		ETAMinutes:     ETAMinutes(c.TotalContacts, c.SentCount, c.FailedCount, c.SendingRate),
		CreatedAt:      c.CreatedAt,
		StartedAt:      c.StartedAt,
		FinishedAt:     c.FinishedAt,
	}
}

// JobView is the wire representation of a dispatch job.
type JobView struct {
	ContactID         string    `json:"contact_id"`
	Address           string    `json:"address"`
	ChannelType       string    `json:"channel_type"`
	State             string    `json:"state"`
	Attempts          int       `json:"attempts"`
	LastError         string    `json:"last_error,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	InFlight          bool      `json:"in_flight"`
	NextAttemptAt     time.Time `json:"next_attempt_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ToJobView converts a stored dispatch job.
func ToJobView(j *store.DispatchJob) JobView {
	return JobView{
		ContactID:         j.ContactID,
		Address:           j.Address,
		ChannelType:       string(j.ChannelType),
		State:             string(j.State),
		Attempts:          j.Attempts,
		LastError:         j.LastError,
		ProviderMessageID: j.ProviderMessageID,
		InFlight:          j.InFlight,
		NextAttemptAt:     j.NextAttemptAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

// Event is the payload of every campaign.* event. Job is set when the event
// was caused by one dispatch job.
type Event struct {
	Campaign View     `json:"campaign"`
	Job      *JobView `json:"job,omitempty"`
}
