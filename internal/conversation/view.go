// ABOUTME: JSON views of conversations for events and HTTP responses
// ABOUTME: Keeps storage types out of the wire format

package conversation

import (
	"time"

	"github.com/2389/relaydesk/internal/store"
)

// View is the wire representation of a conversation.
type View struct {
	ID             string    `json:"id"`
	CompanyID      string    `json:"company_id"`
	ContactID      string    `json:"contact_id"`
	ChannelType    string    `json:"channel_type"`
	Status         string    `json:"status"`
	AssignedTo     *string   `json:"assigned_to"`
	UnreadCount    int       `json:"unread_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        int64     `json:"version"`
}

// Event is the payload of every conversation.* event.
type Event struct {
	View
	ActorID string `json:"actor_id,omitempty"`
}

// ToView converts a stored conversation.
func ToView(c *store.Conversation) View {
	return View{
		ID:             c.ID,
		CompanyID:      c.CompanyID,
		ContactID:      c.ContactID,
		ChannelType:    string(c.ChannelType),
		Status:         string(c.Status),
		AssignedTo:     c.AssignedTo,
		UnreadCount:    c.UnreadCount,
		LastActivityAt: c.LastActivityAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		Version:        c.Version,
	}
}
