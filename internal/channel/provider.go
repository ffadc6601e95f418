// ABOUTME: Channel Provider and Survey Scheduler capability interfaces
// ABOUTME: Includes the transient/permanent error taxonomy and receipt types

package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/relaydesk/internal/store"
)

// Contact is the recipient of an outbound message.
type Contact struct {
	ContactID   string            `json:"contact_id"`
	Address     string            `json:"address"`
	ChannelType store.ChannelType `json:"channel_type"`
}

// Message is one outbound submission. Key is the idempotency key: a provider
// that has already accepted Key must not deliver the message twice.
type Message struct {
	Key        string  `json:"key"`
	CampaignID string  `json:"campaign_id"`
	Contact    Contact `json:"contact"`
	Content    string  `json:"content"`
}

// SendResult is a provider's acceptance of a message.
type SendResult struct {
	ProviderMessageID string `json:"provider_message_id"`
}

// Provider delivers outbound messages.
type Provider interface {
	SendMessage(ctx context.Context, msg Message) (SendResult, error)
}

// Reconciler is implemented by providers that can report whether a message
// with a given idempotency key was already accepted.
type Reconciler interface {
	LookupMessage(ctx context.Context, key string) (SendResult, bool, error)
}

// SurveyScheduler triggers the satisfaction survey for a resolved
// conversation after delaySeconds.
type SurveyScheduler interface {
	ScheduleSurvey(ctx context.Context, conversationID string, delaySeconds int) error
}

// Kind classifies provider errors.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified provider error.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s provider error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s provider error %s: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as retryable (rate limits, timeouts, 5xx).
func Transient(code string, err error) error {
	return &Error{Kind: KindTransient, Code: code, Err: err}
}

// Permanent wraps err as never retryable (invalid recipient, rejected content).
func Permanent(code string, err error) error {
	return &Error{Kind: KindPermanent, Code: code, Err: err}
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindPermanent
}

// IsTransient reports whether err should be retried. Unclassified errors
// and context.DeadlineExceeded count as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// ReceiptStatus is the lifecycle stage reported by a provider receipt.
type ReceiptStatus string

const (
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
	ReceiptReplied   ReceiptStatus = "replied"
	ReceiptFailed    ReceiptStatus = "failed"
)

// Receipt is an asynchronous delivery report keyed by provider message id.
type Receipt struct {
	ProviderMessageID string        `json:"provider_message_id"`
	Status            ReceiptStatus `json:"status"`
	At                time.Time     `json:"at,omitzero"`
}

// JobState maps a receipt status onto the dispatch job state it advances to.
// Failed receipts have no job state; a sent message stays sent.
func (s ReceiptStatus) JobState() (store.JobState, bool) {
	switch s {
	case ReceiptDelivered:
		return store.JobDelivered, true
	case ReceiptRead:
		return store.JobRead, true
	case ReceiptReplied:
		return store.JobReplied, true
	}
	return "", false
}

// Valid reports whether s is a known status.
func (s ReceiptStatus) Valid() bool {
	switch s {
	case ReceiptDelivered, ReceiptRead, ReceiptReplied, ReceiptFailed:
		return true
	}
	return false
}
