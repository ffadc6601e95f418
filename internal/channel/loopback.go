// ABOUTME: In-process Channel Provider for development and tests
// ABOUTME: Accepts messages idempotently by key, supports scripted failures and reconciliation

package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relaydesk/internal/clock"
)

// Loopback accepts every message it is given and remembers the idempotency
// keys it accepted. Failures can be scripted per contact.
type Loopback struct {
	mu       sync.Mutex
	accepted map[string]SendResult
	scripts  map[string][]error
	calls    []Message
	onSend   func(Message)

	latency time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// LoopbackOptions configures a Loopback. Latency simulates provider
// round-trip time on the given clock.
type LoopbackOptions struct {
	Latency time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// NewLoopback creates a Loopback provider.
func NewLoopback(opts LoopbackOptions) *Loopback {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		accepted: make(map[string]SendResult),
		scripts:  make(map[string][]error),
		latency:  opts.Latency,
		clock:    clock.OrReal(opts.Clock),
		logger:   logger.With("component", "loopback-provider"),
	}
}

// Script queues errors returned by successive sends to contactID. A nil
// entry lets that attempt succeed.
func (l *Loopback) Script(contactID string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripts[contactID] = append(l.scripts[contactID], errs...)
}

// OnSend registers a hook run at the start of every SendMessage call.
func (l *Loopback) OnSend(fn func(Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSend = fn
}

// MarkAccepted records key as accepted without a send, as if the provider
// took the message but the caller crashed before recording the result.
func (l *Loopback) MarkAccepted(key string) SendResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := SendResult{ProviderMessageID: "lb-" + uuid.New().String()}
	l.accepted[key] = res
	return res
}

// SendMessage implements Provider.
func (l *Loopback) SendMessage(ctx context.Context, msg Message) (SendResult, error) {
	l.mu.Lock()
	l.calls = append(l.calls, msg)
	hook := l.onSend
	var scripted error
	if queue := l.scripts[msg.Contact.ContactID]; len(queue) > 0 {
		scripted = queue[0]
		l.scripts[msg.Contact.ContactID] = queue[1:]
	}
	l.mu.Unlock()

	if hook != nil {
		hook(msg)
	}

	if l.latency > 0 {
		if err := clock.Sleep(ctx, l.clock, l.latency); err != nil {
			return SendResult{}, Transient("timeout", err)
		}
	}

	if scripted != nil {
		l.logger.Debug("scripted send failure", "key", msg.Key, "error", scripted)
		return SendResult{}, scripted
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if res, ok := l.accepted[msg.Key]; ok {
		return res, nil
	}
	res := SendResult{ProviderMessageID: "lb-" + uuid.New().String()}
	l.accepted[msg.Key] = res

	l.logger.Info("message accepted",
		"key", msg.Key,
		"address", msg.Contact.Address,
		"channel", msg.Contact.ChannelType,
		"provider_message_id", res.ProviderMessageID)
	return res, nil
}

// LookupMessage implements Reconciler.
func (l *Loopback) LookupMessage(ctx context.Context, key string) (SendResult, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.accepted[key]
	return res, ok, nil
}

// Calls returns every SendMessage call in order.
func (l *Loopback) Calls() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.calls))
	copy(out, l.calls)
	return out
}

// CallsFor counts SendMessage calls for one idempotency key.
func (l *Loopback) CallsFor(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.calls {
		if m.Key == key {
			n++
		}
	}
	return n
}

var (
	_ Provider   = (*Loopback)(nil)
	_ Reconciler = (*Loopback)(nil)
)
