// ABOUTME: Tests for provider error classification and the loopback provider
// ABOUTME: Covers scripted failures, idempotent keys and reconciliation lookups

package channel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relaydesk/internal/store"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsPermanent(Permanent("invalid_recipient", base)))
	assert.False(t, IsTransient(Permanent("invalid_recipient", base)))

	assert.True(t, IsTransient(Transient("rate_limited", base)))
	assert.True(t, IsTransient(base), "unclassified errors are transient")
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", Permanent("x", base))))
	assert.False(t, IsTransient(nil))

	err := Permanent("invalid_recipient", base)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "invalid_recipient")
}

func TestReceiptStatus_JobState(t *testing.T) {
	st, ok := ReceiptRead.JobState()
	assert.True(t, ok)
	assert.Equal(t, store.JobRead, st)

	_, ok = ReceiptFailed.JobState()
	assert.False(t, ok)
	assert.False(t, ReceiptStatus("bounced").Valid())
}

func testMessage(contact string) Message {
	return Message{
		Key:        "camp-1:" + contact,
		CampaignID: "camp-1",
		Contact:    Contact{ContactID: contact, Address: "+15550001", ChannelType: store.ChannelWhatsApp},
		Content:    "hello",
	}
}

func TestLoopback_AcceptsIdempotently(t *testing.T) {
	lb := NewLoopback(LoopbackOptions{})
	ctx := t.Context()

	first, err := lb.SendMessage(ctx, testMessage("c1"))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ProviderMessageID)

	second, err := lb.SendMessage(ctx, testMessage("c1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, lb.CallsFor("camp-1:c1"))

	res, ok, err := lb.LookupMessage(ctx, "camp-1:c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first, res)

	_, ok, _ = lb.LookupMessage(ctx, "camp-1:unknown")
	assert.False(t, ok)
}

func TestLoopback_ScriptedFailures(t *testing.T) {
	lb := NewLoopback(LoopbackOptions{})
	ctx := t.Context()

	lb.Script("c1", Transient("rate_limited", errors.New("slow down")), nil)
	lb.Script("c2", Permanent("invalid_recipient", errors.New("no such number")))

	_, err := lb.SendMessage(ctx, testMessage("c1"))
	assert.True(t, IsTransient(err))
	_, err = lb.SendMessage(ctx, testMessage("c1"))
	assert.NoError(t, err)

	_, err = lb.SendMessage(ctx, testMessage("c2"))
	assert.True(t, IsPermanent(err))

	_, ok, _ := lb.LookupMessage(ctx, "camp-1:c2")
	assert.False(t, ok, "failed sends are not accepted")
}
