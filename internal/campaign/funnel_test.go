// ABOUTME: Tests for funnel rates, ETA arithmetic and the funnel invariant check
// ABOUTME: Pure functions, table driven

package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/relaydesk/internal/store"
)

func TestETAMinutes(t *testing.T) {
	tests := []struct {
		name                      string
		total, sent, failed, rate int
		want                      int
	}{
		{"midpoint of 100 at 50/min", 100, 50, 0, 50, 1},
		{"nothing sent", 100, 0, 0, 50, 2},
		{"partial minute rounds up", 101, 0, 0, 50, 3},
		{"failures count as done", 100, 40, 10, 50, 1},
		{"all done", 100, 90, 10, 50, 0},
		{"no rate", 10, 0, 0, 0, 0},
		{"over-counted", 10, 11, 0, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ETAMinutes(tt.total, tt.sent, tt.failed, tt.rate))
		})
	}
}

func TestComputeFunnel(t *testing.T) {
	c := &store.Campaign{SentCount: 10, DeliveredCount: 8, ReadCount: 4, ReplyCount: 1}
	f := ComputeFunnel(c)
	assert.InDelta(t, 0.8, f.DeliveryRate, 1e-9)
	assert.InDelta(t, 0.5, f.ReadRate, 1e-9)
	assert.InDelta(t, 0.25, f.ReplyRate, 1e-9)

	assert.Equal(t, Funnel{}, ComputeFunnel(&store.Campaign{}))
}

func TestCheckFunnel(t *testing.T) {
	ok := &store.Campaign{TotalContacts: 10, SentCount: 8, FailedCount: 2, DeliveredCount: 6, ReadCount: 3, ReplyCount: 3}
	assert.NoError(t, CheckFunnel(ok))

	broken := []*store.Campaign{
		{TotalContacts: 10, SentCount: 5, DeliveredCount: 5, ReadCount: 2, ReplyCount: 3},
		{TotalContacts: 10, SentCount: 5, DeliveredCount: 2, ReadCount: 3},
		{TotalContacts: 10, SentCount: 5, DeliveredCount: 6},
		{TotalContacts: 10, SentCount: 8, FailedCount: 3},
	}
	for _, c := range broken {
		assert.Error(t, CheckFunnel(c))
	}
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, 3, Remaining(&store.Campaign{TotalContacts: 10, SentCount: 5, FailedCount: 2}))
	assert.Equal(t, 0, Remaining(&store.Campaign{TotalContacts: 1, SentCount: 2}))
}

func TestToView(t *testing.T) {
	c := &store.Campaign{
		ID: "camp-1", Status: store.CampaignRunning, SendingRate: 50,
		TotalContacts: 100, SentCount: 50, DeliveredCount: 25,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	v := ToView(c)
	assert.Equal(t, 1, v.ETAMinutes)
	assert.InDelta(t, 0.5, v.Funnel.DeliveryRate, 1e-9)
	assert.Equal(t, "running", v.Status)
}
