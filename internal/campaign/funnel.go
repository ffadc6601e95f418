// ABOUTME: Pure funnel and ETA arithmetic over campaign counters
// ABOUTME: No I/O; the engine and the HTTP layer both call these

package campaign

import (
	"fmt"

	"github.com/2389/relaydesk/internal/store"
)

// Funnel holds conversion rates between consecutive delivery stages.
// A rate whose denominator is zero is reported as 0.
type Funnel struct {
	DeliveryRate float64 `json:"delivery_rate"` // delivered / sent
	ReadRate     float64 `json:"read_rate"`     // read / delivered
	ReplyRate    float64 `json:"reply_rate"`    // replied / read
}

// ComputeFunnel derives the funnel rates of c.
func ComputeFunnel(c *store.Campaign) Funnel {
	return Funnel{
		DeliveryRate: ratio(c.DeliveredCount, c.SentCount),
		ReadRate:     ratio(c.ReadCount, c.DeliveredCount),
		ReplyRate:    ratio(c.ReplyCount, c.ReadCount),
	}
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Remaining is the number of contacts neither sent nor failed.
func Remaining(c *store.Campaign) int {
	return max(c.TotalContacts-c.SentCount-c.FailedCount, 0)
}

// ETAMinutes estimates the minutes left at sendingRate messages per minute:
// ceil(remaining / rate). It is 0 when nothing remains or the rate is unset.
func ETAMinutes(total, sent, failed, sendingRate int) int {
	remaining := total - sent - failed
	if remaining <= 0 || sendingRate <= 0 {
		return 0
	}
	return (remaining + sendingRate - 1) / sendingRate
}

// CheckFunnel verifies replied <= read <= delivered <= sent and
// sent + failed <= total.
func CheckFunnel(c *store.Campaign) error {
	switch {
	case c.ReplyCount > c.ReadCount:
		return fmt.Errorf("funnel broken: replied %d > read %d", c.ReplyCount, c.ReadCount)
	case c.ReadCount > c.DeliveredCount:
		return fmt.Errorf("funnel broken: read %d > delivered %d", c.ReadCount, c.DeliveredCount)
	case c.DeliveredCount > c.SentCount:
		return fmt.Errorf("funnel broken: delivered %d > sent %d", c.DeliveredCount, c.SentCount)
	case c.SentCount+c.FailedCount > c.TotalContacts:
		return fmt.Errorf("funnel broken: sent %d + failed %d > total %d", c.SentCount, c.FailedCount, c.TotalContacts)
	}
	return nil
}
