// ABOUTME: Bounded per-topic recent-event log for SQLStore
// ABOUTME: Lets the event bus rebuild topic backlogs after a restart

package store

import (
	"context"
	"fmt"
)

// AppendEvent stores an event and trims its topic to the newest keep events.
func (s *SQLStore) AppendEvent(ctx context.Context, rec EventRecord, keep int) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO recent_events (event_id, topic, seq, type, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.Topic, int64(rec.Seq), rec.Type, string(rec.Payload), formatTime(rec.OccurredAt))
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	if keep > 0 && rec.Seq > uint64(keep) {
		_, err = s.db.ExecContext(ctx, s.q(`DELETE FROM recent_events WHERE topic = ? AND seq <= ?`),
			rec.Topic, int64(rec.Seq)-int64(keep))
		if err != nil {
			return fmt.Errorf("trimming events: %w", err)
		}
	}
	return nil
}

// RecentEvents returns up to limit of the newest events for a topic in
// chronological order.
func (s *SQLStore) RecentEvents(ctx context.Context, topic string, limit int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT event_id, topic, seq, type, payload, occurred_at FROM recent_events
		WHERE topic = ? ORDER BY seq DESC LIMIT ?
	`), topic, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var (
			rec        EventRecord
			seq        int64
			payload    string
			occurredAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Topic, &seq, &rec.Type, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Payload = []byte(payload)
		if rec.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("parsing occurred_at: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}
