// ABOUTME: Conversation persistence for SQLStore
// ABOUTME: Inbound routing upserts and conditional (compare-and-set) state transitions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, company_id, contact_id, channel_type, status, assigned_to,
	last_assigned_to, unread_count, last_activity_at, created_at, updated_at, version`

// upsertRetries bounds how often UpsertInbound retries after losing the
// open-conversation uniqueness race.
const upsertRetries = 3

// UpsertInbound routes an inbound message to the open conversation for
// (company, contact, channel), creating it unassigned if there is none.
// The returned bool is true when a conversation was created.
func (s *SQLStore) UpsertInbound(ctx context.Context, p InboundParams) (*Conversation, bool, error) {
	var lastErr error
	for range upsertRetries {
		conv, created, err := s.upsertInboundOnce(ctx, p)
		if err == nil {
			return conv, created, nil
		}
		if !isConstraintViolation(err) {
			return nil, false, err
		}
		lastErr = err
		s.logger.Debug("inbound upsert raced, retrying", "contact_id", p.ContactID)
	}
	return nil, false, fmt.Errorf("upserting inbound conversation: %w", lastErr)
}

func (s *SQLStore) upsertInboundOnce(ctx context.Context, p InboundParams) (*Conversation, bool, error) {
	var (
		conv    *Conversation
		created bool
	)
	at := formatTime(p.At)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT id FROM conversations
			WHERE company_id = ? AND contact_id = ? AND channel_type = ? AND status <> 'closed'
		`), p.CompanyID, p.ContactID, string(p.ChannelType)).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = uuid.New().String()
			_, err = tx.ExecContext(ctx, s.q(`
				INSERT INTO conversations (id, company_id, contact_id, channel_type, status,
					unread_count, last_activity_at, created_at, updated_at, version)
				VALUES (?, ?, ?, ?, 'unassigned', 1, ?, ?, ?, 1)
			`), id, p.CompanyID, p.ContactID, string(p.ChannelType), at, at, at)
			if err != nil {
				return err
			}
			created = true
		case err != nil:
			return fmt.Errorf("finding open conversation: %w", err)
		default:
			_, err = tx.ExecContext(ctx, s.q(`
				UPDATE conversations
				SET unread_count = unread_count + 1, last_activity_at = ?, updated_at = ?, version = version + 1
				WHERE id = ?
			`), at, at, id)
			if err != nil {
				return fmt.Errorf("bumping conversation activity: %w", err)
			}
		}

		conv, err = s.getConversation(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

func (s *SQLStore) getConversation(ctx context.Context, db querier, id string) (*Conversation, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations ordered by most recent activity.
func (s *SQLStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	var (
		where []string
		args  []any
	)
	if f.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_activity_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// TransitionConversation applies t as one conditional UPDATE. When the
// condition does not hold nothing is written and the failure is classified:
// ErrNotFound, ErrInvalidTransition (wrong source status), ErrNotOwner or
// ErrConflict (lost the race for an unowned conversation).
func (s *SQLStore) TransitionConversation(ctx context.Context, t ConversationTransition) (*Conversation, error) {
	at := formatTime(t.At)
	set := []string{"status = ?", "updated_at = ?", "version = version + 1"}
	args := []any{string(t.To), at}

	switch t.Assign {
	case AssignSet:
		set = append(set, "assigned_to = ?", "last_assigned_to = ?")
		args = append(args, t.ActorID, t.ActorID)
	case AssignClear:
		set = append(set, "last_assigned_to = COALESCE(assigned_to, last_assigned_to)", "assigned_to = NULL")
	case AssignRestoreLast:
		set = append(set, "assigned_to = last_assigned_to")
	}
	if t.ResetUnread {
		set = append(set, "unread_count = 0")
	}

	query := "UPDATE conversations SET " + strings.Join(set, ", ") + " WHERE id = ? AND status = ?"
	args = append(args, t.ID, string(t.From))
	if t.RequireUnowned {
		query += " AND assigned_to IS NULL"
	}
	if t.RequireOwner != "" {
		query += " AND assigned_to = ?"
		args = append(args, t.RequireOwner)
	}

	var conv *Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(query), args...)
		if isConstraintViolation(err) {
			// Reopening while a newer open conversation exists for the contact.
			return fmt.Errorf("%w: another open conversation exists for this contact", ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}

		current, err := s.getConversation(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			return classifyTransitionMiss(current, t)
		}
		conv = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// classifyTransitionMiss explains why a conditional update matched no row.
func classifyTransitionMiss(current *Conversation, t ConversationTransition) error {
	if t.RequireUnowned && current.Status == ConversationActive {
		return ErrConflict
	}
	if current.Status != t.From {
		return fmt.Errorf("%w: conversation is %s, need %s", ErrInvalidTransition, current.Status, t.From)
	}
	if t.RequireOwner != "" && !ownedBy(current, t.RequireOwner) {
		return ErrNotOwner
	}
	return ErrConflict
}

func ownedBy(c *Conversation, actorID string) bool {
	return c.AssignedTo != nil && *c.AssignedTo == actorID
}

// ResetUnread zeroes the unread counter.
func (s *SQLStore) ResetUnread(ctx context.Context, id string, at time.Time) (*Conversation, error) {
	var conv *Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE conversations SET unread_count = 0, updated_at = ?, version = version + 1 WHERE id = ?
		`), formatTime(at), id)
		if err != nil {
			return fmt.Errorf("resetting unread count: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		conv, err = s.getConversation(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv                               Conversation
		channel, status                    string
		assignedTo, lastAssignedTo         sql.NullString
		lastActivity, createdAt, updatedAt string
	)
	err := row.Scan(&conv.ID, &conv.CompanyID, &conv.ContactID, &channel, &status,
		&assignedTo, &lastAssignedTo, &conv.UnreadCount, &lastActivity, &createdAt,
		&updatedAt, &conv.Version)
	if err != nil {
		return nil, err
	}

	conv.ChannelType = ChannelType(channel)
	conv.Status = ConversationStatus(status)
	conv.AssignedTo = ptrFromNull(assignedTo)
	conv.LastAssignedTo = ptrFromNull(lastAssignedTo)

	if conv.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}
