// ABOUTME: Campaign and dispatch job persistence for SQLStore
// ABOUTME: Job outcomes and receipt advances commit together with the campaign funnel counters

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const campaignColumns = `id, company_id, name, content, status, sending_rate, total_contacts,
	sent_count, delivered_count, read_count, reply_count, failed_count,
	created_at, updated_at, started_at, finished_at`

const jobColumns = `campaign_id, contact_id, address, channel_type, position, state, attempts,
	last_error, dispatch_key, provider_message_id, in_flight, next_attempt_at, updated_at`

// CreateCampaign stores a draft campaign together with its audience.
func (s *SQLStore) CreateCampaign(ctx context.Context, c *Campaign, audience []CampaignContact) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO campaigns (id, company_id, name, content, status, sending_rate,
				total_contacts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		`), c.ID, c.CompanyID, c.Name, c.Content, string(CampaignDraft), c.SendingRate,
			formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
		if err != nil {
			return fmt.Errorf("inserting campaign: %w", err)
		}

		for i, member := range audience {
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO campaign_contacts (campaign_id, contact_id, address, channel_type, position)
				VALUES (?, ?, ?, ?, ?)
			`), c.ID, member.ContactID, member.Address, string(member.ChannelType), i)
			if isConstraintViolation(err) {
				return fmt.Errorf("%w: contact %s listed twice", ErrConflict, member.ContactID)
			}
			if err != nil {
				return fmt.Errorf("inserting campaign contact: %w", err)
			}
		}
		return nil
	})
}

// GetCampaign retrieves a campaign by ID.
func (s *SQLStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	return s.getCampaign(ctx, s.db, id)
}

func (s *SQLStore) getCampaign(ctx context.Context, db querier, id string) (*Campaign, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns campaigns newest first.
func (s *SQLStore) ListCampaigns(ctx context.Context, f CampaignFilter) ([]*Campaign, error) {
	var (
		where []string
		args  []any
	)
	if f.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// LaunchCampaign moves a draft campaign to running and materializes one
// queued dispatch job per audience member. An empty audience completes the
// campaign immediately.
func (s *SQLStore) LaunchCampaign(ctx context.Context, id string, at time.Time) (*Campaign, error) {
	ts := formatTime(at)
	var c *Campaign

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE campaigns
			SET status = 'running', started_at = ?, updated_at = ?,
				total_contacts = (SELECT COUNT(*) FROM campaign_contacts WHERE campaign_id = ?)
			WHERE id = ? AND status = 'draft'
		`), ts, ts, id, id)
		if err != nil {
			return fmt.Errorf("launching campaign: %w", err)
		}
		if err := s.checkCampaignTransition(ctx, tx, result, id, CampaignRunning); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO dispatch_jobs (campaign_id, contact_id, address, channel_type, position,
				state, attempts, dispatch_key, in_flight, next_attempt_at, updated_at)
			SELECT campaign_id, contact_id, address, channel_type, position,
				'queued', 0, campaign_id || ':' || contact_id, 0, ?, ?
			FROM campaign_contacts WHERE campaign_id = ?
		`), ts, ts, id)
		if err != nil {
			return fmt.Errorf("materializing dispatch jobs: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE campaigns SET status = 'completed', finished_at = ?
			WHERE id = ? AND total_contacts = 0
		`), ts, id)
		if err != nil {
			return fmt.Errorf("completing empty campaign: %w", err)
		}

		c, err = s.getCampaign(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// TransitionCampaign moves a campaign to `to` if its current status is one
// of from. Terminal targets stamp finished_at.
func (s *SQLStore) TransitionCampaign(ctx context.Context, id string, from []CampaignStatus, to CampaignStatus, at time.Time) (*Campaign, error) {
	ts := formatTime(at)
	query := `UPDATE campaigns SET status = ?, updated_at = ?`
	args := []any{string(to), ts}
	if to.Terminal() {
		query += `, finished_at = ?`
		args = append(args, ts)
	}
	query += ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	var c *Campaign
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(query), args...)
		if err != nil {
			return fmt.Errorf("updating campaign status: %w", err)
		}
		if err := s.checkCampaignTransition(ctx, tx, result, id, to); err != nil {
			return err
		}
		c, err = s.getCampaign(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CompleteCampaignIfDone transitions a running campaign to completed once
// every job is sent or failed. The bool reports whether it transitioned.
func (s *SQLStore) CompleteCampaignIfDone(ctx context.Context, id string, at time.Time) (*Campaign, bool, error) {
	ts := formatTime(at)
	var (
		c    *Campaign
		done bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE campaigns SET status = 'completed', finished_at = ?, updated_at = ?
			WHERE id = ? AND status = 'running' AND sent_count + failed_count = total_contacts
		`), ts, ts, id)
		if err != nil {
			return fmt.Errorf("completing campaign: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		done = n > 0
		c, err = s.getCampaign(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return c, done, nil
}

// SetSendingRate changes the messages-per-minute rate of a non-terminal campaign.
func (s *SQLStore) SetSendingRate(ctx context.Context, id string, rate int, at time.Time) (*Campaign, error) {
	var c *Campaign
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE campaigns SET sending_rate = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed')
		`), rate, formatTime(at), id)
		if err != nil {
			return fmt.Errorf("updating sending rate: %w", err)
		}
		if err := s.checkCampaignTransition(ctx, tx, result, id, ""); err != nil {
			return err
		}
		c, err = s.getCampaign(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// checkCampaignTransition turns a zero-row conditional update into
// ErrNotFound or ErrInvalidTransition.
func (s *SQLStore) checkCampaignTransition(ctx context.Context, tx *sql.Tx, result sql.Result, id string, to CampaignStatus) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	current, err := s.getCampaign(ctx, tx, id)
	if err != nil {
		return err
	}
	if to == "" {
		return fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, current.Status)
	}
	return fmt.Errorf("%w: campaign is %s, cannot move to %s", ErrInvalidTransition, current.Status, to)
}

// NextDispatchJob returns the queued, idle job that is due first: earliest
// next_attempt_at, then audience position. ErrNotFound means nothing is left
// to submit.
func (s *SQLStore) NextDispatchJob(ctx context.Context, campaignID string) (*DispatchJob, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+jobColumns+` FROM dispatch_jobs
		WHERE campaign_id = ? AND state = 'queued' AND in_flight = 0
		ORDER BY next_attempt_at, position
		LIMIT 1
	`), campaignID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next dispatch job: %w", err)
	}
	return job, nil
}

// BeginDispatch marks a job in flight. It only succeeds while the job is
// queued and idle and its campaign is running; otherwise ErrConflict.
func (s *SQLStore) BeginDispatch(ctx context.Context, campaignID, contactID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE dispatch_jobs SET in_flight = 1, updated_at = ?
		WHERE campaign_id = ? AND contact_id = ? AND state = 'queued' AND in_flight = 0
			AND EXISTS (SELECT 1 FROM campaigns WHERE id = ? AND status = 'running')
	`), formatTime(at), campaignID, contactID, campaignID)
	if err != nil {
		return fmt.Errorf("marking job in flight: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// FinishDispatch records a submission outcome. The job update and the
// campaign counter increment commit in one transaction.
func (s *SQLStore) FinishDispatch(ctx context.Context, o DispatchOutcome) (*Campaign, *DispatchJob, error) {
	ts := formatTime(o.At)

	var (
		jobQuery   string
		jobArgs    []any
		counterCol string
	)
	switch o.Result {
	case ResultSent:
		jobQuery = `UPDATE dispatch_jobs SET state = 'sent', in_flight = 0, attempts = attempts + 1,
			provider_message_id = ?, last_error = NULL, updated_at = ?`
		jobArgs = []any{nullString(o.ProviderMessageID), ts}
		counterCol = "sent_count"
	case ResultRetry:
		jobQuery = `UPDATE dispatch_jobs SET in_flight = 0, attempts = attempts + 1,
			last_error = ?, next_attempt_at = ?, updated_at = ?`
		jobArgs = []any{nullString(o.Error), formatTime(o.NextAttemptAt), ts}
	case ResultFailed:
		jobQuery = `UPDATE dispatch_jobs SET state = 'failed', in_flight = 0, attempts = attempts + 1,
			last_error = ?, updated_at = ?`
		jobArgs = []any{nullString(o.Error), ts}
		counterCol = "failed_count"
	default:
		return nil, nil, fmt.Errorf("unknown dispatch result %q", o.Result)
	}
	jobQuery += ` WHERE campaign_id = ? AND contact_id = ? AND state = 'queued'`
	jobArgs = append(jobArgs, o.CampaignID, o.ContactID)

	var (
		c   *Campaign
		job *DispatchJob
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(jobQuery), jobArgs...)
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: provider message id %s already recorded", ErrConflict, o.ProviderMessageID)
		}
		if err != nil {
			return fmt.Errorf("recording dispatch outcome: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			if _, err := s.getJob(ctx, tx, o.CampaignID, o.ContactID); err != nil {
				return err
			}
			return ErrConflict
		}

		if counterCol != "" {
			_, err = tx.ExecContext(ctx, s.q(`UPDATE campaigns SET `+counterCol+` = `+counterCol+` + 1, updated_at = ? WHERE id = ?`),
				ts, o.CampaignID)
			if err != nil {
				return fmt.Errorf("incrementing %s: %w", counterCol, err)
			}
		}

		if job, err = s.getJob(ctx, tx, o.CampaignID, o.ContactID); err != nil {
			return err
		}
		c, err = s.getCampaign(ctx, tx, o.CampaignID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return c, job, nil
}

// maxReceiptAttempts bounds re-reads of a job that changed under a receipt.
const maxReceiptAttempts = 3

// stageCounters maps each post-send job state to the funnel counter it feeds.
var stageCounters = map[JobState]string{
	JobDelivered: "delivered_count",
	JobRead:      "read_count",
	JobReplied:   "reply_count",
}

// ApplyReceipt advances the job carrying u.ProviderMessageID to u.Target. Every
// stage between the current state and target is counted once, so a read
// receipt arriving before its delivery receipt still counts the delivery.
// Duplicate and regressive receipts change nothing and report applied=false.
func (s *SQLStore) ApplyReceipt(ctx context.Context, u ReceiptUpdate) (*Campaign, *DispatchJob, bool, error) {
	if _, ok := stageCounters[u.Target]; !ok {
		return nil, nil, false, fmt.Errorf("receipt target %q is not a delivery stage", u.Target)
	}
	ts := formatTime(u.At)

	var (
		c       *Campaign
		job     *DispatchJob
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for attempt := 0; ; attempt++ {
			row := tx.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM dispatch_jobs WHERE provider_message_id = ?`+s.forUpdate()),
				u.ProviderMessageID)
			current, err := scanJob(row)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("finding job by provider message id: %w", err)
			}
			job = current

			if c, err = s.getCampaign(ctx, tx, current.CampaignID); err != nil {
				return err
			}
			if u.CompanyID != "" && c.CompanyID != u.CompanyID {
				return ErrNotFound
			}

			from := current.State.Rank()
			if from < JobSent.Rank() || u.Target.Rank() <= from {
				return nil
			}

			result, err := tx.ExecContext(ctx, s.q(`
				UPDATE dispatch_jobs SET state = ?, updated_at = ?
				WHERE provider_message_id = ? AND state = ?
			`), string(u.Target), ts, u.ProviderMessageID, string(current.State))
			if err != nil {
				return fmt.Errorf("advancing job state: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("checking rows affected: %w", err)
			}
			if n == 0 {
				// Another receipt moved the job between the read and the update.
				if attempt < maxReceiptAttempts-1 {
					continue
				}
				return fmt.Errorf("%w: job for %s kept changing", ErrConflict, u.ProviderMessageID)
			}

			var set []string
			for _, stage := range []JobState{JobDelivered, JobRead, JobReplied} {
				if stage.Rank() > from && stage.Rank() <= u.Target.Rank() {
					col := stageCounters[stage]
					set = append(set, col+" = "+col+" + 1")
				}
			}
			_, err = tx.ExecContext(ctx, s.q(`UPDATE campaigns SET `+strings.Join(set, ", ")+`, updated_at = ? WHERE id = ?`),
				ts, current.CampaignID)
			if err != nil {
				return fmt.Errorf("incrementing funnel counters: %w", err)
			}
			applied = true
			if job, err = s.getJob(ctx, tx, current.CampaignID, current.ContactID); err != nil {
				return err
			}
			c, err = s.getCampaign(ctx, tx, current.CampaignID)
			return err
		}
	})
	if err != nil {
		return nil, nil, false, err
	}
	return c, job, applied, nil
}

// ListInFlightJobs returns jobs whose submission started but was never
// recorded, typically after a crash.
func (s *SQLStore) ListInFlightJobs(ctx context.Context, campaignID string) ([]*DispatchJob, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM dispatch_jobs
		WHERE campaign_id = ? AND state = 'queued' AND in_flight = 1
		ORDER BY position
	`, campaignID)
}

// RequeueInFlight clears the in-flight mark of a still-queued job.
func (s *SQLStore) RequeueInFlight(ctx context.Context, campaignID, contactID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE dispatch_jobs SET in_flight = 0, updated_at = ?
		WHERE campaign_id = ? AND contact_id = ? AND state = 'queued' AND in_flight = 1
	`), formatTime(at), campaignID, contactID)
	if err != nil {
		return fmt.Errorf("requeueing job: %w", err)
	}
	return nil
}

// ListDispatchJobs returns a campaign's jobs in audience order.
func (s *SQLStore) ListDispatchJobs(ctx context.Context, f JobFilter) ([]*DispatchJob, error) {
	query := `SELECT ` + jobColumns + ` FROM dispatch_jobs WHERE campaign_id = ?`
	args := []any{f.CampaignID}
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, string(f.State))
	}
	query += " ORDER BY position"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// GetDispatchJob retrieves one job.
func (s *SQLStore) GetDispatchJob(ctx context.Context, campaignID, contactID string) (*DispatchJob, error) {
	return s.getJob(ctx, s.db, campaignID, contactID)
}

func (s *SQLStore) getJob(ctx context.Context, db querier, campaignID, contactID string) (*DispatchJob, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM dispatch_jobs WHERE campaign_id = ? AND contact_id = ?`),
		campaignID, contactID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting dispatch job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) queryJobs(ctx context.Context, query string, args ...any) ([]*DispatchJob, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing dispatch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*DispatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dispatch job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var (
		c                    Campaign
		status               string
		createdAt, updatedAt string
		startedAt, finished  sql.NullString
	)
	err := row.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Content, &status, &c.SendingRate,
		&c.TotalContacts, &c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.ReplyCount,
		&c.FailedCount, &createdAt, &updatedAt, &startedAt, &finished)
	if err != nil {
		return nil, err
	}
	c.Status = CampaignStatus(status)

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if c.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if c.FinishedAt, err = parseNullTime(finished); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &c, nil
}

func scanJob(row rowScanner) (*DispatchJob, error) {
	var (
		job                    DispatchJob
		channel, state         string
		lastError, providerID  sql.NullString
		inFlight               int
		nextAttempt, updatedAt string
	)
	err := row.Scan(&job.CampaignID, &job.ContactID, &job.Address, &channel, &job.Position,
		&state, &job.Attempts, &lastError, &job.DispatchKey, &providerID, &inFlight,
		&nextAttempt, &updatedAt)
	if err != nil {
		return nil, err
	}
	job.ChannelType = ChannelType(channel)
	job.State = JobState(state)
	job.LastError = lastError.String
	job.ProviderMessageID = providerID.String
	job.InFlight = inFlight != 0

	if job.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return nil, fmt.Errorf("parsing next_attempt_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &job, nil
}
