// ABOUTME: Tests for the SQL store and its in-memory mock
// ABOUTME: Shared cases run against both implementations to keep their semantics aligned

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// eachStore runs fn against SQLStore and MockStore.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar("UPDATE t SET a = ? WHERE id = ? AND b IN (?, ?)")
	want := "UPDATE t SET a = $1 WHERE id = $2 AND b IN ($3, $4)"
	if got != want {
		t.Errorf("rebindDollar = %q, want %q", got, want)
	}
}

func inbound(contact string, at time.Time) InboundParams {
	return InboundParams{CompanyID: "acme", ContactID: contact, ChannelType: ChannelWhatsApp, At: at}
}

func TestUpsertInbound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, created, err := s.UpsertInbound(ctx, inbound("c1", t0))
		if err != nil {
			t.Fatalf("UpsertInbound failed: %v", err)
		}
		if !created || first.Status != ConversationUnassigned || first.UnreadCount != 1 {
			t.Fatalf("unexpected new conversation: created=%v %+v", created, first)
		}

		second, created, err := s.UpsertInbound(ctx, inbound("c1", t0.Add(time.Minute)))
		if err != nil {
			t.Fatalf("UpsertInbound failed: %v", err)
		}
		if created || second.ID != first.ID {
			t.Fatalf("expected the open conversation to be reused")
		}
		if second.UnreadCount != 2 || !second.LastActivityAt.Equal(t0.Add(time.Minute)) {
			t.Errorf("activity not bumped: %+v", second)
		}
		if second.Version <= first.Version {
			t.Errorf("version did not advance: %d -> %d", first.Version, second.Version)
		}
	})
}

func claim(id, actor string, at time.Time) ConversationTransition {
	return ConversationTransition{
		ID: id, From: ConversationUnassigned, To: ConversationActive,
		Assign: AssignSet, ActorID: actor, RequireUnowned: true, At: at,
	}
}

func TestTransitionConversation_ConcurrentClaims(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv, _, err := s.UpsertInbound(ctx, inbound("c1", t0))
		if err != nil {
			t.Fatalf("UpsertInbound failed: %v", err)
		}

		const n = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			others  []error
		)
		for i := range n {
			wg.Add(1)
			go func(actor string) {
				defer wg.Done()
				_, err := s.TransitionConversation(ctx, claim(conv.ID, actor, t0))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners = append(winners, actor)
				} else {
					others = append(others, err)
				}
			}(fmt.Sprintf("agent-%d", i))
		}
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("expected exactly one winner, got %v", winners)
		}
		for _, err := range others {
			if !errors.Is(err, ErrConflict) {
				t.Errorf("loser got %v, want ErrConflict", err)
			}
		}

		got, err := s.GetConversation(ctx, conv.ID)
		if err != nil {
			t.Fatalf("GetConversation failed: %v", err)
		}
		if got.AssignedTo == nil || *got.AssignedTo != winners[0] {
			t.Errorf("owner = %v, want %s", got.AssignedTo, winners[0])
		}
	})
}

func TestTransitionConversation_Lifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv, _, _ := s.UpsertInbound(ctx, inbound("c1", t0))

		if _, err := s.TransitionConversation(ctx, ConversationTransition{
			ID: conv.ID, From: ConversationActive, To: ConversationClosed, Assign: AssignClear, At: t0,
		}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("resolve of unassigned: got %v, want ErrInvalidTransition", err)
		}

		if _, err := s.TransitionConversation(ctx, claim(conv.ID, "alice", t0)); err != nil {
			t.Fatalf("claim failed: %v", err)
		}

		closed, err := s.TransitionConversation(ctx, ConversationTransition{
			ID: conv.ID, From: ConversationActive, To: ConversationClosed,
			Assign: AssignClear, ResetUnread: true, At: t0.Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if closed.AssignedTo != nil || closed.UnreadCount != 0 {
			t.Errorf("closed conversation kept owner or unread: %+v", closed)
		}
		if closed.LastAssignedTo == nil || *closed.LastAssignedTo != "alice" {
			t.Errorf("last owner not retained: %v", closed.LastAssignedTo)
		}

		if _, err := s.TransitionConversation(ctx, claim(conv.ID, "bob", t0)); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("claim of closed: got %v, want ErrInvalidTransition", err)
		}

		reopened, err := s.TransitionConversation(ctx, ConversationTransition{
			ID: conv.ID, From: ConversationClosed, To: ConversationActive,
			Assign: AssignRestoreLast, ResetUnread: true, At: t0.Add(2 * time.Minute),
		})
		if err != nil {
			t.Fatalf("reopen failed: %v", err)
		}
		if reopened.AssignedTo == nil || *reopened.AssignedTo != "alice" {
			t.Errorf("reopen owner = %v, want alice", reopened.AssignedTo)
		}

		if _, err := s.TransitionConversation(ctx, claim("missing", "bob", t0)); !errors.Is(err, ErrNotFound) {
			t.Errorf("claim of missing: got %v, want ErrNotFound", err)
		}
	})
}

func TestTransitionConversation_RequireOwner(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		conv, _, _ := s.UpsertInbound(ctx, inbound("c1", t0))
		if _, err := s.TransitionConversation(ctx, claim(conv.ID, "alice", t0)); err != nil {
			t.Fatalf("claim failed: %v", err)
		}

		release := ConversationTransition{
			ID: conv.ID, From: ConversationActive, To: ConversationUnassigned,
			Assign: AssignClear, RequireOwner: "bob", At: t0,
		}
		if _, err := s.TransitionConversation(ctx, release); !errors.Is(err, ErrNotOwner) {
			t.Fatalf("release by non-owner: got %v, want ErrNotOwner", err)
		}
		got, err := s.GetConversation(ctx, conv.ID)
		if err != nil {
			t.Fatalf("GetConversation failed: %v", err)
		}
		if got.Status != ConversationActive || got.AssignedTo == nil || *got.AssignedTo != "alice" {
			t.Fatalf("non-owner release mutated the conversation: %+v", got)
		}

		release.RequireOwner = "alice"
		released, err := s.TransitionConversation(ctx, release)
		if err != nil {
			t.Fatalf("release by owner failed: %v", err)
		}
		if released.Status != ConversationUnassigned || released.AssignedTo != nil {
			t.Errorf("released = %+v", released)
		}

		// The status check comes first once the conversation has moved on.
		if _, err := s.TransitionConversation(ctx, release); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second release: got %v, want ErrInvalidTransition", err)
		}
	})
}

func TestUpsertInbound_AfterCloseStartsNewConversation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, _, _ := s.UpsertInbound(ctx, inbound("c1", t0))
		if _, err := s.TransitionConversation(ctx, claim(first.ID, "alice", t0)); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if _, err := s.TransitionConversation(ctx, ConversationTransition{
			ID: first.ID, From: ConversationActive, To: ConversationClosed, Assign: AssignClear, At: t0,
		}); err != nil {
			t.Fatalf("resolve failed: %v", err)
		}

		second, created, err := s.UpsertInbound(ctx, inbound("c1", t0.Add(time.Hour)))
		if err != nil {
			t.Fatalf("UpsertInbound failed: %v", err)
		}
		if !created || second.ID == first.ID {
			t.Fatal("expected a new conversation after close")
		}

		// The old one can no longer be reopened while the new one is open.
		_, err = s.TransitionConversation(ctx, ConversationTransition{
			ID: first.ID, From: ConversationClosed, To: ConversationActive, Assign: AssignRestoreLast, At: t0,
		})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("reopen with open sibling: got %v, want ErrConflict", err)
		}
	})
}

func createRunningCampaign(t *testing.T, s Store, id string, contacts int) *Campaign {
	t.Helper()
	ctx := context.Background()

	audience := make([]CampaignContact, contacts)
	for i := range audience {
		audience[i] = CampaignContact{
			ContactID:   fmt.Sprintf("contact-%03d", i),
			Address:     fmt.Sprintf("+1555000%04d", i),
			ChannelType: ChannelWhatsApp,
		}
	}
	c := &Campaign{ID: id, CompanyID: "acme", Name: id, Content: "hi", SendingRate: 60, CreatedAt: t0, UpdatedAt: t0}
	if err := s.CreateCampaign(ctx, c, audience); err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}
	launched, err := s.LaunchCampaign(ctx, id, t0)
	if err != nil {
		t.Fatalf("LaunchCampaign failed: %v", err)
	}
	return launched
}

func TestLaunchCampaign(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := createRunningCampaign(t, s, "camp-1", 3)
		if c.Status != CampaignRunning || c.TotalContacts != 3 || c.StartedAt == nil {
			t.Fatalf("unexpected launched campaign: %+v", c)
		}

		jobs, err := s.ListDispatchJobs(ctx, JobFilter{CampaignID: "camp-1"})
		if err != nil {
			t.Fatalf("ListDispatchJobs failed: %v", err)
		}
		if len(jobs) != 3 {
			t.Fatalf("expected 3 jobs, got %d", len(jobs))
		}
		for i, j := range jobs {
			if j.State != JobQueued || j.Position != i || j.DispatchKey != "camp-1:"+j.ContactID {
				t.Errorf("unexpected job %d: %+v", i, j)
			}
		}

		if _, err := s.LaunchCampaign(ctx, "camp-1", t0); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second launch: got %v, want ErrInvalidTransition", err)
		}

		empty := createRunningCampaign(t, s, "camp-empty", 0)
		if empty.Status != CampaignCompleted || empty.FinishedAt == nil {
			t.Errorf("empty campaign should complete on launch: %+v", empty)
		}
	})
}

func TestDispatchOutcomesAndReceipts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createRunningCampaign(t, s, "camp-1", 3)

		next, err := s.NextDispatchJob(ctx, "camp-1")
		if err != nil {
			t.Fatalf("NextDispatchJob failed: %v", err)
		}
		if next.ContactID != "contact-000" {
			t.Fatalf("expected FIFO order, got %s", next.ContactID)
		}

		if err := s.BeginDispatch(ctx, "camp-1", next.ContactID, t0); err != nil {
			t.Fatalf("BeginDispatch failed: %v", err)
		}
		if err := s.BeginDispatch(ctx, "camp-1", next.ContactID, t0); !errors.Is(err, ErrConflict) {
			t.Errorf("double BeginDispatch: got %v, want ErrConflict", err)
		}

		c, job, err := s.FinishDispatch(ctx, DispatchOutcome{
			CampaignID: "camp-1", ContactID: next.ContactID, Result: ResultSent,
			ProviderMessageID: "pm-0", At: t0,
		})
		if err != nil {
			t.Fatalf("FinishDispatch failed: %v", err)
		}
		if c.SentCount != 1 || job.State != JobSent || job.Attempts != 1 || job.InFlight {
			t.Fatalf("unexpected outcome: campaign=%+v job=%+v", c, job)
		}

		// Replayed delivery receipts count once.
		for range 3 {
			c, _, _, err = s.ApplyReceipt(ctx, ReceiptUpdate{ProviderMessageID: "pm-0", Target: JobDelivered, At: t0})
			if err != nil {
				t.Fatalf("ApplyReceipt failed: %v", err)
			}
		}
		if c.DeliveredCount != 1 {
			t.Errorf("DeliveredCount = %d after replay, want 1", c.DeliveredCount)
		}

		// Replied before read counts read too.
		c, job, applied, err := s.ApplyReceipt(ctx, ReceiptUpdate{ProviderMessageID: "pm-0", Target: JobReplied, At: t0})
		if err != nil || !applied {
			t.Fatalf("ApplyReceipt replied: applied=%v err=%v", applied, err)
		}
		if c.ReadCount != 1 || c.ReplyCount != 1 || job.State != JobReplied {
			t.Errorf("skipped stage not counted: %+v", c)
		}

		// Regressive receipt is a no-op.
		c, _, applied, err = s.ApplyReceipt(ctx, ReceiptUpdate{ProviderMessageID: "pm-0", Target: JobDelivered, At: t0})
		if err != nil || applied || c.DeliveredCount != 1 {
			t.Errorf("regressive receipt changed state: applied=%v err=%v %+v", applied, err, c)
		}

		if _, _, _, err := s.ApplyReceipt(ctx, ReceiptUpdate{ProviderMessageID: "unknown", Target: JobDelivered, At: t0}); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown receipt: got %v, want ErrNotFound", err)
		}
	})
}

// sendFirstJob dispatches the first queued job of campaignID as sent.
func sendFirstJob(t *testing.T, s Store, campaignID, providerMessageID string) {
	t.Helper()
	ctx := context.Background()

	next, err := s.NextDispatchJob(ctx, campaignID)
	if err != nil {
		t.Fatalf("NextDispatchJob failed: %v", err)
	}
	if err := s.BeginDispatch(ctx, campaignID, next.ContactID, t0); err != nil {
		t.Fatalf("BeginDispatch failed: %v", err)
	}
	if _, _, err := s.FinishDispatch(ctx, DispatchOutcome{
		CampaignID: campaignID, ContactID: next.ContactID, Result: ResultSent,
		ProviderMessageID: providerMessageID, At: t0,
	}); err != nil {
		t.Fatalf("FinishDispatch failed: %v", err)
	}
}

func TestApplyReceipt_CompanyScope(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createRunningCampaign(t, s, "camp-1", 1)
		sendFirstJob(t, s, "camp-1", "pm-0")

		_, _, applied, err := s.ApplyReceipt(ctx, ReceiptUpdate{
			CompanyID: "globex", ProviderMessageID: "pm-0", Target: JobReplied, At: t0,
		})
		if !errors.Is(err, ErrNotFound) || applied {
			t.Fatalf("other company's receipt: applied=%v err=%v, want ErrNotFound", applied, err)
		}
		c, err := s.GetCampaign(ctx, "camp-1")
		if err != nil {
			t.Fatalf("GetCampaign failed: %v", err)
		}
		if c.DeliveredCount != 0 || c.ReadCount != 0 || c.ReplyCount != 0 {
			t.Fatalf("funnel changed by another company: %+v", c)
		}

		c, _, applied, err = s.ApplyReceipt(ctx, ReceiptUpdate{
			CompanyID: "acme", ProviderMessageID: "pm-0", Target: JobDelivered, At: t0,
		})
		if err != nil || !applied || c.DeliveredCount != 1 {
			t.Fatalf("own receipt: applied=%v err=%v %+v", applied, err, c)
		}
	})
}

func TestApplyReceipt_ConcurrentStages(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createRunningCampaign(t, s, "camp-1", 1)
		sendFirstJob(t, s, "camp-1", "pm-0")

		targets := []JobState{JobDelivered, JobRead, JobReplied}
		errs := make(chan error, len(targets)*4)
		var wg sync.WaitGroup
		for range 4 {
			for _, target := range targets {
				wg.Go(func() {
					_, _, _, err := s.ApplyReceipt(ctx, ReceiptUpdate{ProviderMessageID: "pm-0", Target: target, At: t0})
					errs <- err
				})
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("ApplyReceipt failed: %v", err)
			}
		}

		job, err := s.GetDispatchJob(ctx, "camp-1", "contact-000")
		if err != nil {
			t.Fatalf("GetDispatchJob failed: %v", err)
		}
		if job.State != JobReplied {
			t.Errorf("job state = %s, want replied", job.State)
		}
		c, err := s.GetCampaign(ctx, "camp-1")
		if err != nil {
			t.Fatalf("GetCampaign failed: %v", err)
		}
		if c.DeliveredCount != 1 || c.ReadCount != 1 || c.ReplyCount != 1 {
			t.Errorf("each stage must count once: delivered=%d read=%d replied=%d",
				c.DeliveredCount, c.ReadCount, c.ReplyCount)
		}
	})
}

func TestFinishDispatch_RetryAndFail(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createRunningCampaign(t, s, "camp-1", 2)

		_ = s.BeginDispatch(ctx, "camp-1", "contact-000", t0)
		_, job, err := s.FinishDispatch(ctx, DispatchOutcome{
			CampaignID: "camp-1", ContactID: "contact-000", Result: ResultRetry,
			Error: "timeout", NextAttemptAt: t0.Add(2 * time.Second), At: t0,
		})
		if err != nil {
			t.Fatalf("FinishDispatch retry failed: %v", err)
		}
		if job.State != JobQueued || job.Attempts != 1 || job.LastError != "timeout" {
			t.Fatalf("unexpected retried job: %+v", job)
		}

		// The backed-off job is now behind contact-001.
		next, err := s.NextDispatchJob(ctx, "camp-1")
		if err != nil || next.ContactID != "contact-001" {
			t.Fatalf("NextDispatchJob = %v, %v; want contact-001", next, err)
		}

		_ = s.BeginDispatch(ctx, "camp-1", "contact-001", t0)
		c, _, err := s.FinishDispatch(ctx, DispatchOutcome{
			CampaignID: "camp-1", ContactID: "contact-001", Result: ResultFailed, Error: "blocked", At: t0,
		})
		if err != nil {
			t.Fatalf("FinishDispatch failed: %v", err)
		}
		if c.FailedCount != 1 || c.SentCount != 0 {
			t.Errorf("unexpected counters: %+v", c)
		}

		if _, done, _ := s.CompleteCampaignIfDone(ctx, "camp-1", t0); done {
			t.Error("campaign completed with a job outstanding")
		}

		_ = s.BeginDispatch(ctx, "camp-1", "contact-000", t0)
		_, _, err = s.FinishDispatch(ctx, DispatchOutcome{
			CampaignID: "camp-1", ContactID: "contact-000", Result: ResultSent, ProviderMessageID: "pm-1", At: t0,
		})
		if err != nil {
			t.Fatalf("FinishDispatch failed: %v", err)
		}
		c, done, err := s.CompleteCampaignIfDone(ctx, "camp-1", t0)
		if err != nil || !done || c.Status != CampaignCompleted {
			t.Errorf("CompleteCampaignIfDone = %+v, %v, %v", c, done, err)
		}
	})
}

func TestBeginDispatch_RequiresRunningCampaign(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createRunningCampaign(t, s, "camp-1", 1)

		if _, err := s.TransitionCampaign(ctx, "camp-1", []CampaignStatus{CampaignRunning}, CampaignPaused, t0); err != nil {
			t.Fatalf("pause failed: %v", err)
		}
		if err := s.BeginDispatch(ctx, "camp-1", "contact-000", t0); !errors.Is(err, ErrConflict) {
			t.Errorf("BeginDispatch on paused campaign: got %v, want ErrConflict", err)
		}
	})
}

func TestInFlightRequeue(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createRunningCampaign(t, s, "camp-1", 2)
		_ = s.BeginDispatch(ctx, "camp-1", "contact-001", t0)

		inflight, err := s.ListInFlightJobs(ctx, "camp-1")
		if err != nil || len(inflight) != 1 || inflight[0].ContactID != "contact-001" {
			t.Fatalf("ListInFlightJobs = %v, %v", inflight, err)
		}
		if err := s.RequeueInFlight(ctx, "camp-1", "contact-001", t0); err != nil {
			t.Fatalf("RequeueInFlight failed: %v", err)
		}
		inflight, _ = s.ListInFlightJobs(ctx, "camp-1")
		if len(inflight) != 0 {
			t.Errorf("job still in flight after requeue")
		}
	})
}

func TestSetSendingRate_TerminalCampaign(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createRunningCampaign(t, s, "camp-1", 1)

		c, err := s.SetSendingRate(ctx, "camp-1", 120, t0)
		if err != nil || c.SendingRate != 120 {
			t.Fatalf("SetSendingRate = %+v, %v", c, err)
		}
		if _, err := s.TransitionCampaign(ctx, "camp-1",
			[]CampaignStatus{CampaignDraft, CampaignRunning, CampaignPaused}, CampaignFailed, t0); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		if _, err := s.SetSendingRate(ctx, "camp-1", 10, t0); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("SetSendingRate on failed campaign: got %v, want ErrInvalidTransition", err)
		}
	})
}

func TestFunnelCheckConstraints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createRunningCampaign(t, s, "camp-1", 1)

	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET delivered_count = 1 WHERE id = 'camp-1'`)
	if err == nil {
		t.Fatal("expected CHECK violation for delivered > sent")
	}
}

func TestJournal(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			err := s.AppendEvent(ctx, EventRecord{
				ID: fmt.Sprintf("ev-%d", i), Topic: "acme:campaign", Seq: uint64(i),
				Type: "campaign.progress", Payload: []byte(`{}`), OccurredAt: t0,
			}, 3)
			if err != nil {
				t.Fatalf("AppendEvent failed: %v", err)
			}
		}

		recs, err := s.RecentEvents(ctx, "acme:campaign", 10)
		if err != nil {
			t.Fatalf("RecentEvents failed: %v", err)
		}
		if len(recs) != 3 {
			t.Fatalf("expected 3 retained events, got %d", len(recs))
		}
		for i, rec := range recs {
			if rec.Seq != uint64(i+3) {
				t.Errorf("recs[%d].Seq = %d, want %d", i, rec.Seq, i+3)
			}
		}
	})
}
