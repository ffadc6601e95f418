// ABOUTME: Campaign dispatch engine: one rate-limited worker per running campaign
// ABOUTME: Drives submissions, retries, receipts, pause/resume and crash reconciliation

package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/2389/relaydesk/internal/channel"
	"github.com/2389/relaydesk/internal/clock"
	"github.com/2389/relaydesk/internal/dedupe"
	"github.com/2389/relaydesk/internal/events"
	"github.com/2389/relaydesk/internal/store"
	"github.com/2389/relaydesk/internal/telemetry"
)

// Event types published by the engine.
const (
	EventCreated     = "campaign.created"
	EventLaunched    = "campaign.launched"
	EventPaused      = "campaign.paused"
	EventResumed     = "campaign.resumed"
	EventCancelled   = "campaign.cancelled"
	EventRateChanged = "campaign.rate_changed"
	EventProgress    = "campaign.progress"
	EventCompleted   = "campaign.completed"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryBase   = 2 * time.Second
	DefaultRetryCap    = 5 * time.Minute
	DefaultSendTimeout = 30 * time.Second
	DefaultSendingRate = 60

	// MaxSendingRate is one message per millisecond.
	MaxSendingRate = 60000

	storeRetryDelay = time.Second
	rollbackTimeout = 5 * time.Second
)

var tracer = telemetry.Tracer("github.com/2389/relaydesk/internal/campaign")

// errStopped ends a worker whose campaign is no longer running.
var errStopped = errors.New("campaign no longer running")

// Options configures an Engine. Zero values select defaults.
type Options struct {
	MaxAttempts        int
	RetryBase          time.Duration
	RetryCap           time.Duration
	SendTimeout        time.Duration
	DefaultSendingRate int

	// Receipts short-circuits replayed webhook receipts. When nil the
	// engine creates and owns one.
	Receipts *dedupe.Cache

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine owns campaign dispatch. It is the only writer of dispatch jobs and
// campaign counters.
type Engine struct {
	store     store.CampaignStore
	provider  channel.Provider
	publisher events.Publisher

	receipts     *dedupe.Cache
	ownsReceipts bool

	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
	sendTimeout time.Duration
	defaultRate int

	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[string]*worker
	limiters map[string]*rate.Limiter
	closed   bool
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Engine. Call Start to resume campaigns left running by a
// previous process.
func New(st store.CampaignStore, provider channel.Provider, publisher events.Publisher, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := clock.OrReal(opts.Clock)

	e := &Engine{
		store:       st,
		provider:    provider,
		publisher:   publisher,
		receipts:    opts.Receipts,
		maxAttempts: opts.MaxAttempts,
		retryBase:   opts.RetryBase,
		retryCap:    opts.RetryCap,
		sendTimeout: opts.SendTimeout,
		defaultRate: opts.DefaultSendingRate,
		clock:       c,
		logger:      logger.With("component", "campaign"),
		workers:     make(map[string]*worker),
		limiters:    make(map[string]*rate.Limiter),
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if e.retryBase <= 0 {
		e.retryBase = DefaultRetryBase
	}
	if e.retryCap <= 0 {
		e.retryCap = DefaultRetryCap
	}
	if e.sendTimeout <= 0 {
		e.sendTimeout = DefaultSendTimeout
	}
	if e.defaultRate <= 0 {
		e.defaultRate = DefaultSendingRate
	}
	if e.receipts == nil {
		e.receipts = dedupe.New(dedupe.DefaultTTL, dedupe.DefaultSize, clock.Real())
		e.ownsReceipts = true
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// CreateRequest describes a new draft campaign.
type CreateRequest struct {
	CompanyID   string
	Name        string
	Content     string
	SendingRate int // messages per minute; 0 selects the engine default
	Audience    []channel.Contact
}

// Create stores a draft campaign with its audience.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*store.Campaign, error) {
	if req.CompanyID == "" || req.Name == "" || req.Content == "" {
		return nil, fmt.Errorf("%w: company_id, name and content are required", store.ErrInvalidInput)
	}
	sendingRate := req.SendingRate
	if sendingRate == 0 {
		sendingRate = e.defaultRate
	}
	if err := validateRate(sendingRate); err != nil {
		return nil, err
	}

	audience := make([]store.CampaignContact, 0, len(req.Audience))
	for _, contact := range req.Audience {
		if contact.ContactID == "" || contact.Address == "" {
			return nil, fmt.Errorf("%w: audience contacts need contact_id and address", store.ErrInvalidInput)
		}
		if !contact.ChannelType.Valid() {
			return nil, fmt.Errorf("%w: unknown channel type %q", store.ErrInvalidInput, contact.ChannelType)
		}
		audience = append(audience, store.CampaignContact{
			ContactID:   contact.ContactID,
			Address:     contact.Address,
			ChannelType: contact.ChannelType,
		})
	}

	now := e.clock.Now()
	c := &store.Campaign{
		ID:          uuid.New().String(),
		CompanyID:   req.CompanyID,
		Name:        req.Name,
		Content:     req.Content,
		Status:      store.CampaignDraft,
		SendingRate: sendingRate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateCampaign(ctx, c, audience); err != nil {
		return nil, fmt.Errorf("creating campaign: %w", err)
	}
	created, err := e.store.GetCampaign(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	e.logger.Info("campaign created", "campaign_id", c.ID, "audience", len(audience), "sending_rate", sendingRate)
	e.emit(created, EventCreated, nil)
	return created, nil
}

// Launch moves a draft campaign to running and starts its worker. A
// campaign with an empty audience completes immediately.
func (e *Engine) Launch(ctx context.Context, id string) (c *store.Campaign, err error) {
	ctx, span := startSpan(ctx, "campaign.launch", id)
	defer func() { telemetry.End(span, err) }()

	c, err = e.store.LaunchCampaign(ctx, id, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("launching campaign %s: %w", id, err)
	}

	e.logger.Info("campaign launched", "campaign_id", id, "total_contacts", c.TotalContacts)
	e.emit(c, EventLaunched, nil)
	if c.Status == store.CampaignCompleted {
		e.emit(c, EventCompleted, nil)
		return c, nil
	}
	e.startWorker(c)
	return c, nil
}

// Pause stops further submissions. A submission already handed to the
// provider completes and is recorded.
func (e *Engine) Pause(ctx context.Context, id string) (c *store.Campaign, err error) {
	ctx, span := startSpan(ctx, "campaign.pause", id)
	defer func() { telemetry.End(span, err) }()

	c, err = e.store.TransitionCampaign(ctx, id,
		[]store.CampaignStatus{store.CampaignRunning}, store.CampaignPaused, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("pausing campaign %s: %w", id, err)
	}
	e.stopWorker(id)

	e.logger.Info("campaign paused", "campaign_id", id, "sent", c.SentCount, "total", c.TotalContacts)
	e.emit(c, EventPaused, nil)
	return c, nil
}

// Resume restarts a paused campaign. Jobs left in flight are reconciled
// before the worker picks up the queue again.
func (e *Engine) Resume(ctx context.Context, id string) (c *store.Campaign, err error) {
	ctx, span := startSpan(ctx, "campaign.resume", id)
	defer func() { telemetry.End(span, err) }()

	c, err = e.store.TransitionCampaign(ctx, id,
		[]store.CampaignStatus{store.CampaignPaused}, store.CampaignRunning, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("resuming campaign %s: %w", id, err)
	}
	if err := e.waitWorker(ctx, id); err != nil {
		e.rollbackResume(ctx, id)
		return nil, fmt.Errorf("resuming campaign %s: %w", id, err)
	}
	if err := e.reconcile(ctx, c); err != nil {
		e.rollbackResume(ctx, id)
		return nil, fmt.Errorf("reconciling campaign %s: %w", id, err)
	}

	e.logger.Info("campaign resumed", "campaign_id", id)
	e.emit(c, EventResumed, nil)
	e.startWorker(c)
	return c, nil
}

// rollbackResume returns a campaign whose resume did not get as far as
// starting a worker to paused, so it is never left running unattended.
func (e *Engine) rollbackResume(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	_, err := e.store.TransitionCampaign(ctx, id,
		[]store.CampaignStatus{store.CampaignRunning}, store.CampaignPaused, e.clock.Now())
	if err != nil {
		e.logger.Error("failed to roll back resume", "campaign_id", id, "error", err)
		return
	}
	e.logger.Warn("resume rolled back to paused", "campaign_id", id)
}

// Cancel fails a draft, running or paused campaign. Queued jobs stay
// queued and are never submitted.
func (e *Engine) Cancel(ctx context.Context, id string) (c *store.Campaign, err error) {
	ctx, span := startSpan(ctx, "campaign.cancel", id)
	defer func() { telemetry.End(span, err) }()

	c, err = e.store.TransitionCampaign(ctx, id,
		[]store.CampaignStatus{store.CampaignDraft, store.CampaignRunning, store.CampaignPaused},
		store.CampaignFailed, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("cancelling campaign %s: %w", id, err)
	}
	e.stopWorker(id)
	e.dropLimiter(id)

	e.logger.Info("campaign cancelled", "campaign_id", id)
	e.emit(c, EventCancelled, nil)
	return c, nil
}

// SetSendingRate changes the messages-per-minute rate. A running worker
// picks it up at its next reservation.
func (e *Engine) SetSendingRate(ctx context.Context, id string, sendingRate int) (*store.Campaign, error) {
	if err := validateRate(sendingRate); err != nil {
		return nil, err
	}
	c, err := e.store.SetSendingRate(ctx, id, sendingRate, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("setting sending rate of %s: %w", id, err)
	}

	e.mu.Lock()
	if lim, ok := e.limiters[id]; ok {
		lim.SetLimitAt(e.clock.Now(), every(sendingRate))
	}
	e.mu.Unlock()

	e.logger.Info("sending rate changed", "campaign_id", id, "sending_rate", sendingRate)
	e.emit(c, EventRateChanged, nil)
	return c, nil
}

// Get returns one campaign.
func (e *Engine) Get(ctx context.Context, id string) (*store.Campaign, error) {
	return e.store.GetCampaign(ctx, id)
}

// List returns campaigns matching f.
func (e *Engine) List(ctx context.Context, f store.CampaignFilter) ([]*store.Campaign, error) {
	return e.store.ListCampaigns(ctx, f)
}

// Jobs returns a campaign's dispatch jobs, optionally narrowed to one state.
func (e *Engine) Jobs(ctx context.Context, campaignID string, state store.JobState, limit int) ([]*store.DispatchJob, error) {
	if _, err := e.store.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return e.store.ListDispatchJobs(ctx, store.JobFilter{CampaignID: campaignID, State: state, Limit: limit})
}

// HandleReceipt applies a provider delivery receipt. It reports whether the
// receipt changed anything; duplicates, regressions and failed-after-sent
// reports are accepted and ignored.
func (e *Engine) HandleReceipt(ctx context.Context, r channel.Receipt) (bool, error) {
	return e.HandleReceiptFor(ctx, "", r)
}

// HandleReceiptFor applies a receipt on behalf of companyID. A receipt for
// another company's campaign fails with store.ErrNotFound. An empty
// companyID accepts any campaign.
func (e *Engine) HandleReceiptFor(ctx context.Context, companyID string, r channel.Receipt) (applied bool, err error) {
	ctx, span := tracer.Start(ctx, "campaign.receipt",
		trace.WithAttributes(
			attribute.String("provider_message_id", r.ProviderMessageID),
			attribute.String("receipt.status", string(r.Status)),
		))
	defer func() { telemetry.End(span, err) }()

	if r.ProviderMessageID == "" || !r.Status.Valid() {
		return false, fmt.Errorf("%w: receipt needs provider_message_id and a known status", store.ErrInvalidInput)
	}
	target, ok := r.Status.JobState()
	if !ok {
		e.logger.Info("ignoring failed receipt for sent message", "provider_message_id", r.ProviderMessageID)
		return false, nil
	}

	key := dedupe.Key(companyID, r.ProviderMessageID, string(r.Status))
	if e.receipts.CheckAndMark(key) {
		e.logger.Debug("duplicate receipt", "provider_message_id", r.ProviderMessageID, "status", r.Status)
		return false, nil
	}

	at := r.At
	if at.IsZero() {
		at = e.clock.Now()
	}
	c, job, applied, err := e.store.ApplyReceipt(ctx, store.ReceiptUpdate{
		CompanyID:         companyID,
		ProviderMessageID: r.ProviderMessageID,
		Target:            target,
		At:                at,
	})
	if err != nil {
		// The receipt may have beaten the send outcome; let a redelivery through.
		e.receipts.Forget(key)
		return false, fmt.Errorf("applying receipt: %w", err)
	}
	if !applied {
		// Only applied receipts short-circuit replays.
		e.receipts.Forget(key)
		return false, nil
	}
	e.emitProgress(c, job)
	return true, nil
}

// Start reconciles and resumes every campaign left running.
func (e *Engine) Start(ctx context.Context) error {
	running, err := e.store.ListCampaigns(ctx, store.CampaignFilter{
		Statuses: []store.CampaignStatus{store.CampaignRunning},
	})
	if err != nil {
		return fmt.Errorf("listing running campaigns: %w", err)
	}
	for _, c := range running {
		if err := e.reconcile(ctx, c); err != nil {
			return fmt.Errorf("reconciling campaign %s: %w", c.ID, err)
		}
		e.startWorker(c)
	}
	e.logger.Info("dispatch engine started", "resumed_campaigns", len(running))
	return nil
}

// ActiveWorkers returns the number of live campaign workers.
func (e *Engine) ActiveWorkers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Close stops every worker and waits for them to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	if e.ownsReceipts {
		e.receipts.Close()
	}
}

// reconcile settles jobs whose submission started but was never recorded.
// A key the provider confirms is recorded sent; anything else is requeued.
func (e *Engine) reconcile(ctx context.Context, c *store.Campaign) error {
	jobs, err := e.store.ListInFlightJobs(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	reconciler, canLookup := e.provider.(channel.Reconciler)
	logger := e.logger.With("campaign_id", c.ID)

	for _, job := range jobs {
		if canLookup {
			res, accepted, err := reconciler.LookupMessage(ctx, job.DispatchKey)
			switch {
			case err != nil:
				logger.Warn("provider lookup failed, requeueing", "contact_id", job.ContactID, "error", err)
			case accepted:
				updated, recorded, err := e.store.FinishDispatch(ctx, store.DispatchOutcome{
					CampaignID:        job.CampaignID,
					ContactID:         job.ContactID,
					Result:            store.ResultSent,
					ProviderMessageID: res.ProviderMessageID,
					At:                e.clock.Now(),
				})
				if err != nil {
					return err
				}
				logger.Info("in-flight job confirmed by provider", "contact_id", job.ContactID)
				e.emitProgress(updated, recorded)
				continue
			}
		}
		if err := e.store.RequeueInFlight(ctx, job.CampaignID, job.ContactID, e.clock.Now()); err != nil {
			return err
		}
		logger.Info("in-flight job requeued", "contact_id", job.ContactID)
	}
	return nil
}

func (e *Engine) startWorker(c *store.Campaign) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.workers[c.ID]; ok {
		return
	}

	lim, ok := e.limiters[c.ID]
	if !ok {
		lim = rate.NewLimiter(every(c.SendingRate), 1)
		e.limiters[c.ID] = lim
	}

	ctx, cancel := context.WithCancel(e.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	e.workers[c.ID] = w

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(w.done)
		defer cancel()

		e.run(ctx, c, lim)

		e.mu.Lock()
		if e.workers[c.ID] == w {
			delete(e.workers, c.ID)
		}
		e.mu.Unlock()
	}()
}

// stopWorker interrupts a worker's waits without waiting for it to exit.
func (e *Engine) stopWorker(id string) {
	e.mu.Lock()
	w := e.workers[id]
	e.mu.Unlock()
	if w != nil {
		w.cancel()
	}
}

// waitWorker stops a worker and waits for its in-flight submission to be
// recorded.
func (e *Engine) waitWorker(ctx context.Context, id string) error {
	e.mu.Lock()
	w := e.workers[id]
	e.mu.Unlock()
	if w == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) dropLimiter(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.limiters, id)
}

// run is the worker loop: next ready job, throttle, submit, record.
func (e *Engine) run(ctx context.Context, c *store.Campaign, lim *rate.Limiter) {
	logger := e.logger.With("campaign_id", c.ID)
	logger.Info("dispatch worker started")
	defer logger.Info("dispatch worker stopped")

	for ctx.Err() == nil {
		job, err := e.store.NextDispatchJob(ctx, c.ID)
		if errors.Is(err, store.ErrNotFound) {
			e.finish(ctx, c.ID)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to load next dispatch job", "error", err)
			if clock.Sleep(ctx, e.clock, storeRetryDelay) != nil {
				return
			}
			continue
		}

		if wait := job.NextAttemptAt.Sub(e.clock.Now()); wait > 0 {
			if clock.Sleep(ctx, e.clock, wait) != nil {
				return
			}
			continue
		}

		if err := e.throttle(ctx, lim); err != nil {
			return
		}

		err = e.dispatch(ctx, c, job)
		if errors.Is(err, errStopped) || ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("dispatch failed", "contact_id", job.ContactID, "error", err)
		}
	}
}

// throttle blocks until the limiter grants the next submission. The token
// is reserved before waiting so spacing is measured start to start.
func (e *Engine) throttle(ctx context.Context, lim *rate.Limiter) error {
	now := e.clock.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("sending rate cannot admit a message")
	}
	if err := clock.Sleep(ctx, e.clock, roundUpMillis(r.DelayFrom(now))); err != nil {
		r.CancelAt(e.clock.Now())
		return err
	}
	return nil
}

// dispatch submits one job and records its outcome. Once the job is marked
// in flight the provider call and the outcome write run on a context that
// pausing does not cancel.
func (e *Engine) dispatch(ctx context.Context, c *store.Campaign, job *store.DispatchJob) error {
	if err := e.store.BeginDispatch(ctx, c.ID, job.ContactID, e.clock.Now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return errStopped
		}
		return err
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sendTimeout)
	defer cancel()

	sendCtx, span := tracer.Start(sendCtx, "campaign.submit", trace.WithAttributes(
		attribute.String("campaign.id", c.ID),
		attribute.String("contact.id", job.ContactID),
		attribute.Int("attempt", job.Attempts+1),
	))
	res, sendErr := e.provider.SendMessage(sendCtx, channel.Message{
		Key:        job.DispatchKey,
		CampaignID: c.ID,
		Contact: channel.Contact{
			ContactID:   job.ContactID,
			Address:     job.Address,
			ChannelType: job.ChannelType,
		},
		Content: c.Content,
	})
	telemetry.End(span, sendErr)

	outcome := e.outcome(job, res, sendErr)
	updated, recorded, err := e.store.FinishDispatch(sendCtx, outcome)
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}

	e.logger.Info("dispatch attempt recorded",
		"campaign_id", c.ID,
		"contact_id", job.ContactID,
		"result", outcome.Result,
		"attempts", recorded.Attempts,
		"error", outcome.Error)
	e.emitProgress(updated, recorded)
	return nil
}

// outcome classifies a submission result. Permanent errors fail at once;
// transient ones retry with exponential backoff until maxAttempts.
func (e *Engine) outcome(job *store.DispatchJob, res channel.SendResult, err error) store.DispatchOutcome {
	now := e.clock.Now()
	o := store.DispatchOutcome{
		CampaignID: job.CampaignID,
		ContactID:  job.ContactID,
		At:         now,
	}
	attempt := job.Attempts + 1

	switch {
	case err == nil:
		o.Result = store.ResultSent
		o.ProviderMessageID = res.ProviderMessageID
	case channel.IsPermanent(err), attempt >= e.maxAttempts:
		o.Result = store.ResultFailed
		o.Error = err.Error()
	default:
		o.Result = store.ResultRetry
		o.Error = err.Error()
		o.NextAttemptAt = now.Add(e.retryDelay(attempt))
	}
	return o
}

// retryDelay is the backoff after the given failed attempt: base, 2*base,
// 4*base ... capped at retryCap, without jitter.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.retryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         e.retryCap,
	}
	b.Reset()

	var d time.Duration
	for range max(attempt, 1) {
		d = b.NextBackOff()
	}
	return d
}

// finish runs when no queued job is left and completes the campaign if
// every job is sent or failed.
func (e *Engine) finish(ctx context.Context, id string) {
	c, done, err := e.store.CompleteCampaignIfDone(ctx, id, e.clock.Now())
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("failed to complete campaign", "campaign_id", id, "error", err)
		}
		return
	}
	if !done {
		e.logger.Debug("no dispatchable jobs left", "campaign_id", id, "status", c.Status)
		return
	}

	e.dropLimiter(id)
	e.logger.Info("campaign completed",
		"campaign_id", id,
		"sent", c.SentCount,
		"failed", c.FailedCount,
		"total", c.TotalContacts)
	e.emit(c, EventCompleted, nil)
}

func (e *Engine) emitProgress(c *store.Campaign, job *store.DispatchJob) {
	if err := CheckFunnel(c); err != nil {
		e.logger.Error("funnel invariant violated", "campaign_id", c.ID, "error", err)
	}
	e.emit(c, EventProgress, job)
}

// emit publishes to the campaign's own topic and its company's collection
// topic.
func (e *Engine) emit(c *store.Campaign, eventType string, job *store.DispatchJob) {
	payload := Event{Campaign: ToView(c)}
	if job != nil {
		jv := ToJobView(job)
		payload.Job = &jv
	}
	e.publisher.Publish(events.Topic(c.CompanyID, events.EntityCampaign, c.ID), eventType, payload)
	e.publisher.Publish(events.Topic(c.CompanyID, events.EntityCampaign, ""), eventType, payload)
}

func startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("campaign.id", id)))
}

func validateRate(sendingRate int) error {
	if sendingRate <= 0 || sendingRate > MaxSendingRate {
		return fmt.Errorf("%w: sending rate must be between 1 and %d per minute", store.ErrInvalidInput, MaxSendingRate)
	}
	return nil
}

// every converts messages per minute into a limiter rate.
func every(sendingRate int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(sendingRate))
}

// roundUpMillis absorbs the float rounding inside rate so a wait never
// comes out a nanosecond short of the configured interval.
func roundUpMillis(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if rem := d % time.Millisecond; rem != 0 {
		d += time.Millisecond - rem
	}
	return d
}
