// ABOUTME: HTTP API for conversations, presence, campaigns and provider receipts
// ABOUTME: chi routes behind actor token auth, with JSON errors mapped from store sentinels

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/relaydesk/internal/auth"
	"github.com/2389/relaydesk/internal/campaign"
	"github.com/2389/relaydesk/internal/channel"
	"github.com/2389/relaydesk/internal/conversation"
	"github.com/2389/relaydesk/internal/events"
	"github.com/2389/relaydesk/internal/presence"
	"github.com/2389/relaydesk/internal/store"
)

// maxBodyBytes bounds request bodies; campaign audiences are the largest.
const maxBodyBytes = 8 << 20

// Services are the components the API drives.
type Services struct {
	Conversations *conversation.Service
	Campaigns     *campaign.Engine
	Presence      *presence.Throttler
	Bus           *events.Bus
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// API serves the HTTP endpoints.
type API struct {
	svc      Services
	verifier auth.TokenVerifier
	logger   *slog.Logger

	// streams is closed by CloseStreams to end every open event stream
	streams     chan struct{}
	streamsOnce sync.Once
}

// NewAPI creates an API.
func NewAPI(svc Services, verifier auth.TokenVerifier, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		svc:      svc,
		verifier: verifier,
		logger:   logger.With("component", "api"),
		streams:  make(chan struct{}),
	}
}

// CloseStreams ends every open event stream. http.Server.Shutdown does not
// interrupt long-lived handlers, so the server calls this on shutdown.
func (a *API) CloseStreams() {
	a.streamsOnce.Do(func() { close(a.streams) })
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Health endpoints - no auth required
	r.Get("/health", a.handleHealth)
	r.Get("/health/ready", a.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(a.verifier, a.logger))

		r.Get("/events", a.handleEvents)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", a.handleListConversations)
			r.Post("/inbound", a.handleInbound)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetConversation)
				r.Post("/claim", a.handleClaim)
				r.Post("/resolve", a.ownedAction(a.svc.Conversations.Resolve, a.svc.Conversations.ResolveOwned))
				r.Post("/reopen", a.conversationAction(a.svc.Conversations.Reopen))
				r.Post("/release", a.ownedAction(a.svc.Conversations.Release, a.svc.Conversations.ReleaseOwned))
				r.Post("/read", a.conversationAction(a.svc.Conversations.MarkRead))
				r.With(auth.RequireSupervisor()).Post("/reassign", a.handleReassign)
				r.Post("/presence", a.handleSetPresence)
				r.Get("/presence", a.handleGetPresence)
			})
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Use(auth.RequireSupervisor())
			r.Get("/", a.handleListCampaigns)
			r.Post("/", a.handleCreateCampaign)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetCampaign)
				r.Get("/jobs", a.handleListJobs)
				r.Post("/launch", a.campaignAction(a.svc.Campaigns.Launch))
				r.Post("/pause", a.campaignAction(a.svc.Campaigns.Pause))
				r.Post("/resume", a.campaignAction(a.svc.Campaigns.Resume))
				r.Post("/cancel", a.campaignAction(a.svc.Campaigns.Cancel))
				r.Put("/rate", a.handleSetRate)
			})
		})

		r.With(auth.RequireSupervisor()).Post("/webhooks/receipts", a.handleReceipt)
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.svc.Ready != nil {
		if err := a.svc.Ready(r.Context()); err != nil {
			a.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d campaign workers)", a.svc.Campaigns.ActiveWorkers())
}

// Conversations

// InboundRequest is the body of POST /api/conversations/inbound.
type InboundRequest struct {
	ContactID   string `json:"contact_id"`
	ChannelType string `json:"channel_type"`
}

// ReassignRequest is the body of POST /api/conversations/{id}/reassign.
type ReassignRequest struct {
	ActorID string `json:"actor_id"`
}

// PresenceRequest is the body of POST /api/conversations/{id}/presence.
type PresenceRequest struct {
	State string `json:"state"`
}

func (a *API) handleInbound(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())

	var req InboundRequest
	if !a.decode(w, r, &req) {
		return
	}
	conv, err := a.svc.Conversations.RecordInbound(r.Context(), conversation.InboundMessage{
		CompanyID:   actor.CompanyID,
		ContactID:   req.ContactID,
		ChannelType: store.ChannelType(req.ChannelType),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversation.ToView(conv))
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())
	q := r.URL.Query()

	limit, ok := a.limit(w, r)
	if !ok {
		return
	}
	convs, err := a.svc.Conversations.List(r.Context(), store.ConversationFilter{
		CompanyID:  actor.CompanyID,
		Status:     store.ConversationStatus(q.Get("status")),
		AssignedTo: q.Get("assigned_to"),
		Limit:      limit,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	views := make([]conversation.View, 0, len(convs))
	for _, c := range convs {
		views = append(views, conversation.ToView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

// conversationFor loads the path conversation and hides other tenants'
// conversations behind a 404.
func (a *API) conversationFor(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	actor := auth.MustFromContext(r.Context())
	conv, err := a.svc.Conversations.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && conv.CompanyID != actor.CompanyID {
		err = store.ErrNotFound
	}
	if err != nil {
		a.writeServiceError(w, err)
		return nil, false
	}
	return conv, true
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversationFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conversation.ToView(conv))
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversationFor(w, r)
	if !ok {
		return
	}
	actor := auth.MustFromContext(r.Context())
	updated, err := a.svc.Conversations.Claim(r.Context(), conv.ID, actor.ID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversation.ToView(updated))
}

func (a *API) handleReassign(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversationFor(w, r)
	if !ok {
		return
	}
	var req ReassignRequest
	if !a.decode(w, r, &req) {
		return
	}
	updated, err := a.svc.Conversations.Reassign(r.Context(), conv.ID, req.ActorID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversation.ToView(updated))
}

// conversationAction adapts a transition that needs only the id.
func (a *API) conversationAction(fn func(ctx context.Context, id string) (*store.Conversation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := a.conversationFor(w, r)
		if !ok {
			return
		}
		updated, err := fn(r.Context(), conv.ID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conversation.ToView(updated))
	}
}

// ownedAction runs unscoped for supervisors and owned for everyone else, so
// an agent can only act on conversations assigned to them.
func (a *API) ownedAction(
	unscoped func(ctx context.Context, id string) (*store.Conversation, error),
	owned func(ctx context.Context, id, actorID string) (*store.Conversation, error),
) http.HandlerFunc {
	return a.conversationAction(func(ctx context.Context, id string) (*store.Conversation, error) {
		actor := auth.MustFromContext(ctx)
		if actor.CanSupervise() {
			return unscoped(ctx, id)
		}
		return owned(ctx, id, actor.ID)
	})
}

func (a *API) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversationFor(w, r)
	if !ok {
		return
	}
	var req PresenceRequest
	if !a.decode(w, r, &req) {
		return
	}
	actor := auth.MustFromContext(r.Context())
	published, err := a.svc.Presence.SetPresence(conv.CompanyID, conv.ID, actor.ID, presence.State(req.State))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"published": published})
}

func (a *API) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.conversationFor(w, r)
	if !ok {
		return
	}
	states := a.svc.Presence.Snapshot(conv.ID)
	if states == nil {
		states = []presence.PresenceState{}
	}
	writeJSON(w, http.StatusOK, states)
}

// Campaigns

// ContactRequest is one audience member.
type ContactRequest struct {
	ContactID   string `json:"contact_id"`
	Address     string `json:"address"`
	ChannelType string `json:"channel_type"`
}

// CreateCampaignRequest is the body of POST /api/campaigns.
type CreateCampaignRequest struct {
	Name        string           `json:"name"`
	Content     string           `json:"content"`
	SendingRate int              `json:"sending_rate"`
	Audience    []ContactRequest `json:"audience"`
}

// SetRateRequest is the body of PUT /api/campaigns/{id}/rate.
type SetRateRequest struct {
	SendingRate int `json:"sending_rate"`
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())

	var req CreateCampaignRequest
	if !a.decode(w, r, &req) {
		return
	}
	audience := make([]channel.Contact, 0, len(req.Audience))
	for _, c := range req.Audience {
		audience = append(audience, channel.Contact{
			ContactID:   c.ContactID,
			Address:     c.Address,
			ChannelType: store.ChannelType(c.ChannelType),
		})
	}

	c, err := a.svc.Campaigns.Create(r.Context(), campaign.CreateRequest{
		CompanyID:   actor.CompanyID,
		Name:        req.Name,
		Content:     req.Content,
		SendingRate: req.SendingRate,
		Audience:    audience,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign.ToView(c))
}

func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())

	limit, ok := a.limit(w, r)
	if !ok {
		return
	}
	var statuses []store.CampaignStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, store.CampaignStatus(strings.TrimSpace(s)))
		}
	}

	list, err := a.svc.Campaigns.List(r.Context(), store.CampaignFilter{
		CompanyID: actor.CompanyID,
		Statuses:  statuses,
		Limit:     limit,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	views := make([]campaign.View, 0, len(list))
	for _, c := range list {
		views = append(views, campaign.ToView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) campaignFor(w http.ResponseWriter, r *http.Request) (*store.Campaign, bool) {
	actor := auth.MustFromContext(r.Context())
	c, err := a.svc.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && c.CompanyID != actor.CompanyID {
		err = store.ErrNotFound
	}
	if err != nil {
		a.writeServiceError(w, err)
		return nil, false
	}
	return c, true
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := a.campaignFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, campaign.ToView(c))
}

func (a *API) campaignAction(fn func(ctx context.Context, id string) (*store.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := a.campaignFor(w, r)
		if !ok {
			return
		}
		updated, err := fn(r.Context(), c.ID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, campaign.ToView(updated))
	}
}

func (a *API) handleSetRate(w http.ResponseWriter, r *http.Request) {
	c, ok := a.campaignFor(w, r)
	if !ok {
		return
	}
	var req SetRateRequest
	if !a.decode(w, r, &req) {
		return
	}
	updated, err := a.svc.Campaigns.SetSendingRate(r.Context(), c.ID, req.SendingRate)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign.ToView(updated))
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	c, ok := a.campaignFor(w, r)
	if !ok {
		return
	}
	limit, ok := a.limit(w, r)
	if !ok {
		return
	}
	jobs, err := a.svc.Campaigns.Jobs(r.Context(), c.ID, store.JobState(r.URL.Query().Get("state")), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	views := make([]campaign.JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, campaign.ToJobView(j))
	}
	writeJSON(w, http.StatusOK, views)
}

// Receipts

// ReceiptResponse reports whether a receipt changed anything.
type ReceiptResponse struct {
	Applied bool `json:"applied"`
}

func (a *API) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var receipt channel.Receipt
	if !a.decode(w, r, &receipt) {
		return
	}
	actor := auth.MustFromContext(r.Context())
	applied, err := a.svc.Campaigns.HandleReceiptFor(r.Context(), actor.CompanyID, receipt)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReceiptResponse{Applied: applied})
}

// helpers

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (a *API) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// writeServiceError maps domain errors onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrNotOwner):
		sendJSONError(w, http.StatusForbidden, "conversation is assigned to another agent")
	case errors.Is(err, store.ErrConflict):
		sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, presence.ErrInvalidState),
		errors.Is(err, events.ErrInvalidTopic):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error("request failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
