// ABOUTME: Server-Sent Events stream of bus topics for connected clients
// ABOUTME: Sends the topic backlog first, then every live event, with keepalive comments

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/relaydesk/internal/auth"
	"github.com/2389/relaydesk/internal/events"
)

const sseKeepalive = 15 * time.Second

// handleEvents handles GET /api/events?topic=... . The topic must belong to
// the caller's company.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	actor := auth.MustFromContext(r.Context())

	topic := r.URL.Query().Get("topic")
	parts, err := events.ParseTopic(topic)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if parts.CompanyID != actor.CompanyID {
		sendJSONError(w, http.StatusForbidden, "topic belongs to another company")
		return
	}

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	backlog, sub := a.svc.Bus.Subscribe(ctx, topic)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if backlog == nil {
		backlog = []events.Event{}
	}
	a.writeSSEEvent(w, "backlog", backlog)
	flusher.Flush()

	a.logger.Debug("event stream opened", "topic", topic, "actor_id", actor.ID, "backlog", len(backlog))

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.streams:
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			a.writeSSEEvent(w, "event", ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a Server-Sent Event to the response writer.
func (a *API) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		a.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
