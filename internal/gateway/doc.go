// Package gateway wires the relaydesk components together and serves the
// HTTP API.
//
// # Overview
//
// New opens the store, builds the event bus, presence throttler, survey
// scheduler, conversation service and campaign engine, and dials the
// RabbitMQ bridge when it is enabled. Run recovers running campaigns,
// listens on TCP or on a tailnet through tsnet, and blocks until the
// context is cancelled.
//
// # Routes
//
// Health routes need no token:
//
//	GET  /health                 liveness
//	GET  /health/ready           store ping, 503 on failure
//
// Everything under /api requires a bearer token:
//
//	GET  /api/events?topic=      SSE stream, backlog first
//	GET  /api/conversations
//	POST /api/conversations/inbound
//	GET  /api/conversations/{id}
//	POST /api/conversations/{id}/claim|resolve|reopen|release|read
//	POST /api/conversations/{id}/reassign          supervisor
//	POST /api/conversations/{id}/presence
//	GET  /api/conversations/{id}/presence
//	GET  /api/campaigns
//	POST /api/campaigns
//	GET  /api/campaigns/{id}
//	GET  /api/campaigns/{id}/jobs?state=
//	POST /api/campaigns/{id}/launch|pause|resume|cancel
//	PUT  /api/campaigns/{id}/rate
//	POST /api/webhooks/receipts                    supervisor
//
// Campaign routes and the receipt webhook require the supervisor or
// admin role. Agents may resolve or release only conversations assigned
// to them; supervisors may act on any.
//
// # Errors
//
// Errors are JSON objects of the form {"error": "..."}. Not found maps
// to 404, conflicts to 409, invalid transitions to 422 and bad input
// to 400. Acting on another agent's conversation is 403. Records owned
// by another company are reported as not found.
package gateway
