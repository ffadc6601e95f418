// Package events provides the topic-scoped event bus that keeps connected
// clients' views consistent.
//
// # Topics
//
// Topics are "{companyId}:{entityType}" for collections and
// "{companyId}:{entityType}:{entityId}" for single entities:
//
//	events.Topic("acme", events.EntityConversation, convID)
//
// # Delivery
//
// Publish stamps an event with an id, a per-topic sequence number and the
// current time, appends it to the topic's backlog (the most recent N events,
// 50 by default) and hands it to every subscriber of the topic. Publishes on
// one topic are serialized, so subscribers see them in order. There is no
// ordering across topics.
//
// Each subscriber owns a bounded buffer. When a subscriber falls behind, its
// oldest buffered event is discarded and Subscription.Dropped is incremented;
// publishers never wait.
//
// Subscribe returns the backlog together with the live subscription. The two
// are captured under the topic lock, so a client that renders the backlog and
// then reads the stream sees no gap and no duplicate.
//
// # Persistence and Sinks
//
// With a Journal configured, every event is also written to the store's
// bounded recent-event log and a topic's backlog is reloaded from it the first
// time the topic is used after a restart. Sinks receive a copy of every event;
// the RabbitMQ bridge is one.
package events
