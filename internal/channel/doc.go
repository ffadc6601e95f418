// Package channel defines the capabilities relaydesk consumes from the
// outside world: the Channel Provider that delivers outbound messages and
// reports receipts, and the Survey Scheduler invoked when a conversation is
// resolved.
//
// Provider errors are classified with Transient and Permanent. Anything not
// explicitly marked permanent, including deadline expiry and plain network
// errors, is treated as transient and retried by the dispatch engine.
//
// Loopback is an in-process Provider for development and tests. It accepts
// every message unless a failure was scripted for the contact, and it
// implements Reconciler so crash recovery can be exercised.
package channel
