// Package campaign dispatches bulk outbound campaigns through a Channel
// Provider at a per-campaign sending rate.
//
// # Lifecycle
//
//	draft --launch--> running --pause--> paused --resume--> running
//	running --(all jobs sent or failed)--> completed
//	draft|running|paused --cancel--> failed
//
// # Workers
//
// Each running campaign has exactly one worker goroutine. The worker takes
// the due queued job with the earliest next attempt, waits for a token from
// a burst-1 limiter refilled every 60000/sendingRate ms, marks the job in
// flight with a write that only succeeds while the campaign is running,
// and hands it to the provider. The outcome and its counter increment
// commit together.
//
// Pausing cancels the worker's waits immediately. A submission already
// marked in flight runs to completion on a detached context.
//
// # Retries
//
// Permanent provider errors fail the job at once. Transient errors are
// retried with exponential backoff (base, 2*base, ... up to a cap) until
// the attempt limit, after which the job fails. One failed job never
// aborts the campaign.
//
// # Recovery
//
// Start and Resume reconcile jobs left in flight by a crash. If the
// provider can confirm the job's idempotency key was accepted the job is
// recorded sent; otherwise it is requeued, so delivery is at-least-once
// for providers that cannot confirm.
//
// # Receipts
//
// Delivery receipts advance sent -> delivered -> read -> replied and never
// regress. A receipt that skips a stage counts the skipped stages too, so
// replied <= read <= delivered <= sent holds at every point.
package campaign
