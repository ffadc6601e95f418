// Package dedupe remembers recently seen keys for a bounded time so that
// replayed delivery receipts can be dropped before they reach the store.
//
// The cache is an optimization only. Receipt application in the store is
// idempotent on its own; a cache miss after eviction or restart costs one
// extra conditional write.
package dedupe
