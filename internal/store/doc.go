// Package store provides persistent storage for relaydesk.
//
// # Architecture
//
// The store package is interface-driven:
//
//   - ConversationStore: inbound routing and conversation ownership transitions
//   - CampaignStore: campaigns, audiences, dispatch jobs and funnel counters
//   - EventJournal: the bounded per-topic recent-event log
//
// SQLStore implements all of them on database/sql; MockStore implements the
// same semantics in memory for unit tests.
//
// # Conditional Writes
//
// Every state change is one conditional UPDATE (compare-and-set on the
// current status). When the condition does not hold nothing is written and
// the caller gets one of:
//
//   - ErrNotFound: the entity does not exist
//   - ErrInvalidTransition: the current status does not allow the change
//   - ErrConflict: a concurrent writer got there first
//
// A dispatch job's state change and the campaign counter it feeds always
// commit in the same transaction, so the funnel
// (sent <= total, delivered <= sent, read <= delivered, replied <= read,
// sent + failed <= total) holds at every observable point. The schema
// repeats the funnel as CHECK constraints.
//
// # Drivers
//
// Three database/sql drivers are registered:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, cgo
//   - "postgres": github.com/lib/pq; ? placeholders are rebound to $n
//
// SQLite runs in WAL mode with foreign keys on and a single open
// connection. Use NewSQLiteStore(":memory:") for integration tests.
package store
