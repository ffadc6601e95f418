// Package conversation owns the lifecycle of customer conversations.
//
// # State Machine
//
//	unassigned --claim--> active --resolve--> closed
//	     ^                  |  ^                  |
//	     +----release-------+  +-----reopen-------+
//
// reassign overwrites the owner of an active conversation.
//
// Every transition is a single conditional write in the store. Two agents
// claiming the same conversation at once produce exactly one winner; the
// loser gets store.ErrConflict and should refresh rather than retry. A
// transition from the wrong source state fails with
// store.ErrInvalidTransition and writes nothing.
//
// # Owners Across Close
//
// resolve clears the owner but remembers it; reopen restores it. This keeps
// "owner implies active" true while closed conversations come back to the
// agent who handled them.
//
// # Events
//
// Each transition publishes a conversation.* event to both the
// conversation topic ({company}:conversation:{id}) and the company's
// collection topic ({company}:conversation). Resolve also hands the
// conversation to the SurveyScheduler on a detached goroutine; a survey
// failure never fails the resolve.
package conversation
