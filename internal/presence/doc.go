// Package presence debounces transient activity indicators ("is typing",
// "is recording") per conversation and actor.
//
// SetPresence publishes a presence.changed event only when the state differs
// from the last one broadcast for the pair; repeats are swallowed. Every
// non-paused state arms a single-shot timer that demotes the pair back to
// paused, so an indicator left behind by a closed browser tab clears itself
// within one timeout window. A newer call cancels the pending timer, and a
// generation number makes a timer that already fired harmless.
//
// A pair with no entry is paused.
package presence
