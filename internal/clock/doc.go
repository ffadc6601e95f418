// Package clock abstracts wall-clock time so timers and waits can be driven
// by a virtual clock in tests.
//
// Production code takes a [Clock] and uses [Real] by default. Tests construct
// a [Fake] and move time forward explicitly with [Fake.Advance]; background
// loops that block in [Sleep] can be synchronized with [Fake.WaitForTimers].
package clock
