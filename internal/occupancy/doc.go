// Package occupancy owns the shared head count and its append-only history.
//
// The counter lives at "counter" and only ever changes through a conditional
// update, so concurrent clients never lose each other's increments. A
// decrement at zero still commits but leaves the value at zero.
//
// Each committed mutation is meant to be paired with one history entry,
// appended under a fresh ordered key rather than by rewriting a list. The
// pair is two separate writes: if the append fails after the counter moved,
// the two disagree and nothing repairs it.
package occupancy
