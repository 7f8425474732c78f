// Package device tracks cafeteria devices and runs the per-device toggle
// protocol.
//
// A device is one browser or simulator identified by a long-lived ID. Its
// record lives in the store at devices/<id> and carries the in/out status
// plus a lock field that serialises toggles across every process sharing
// the store.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                         Sessions                              │
//	│   one Session per device ID, created lazily per process       │
//	│                                                               │
//	│  ┌──────────────────┐      ┌──────────────────────────────┐  │
//	│  │     Session      │─────▶│   Registry (devices/<id>)     │  │
//	│  │ • in-flight guard│      │ • Register / Get / Status     │  │
//	│  │ • cached status  │      │ • AcquireLock / ReleaseLock   │  │
//	│  └──────────────────┘      │ • SetStatus                   │  │
//	│           │                └──────────────────────────────┘  │
//	│           ▼                                                   │
//	│  ┌──────────────────────────────┐                            │
//	│  │ occupancy.Ledger             │                            │
//	│  │ counter + history            │                            │
//	│  └──────────────────────────────┘                            │
//	└──────────────────────────────────────────────────────────────┘
//
// # Toggle protocol
//
// Session.Request runs these steps:
//
//  1. Return ResultBusy if this session already has a toggle in flight.
//  2. Take the distributed lock with a conditional update that aborts
//     when lock is set. Losing the race returns ResultContended.
//  3. Re-read the authoritative status.
//  4. Same-direction requests return ResultRejected with a notice.
//  5. Increment or decrement the counter. Only a committed mutation is
//     followed by a history append and a status write.
//  6. Release the lock on every path once it was taken.
//
// The counter mutation and the history append are two separate writes. A
// failure between them leaves the counter changed with no history entry;
// nothing compensates for it.
//
// # Thread Safety
//
// Registry, Session and Sessions are safe for concurrent use.
package device
