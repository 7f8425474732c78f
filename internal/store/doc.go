// Package store implements the shared key-value tree the occupancy core runs on.
//
// The tree is addressed by slash-separated paths ("counter", "history/<key>",
// "devices/<id>"). Every value is a JSON document. The Store interface offers
// exactly the primitives the toggle protocol needs:
//
//   - Read, Write and Merge for plain access
//   - ConditionalUpdate, a compare-and-swap that re-runs the caller's function
//     until it commits against the latest value or gives up
//   - AppendUnique, which writes under a fresh time-ordered key
//   - Subscribe, which delivers the current value at once and then every
//     committed change, in commit order
//
// Two backends share that behaviour: MemoryStore for a single process and
// SQLiteStore for several processes sharing one database file. With MQTT
// available, Fanout relays committed paths between processes so their
// subscribers see each other's writes.
//
// Writes to two different paths are independent. Nothing here makes a
// counter update and a history append atomic as a pair.
package store
