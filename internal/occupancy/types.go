package occupancy

import (
	"encoding/json"
	"math"
)

// Store paths owned by the ledger.
const (
	CounterPath     = "counter"
	HistoryPath     = "history"
	ResetMarkerPath = "lastDailyReset"
)

// TimeLayout renders HistoryEntry.Time, e.g. "10/16/2026, 1:05:09 PM".
const TimeLayout = "1/2/2006, 3:04:05 PM"

// Action is what a history entry records.
type Action string

// Recorded actions.
const (
	Entered Action = "Entered"
	Exited  Action = "Exited"
)

// HistoryEntry is one committed toggle. Entries are never modified.
type HistoryEntry struct {
	// Key is the store key the entry was appended under. Not persisted in the value.
	Key string `json:"-"`

	Action   Action `json:"action"`
	Count    int    `json:"count"`
	Time     string `json:"time"`
	DeviceID string `json:"deviceId"`
	TS       int64  `json:"ts"`
}

// Mutation is the result of Increment or Decrement.
// Committed with Count == Previous is possible: a decrement at zero.
type Mutation struct {
	Committed bool
	Count     int
	Previous  int
}

// DecodeCount reads a stored counter. Absent, non-numeric and negative
// values all read as 0.
func DecodeCount(raw json.RawMessage) int {
	if raw == nil {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}
