package device

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/headcount/internal/occupancy"
	"github.com/nerrad567/headcount/internal/store"
)

// DevicesPath is the store path under which device records live.
const DevicesPath = "devices"

// Path returns the store path of a device record.
func Path(id string) string {
	return store.Join(DevicesPath, id)
}

// Status is a device's presence state.
type Status string

// Device statuses. An absent or unknown status reads as StatusOut.
const (
	StatusIn  Status = "in"
	StatusOut Status = "out"
)

// ParseStatus maps a stored value onto a Status.
func ParseStatus(s string) Status {
	if Status(s) == StatusIn {
		return StatusIn
	}
	return StatusOut
}

// Direction is the transition a toggle requests.
type Direction string

// Toggle directions.
const (
	Enter Direction = "enter"
	Exit  Direction = "exit"
)

// Target is the status the direction moves a device into.
func (d Direction) Target() Status {
	if d == Enter {
		return StatusIn
	}
	return StatusOut
}

// Action is the history action recorded for the direction.
func (d Direction) Action() occupancy.Action {
	if d == Enter {
		return occupancy.Entered
	}
	return occupancy.Exited
}

// Next returns the direction a toggle from status s requests.
func Next(s Status) Direction {
	if s == StatusIn {
		return Exit
	}
	return Enter
}

// User-visible notices.
const (
	NoticeAlreadyIn      = "You are already checked in."
	NoticeAlreadyOut     = "You are already checked out."
	NoticeEnterFailed    = "Failed to increase count. Check console for details."
	NoticeExitFailed     = "Failed to decrease count. Check console for details."
	noticeUnknownFailure = "Toggle failed. Check console for details."
)

func (d Direction) rejectedNotice() string {
	if d == Enter {
		return NoticeAlreadyIn
	}
	return NoticeAlreadyOut
}

func (d Direction) failedNotice() string {
	switch d {
	case Enter:
		return NoticeEnterFailed
	case Exit:
		return NoticeExitFailed
	default:
		return noticeUnknownFailure
	}
}

// Device is the record stored at devices/<id>.
type Device struct {
	ID        string    `json:"id"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	UserAgent string    `json:"userAgent,omitempty"`
	Visits    int       `json:"visits"`
	Status    Status    `json:"status"`

	// Lock is set while a toggle for this device is in progress somewhere.
	Lock bool `json:"lock,omitempty"`
}

// decodeDevice reads a stored record. Fields that fail to decode keep their
// zero value so a damaged record still yields a usable status.
func decodeDevice(id string, raw json.RawMessage) (*Device, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	d := &Device{ID: id, Status: StatusOut}
	_ = json.Unmarshal(fields["firstSeen"], &d.FirstSeen) //nolint:errcheck // Zero on damage
	_ = json.Unmarshal(fields["lastSeen"], &d.LastSeen)   //nolint:errcheck // Zero on damage
	_ = json.Unmarshal(fields["userAgent"], &d.UserAgent) //nolint:errcheck // Zero on damage

	var visits float64
	if json.Unmarshal(fields["visits"], &visits) == nil && visits > 0 {
		d.Visits = int(visits)
	}
	var status string
	if json.Unmarshal(fields["status"], &status) == nil {
		d.Status = ParseStatus(status)
	}
	d.Lock = truthy(fields["lock"])
	return d, nil
}

// truthy reports whether a stored value counts as set: anything except
// absent, null, false, 0 and "".
func truthy(raw json.RawMessage) bool {
	if raw == nil {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}
