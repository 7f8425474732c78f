package occupancy

import "errors"

// Domain errors for the occupancy package.
var (
	// ErrInvalidAction is returned when appending an action other than Entered or Exited.
	ErrInvalidAction = errors.New("occupancy: invalid action")
)
