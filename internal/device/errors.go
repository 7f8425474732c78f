package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // first contact has not happened yet
//	}
var (
	// ErrDeviceNotFound is returned when no record exists for a device ID.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidID is returned when a device ID is empty, too long or
	// contains characters that cannot appear in a store path.
	ErrInvalidID = errors.New("device: invalid id")

	// ErrInvalidDirection is returned when a toggle direction is not recognised.
	ErrInvalidDirection = errors.New("device: invalid direction")
)
