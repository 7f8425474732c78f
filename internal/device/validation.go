package device

import (
	"fmt"
	"regexp"
)

const maxIDLength = 128

// idRegex admits UUIDs and the "dev-..." fallback form. A slash would split
// the record across store paths, so it is excluded.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateID checks that id can name a device record.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ParseDirection accepts "enter" or "exit", case-sensitively.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Enter, Exit:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}
