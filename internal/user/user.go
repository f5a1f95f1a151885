// Package user defines the identity every other component keys its state by.
package user

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is the platform-assigned identifier of an end user, as seen by the
// control surface. It is never generated locally.
type ID int64

// Parse converts the decimal string form of an ID. Zero, negative and
// non-numeric values are rejected.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid user id %q: must be positive", s)
	}
	return ID(n), nil
}

// String returns the decimal form of the ID.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Valid reports whether the ID could have been assigned by the platform.
func (id ID) Valid() bool {
	return id > 0
}
