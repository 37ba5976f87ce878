// Package anchor defines the constitutional anchor: a fixed hexadecimal
// identifier that is embedded in every persisted record and verified at
// every component boundary. A component refuses construction when its
// configured anchor does not match the process-wide value.
package anchor

import (
	"errors"
	"fmt"
)

// Hash is a 16-character lowercase hex constitutional anchor.
type Hash string

// Default is the anchor compiled into this build. Deployments may override
// it through configuration, but every component in a process must agree.
const Default Hash = "cdd01ef066bc6cf2"

// ErrMismatch indicates a record or component carried a different anchor
// than the process-wide configured value.
var ErrMismatch = errors.New("constitutional anchor mismatch")

// ErrMalformed indicates the anchor is not a 16-character hex string.
var ErrMalformed = errors.New("constitutional anchor malformed")

// Valid reports whether h is well-formed (16 lowercase hex characters).
func (h Hash) Valid() bool {
	if len(h) != 16 {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (h Hash) String() string { return string(h) }

// Verify checks that got is well-formed and equals want.
func Verify(got, want Hash) error {
	if !got.Valid() {
		return fmt.Errorf("%w: %q", ErrMalformed, got)
	}
	if got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrMismatch, got, want)
	}
	return nil
}
