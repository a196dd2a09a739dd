// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"errors"
	"fmt"
)

const (
	// StateFailed is terminal until the archive is imported again.
	StateFailed State = iota
	// StateImported is the state after a successful import and after stop.
	StateImported
	// StateChecked means dependency and overlay edges are resolved.
	StateChecked
	// StateStarted means the module's code is running.
	StateStarted
)

// ErrInvalidState is returned when a State value is not a lifecycle state.
var ErrInvalidState = errors.New("invalid state")

type (
	// State is the lifecycle state of a module.
	State int32

	// InvalidStateError is returned when a State value is not recognized.
	// It wraps ErrInvalidState for errors.Is() compatibility.
	InvalidStateError struct {
		Value State
	}
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateFailed:
		return "failed"
	case StateImported:
		return "imported"
	case StateChecked:
		return "checked"
	case StateStarted:
		return "started"
	default:
		return "unknown"
	}
}

// Error implements the error interface for InvalidStateError.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state %d (valid: 0=failed, 1=imported, 2=checked, 3=started)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// Validate returns nil if the State is one of the defined lifecycle states.
func (s State) Validate() error {
	switch s {
	case StateFailed, StateImported, StateChecked, StateStarted:
		return nil
	default:
		return &InvalidStateError{Value: s}
	}
}

// MarshalText renders the state name, for JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, v := range []State{StateFailed, StateImported, StateChecked, StateStarted} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("%w %q", ErrInvalidState, text)
}
