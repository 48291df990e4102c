package sessions

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConfiguration   = errors.New("invalid configuration")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotFound               = errors.New("session not found")
	// ErrNotEditable is returned for edits and deletes of running sessions and
	// edits of terminal ones.
	ErrNotEditable = errors.New("session cannot be modified in its current state")
	// ErrBusy is returned when another process drives the session.
	ErrBusy = errors.New("session is active in another process")
	// ErrStatusChanged is returned when a session's status moved between
	// reading and writing it.
	ErrStatusChanged = fmt.Errorf("%w: status changed concurrently", ErrInvalidStateTransition)
)

// FieldProblem describes one invalid configuration field.
type FieldProblem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ConfigError lists every problem found in a configuration.
type ConfigError struct {
	Problems []FieldProblem
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return ErrInvalidConfiguration.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// TransitionError is returned when cmd is illegal in status From.
type TransitionError struct {
	From    Status
	Command Command
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s a %s session", ErrInvalidStateTransition.Error(), e.Command, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}
