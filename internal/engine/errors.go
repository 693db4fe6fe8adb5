package engine

import "fmt"

// ValidationError indicates malformed protocol or step data. The request is
// rejected with details; nothing is persisted.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// StateError indicates an operation attempted against the wrong lifecycle
// state. Surfaced to the caller, never auto-corrected.
type StateError struct {
	Msg string
}

func (e StateError) Error() string { return e.Msg }

func stateErrorf(format string, args ...any) StateError {
	return StateError{Msg: fmt.Sprintf(format, args...)}
}
