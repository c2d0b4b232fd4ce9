/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a game operation was refused.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"     // unknown session or player
	KindInvalidState ErrorKind = "invalid_state" // operation not valid in the current phase
	KindValidation   ErrorKind = "validation"    // malformed, empty, or duplicate input
	KindConflict     ErrorKind = "conflict"      // duplicate submission
	KindUnauthorized ErrorKind = "unauthorized"  // moderator-only operation
	KindInternal     ErrorKind = "internal"      // unexpected fault, logged server-side
)

// GameError is the structured failure every session and registry
// operation returns. Failed operations mutate nothing.
type GameError struct {
	Kind    ErrorKind
	Message string
}

func (e *GameError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func notFoundf(format string, args ...any) *GameError {
	return &GameError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func invalidStatef(format string, args ...any) *GameError {
	return &GameError{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...any) *GameError {
	return &GameError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) *GameError {
	return &GameError{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func unauthorizedf(format string, args ...any) *GameError {
	return &GameError{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func internalf(format string, args ...any) *GameError {
	return &GameError{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// kindOf extracts the ErrorKind from err, or KindInternal for
// anything that is not a GameError.
func kindOf(err error) ErrorKind {
	var ge *GameError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}
