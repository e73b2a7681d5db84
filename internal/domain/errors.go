package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record or account does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAuthRequired is returned when an operation needs an identity and none is present.
	ErrAuthRequired = errors.New("authentication required")
)

// ValidationError reports bad user input. It is always recoverable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// AuthError reports a failed credential check or a rejected registration.
type AuthError struct {
	Reason string
}

func (e AuthError) Error() string {
	return "auth: " + e.Reason
}

// UnauthorizedRoleError is returned when credentials are valid but the account
// cannot use the entry point it logged in through.
type UnauthorizedRoleError struct {
	Role  Role
	Entry string
}

func (e UnauthorizedRoleError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("no account found for %s entry", e.Entry)
	}
	return fmt.Sprintf("role %s cannot use %s entry", e.Role, e.Entry)
}

// TransitionError is returned when a lifecycle change does not apply to the
// report's current status.
type TransitionError struct {
	From Status
	To   Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("cannot move report from %s to %s", e.From, e.To)
}
