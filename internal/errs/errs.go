// Package errs holds the error taxonomy shared by the trading engine, its
// collaborators and the API layer. Callers match with errors.As.
package errs

import "fmt"

// ConfigurationError reports missing or invalid credentials or parameters.
// It is fatal at startup and never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// GatewayError is a transient network or exchange fault. The evaluation loop
// recovers from it by waiting for the next cadence.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// OrderRejectedError means the exchange refused an order. No trade is recorded.
type OrderRejectedError struct {
	Symbol string
	Side   string
	Code   int
	Reason string
}

func (e *OrderRejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("order %s %s rejected (code %d): %s", e.Side, e.Symbol, e.Code, e.Reason)
	}
	return fmt.Sprintf("order %s %s rejected: %s", e.Side, e.Symbol, e.Reason)
}

// InvalidStateError is an illegal state transition, e.g. closing a closed
// trade or starting a session twice.
type InvalidStateError struct {
	Entity string
	ID     string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %q", e.Op, e.Entity, e.ID, e.State)
}

// AlreadyRunningError is returned by the registry when the user already owns a
// non-terminal session.
type AlreadyRunningError struct {
	UserID    string
	SessionID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("bot already running for user %s (session %s)", e.UserID, e.SessionID)
}

// NotRunningError is returned by the registry when no session is registered
// for the user.
type NotRunningError struct {
	UserID string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("no active bot for user %s", e.UserID)
}

// NotFoundError reports an unknown trade or session id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}
