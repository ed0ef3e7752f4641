package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError: bad input shape or amount mismatch. Caller's fault,
// no side effects were performed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func Validation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError: unknown order, payment or gateway reference.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

func NotFound(entity, key string) error {
	return &NotFoundError{Entity: entity, Key: key}
}

// InvalidStateTransitionError: the operation is legal, the current state
// does not permit it.
type InvalidStateTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Entity, e.From, e.To)
}

func InvalidTransition(entity, from, to string) error {
	return &InvalidStateTransitionError{Entity: entity, From: from, To: to}
}

// ExternalServiceError: the gateway was unreachable or answered with
// something we do not understand. Wraps the transport error.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	if e.Err == nil {
		return e.Service + ": external service error"
	}
	return e.Service + ": " + e.Err.Error()
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func External(service string, err error) error {
	return &ExternalServiceError{Service: service, Err: err}
}

// AuthenticationError: webhook signature missing or invalid.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication: " + e.Reason
}

func Authentication(reason string) error {
	return &AuthenticationError{Reason: reason}
}

// HTTPStatus maps the taxonomy onto boundary status codes.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		nf *NotFoundError
		st *InvalidStateTransitionError
		ex *ExternalServiceError
		au *AuthenticationError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &au):
		return http.StatusUnauthorized
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &st):
		return http.StatusConflict
	case errors.As(err, &ex):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
