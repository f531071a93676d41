package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the failures a storefront operation can report.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
	KindConflict
	KindGateway
	KindGatewayUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindNotFound:
		return "NotFoundError"
	case KindUnauthorized:
		return "UnauthorizedError"
	case KindConflict:
		return "ConflictError"
	case KindGateway:
		return "GatewayError"
	case KindGatewayUnavailable:
		return "GatewayUnavailable"
	default:
		return "InternalError"
	}
}

// Error is the tagged error returned by services. Fields carries per-field
// validation messages keyed by the offending input name.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		b.WriteString("(" + e.Code + ")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func NewValidationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// NewFieldError is a validation error for a single named input.
func NewFieldError(field, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "invalid_" + field,
		Message: message,
		Fields:  map[string]string{field: message},
	}
}

func NewNotFoundError(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func NewUnauthorizedError(message string) *Error {
	return &Error{Kind: KindUnauthorized, Code: "unauthorized", Message: message}
}

func NewConflictError(code, message string, err error) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message, Err: err}
}

func NewGatewayUnavailable(err error) *Error {
	return &Error{Kind: KindGatewayUnavailable, Code: "gateway_unavailable", Message: "payment provider unavailable", Err: err}
}

// GatewayError is a failure reported by the payment provider. Transient
// failures (network, 5xx, rate limit) may be retried; everything else is
// surfaced to the caller with the provider's message.
type GatewayError struct {
	Code        string
	DeclineCode string
	Message     string
	StatusCode  int
	Transient   bool
	Err         error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error (%s): %s", e.Code, e.Message)
	}
	return "gateway error: " + e.Message
}

func (e *GatewayError) Unwrap() error { return e.Err }

// KindOf reports the Kind of err, looking through wrapped errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return KindGateway
	}
	return KindInternal
}

// IsKind is shorthand for KindOf(err) == k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Transient
}
