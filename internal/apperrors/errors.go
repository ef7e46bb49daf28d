package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindMapping        Kind = "mapping"
	KindValidation     Kind = "validation"
	KindAmbiguousParty Kind = "ambiguous_party"
	KindAuthentication Kind = "authentication"
	KindTransport      Kind = "transport"
	KindNotFound       Kind = "not_found"
	KindMethod         Kind = "method_not_allowed"
	KindInternal       Kind = "internal"
)

// Protocol status codes carried in the response envelope.
const (
	StatusSuccess             = 1000
	StatusClientError         = 2000
	StatusInvalidParameters   = 2001
	StatusNotEnoughInfo       = 2002
	StatusUnknownLocation     = 2003
	StatusUnknownToken        = 2004
	StatusServerError         = 3000
	StatusUnableToUseClient   = 3001
	StatusUnsupportedVersion  = 3002
	StatusNoMatchingEndpoints = 3003
)

// Error is the single error type used across the bridge.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Is matches on Kind and Code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func NewMappingError(code, message string) *Error {
	return &Error{Kind: KindMapping, Code: code, Message: message}
}

func NewValidationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func NewAmbiguousPartyError(message string) *Error {
	return &Error{Kind: KindAmbiguousParty, Code: "AMBIGUOUS_PARTY", Message: message}
}

func NewAuthenticationError(message string) *Error {
	return &Error{Kind: KindAuthentication, Code: "UNAUTHENTICATED", Message: message}
}

func NewTransportError(counterpart, message string) *Error {
	return &Error{Kind: KindTransport, Code: "TRANSPORT", Message: fmt.Sprintf("%s: %s", counterpart, message)}
}

func NewNotFoundError(resource string) *Error {
	return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: fmt.Sprintf("%s not found", resource)}
}

// NewUnknownLocationError is the not-found error of location and EVSE
// lookups; it carries the dedicated envelope status.
func NewUnknownLocationError(resource string) *Error {
	return &Error{Kind: KindNotFound, Code: codeUnknownLocation, Message: fmt.Sprintf("%s not found", resource)}
}

func NewMethodNotAllowedError(method, path string) *Error {
	return &Error{Kind: KindMethod, Code: "METHOD_NOT_ALLOWED", Message: fmt.Sprintf("method %s not allowed on %s", method, path)}
}

func NewInternalError(message string) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: message}
}

var (
	ErrOrphanEntity       = NewMappingError("ORPHAN_ENTITY", "owning entity is not mapped")
	ErrRetiredId          = NewMappingError("RETIRED_ID", "protocol identifier was retired")
	ErrAmbiguousConnector = NewValidationError("AMBIGUOUS_CONNECTOR", "charging connector is ambiguous")
	ErrDuplicateCDR       = NewValidationError("DUPLICATE_CDR", "cdr already stored")
)

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

const codeUnknownLocation = "UNKNOWN_LOCATION"

// StatusCodes maps an error onto the envelope status code and the HTTP status.
func StatusCodes(err error) (int, int) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindNotFound && e.Code == codeUnknownLocation {
		return StatusUnknownLocation, http.StatusNotFound
	}
	switch KindOf(err) {
	case KindAuthentication:
		return StatusClientError, http.StatusUnauthorized
	case KindAmbiguousParty:
		return StatusNotEnoughInfo, http.StatusBadRequest
	case KindValidation, KindMapping:
		return StatusInvalidParameters, http.StatusBadRequest
	case KindNotFound:
		return StatusClientError, http.StatusNotFound
	case KindMethod:
		return StatusClientError, http.StatusMethodNotAllowed
	case KindTransport:
		return StatusUnableToUseClient, http.StatusBadGateway
	default:
		return StatusServerError, http.StatusInternalServerError
	}
}
