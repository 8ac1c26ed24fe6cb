// Package hserr defines the tagged-sum error categories used throughout
// the core, per the error handling design: errors are typed values, not
// strings, and carry enough structure to pick an HTTP status and Matrix
// errcode without string matching.
package hserr

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Category is the top-level tagged-sum discriminant.
type Category string

const (
	CategoryRequest          Category = "Request"
	CategoryBadServerResponse Category = "BadServerResponse"
	CategoryDatabase         Category = "Database"
	CategorySignatures       Category = "Signatures"
	CategoryRedaction        Category = "Redaction"
	CategoryArithmetic       Category = "Arithmetic"
	CategoryConfig           Category = "Config"
)

// RequestKind is the sub-kind carried by a Request-category error.
type RequestKind string

const (
	RequestNotFound                RequestKind = "NotFound"
	RequestForbidden               RequestKind = "Forbidden"
	RequestInvalidParam            RequestKind = "InvalidParam"
	RequestBadJSON                 RequestKind = "BadJson"
	RequestIncompatibleRoomVersion RequestKind = "IncompatibleRoomVersion"
	RequestTooLarge                RequestKind = "TooLarge"
	RequestURLNotSet               RequestKind = "UrlNotSet"
	RequestLimitExceeded           RequestKind = "LimitExceeded"
)

// Error is the concrete tagged-sum error value. Exactly one of the
// category-specific fields is meaningful, selected by Category.
type Error struct {
	Category Category
	Request  RequestKind // meaningful iff Category == CategoryRequest

	// Server is the offending/originating server name, meaningful for
	// Signatures, Redaction, and BadServerResponse errors.
	Server string

	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("%s(%s) [%s]: %s", e.Category, e.Request, e.Server, e.Message)
	}
	if e.Request != "" {
		return fmt.Sprintf("%s(%s): %s", e.Category, e.Request, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func wrap(format string, args []interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// NotFound builds a Request/NotFound error.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Category: CategoryRequest, Request: RequestNotFound, Message: wrap(format, args)}
}

// Forbidden builds a Request/Forbidden error.
func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Category: CategoryRequest, Request: RequestForbidden, Message: wrap(format, args)}
}

// InvalidParam builds a Request/InvalidParam error.
func InvalidParam(format string, args ...interface{}) *Error {
	return &Error{Category: CategoryRequest, Request: RequestInvalidParam, Message: wrap(format, args)}
}

// BadJSON builds a Request/BadJson error.
func BadJSON(format string, args ...interface{}) *Error {
	return &Error{Category: CategoryRequest, Request: RequestBadJSON, Message: wrap(format, args)}
}

// IncompatibleRoomVersion builds a Request/IncompatibleRoomVersion error.
func IncompatibleRoomVersion(version string) *Error {
	return &Error{Category: CategoryRequest, Request: RequestIncompatibleRoomVersion, Message: "incompatible room version: " + version}
}

// TooLarge builds a Request/TooLarge error.
func TooLarge(format string, args ...interface{}) *Error {
	return &Error{Category: CategoryRequest, Request: RequestTooLarge, Message: wrap(format, args)}
}

// LimitExceeded builds a Request/LimitExceeded error, returned when a
// caller is rate limited.
func LimitExceeded(format string, args ...interface{}) *Error {
	return &Error{Category: CategoryRequest, Request: RequestLimitExceeded, Message: wrap(format, args)}
}

// BadServerResponse builds a BadServerResponse error; never surfaced to
// end users, only logged and counted.
func BadServerResponse(server, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryBadServerResponse, Server: server, Message: wrap(format, args)}
}

// Database builds a Database-category error: a storage invariant was
// violated. Fatal for the affected request, not for the process.
func Database(cause error, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryDatabase, Message: wrap(format, args), Cause: cause}
}

// Signatures builds a Signatures-category error, carrying the offending
// server name.
func Signatures(server, format string, args ...interface{}) *Error {
	return &Error{Category: CategorySignatures, Server: server, Message: wrap(format, args)}
}

// Redaction builds a Redaction-category error, carrying the sender's
// server.
func Redaction(server, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryRedaction, Server: server, Message: wrap(format, args)}
}

// Arithmetic builds an Arithmetic-category error, indicating a bug.
func Arithmetic(format string, args ...interface{}) *Error {
	return &Error{Category: CategoryArithmetic, Message: wrap(format, args)}
}

// Config builds a Config-category error; startup only, aborts.
func Config(cause error, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryConfig, Message: wrap(format, args), Cause: pkgerrors.WithStack(cause)}
}

// As reports whether err (or something it wraps) is an *Error, writing
// it into target on success.
func As(err error, target **Error) bool {
	var e *Error
	if errors.As(err, &e) {
		*target = e
		return true
	}
	return false
}

// HTTPStatus maps a category to the HTTP status client-facing surfaces
// should return, per the error handling design's user-visible failure
// rule.
func HTTPStatus(e *Error) int {
	switch e.Category {
	case CategoryRequest:
		switch e.Request {
		case RequestForbidden:
			return http.StatusForbidden
		case RequestNotFound:
			return http.StatusNotFound
		case RequestBadJSON:
			return http.StatusBadRequest
		case RequestTooLarge:
			return http.StatusRequestEntityTooLarge
		case RequestLimitExceeded:
			return http.StatusTooManyRequests
		default:
			return http.StatusBadRequest
		}
	default:
		return http.StatusInternalServerError
	}
}

// Errcode maps a category/kind to the Matrix `errcode` string.
func Errcode(e *Error) string {
	switch e.Category {
	case CategoryRequest:
		switch e.Request {
		case RequestForbidden:
			return "M_FORBIDDEN"
		case RequestNotFound:
			return "M_NOT_FOUND"
		case RequestBadJSON:
			return "M_BAD_JSON"
		case RequestTooLarge:
			return "M_TOO_LARGE"
		case RequestIncompatibleRoomVersion:
			return "M_INCOMPATIBLE_ROOM_VERSION"
		case RequestInvalidParam:
			return "M_INVALID_PARAM"
		case RequestURLNotSet:
			return "M_URL_NOT_SET"
		case RequestLimitExceeded:
			return "M_LIMIT_EXCEEDED"
		}
	}
	return "M_UNKNOWN"
}

// JSON is the wire shape for client-facing errors.
type JSON struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// ToJSON converts e into the Matrix errcode/error wire shape.
func ToJSON(e *Error) JSON {
	return JSON{ErrCode: Errcode(e), Error: e.Message}
}

// Retryable reports whether the caller may re-drive the operation that
// produced err (e.g. Database errors, per the propagation policy).
func Retryable(err error) bool {
	var e *Error
	if !As(err, &e) {
		return false
	}
	return e.Category == CategoryDatabase
}
