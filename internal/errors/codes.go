package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for manager and storage operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Operator errors
	ErrCodeInvalidCommand ErrorCode = 1000
	ErrCodeUnknownFormat  ErrorCode = 1001
	ErrCodeInvalidDate    ErrorCode = 1002
	ErrCodeAlreadyLoaded  ErrorCode = 1003
	ErrCodeNotFound       ErrorCode = 1004
	ErrCodeUnknownNode    ErrorCode = 1005

	// Cluster errors
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeNoReplicas      ErrorCode = 2001
	ErrCodeNoStorage       ErrorCode = 2002
	ErrCodeNodeUnavailable ErrorCode = 2003
	ErrCodeTimeout         ErrorCode = 2004
	ErrCodeBusy            ErrorCode = 2005
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:              "OK",
	ErrCodeInvalidCommand:  "INVALID_COMMAND",
	ErrCodeUnknownFormat:   "UNKNOWN_FORMAT",
	ErrCodeInvalidDate:     "INVALID_DATE",
	ErrCodeAlreadyLoaded:   "ALREADY_LOADED",
	ErrCodeNotFound:        "NOT_FOUND",
	ErrCodeUnknownNode:     "UNKNOWN_NODE",
	ErrCodeInternal:        "INTERNAL",
	ErrCodeNoReplicas:      "NO_REPLICAS",
	ErrCodeNoStorage:       "NO_STORAGE",
	ErrCodeNodeUnavailable: "NODE_UNAVAILABLE",
	ErrCodeTimeout:         "TIMEOUT",
	ErrCodeBusy:            "BUSY",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Error is a structured error with code and context
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code for the admin API
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidCommand, ErrCodeUnknownFormat, ErrCodeInvalidDate:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeUnknownNode:
		return http.StatusNotFound
	case ErrCodeAlreadyLoaded:
		return http.StatusConflict
	case ErrCodeNoReplicas, ErrCodeNoStorage, ErrCodeNodeUnavailable, ErrCodeBusy:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new Error
func New(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

func InvalidCommand(message string) *Error {
	return New(ErrCodeInvalidCommand, message, nil)
}

func UnknownFormat(file, format string) *Error {
	return New(ErrCodeUnknownFormat, fmt.Sprintf("unknown file format %q for %s", format, file), nil).
		WithDetail("file", file).
		WithDetail("format", format)
}

func InvalidDate(date string, cause error) *Error {
	return New(ErrCodeInvalidDate, fmt.Sprintf("invalid date %q", date), cause).
		WithDetail("date", date)
}

func AlreadyLoaded(file string) *Error {
	return New(ErrCodeAlreadyLoaded, fmt.Sprintf("file %s is already loaded", file), nil).
		WithDetail("file", file)
}

func NotFound(date string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("no data found for %s", date), nil).
		WithDetail("date", date)
}

func UnknownNode(nodeID, nodes int) *Error {
	return New(ErrCodeUnknownNode, fmt.Sprintf("unknown storage node %d (cluster has %d nodes)", nodeID, nodes), nil).
		WithDetail("node_id", nodeID)
}

func NoReplicas(date string, placementPrimary, placementReplica int) *Error {
	return New(ErrCodeNoReplicas, fmt.Sprintf("no replicas available for %s", date), nil).
		WithDetail("date", date).
		WithDetail("primary", placementPrimary).
		WithDetail("replica", placementReplica)
}

func NoStorage(date string) *Error {
	return New(ErrCodeNoStorage, fmt.Sprintf("no storage available for %s", date), nil).
		WithDetail("date", date)
}

func NodeUnavailable(nodeID int, cause error) *Error {
	return New(ErrCodeNodeUnavailable, fmt.Sprintf("storage node %d is unavailable", nodeID), cause).
		WithDetail("node_id", nodeID)
}

func Timeout(nodeID int, operation string) *Error {
	return New(ErrCodeTimeout, fmt.Sprintf("storage node %d did not answer %s", nodeID, operation), nil).
		WithDetail("node_id", nodeID).
		WithDetail("operation", operation)
}

func Busy(message string) *Error {
	return New(ErrCodeBusy, message, nil)
}

func Internal(message string, cause error) *Error {
	return New(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is reports whether any error in err's chain carries the code
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
