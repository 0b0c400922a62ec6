// Package envelope defines the service error type and the response shapes every
// resource method produces, independent of the transport that writes them.
package envelope

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// ExceptionClass names ServiceError in error responses.
const ExceptionClass = "restline.ServiceError"

// Source says which layer raised an error.
type Source string

const (
	SourceApp       Source = "APP"
	SourceFramework Source = "FRAMEWORK"
)

// ServiceError is an error with an HTTP status and optional structured details.
type ServiceError struct {
	Status           int
	ServiceErrorCode int
	Code             string
	Message          string
	Details          map[string]any
	DetailType       string
	Source           Source
	Cause            error
	stack            []uintptr
}

// New returns an application error with the given status.
func New(status int, message string) *ServiceError {
	return newError(status, message, SourceApp, 3)
}

// Newf is New with formatting.
func Newf(status int, format string, args ...any) *ServiceError {
	return newError(status, fmt.Sprintf(format, args...), SourceApp, 3)
}

func newError(status int, message string, src Source, skip int) *ServiceError {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	return &ServiceError{Status: status, Code: defaultCode(status), Message: message, Source: src, stack: pcs[:n]}
}

func defaultCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func BadRequest(format string, args ...any) *ServiceError {
	return newError(http.StatusBadRequest, fmt.Sprintf(format, args...), SourceFramework, 3)
}

func Unauthorized(format string, args ...any) *ServiceError {
	return newError(http.StatusUnauthorized, fmt.Sprintf(format, args...), SourceFramework, 3)
}

func Forbidden(format string, args ...any) *ServiceError {
	return newError(http.StatusForbidden, fmt.Sprintf(format, args...), SourceFramework, 3)
}

func NotFound(format string, args ...any) *ServiceError {
	return newError(http.StatusNotFound, fmt.Sprintf(format, args...), SourceFramework, 3)
}

func Conflict(format string, args ...any) *ServiceError {
	return newError(http.StatusConflict, fmt.Sprintf(format, args...), SourceFramework, 3)
}

// Validation is 422, used for input that decodes but breaks field rules.
func Validation(format string, args ...any) *ServiceError {
	return newError(http.StatusUnprocessableEntity, fmt.Sprintf(format, args...), SourceFramework, 3)
}

func Internal(format string, args ...any) *ServiceError {
	return newError(http.StatusInternalServerError, fmt.Sprintf(format, args...), SourceFramework, 3)
}

func Unavailable(format string, args ...any) *ServiceError {
	return newError(http.StatusServiceUnavailable, fmt.Sprintf(format, args...), SourceFramework, 3)
}

func Timeout(format string, args ...any) *ServiceError {
	return newError(http.StatusGatewayTimeout, fmt.Sprintf(format, args...), SourceFramework, 3)
}

// Misuse reports a handler contract violation, such as a nil result from a deferred source.
func Misuse(format string, args ...any) *ServiceError {
	e := newError(http.StatusInternalServerError, fmt.Sprintf(format, args...), SourceFramework, 3)
	e.Code = "handler_misuse"
	return e
}

func (e *ServiceError) WithServiceErrorCode(code int) *ServiceError {
	e.ServiceErrorCode = code
	return e
}

func (e *ServiceError) WithCode(code string) *ServiceError {
	e.Code = code
	return e
}

// WithDetails attaches structured details; detailType names their record type.
func (e *ServiceError) WithDetails(detailType string, details map[string]any) *ServiceError {
	e.DetailType, e.Details = detailType, details
	return e
}

func (e *ServiceError) WithCause(err error) *ServiceError {
	e.Cause = err
	return e
}

func (e *ServiceError) Error() string {
	if e.Cause != nil && e.Message != e.Cause.Error() {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// Summary is the first line of the stack trace: class, status, code and message.
func (e *ServiceError) Summary() string {
	var sb strings.Builder
	sb.WriteString(ExceptionClass)
	fmt.Fprintf(&sb, " [HTTP Status:%d", e.Status)
	if e.ServiceErrorCode != 0 {
		fmt.Fprintf(&sb, ", serviceErrorCode:%d", e.ServiceErrorCode)
	}
	sb.WriteString("]: ")
	sb.WriteString(e.Message)
	return sb.String()
}

// StackTrace renders the summary followed by the frames captured at construction.
func (e *ServiceError) StackTrace() string {
	var sb strings.Builder
	sb.WriteString(e.Summary())
	frames := runtime.CallersFrames(e.stack)
	for {
		f, more := frames.Next()
		if f.Function != "" {
			fmt.Fprintf(&sb, "\n\tat %s(%s:%d)", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
	if e.Cause != nil {
		sb.WriteString("\nCaused by: ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// As extracts a ServiceError from err's chain.
func As(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ErrorResponse is the wire body of a failed request or batch item.
type ErrorResponse struct {
	Status           int            `json:"status"`
	ServiceErrorCode int            `json:"serviceErrorCode,omitempty"`
	Code             string         `json:"code,omitempty"`
	Message          string         `json:"message,omitempty"`
	ExceptionClass   string         `json:"exceptionClass,omitempty"`
	ErrorSource      string         `json:"errorSource,omitempty"`
	ErrorDetails     map[string]any `json:"errorDetails,omitempty"`
	ErrorDetailType  string         `json:"errorDetailType,omitempty"`
	StackTrace       string         `json:"stackTrace,omitempty"`
	RequestID        string         `json:"requestId,omitempty"`
}

// ToResponse renders e; the stack trace is included only when withStack is set.
func (e *ServiceError) ToResponse(requestID string, withStack bool) ErrorResponse {
	r := ErrorResponse{
		Status:           e.Status,
		ServiceErrorCode: e.ServiceErrorCode,
		Code:             e.Code,
		Message:          e.Message,
		ExceptionClass:   ExceptionClass,
		ErrorSource:      string(e.Source),
		ErrorDetails:     e.Details,
		ErrorDetailType:  e.DetailType,
		RequestID:        requestID,
	}
	if withStack {
		r.StackTrace = e.StackTrace()
	}
	return r
}

// Data converts the response to a data map for the wire codecs.
func (r ErrorResponse) Data() map[string]any {
	m := map[string]any{"status": int64(r.Status)}
	if r.ServiceErrorCode != 0 {
		m["serviceErrorCode"] = int64(r.ServiceErrorCode)
	}
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put("code", r.Code)
	put("message", r.Message)
	put("exceptionClass", r.ExceptionClass)
	put("errorSource", r.ErrorSource)
	put("errorDetailType", r.ErrorDetailType)
	put("stackTrace", r.StackTrace)
	put("requestId", r.RequestID)
	if len(r.ErrorDetails) > 0 {
		m["errorDetails"] = r.ErrorDetails
	}
	return m
}

// ErrorResponseFromData parses an error body decoded by a wire codec.
func ErrorResponseFromData(m map[string]any) ErrorResponse {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	r := ErrorResponse{
		Status:           toInt(m["status"]),
		ServiceErrorCode: toInt(m["serviceErrorCode"]),
		Code:             str("code"),
		Message:          str("message"),
		ExceptionClass:   str("exceptionClass"),
		ErrorSource:      str("errorSource"),
		ErrorDetailType:  str("errorDetailType"),
		StackTrace:       str("stackTrace"),
		RequestID:        str("requestId"),
	}
	if d, ok := m["errorDetails"].(map[string]any); ok {
		r.ErrorDetails = d
	}
	return r
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	case interface{ Int64() (int64, error) }:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
