// Package gwerrors defines the gateway's typed error taxonomy (spec §7) and
// the external error-reporting sink interface.
package gwerrors

import "fmt"

// Code identifies a stable error category surfaced to callers and to the
// error-reporting sink. cmd/gateway switches on it to choose the process
// exit code; retry decisions use the Retryable field via IsRetryable.
type Code string

const (
	// Config errors.
	CodeInvalidConfig            Code = "invalid_config"
	CodeMissingClientCredentials Code = "missing_client_credentials"
	CodeUnsupportedAuthType      Code = "unsupported_auth_type"
	CodeMissingModuleType        Code = "missing_module_type"
	CodeToolsEntranceViolation   Code = "tools_entrance_violation"

	// Auth errors.
	CodeAuthMissing      Code = "auth_missing"
	CodeAuthInvalid      Code = "auth_invalid"
	CodeAuthFlowRejected Code = "auth_flow_rejected"
	CodeAuthFlowTimedOut Code = "auth_flow_timed_out"
	CodeRefreshFailed    Code = "refresh_failed"

	// Transport errors.
	CodeNetworkError Code = "network_error"
	CodeTimeout      Code = "timeout"
	CodeHTTPError    Code = "http_error"
	CodeRateLimited  Code = "rate_limited"
	CodeServerError  Code = "server_error"

	// Compatibility errors.
	CodeCompatToolTextEmpty       Code = "compat_tool_text_empty"
	CodeCompatToolCallArgsInvalid Code = "compat_tool_call_args_invalid"
	CodeCompatResponseInvalid     Code = "compat_response_invalid"

	// Pipeline errors.
	CodeRouteNotFound    Code = "route_not_found"
	CodeInstanceMissing  Code = "instance_missing"
	CodePreRunFailed     Code = "pre_run_failed"
)

// Error is the concrete error type used across the gateway. It carries a
// stable code, an optional HTTP status observed from the upstream, and a
// retryable flag per spec §7's propagation policy.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a non-retryable error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a non-retryable error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error that preserves an underlying cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithStatus builds a new error carrying the given HTTP status,
// with Retryable derived from the documented retry policy: >=500 or 429.
func WithStatus(code Code, status int, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: status,
		Retryable:  status == 429 || status >= 500,
	}
}

// RetryableErr marks e as retryable and returns it, for the transport-layer
// construction sites that already know their condition is retryable
// (network failure, timeout) regardless of HTTP status.
func RetryableErr(e *Error) *Error {
	e.Retryable = true
	return e
}

// IsRetryable reports whether err, if it is (or wraps) a *Error, is eligible
// for the single automatic retry described in spec §7.
func IsRetryable(err error) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Retryable
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Sink is the external error-reporting collaborator (spec §1 non-goal: the
// real sink lives outside this module). Reporting is always best-effort:
// sink failures never mask the original error.
type Sink interface {
	Report(requestID string, err error)
}

// NoopSink discards every report.
type NoopSink struct{}

func (NoopSink) Report(string, error) {}

// LogSink reports errors through its Logf function; with a nil Logf it drops
// every report. The pipeline manager's default when no sink is wired is
// NoopSink, not LogSink.
type LogSink struct {
	Logf func(format string, args ...any)
}

func (s LogSink) Report(requestID string, err error) {
	if s.Logf == nil || err == nil {
		return
	}
	s.Logf("error sink: request=%s err=%v", requestID, err)
}
