package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"strings"
)

// ClientError is implemented by every error the client returns
type ClientError interface {
	error
	Type() ErrorType
}

// ErrorType defines the category of client error
type ErrorType string

const (
	NetworkError     ErrorType = "network"
	TimeoutError     ErrorType = "timeout"
	HTTPError        ErrorType = "http"
	ValidationError  ErrorType = "validation"
	InterceptorError ErrorType = "interceptor"
	RateLimitError   ErrorType = "rate_limit"
	AuthError        ErrorType = "auth"
	PermissionError  ErrorType = "permission"
	ServerError      ErrorType = "server"
)

// Error codes carried in APIError.Code when the server did not supply one
const (
	CodeNetwork        = "NETWORK_ERROR"
	CodeTimeout        = "TIMEOUT"
	CodeCanceled       = "CANCELED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeSessionExpired = "SESSION_EXPIRED"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeServerError    = "SERVER_ERROR"
	CodeHTTPError      = "HTTP_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeInterceptor    = "INTERCEPTOR_ERROR"
	CodeDecode         = "DECODE_ERROR"
)

// APIError is the normalized error shape callers can inspect uniformly
type APIError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`

	errType ErrorType
	cause   error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (status: %d, code: %s): %v", e.Message, e.Status, e.Code, e.cause)
	}
	return fmt.Sprintf("%s (status: %d, code: %s)", e.Message, e.Status, e.Code)
}

func (e *APIError) Type() ErrorType {
	return e.errType
}

func (e *APIError) Unwrap() error {
	return e.cause
}

func newAPIError(errType ErrorType, status int, code, message string, details any, cause error) *APIError {
	return &APIError{
		Message: message,
		Status:  status,
		Code:    code,
		Details: details,
		errType: errType,
		cause:   cause,
	}
}

// NewValidationError creates a validation error for bad client input
func NewValidationError(message, field string) *APIError {
	var details any
	if field != "" {
		details = map[string]string{"field": field}
	}
	return newAPIError(ValidationError, 0, CodeValidation, message, details, nil)
}

// NewInterceptorError creates an error for a failing interceptor
func NewInterceptorError(message, stage string, wrapped error) *APIError {
	return newAPIError(InterceptorError, 0, CodeInterceptor, message, map[string]string{"stage": stage}, wrapped)
}

// errorBody is the subset of API error payloads the client understands
type errorBody struct {
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Code    string          `json:"code"`
	Details any             `json:"details"`
}

// normalizeResponse turns a non-2xx response into an APIError, preferring the
// message and code sent by the server.
func normalizeResponse(resp *Response) *APIError {
	status := resp.StatusCode
	errType, code := classifyStatus(status)

	var body errorBody
	message := ""
	var details any
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil {
		message = body.Message
		if message == "" && len(body.Error) > 0 {
			var s string
			if json.Unmarshal(body.Error, &s) == nil {
				message = s
			}
		}
		if body.Code != "" {
			code = body.Code
		}
		details = body.Details
	}
	if message == "" {
		message = defaultStatusMessage(status)
	}
	return newAPIError(errType, status, code, message, details, nil)
}

func classifyStatus(status int) (ErrorType, string) {
	switch {
	case status == nethttp.StatusUnauthorized:
		return AuthError, CodeUnauthorized
	case status == nethttp.StatusForbidden:
		return PermissionError, CodeForbidden
	case status == nethttp.StatusTooManyRequests:
		return RateLimitError, CodeRateLimited
	case status >= 500:
		return ServerError, CodeServerError
	default:
		return HTTPError, CodeHTTPError
	}
}

func defaultStatusMessage(status int) string {
	if text := nethttp.StatusText(status); text != "" {
		return strings.ToLower(text)
	}
	return fmt.Sprintf("request failed with status %d", status)
}

// normalizeTransportError maps a failed round trip. Transport failures carry
// status 500 since no response exists.
func normalizeTransportError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case isTimeout(err):
		return newAPIError(TimeoutError, nethttp.StatusInternalServerError, CodeTimeout, "request timed out", nil, err)
	case errors.Is(err, context.Canceled):
		return newAPIError(NetworkError, nethttp.StatusInternalServerError, CodeCanceled, "request canceled", nil, err)
	default:
		return newAPIError(NetworkError, nethttp.StatusInternalServerError, CodeNetwork, "network error", nil, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sessionExpired(cause error) *APIError {
	details := map[string]string{}
	if cause != nil {
		details["reason"] = cause.Error()
	}
	return newAPIError(AuthError, nethttp.StatusUnauthorized, CodeSessionExpired,
		"session expired, please log in again", details, cause)
}

// AsAPIError extracts the normalized error from err
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	var clientErr ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type() == errorType
	}
	return false
}

// IsStatus checks if an error carries a specific status code
func IsStatus(err error, status int) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Status == status
}

// IsCode checks if an error carries a specific code
func IsCode(err error, code string) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// IsSuccessStatus checks if a status code represents success (2xx)
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
