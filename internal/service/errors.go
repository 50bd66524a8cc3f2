// Package service implements the gateway's core behavior: API key
// verification, model routing, circuit breaking, load balancing,
// upstream forwarding with failover, and request logging.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/user/llm-gateway-go/internal/models"
)

// Error codes returned to clients. Upstream provider errors are mapped
// onto these so that downstream responses never leak provider details.
const (
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeMissingAPIKey           = "MISSING_API_KEY"
	CodeInvalidAPIKey           = "INVALID_API_KEY"
	CodeExpiredAPIKey           = "EXPIRED_API_KEY"
	CodeNoUpstreamsConfigured   = "NO_UPSTREAMS_CONFIGURED"
	CodeAllUpstreamsUnavailable = "ALL_UPSTREAMS_UNAVAILABLE"
	CodeNoHealthyUpstreams      = "NO_HEALTHY_UPSTREAMS"
	CodeRequestTimeout          = "REQUEST_TIMEOUT"
	CodeClientDisconnected      = "CLIENT_DISCONNECTED"
	CodeCircuitOpen             = "CIRCUIT_OPEN"
	CodeServiceUnavailable      = "SERVICE_UNAVAILABLE"
	CodeNotFound                = "NOT_FOUND"
	CodeConflict                = "CONFLICT"
	CodeStreamError             = "STREAM_ERROR"
)

// StatusClientClosedRequest is the nginx convention for a client that
// went away before the response completed.
const StatusClientClosedRequest = 499

// GatewayError is an error with a stable code and an HTTP status.
type GatewayError struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a GatewayError with the canonical status for code.
func NewGatewayError(code, message string) *GatewayError {
	return &GatewayError{Code: code, Status: statusForCode(code), Message: message}
}

// WrapGatewayError is NewGatewayError with an underlying cause attached.
// The cause shows up in logs but never in client responses.
func WrapGatewayError(code, message string, err error) *GatewayError {
	return &GatewayError{Code: code, Status: statusForCode(code), Message: message, Err: err}
}

func statusForCode(code string) int {
	switch code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeMissingAPIKey, CodeInvalidAPIKey, CodeExpiredAPIKey:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case CodeClientDisconnected:
		return StatusClientClosedRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// AsGatewayError extracts a GatewayError from err, mapping unknown
// errors to SERVICE_UNAVAILABLE so that nothing internal leaks out.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewGatewayError(CodeRequestTimeout, "upstream request timed out")
	}
	return WrapGatewayError(CodeServiceUnavailable, "service unavailable", err)
}

// isTimeoutError reports whether err is a deadline or network timeout.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classifyAttemptError maps a forwarding error to the error type
// recorded in failover history. Status takes precedence when the
// upstream answered at all.
func classifyAttemptError(statusCode int, err error) models.ErrorType {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return models.ErrTypeHTTP429
	case statusCode >= 500:
		return models.ErrTypeHTTP5xx
	case statusCode >= 400:
		return models.ErrTypeHTTP4xx
	}

	var ge *GatewayError
	if errors.As(err, &ge) && ge.Code == CodeCircuitOpen {
		return models.ErrTypeCircuitOpen
	}
	if isTimeoutError(err) {
		return models.ErrTypeTimeout
	}
	return models.ErrTypeConnectionError
}

// isFailoverableError reports whether a forwarding error warrants trying
// the next candidate. Timeouts, network failures, and a blocking circuit
// qualify; anything else aborts the failover loop.
func isFailoverableError(err error) bool {
	if isTimeoutError(err) {
		return true
	}
	var ge *GatewayError
	if errors.As(err, &ge) && ge.Code == CodeCircuitOpen {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
