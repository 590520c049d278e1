package fastpath

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

// Common errors returned by the client.
var (
	// ErrCoolingDown is returned while the billing API is backing off after a
	// rate-limited response.
	ErrCoolingDown = errors.New("billing API cooling down")

	// ErrNoBalance is returned when no billing route yielded a balance.
	ErrNoBalance = errors.New("no balance in billing response")
)

// ErrorClass represents a classification of billing API errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors, e.g. a revoked key.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and local cooldown.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassParse represents a response without a usable balance.
	ErrorClassParse ErrorClass = "parse"
)

// Error is a billing API error with request context.
type Error struct {
	StatusCode int
	Class      ErrorClass
	Endpoint   string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("billing %s error", e.Class)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Endpoint != "" {
		msg += " " + e.Endpoint
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers match rejected keys and timeouts against the balance
// sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case balance.ErrAuth:
		return e.StatusCode == http.StatusUnauthorized
	case balance.ErrTimeout:
		return e.Class == ErrorClassNetwork && errors.Is(e.Err, context.DeadlineExceeded)
	}
	return false
}

// classifyStatus maps an HTTP status onto an error class.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error class is worth another attempt.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		// Client errors will not change; rate limits are handled by the cooldown.
		return false
	}
}

// errorClassOf extracts the class of err, or "" if err is not an *Error.
func errorClassOf(err error) ErrorClass {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ""
}
